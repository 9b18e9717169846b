package market

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"polymarket-exec/pkg/types"
)

// DecodeList normalizes an outcome-label or outcome-token field into a flat
// ordered list. The provider sends these either as native JSON arrays or as
// strings holding an encoded array, sometimes in Python literal syntax:
//
//	["111","222"]
//	"[\"111\", \"222\"]"
//	"['111','222']"
//	"[111, 222]"
//
// Absent, null and empty values decode to an empty list with no error. JSON
// kinds that cannot describe a list (objects, bare numbers, booleans, nested
// arrays) return an error wrapping types.ErrMalformed.
func DecodeList(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []string{}, nil
	}

	switch raw[0] {
	case '[':
		return decodeArray(raw)
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return []string{}, fmt.Errorf("%w: decode string field: %v", types.ErrMalformed, err)
		}
		return DecodeString(s), nil
	default:
		return []string{}, fmt.Errorf("%w: unsupported list encoding %.32q", types.ErrMalformed, raw)
	}
}

// DecodeString handles the string-encoded forms: a JSON array literal first,
// then bracket stripping with quote trimming, and finally the raw string as a
// single element.
func DecodeString(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}
	}

	if strings.HasPrefix(s, "[") {
		if out, err := decodeArray([]byte(s)); err == nil {
			return out
		}
		if out, ok := splitBracketed(s); ok {
			return out
		}
	}
	return []string{s}
}

// DecodeMarketTokens decodes both outcome fields of a market and enforces that
// labels and tokens pair up one to one.
func DecodeMarketTokens(outcomesRaw, tokensRaw json.RawMessage) (outcomes, tokens []string, err error) {
	outcomes, err = DecodeList(outcomesRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("outcomes: %w", err)
	}
	tokens, err = DecodeList(tokensRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("token ids: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("%w: no token ids", types.ErrMalformed)
	}
	if len(outcomes) != len(tokens) {
		return nil, nil, fmt.Errorf("%w: %d outcomes for %d token ids", types.ErrMalformed, len(outcomes), len(tokens))
	}
	return outcomes, tokens, nil
}

// decodeArray parses a JSON array and coerces each scalar element to its
// textual form. json.Number keeps large token ids exact.
func decodeArray(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var items []any
	if err := dec.Decode(&items); err != nil {
		return []string{}, fmt.Errorf("%w: decode array: %v", types.ErrMalformed, err)
	}

	out := make([]string, 0, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, strings.TrimSpace(v))
		case json.Number:
			out = append(out, v.String())
		case bool:
			out = append(out, strconv.FormatBool(v))
		default:
			return []string{}, fmt.Errorf("%w: element %d has type %T", types.ErrMalformed, i, item)
		}
	}
	return out, nil
}

// splitBracketed is the fallback for single-quoted or otherwise non-JSON list
// literals: strip the brackets, split on commas, trim quotes.
func splitBracketed(s string) ([]string, bool) {
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, false
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return []string{}, true
	}

	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.Trim(p, `"'`)
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out, true
}
