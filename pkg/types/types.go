// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: markets, order book
// snapshots, orders, funding state and the wire payloads of the exchange's
// signing and submission endpoints. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case BUY:
		return BUY, nil
	case SELL:
		return SELL, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET" // executes against resting liquidity immediately
)

// TimeInForce controls how long an order may rest before it is killed.
type TimeInForce string

const (
	FOK TimeInForce = "FOK" // Fill-Or-Kill: fill entirely right now or not at all
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is the internal representation of one binary-outcome question.
// Populated by the catalog from the market-data provider and treated as an
// immutable snapshot for the duration of one engine run.
type Market struct {
	ID          string // provider market ID
	ConditionID string // CTF condition ID
	Slug        string // human-readable URL slug
	Question    string // the prediction question, e.g. "Will X win Y?"
	Description string // free-text resolution description
	Category    string // topic category assigned by the catalog

	EndDate    time.Time // scheduled resolution time
	HasEndDate bool      // false when the provider sent no end timestamp

	Outcomes []string // outcome labels, parallel to TokenIDs
	TokenIDs []string // CLOB token IDs, parallel to Outcomes

	Active bool // provider liveness flag (not trusted on its own)
	Closed bool // market has been resolved
}

// Validate reports whether the outcome and token sequences can be paired.
func (m Market) Validate() error {
	if len(m.TokenIDs) == 0 || len(m.Outcomes) == 0 {
		return fmt.Errorf("%w: market %s has no outcome tokens", ErrMalformed, m.ID)
	}
	if len(m.TokenIDs) != len(m.Outcomes) {
		return fmt.Errorf("%w: market %s has %d outcomes but %d tokens",
			ErrMalformed, m.ID, len(m.Outcomes), len(m.TokenIDs))
	}
	return nil
}

// Live reports whether the market is open for trading at now. The provider's
// Active flag is required but never sufficient: the end timestamp must also
// lie in the future.
func (m Market) Live(now time.Time) bool {
	if !m.Active || m.Closed {
		return false
	}
	if m.HasEndDate && !m.EndDate.After(now) {
		return false
	}
	return true
}

// Selection is the single (market, outcome, token) triple chosen by the
// liquidity selector, along with the book figures that produced its score.
type Selection struct {
	Market  Market
	Outcome string
	TokenID string
	Score   decimal.Decimal // (bid depth + ask depth) / spread
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level as returned on the wire.
// Price and Size are strings because the CLOB API returns them as strings
// to preserve decimal precision.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from the book endpoint for a single token.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
}

// Level is a parsed order book level.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot is a point-in-time view of one token's order book.
// Fetched fresh for every selection decision and never cached across runs.
type OrderBookSnapshot struct {
	AssetID   string  // token ID this book belongs to
	Bids      []Level // sorted descending by price (best bid first)
	Asks      []Level // sorted ascending by price (best ask first)
	Timestamp time.Time
}

// BestBid returns the top bid, if any.
func (s OrderBookSnapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (s OrderBookSnapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// TwoSided reports whether both sides of the book have at least one level.
func (s OrderBookSnapshot) TwoSided() bool {
	return len(s.Bids) > 0 && len(s.Asks) > 0
}

// ————————————————————————————————————————————————————————————————————————
// Funding
// ————————————————————————————————————————————————————————————————————————

// FundingState is the wallet's funding-asset balance and the allowance granted
// to the exchange's settlement contract. Raw values are in the asset's
// smallest unit; the decimal values are scaled by the asset's decimals.
type FundingState struct {
	Owner        string
	RawBalance   *big.Int
	RawAllowance *big.Int
	Balance      decimal.Decimal
	Allowance    decimal.Decimal
}

// Covers reports whether both balance and allowance reach notional.
func (f FundingState) Covers(notional decimal.Decimal) bool {
	return f.Balance.GreaterThanOrEqual(notional) && f.Allowance.GreaterThanOrEqual(notional)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the engine's trade intent.
type Order struct {
	TokenID     string
	Side        Side
	Type        OrderType
	Size        decimal.Decimal // quantity in outcome shares
	TimeInForce TimeInForce
}

// UnsignedOrder is the request body for the signing endpoint.
type UnsignedOrder struct {
	TokenID     string      `json:"token_id"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Size        string      `json:"size"`
	TimeInForce TimeInForce `json:"time_in_force"`
}

// Unsigned converts an Order into its signing-endpoint payload.
func (o Order) Unsigned() UnsignedOrder {
	return UnsignedOrder{
		TokenID:     o.TokenID,
		Side:        o.Side,
		Type:        o.Type,
		Size:        o.Size.String(),
		TimeInForce: o.TimeInForce,
	}
}

// SignatureResponse is returned by the signing endpoint. All three fields are
// required; the exchange may encode nonce and expiration as numbers or strings.
type SignatureResponse struct {
	Nonce      FlexString `json:"nonce"`
	Expiration FlexString `json:"expiration"`
	Signature  FlexString `json:"signature"`
}

// Complete reports whether nonce, expiration and signature are all present.
func (r SignatureResponse) Complete() bool {
	return r.Nonce != "" && r.Expiration != "" && r.Signature != ""
}

// Missing lists the absent fields, for error messages.
func (r SignatureResponse) Missing() []string {
	var missing []string
	if r.Nonce == "" {
		missing = append(missing, "nonce")
	}
	if r.Expiration == "" {
		missing = append(missing, "expiration")
	}
	if r.Signature == "" {
		missing = append(missing, "signature")
	}
	return missing
}

// SignedOrder is the request body for the order submission endpoint: the
// unsigned intent plus the signing endpoint's output and the wallet address.
type SignedOrder struct {
	UnsignedOrder
	Nonce      string `json:"nonce"`
	Expiration string `json:"expiration"`
	Signature  string `json:"signature"`
	Wallet     string `json:"wallet"`
}

// TxData is an on-chain settlement instruction returned by the exchange.
type TxData struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

// SubmitResponse is the submission endpoint's response. Either the order was
// resolved by the matching engine, or TxData carries a settlement instruction.
type SubmitResponse struct {
	Success  *bool   `json:"success,omitempty"`
	OrderID  string  `json:"orderID,omitempty"`
	Status   string  `json:"status,omitempty"`
	ErrorMsg string  `json:"errorMsg,omitempty"`
	TxData   *TxData `json:"tx_data,omitempty"`
}

// Refused reports an explicit success:false from the exchange.
func (r SubmitResponse) Refused() bool {
	return r.Success != nil && !*r.Success
}

// NeedsSettlement reports whether the response carries a settlement instruction.
func (r SubmitResponse) NeedsSettlement() bool {
	return r.TxData != nil
}

// FlexString decodes a JSON string or number into its textual form.
// JSON null and absent fields decode to "".
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }
