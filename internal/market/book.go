// Package market provides market discovery and order book normalization.
//
// The Catalog fetches the market-data provider's market list, re-filters it
// for liveness and topic, and decodes the outcome fields through the codec.
// ParseSnapshot turns a raw book response into a sorted, decimal-typed
// OrderBookSnapshot for the liquidity scorer.
package market

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-exec/pkg/types"
)

// ParseSnapshot converts a REST book response into a snapshot with bids sorted
// descending and asks sorted ascending. The exchange usually sends bids worst
// first, so order is never assumed. Zero-size levels are dropped; a level whose
// price or size does not parse makes the whole book malformed.
func ParseSnapshot(resp *types.BookResponse) (types.OrderBookSnapshot, error) {
	if resp == nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("%w: nil book response", types.ErrMalformed)
	}

	bids, err := parseLevels(resp.Bids)
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("book %s bids: %w", resp.AssetID, err)
	}
	asks, err := parseLevels(resp.Asks)
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("book %s asks: %w", resp.AssetID, err)
	}

	slices.SortStableFunc(bids, func(a, b types.Level) int { return b.Price.Cmp(a.Price) })
	slices.SortStableFunc(asks, func(a, b types.Level) int { return a.Price.Cmp(b.Price) })

	return types.OrderBookSnapshot{
		AssetID:   resp.AssetID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: parseBookTimestamp(resp.Timestamp),
	}, nil
}

// Depth sums the sizes of the first n levels.
func Depth(levels []types.Level, n int) decimal.Decimal {
	total := decimal.Zero
	for i, lvl := range levels {
		if i >= n {
			break
		}
		total = total.Add(lvl.Size)
	}
	return total
}

func parseLevels(raw []types.PriceLevel) ([]types.Level, error) {
	levels := make([]types.Level, 0, len(raw))
	for i, pl := range raw {
		price, err := decimal.NewFromString(strings.TrimSpace(pl.Price))
		if err != nil {
			return nil, fmt.Errorf("%w: level %d price %q", types.ErrMalformed, i, pl.Price)
		}
		size, err := decimal.NewFromString(strings.TrimSpace(pl.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: level %d size %q", types.ErrMalformed, i, pl.Size)
		}
		if price.IsNegative() || size.IsNegative() {
			return nil, fmt.Errorf("%w: level %d negative value", types.ErrMalformed, i)
		}
		if size.IsZero() {
			continue
		}
		levels = append(levels, types.Level{Price: price, Size: size})
	}
	return levels, nil
}

// parseBookTimestamp reads the exchange's millisecond epoch string, falling
// back to the local clock.
func parseBookTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
