// Package strategy picks the single most liquid outcome token among the
// catalog's candidate markets.
//
// Each (market, outcome, token) candidate is scored from a fresh book:
//
//	score = (Σ top-N bid sizes + Σ top-N ask sizes) / (bestAsk − bestBid)
//
// A token is eligible only when both sides have levels and the spread is
// strictly positive. Ineligible tokens have no score at all, so a dead book
// can never beat a live one by scoring zero.
//
// Books are fetched concurrently. Every fetch writes only its own result slot
// and one pass over the slots, in candidate order, keeps the running maximum.
// Ties go to the candidate seen first, so identical books always produce the
// identical selection.
package strategy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"polymarket-exec/internal/config"
	"polymarket-exec/internal/market"
	"polymarket-exec/pkg/types"
)

// BookFetcher returns a fresh, normalized book for one token.
// *exchange.Client implements it.
type BookFetcher interface {
	OrderBook(ctx context.Context, tokenID string) (types.OrderBookSnapshot, error)
}

// Selector scores candidate tokens and picks the best one.
type Selector struct {
	books       BookFetcher
	depth       int
	concurrency int
	logger      *slog.Logger
}

// NewSelector creates a selector from the selector config section.
func NewSelector(books BookFetcher, cfg config.SelectorConfig, logger *slog.Logger) *Selector {
	depth := cfg.DepthLevels
	if depth <= 0 {
		depth = 3
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Selector{
		books:       books,
		depth:       depth,
		concurrency: concurrency,
		logger:      logger.With("component", "selector"),
	}
}

// Score computes the liquidity score of snap over the top depth levels.
// ok is false when either side is empty or the spread is not positive.
func Score(snap types.OrderBookSnapshot, depth int) (score decimal.Decimal, ok bool) {
	bid, hasBid := snap.BestBid()
	ask, hasAsk := snap.BestAsk()
	if !hasBid || !hasAsk {
		return decimal.Zero, false
	}
	spread := ask.Price.Sub(bid.Price)
	if !spread.IsPositive() {
		return decimal.Zero, false
	}
	total := market.Depth(snap.Bids, depth).Add(market.Depth(snap.Asks, depth))
	return total.Div(spread), true
}

type candidate struct {
	market  *types.Market
	outcome string
	tokenID string
}

type scored struct {
	snap  types.OrderBookSnapshot
	score decimal.Decimal
	ok    bool
	err   error
}

// SelectBest returns the highest-scoring (market, outcome, token) triple, or
// nil when no candidate has a usable book. Markets whose outcome and token
// lists do not pair up are skipped. Unavailable or malformed books are logged
// and skipped; only context cancellation is returned as an error.
func (s *Selector) SelectBest(ctx context.Context, markets []types.Market) (*types.Selection, error) {
	cands := s.candidates(markets)
	if len(cands) == 0 {
		return nil, nil
	}

	results := make([]scored, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, c := range cands {
		g.Go(func() error {
			snap, err := s.books.OrderBook(gctx, c.tokenID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				results[i] = scored{err: err}
				return nil
			}
			score, ok := Score(snap, s.depth)
			results[i] = scored{snap: snap, score: score, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		best     *types.Selection
		eligible int
		skipped  int
	)
	for i, r := range results {
		c := cands[i]
		if r.err != nil {
			skipped++
			level := slog.LevelWarn
			if errors.Is(r.err, types.ErrMalformed) {
				level = slog.LevelInfo
			}
			s.logger.Log(ctx, level, "book unavailable, skipping token", "market", c.market.ID, "token", c.tokenID, "error", r.err)
			continue
		}
		if !r.ok {
			continue
		}
		eligible++
		if best == nil || r.score.GreaterThan(best.Score) {
			bid, _ := r.snap.BestBid()
			ask, _ := r.snap.BestAsk()
			best = &types.Selection{
				Market:  *c.market,
				Outcome: c.outcome,
				TokenID: c.tokenID,
				Score:   r.score,
				BestBid: bid.Price,
				BestAsk: ask.Price,
			}
		}
	}

	s.logger.Info("selection complete",
		"candidates", len(cands),
		"eligible", eligible,
		"skipped", skipped,
		"selected", best != nil,
	)
	if best != nil {
		s.logger.Info("best token",
			"market", best.Market.ID,
			"question", best.Market.Question,
			"outcome", best.Outcome,
			"token", best.TokenID,
			"score", best.Score.StringFixed(4),
			"bid", best.BestBid,
			"ask", best.BestAsk,
		)
	}
	return best, nil
}

// candidates flattens markets into scoring candidates in first-seen order.
func (s *Selector) candidates(markets []types.Market) []candidate {
	var out []candidate
	for i := range markets {
		m := &markets[i]
		if err := m.Validate(); err != nil {
			s.logger.Debug("skipping market", "market", m.ID, "error", err)
			continue
		}
		for j, tokenID := range m.TokenIDs {
			out = append(out, candidate{market: m, outcome: m.Outcomes[j], tokenID: tokenID})
		}
	}
	return out
}
