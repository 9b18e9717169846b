package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-exec/internal/config"
	"polymarket-exec/pkg/types"
)

// GammaMarket is the JSON shape returned by the Gamma API. Outcomes and
// ClobTokenIds arrive either as native arrays or as string-encoded arrays and
// are decoded through DecodeList.
type GammaMarket struct {
	ID           string          `json:"id"`
	Question     string          `json:"question"`
	Description  string          `json:"description"`
	ConditionID  string          `json:"conditionId"`
	Slug         string          `json:"slug"`
	Active       bool            `json:"active"`
	Closed       bool            `json:"closed"`
	EndDate      string          `json:"endDate"`
	EndDateISO   string          `json:"endDateIso"`
	Outcomes     json.RawMessage `json:"outcomes"`
	ClobTokenIds json.RawMessage `json:"clobTokenIds"`
}

// Topic is the two-tier relevance filter. A market qualifies when its
// question or description mentions at least one Keyword and at least one
// EventTerm, and none of Exclude.
type Topic struct {
	Keywords   []string
	EventTerms []string
	Exclude    []string
}

// TopicFromConfig builds the default topic from the catalog section.
func TopicFromConfig(cfg config.CatalogConfig) Topic {
	return Topic{
		Keywords:   cfg.Keywords,
		EventTerms: cfg.EventTerms,
		Exclude:    cfg.ExcludeKeywords,
	}
}

// CatalogResult is the outcome of one ListCandidates call.
type CatalogResult struct {
	Markets   []types.Market
	Strategy  string // name of the accepted query strategy, empty when exhausted
	Exhausted bool   // no strategy returned a single live market
	Fetched   int    // markets returned by the accepted strategy
	Live      int    // of those, live by our clock
	Rejected  int    // live but untradable (malformed outcome fields)
	FetchedAt time.Time
}

// Catalog fetches the Gamma market list and reduces it to candidate markets:
// live by our own clock, tradable (outcomes pair with tokens) and on topic.
//
// The provider's active=true filter regularly returns markets whose end date
// has passed, so liveness is always re-checked locally, and several query
// strategies are tried in order until one yields a live market.
type Catalog struct {
	httpClient *resty.Client
	strategies []config.QueryStrategy
	categories *Categorizer
	logger     *slog.Logger
	now        func() time.Time
}

// NewCatalog creates a market catalog against cfg.API.GammaBaseURL.
func NewCatalog(cfg config.Config, logger *slog.Logger) *Catalog {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(cfg.API.Timeout).
		SetRetryCount(cfg.API.ReadRetries).
		SetRetryWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	strategies := cfg.Catalog.Strategies
	if len(strategies) == 0 {
		strategies = config.DefaultStrategies()
	}

	return &Catalog{
		httpClient: client,
		strategies: strategies,
		categories: NewCategorizer(cfg.Catalog.Categories),
		logger:     logger.With("component", "catalog"),
		now:        time.Now,
	}
}

// ListCandidates runs the query strategies in order and returns the topical,
// tradable markets of the first strategy that produced any live market.
//
// Exhausting every strategy without a live market is reported through
// CatalogResult.Exhausted with a nil error. An error wrapping
// types.ErrUnavailable is returned only when every strategy failed at the
// transport level.
func (c *Catalog) ListCandidates(ctx context.Context, topic Topic) (*CatalogResult, error) {
	var transportErrs []error

	for _, strat := range c.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := c.fetchMarkets(ctx, strat)
		if err != nil {
			c.logger.Warn("market list strategy failed", "strategy", strat.Name, "error", err)
			transportErrs = append(transportErrs, err)
			continue
		}

		now := c.now()
		live := make([]GammaMarket, 0, len(raw))
		for _, gm := range raw {
			if isLive(gm, now) {
				live = append(live, gm)
			}
		}
		if len(live) == 0 {
			c.logger.Info("strategy returned no live markets", "strategy", strat.Name, "fetched", len(raw))
			continue
		}

		result := &CatalogResult{
			Strategy:  strat.Name,
			Fetched:   len(raw),
			Live:      len(live),
			FetchedAt: now,
		}
		for _, gm := range live {
			m, err := c.convert(gm, now)
			if err != nil {
				result.Rejected++
				c.logger.Debug("skipping untradable market", "market", gm.ID, "error", err)
				continue
			}
			if !topic.Matches(m.Question, m.Description) {
				continue
			}
			result.Markets = append(result.Markets, m)
		}

		c.logger.Info("catalog complete",
			"strategy", strat.Name,
			"fetched", result.Fetched,
			"live", result.Live,
			"rejected", result.Rejected,
			"candidates", len(result.Markets),
		)
		return result, nil
	}

	if len(c.strategies) > 0 && len(transportErrs) == len(c.strategies) {
		return nil, fmt.Errorf("%w: list markets: %w", types.ErrUnavailable, errors.Join(transportErrs...))
	}
	c.logger.Warn("all market list strategies exhausted without a live market")
	return &CatalogResult{Exhausted: true, FetchedAt: c.now()}, nil
}

func (c *Catalog) fetchMarkets(ctx context.Context, strat config.QueryStrategy) ([]GammaMarket, error) {
	params := map[string]string{
		"limit":     strconv.Itoa(strat.Limit),
		"ascending": strconv.FormatBool(strat.Ascending),
	}
	if strat.Order != "" {
		params["order"] = strat.Order
	}
	if strat.ActiveOnly {
		params["active"] = "true"
		params["closed"] = "false"
	}

	var page []GammaMarket
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets (%s): %w", strat.Name, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch markets (%s): status %d: %s", strat.Name, resp.StatusCode(), resp.String())
	}
	return page, nil
}

// convert decodes the outcome fields and produces the internal Market. Any
// decoding failure or label/token mismatch makes the market untradable.
func (c *Catalog) convert(gm GammaMarket, now time.Time) (types.Market, error) {
	outcomes, tokens, err := DecodeMarketTokens(gm.Outcomes, gm.ClobTokenIds)
	if err != nil {
		return types.Market{}, fmt.Errorf("market %s: %w", gm.ID, err)
	}

	end, hasEnd, _ := parseEndDate(gm.endDateField())
	m := types.Market{
		ID:          gm.ID,
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		Description: gm.Description,
		EndDate:     end,
		HasEndDate:  hasEnd,
		Outcomes:    outcomes,
		TokenIDs:    tokens,
		Active:      gm.Active,
		Closed:      gm.Closed,
	}
	m.Category = c.categories.Categorize(m.Question, m.Description)
	if err := m.Validate(); err != nil {
		return types.Market{}, err
	}
	if !m.Live(now) {
		return types.Market{}, fmt.Errorf("market %s expired", gm.ID)
	}
	return m, nil
}

func (gm GammaMarket) endDateField() string {
	if gm.EndDate != "" {
		return gm.EndDate
	}
	return gm.EndDateISO
}

// isLive applies the local liveness check to a raw market. Absent end dates
// are kept; unparseable ones are discarded.
func isLive(gm GammaMarket, now time.Time) bool {
	if !gm.Active || gm.Closed {
		return false
	}
	end, hasEnd, err := parseEndDate(gm.endDateField())
	if err != nil {
		return false
	}
	return !hasEnd || end.After(now)
}

var endDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseEndDate parses the provider's end timestamp. A trailing "Z" is
// rewritten to "+00:00" before parsing; layouts without a zone are read as UTC.
func parseEndDate(s string) (t time.Time, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	for _, layout := range endDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("%w: end date %q", types.ErrMalformed, s)
}

// Matches reports whether text passes the two-tier topic filter.
func (t Topic) Matches(question, description string) bool {
	text := strings.ToLower(question + " " + description)
	return containsAny(text, t.Keywords) &&
		containsAny(text, t.EventTerms) &&
		!containsAny(text, t.Exclude)
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" && strings.Contains(text, term) {
			return true
		}
	}
	return false
}
