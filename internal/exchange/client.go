// Package exchange implements the CLOB REST client used by the execution engine.
//
//   - GetOrderBook:      GET  /book?token_id=        (falls back to GET /book/{id})
//   - RequestSignature:  POST /orders/signature      exchange-issued nonce/expiration/signature
//   - SubmitOrder:       POST /orders                signed order plus wallet address
//   - DeriveAPIKey:      GET  /auth/derive-api-key   bootstrap L2 creds from the wallet
//
// Reads and signing go through a resty client that retries transport errors
// and 5xx responses. Submission uses a separate client with retries disabled:
// a second POST of a signed order could fill twice.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"polymarket-exec/internal/config"
	"polymarket-exec/internal/market"
	"polymarket-exec/pkg/types"
)

// Client is the CLOB REST API client.
type Client struct {
	read   *resty.Client // book reads, signing, key derivation: bounded retries
	write  *resty.Client // order submission: never retried
	auth   *Auth
	rl     *RateLimiter
	paths  config.APIConfig
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	timeout := cfg.API.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	read := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.API.ReadRetries).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	write := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	return &Client{
		read:   read,
		write:  write,
		auth:   auth,
		rl:     NewRateLimiter(),
		paths:  cfg.API,
		logger: logger.With("component", "exchange"),
	}
}

// GetOrderBook fetches the order book for a single token. The query-parameter
// endpoint is tried first; the path-segment form only when that fails. A book
// that exists but is empty is returned as such, never as an error.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	primary, err := c.fetchBook(ctx, c.paths.BookPath, map[string]string{"token_id": tokenID})
	if err == nil {
		return primary, nil
	}
	if ctx.Err() != nil || c.paths.BookAltPath == "" {
		return nil, fmt.Errorf("%w: get book %s: %w", types.ErrUnavailable, tokenID, err)
	}

	c.logger.Debug("primary book endpoint failed, trying path form", "token", tokenID, "error", err)
	alt := strings.ReplaceAll(c.paths.BookAltPath, "{token_id}", url.PathEscape(tokenID))
	book, altErr := c.fetchBook(ctx, alt, nil)
	if altErr != nil {
		return nil, fmt.Errorf("%w: get book %s: %w", types.ErrUnavailable, tokenID, errors.Join(err, altErr))
	}
	return book, nil
}

// OrderBook fetches and normalizes a token's book.
func (c *Client) OrderBook(ctx context.Context, tokenID string) (types.OrderBookSnapshot, error) {
	resp, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	snap, err := market.ParseSnapshot(resp)
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	if snap.AssetID == "" {
		snap.AssetID = tokenID
	}
	return snap, nil
}

func (c *Client) fetchBook(ctx context.Context, path string, query map[string]string) (*types.BookResponse, error) {
	req := c.read.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get %s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return decodeBook(resp.Body())
}

// decodeBook accepts either a book object or an array whose first element is
// the book.
func decodeBook(body []byte) (*types.BookResponse, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty book body", types.ErrMalformed)
	}

	if body[0] == '[' {
		var books []types.BookResponse
		if err := json.Unmarshal(body, &books); err != nil {
			return nil, fmt.Errorf("%w: decode book array: %v", types.ErrMalformed, err)
		}
		if len(books) == 0 {
			return &types.BookResponse{}, nil
		}
		return &books[0], nil
	}

	var book types.BookResponse
	if err := json.Unmarshal(body, &book); err != nil {
		return nil, fmt.Errorf("%w: decode book: %v", types.ErrMalformed, err)
	}
	return &book, nil
}

// RequestSignature asks the exchange to sign an unsigned order. Nothing is
// committed until submission, so transport failures here are retried by the
// read client. An incomplete response is returned as-is; the caller decides.
func (c *Client) RequestSignature(ctx context.Context, order types.UnsignedOrder) (*types.SignatureResponse, error) {
	if err := c.rl.Sign.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("marshal unsigned order: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, c.paths.SignaturePath, string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.SignatureResponse
	resp, err := c.read.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Post(c.paths.SignaturePath)
	if err != nil {
		return nil, fmt.Errorf("%w: request signature: %w", types.ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: request signature: status %d: %s", types.ErrRejected, resp.StatusCode(), resp.String())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: decode signature response: %v", types.ErrMalformed, err)
	}
	return &result, nil
}

// SubmitOrder posts a signed order exactly once. A transport error leaves the
// order's fate unknown to us and is reported, not retried.
func (c *Client) SubmitOrder(ctx context.Context, order types.SignedOrder) (*types.SubmitResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("marshal signed order: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, c.paths.OrderPath, string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.SubmitResponse
	resp, err := c.write.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Post(c.paths.OrderPath)
	if err != nil {
		return nil, fmt.Errorf("%w: submit order: %w", types.ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("%w: submit order: status %d: %s", types.ErrRejected, resp.StatusCode(), resp.String())
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: decode submit response: %v", types.ErrMalformed, err)
	}
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication and installs
// them on the client's Auth.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.read.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
