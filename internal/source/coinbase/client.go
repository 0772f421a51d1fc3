// Package coinbase implements source.TradeSource against the public
// Coinbase Advanced Trade API. The /market/ endpoints need no
// authentication; trades are queried by UNIX-second time window and
// paginated backward from the window end.
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/arcana-io/arcana/internal/metrics"
	"github.com/arcana-io/arcana/internal/model"
	"github.com/arcana-io/arcana/internal/source"
)

const (
	// BaseURL is the production Advanced Trade host.
	BaseURL = "https://api.coinbase.com"

	apiPrefix = "/api/v3/brokerage/market"

	// DefaultPageLimit is the empirical page-size ceiling. The API
	// accepts up to 1000; 2500+ returns 500 errors, and the server does
	// not validate excessive values, so never assume it will.
	DefaultPageLimit = 1000

	// DefaultMinDelay keeps us around 8 req/s against the public 10 req/s
	// limit.
	DefaultMinDelay = 120 * time.Millisecond

	maxRetries = 4
)

// retryBackoff is the wait ladder between transient-failure retries.
var retryBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

// Config tunes the client. Zero values fall back to the defaults above.
type Config struct {
	BaseURL   string
	PageLimit int
	MinDelay  time.Duration
	Timeout   time.Duration
}

// Client fetches trades from the Advanced Trade API. Safe for use from a
// single ingester goroutine; the rate limiter serializes request pacing.
type Client struct {
	baseURL   string
	pageLimit int
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

var _ source.TradeSource = (*Client)(nil)

// New builds a client from cfg.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		pageLimit: cfg.PageLimit,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "coinbase",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 8
			},
		}),
	}
}

// Name returns the exchange tag stored with every trade.
func (c *Client) Name() string { return "coinbase" }

// transientError marks a failure as retryable: HTTP 5xx, 429, or a
// transport-level error.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// httpStatusError is a non-2xx response that is not worth retrying.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("coinbase: HTTP %d: %s", e.status, e.body)
}

// getJSON performs one rate-limited GET through the circuit breaker and
// decodes the response into out. Transient failures come back wrapped in
// *transientError for the retry ladder to recognize.
func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (any, error) {
		u := c.baseURL + endpoint
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &transientError{err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &transientError{err: &httpStatusError{status: resp.StatusCode, body: string(body)}}
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, &httpStatusError{status: resp.StatusCode, body: string(body)}
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return nil, nil
	})
	return err
}

// requestWithRetry runs getJSON through the exponential backoff ladder.
// Only transient failures retry; cancellation ends the ladder after the
// in-flight attempt.
func (c *Client) requestWithRetry(ctx context.Context, endpoint string, params url.Values, out any) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = c.getJSON(ctx, endpoint, params, out)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == maxRetries {
			return err
		}
		wait := retryBackoff[attempt]
		metrics.HTTPRetries.Inc()
		log.Warn().
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Dur("backoff", wait).
			Err(err).
			Msg("coinbase request failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func isTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	// The breaker reports open-circuit as its own error; treat it as
	// transient so the backoff ladder gives it time to half-open.
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// rawTrade mirrors one element of the API's trades array. Numeric fields
// arrive as strings and are parsed into exact decimals.
type rawTrade struct {
	TradeID   string `json:"trade_id"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Time      string `json:"time"`
	Side      string `json:"side"`
}

type tickerResponse struct {
	Trades []rawTrade `json:"trades"`
}

func (c *Client) parseTrade(raw rawTrade, pair string) (model.Trade, error) {
	ts, err := time.Parse(time.RFC3339Nano, raw.Time)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parsing trade time %q: %w", raw.Time, err)
	}
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parsing trade price %q: %w", raw.Price, err)
	}
	size, err := decimal.NewFromString(raw.Size)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parsing trade size %q: %w", raw.Size, err)
	}

	side := model.SideUnknown
	switch strings.ToUpper(raw.Side) {
	case "BUY":
		side = model.SideBuy
	case "SELL":
		side = model.SideSell
	}

	return model.Trade{
		Timestamp: ts.UTC(),
		TradeID:   raw.TradeID,
		Source:    c.Name(),
		Pair:      pair,
		Price:     price,
		Size:      size,
		Side:      side,
	}, nil
}

// fetchPage performs a single ticker call bounded by [start, end] and
// returns the parsed trades, unsorted.
func (c *Client) fetchPage(ctx context.Context, pair string, start, end time.Time) ([]model.Trade, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(c.pageLimit))
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))

	var resp tickerResponse
	endpoint := fmt.Sprintf("%s/products/%s/ticker", apiPrefix, pair)
	if err := c.requestWithRetry(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}

	trades := make([]model.Trade, 0, len(resp.Trades))
	for _, raw := range resp.Trades {
		t, err := c.parseTrade(raw, pair)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// FetchWindow returns every trade with start <= timestamp < end.
//
// The API returns the newest trades first, capped at the page limit. When
// a call comes back full, the window may hold more than one page, so the
// walk moves the upper bound backward to the earliest timestamp seen
// (re-including that second for safety) and fetches again. The first
// short page terminates the walk: everything older in the window has been
// captured. Boundary re-inclusion produces duplicates, which the trade-ID
// set absorbs.
func (c *Client) FetchWindow(ctx context.Context, pair string, start, end time.Time) ([]model.Trade, error) {
	var all []model.Trade
	seen := make(map[string]struct{})
	cursor := end
	pages := 0

	for {
		page, err := c.fetchPage(ctx, pair, start, cursor)
		if err != nil {
			return nil, err
		}
		pages++

		fresh := 0
		earliest := time.Time{}
		for _, t := range page {
			if earliest.IsZero() || t.Timestamp.Before(earliest) {
				earliest = t.Timestamp
			}
			if _, dup := seen[t.TradeID]; dup {
				continue
			}
			seen[t.TradeID] = struct{}{}
			all = append(all, t)
			fresh++
		}

		if len(page) < c.pageLimit {
			break
		}
		if fresh == 0 {
			// A full page of already-seen trades means the whole page
			// shares one instant and the cursor cannot move.
			return nil, fmt.Errorf("%w: %s at %s", source.ErrWindowTooBusy, pair, cursor.Format(time.RFC3339))
		}
		if !earliest.After(start) {
			break
		}
		cursor = earliest.Truncate(time.Second)
	}

	// Clamp to the half-open window; the API bounds are inclusive seconds.
	filtered := all[:0]
	for _, t := range all {
		if t.Timestamp.Before(start) || !t.Timestamp.Before(end) {
			continue
		}
		filtered = append(filtered, t)
	}
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].Timestamp.Equal(filtered[j].Timestamp) {
			return filtered[i].TradeID < filtered[j].TradeID
		}
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	if pages > 1 {
		log.Debug().
			Str("pair", pair).
			Int("pages", pages).
			Int("trades", len(filtered)).
			Time("start", start).
			Time("end", end).
			Msg("paginated window fetch")
	}
	return filtered, nil
}

type productsResponse struct {
	Products []struct {
		ProductID  string `json:"product_id"`
		IsDisabled bool   `json:"is_disabled"`
	} `json:"products"`
}

// SupportedPairs lists all enabled trading pairs on the exchange.
func (c *Client) SupportedPairs(ctx context.Context) ([]string, error) {
	var resp productsResponse
	if err := c.requestWithRetry(ctx, apiPrefix+"/products", url.Values{}, &resp); err != nil {
		return nil, err
	}
	pairs := make([]string, 0, len(resp.Products))
	for _, p := range resp.Products {
		if !p.IsDisabled {
			pairs = append(pairs, p.ProductID)
		}
	}
	return pairs, nil
}
