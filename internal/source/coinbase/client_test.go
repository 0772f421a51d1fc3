package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcana-io/arcana/internal/model"
	"github.com/arcana-io/arcana/internal/source"
)

// fastBackoff swaps the retry ladder for a test-friendly one.
func fastBackoff(t *testing.T) {
	t.Helper()
	orig := retryBackoff
	retryBackoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retryBackoff = orig })
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:   srv.URL,
		PageLimit: 3,
		MinDelay:  time.Microsecond,
		Timeout:   5 * time.Second,
	})
}

// fixtureTrade is one canned trade the fixture server can serve.
type fixtureTrade struct {
	id   string
	ts   time.Time
	side string
}

// tradesHandler emulates the ticker endpoint: inclusive second bounds,
// newest first, capped at the requested limit.
func tradesHandler(fixtures []fixtureTrade) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start, _ := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
		end, _ := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		var matched []fixtureTrade
		for _, f := range fixtures {
			sec := f.ts.Unix()
			if sec >= start && sec <= end {
				matched = append(matched, f)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].ts.After(matched[j].ts) })
		if len(matched) > limit {
			matched = matched[:limit]
		}

		resp := tickerResponse{}
		for _, f := range matched {
			resp.Trades = append(resp.Trades, rawTrade{
				TradeID: f.id,
				Price:   "100.5",
				Size:    "0.1",
				Time:    f.ts.Format(time.RFC3339Nano),
				Side:    f.side,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestFetchWindowSinglePage(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, tradesHandler([]fixtureTrade{
		{"a", base.Add(10 * time.Second), "BUY"},
		{"b", base.Add(20 * time.Second), "SELL"},
	}))

	trades, err := c.FetchWindow(context.Background(), "BTC-USD", base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 2)

	// Ascending order regardless of the API's newest-first response.
	assert.Equal(t, "a", trades[0].TradeID)
	assert.Equal(t, "b", trades[1].TradeID)
	assert.Equal(t, model.SideBuy, trades[0].Side)
	assert.Equal(t, model.SideSell, trades[1].Side)
	assert.Equal(t, "coinbase", trades[0].Source)
	assert.Equal(t, "BTC-USD", trades[0].Pair)
}

func TestFetchWindowPaginatesBackward(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// Seven trades, page limit 3: the walk needs multiple pages and the
	// boundary-second re-fetch produces duplicates to absorb.
	var fixtures []fixtureTrade
	for i := 0; i < 7; i++ {
		fixtures = append(fixtures, fixtureTrade{
			id:   fmt.Sprintf("t%d", i),
			ts:   base.Add(time.Duration(i*7) * time.Second),
			side: "BUY",
		})
	}
	c := newTestClient(t, tradesHandler(fixtures))

	trades, err := c.FetchWindow(context.Background(), "BTC-USD", base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 7, "every trade exactly once")

	for i := 0; i < 7; i++ {
		assert.Equal(t, fmt.Sprintf("t%d", i), trades[i].TradeID)
	}
}

func TestFetchWindowClampsHalfOpenBounds(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, tradesHandler([]fixtureTrade{
		{"in", base.Add(30 * time.Second), "BUY"},
		{"at-end", base.Add(time.Minute), "BUY"}, // API bounds are inclusive
	}))

	trades, err := c.FetchWindow(context.Background(), "BTC-USD", base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, trades, 1, "the end boundary is exclusive")
	assert.Equal(t, "in", trades[0].TradeID)
}

func TestFetchWindowTooBusy(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// A full page at one instant: the cursor can never move past it.
	c := newTestClient(t, tradesHandler([]fixtureTrade{
		{"x1", base.Add(30 * time.Second), "BUY"},
		{"x2", base.Add(30 * time.Second), "BUY"},
		{"x3", base.Add(30 * time.Second), "BUY"},
	}))

	_, err := c.FetchWindow(context.Background(), "BTC-USD", base, base.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, source.ErrWindowTooBusy), "got %v", err)
}

func TestRetryOnServerErrors(t *testing.T) {
	fastBackoff(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var calls atomic.Int32
	inner := tradesHandler([]fixtureTrade{{"a", base.Add(time.Second), "BUY"}})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		inner(w, r)
	}))

	trades, err := c.FetchWindow(context.Background(), "BTC-USD", base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Equal(t, int32(3), calls.Load(), "two failures then success")
}

func TestRetryOnRateLimit(t *testing.T) {
	fastBackoff(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var calls atomic.Int32
	inner := tradesHandler([]fixtureTrade{{"a", base.Add(time.Second), "BUY"}})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		inner(w, r)
	}))

	_, err := c.FetchWindow(context.Background(), "BTC-USD", base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.FetchWindow(context.Background(), "NOPE-USD", time.Now().Add(-time.Minute), time.Now())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not retry")
}

func TestRetriesExhausted(t *testing.T) {
	fastBackoff(t)
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.FetchWindow(context.Background(), "BTC-USD", time.Now().Add(-time.Minute), time.Now())
	require.Error(t, err)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestParseTradeRejectsMalformedFields(t *testing.T) {
	c := New(Config{})

	_, err := c.parseTrade(rawTrade{Time: "not-a-time", Price: "1", Size: "1"}, "BTC-USD")
	assert.Error(t, err)

	_, err = c.parseTrade(rawTrade{Time: time.Now().Format(time.RFC3339Nano), Price: "abc", Size: "1"}, "BTC-USD")
	assert.Error(t, err)

	tr, err := c.parseTrade(rawTrade{
		TradeID: "1", Time: "2024-03-01T12:00:00.123456Z",
		Price: "100.5", Size: "0.1", Side: "weird",
	}, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, model.SideUnknown, tr.Side, "unrecognized side maps to unknown")
	assert.Equal(t, time.UTC, tr.Timestamp.Location())
}

func TestSupportedPairsFiltersDisabled(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, apiPrefix+"/products", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"products": []map[string]any{
				{"product_id": "BTC-USD", "is_disabled": false},
				{"product_id": "OLD-USD", "is_disabled": true},
				{"product_id": "ETH-USD", "is_disabled": false},
			},
		})
	}))

	pairs, err := c.SupportedPairs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, pairs)
}
