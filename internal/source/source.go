// Package source defines the contract every exchange trade source
// implements. The ingester is parameterized on this interface; concrete
// clients live in subpackages.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/arcana-io/arcana/internal/model"
)

// ErrWindowTooBusy is returned when a fetch window contains at least a
// full page of trades at a single instant, so backward pagination cannot
// advance. Practically unreachable at minute-granularity windows.
var ErrWindowTooBusy = errors.New("window too busy: page cursor cannot advance")

// TradeSource produces trades for half-open time windows.
type TradeSource interface {
	// Name is the short exchange tag stored with every trade, e.g.
	// "coinbase".
	Name() string

	// FetchWindow returns every trade with start <= timestamp < end,
	// deduplicated by trade ID and sorted ascending.
	FetchWindow(ctx context.Context, pair string, start, end time.Time) ([]model.Trade, error)

	// SupportedPairs lists the instrument symbols the source can serve.
	SupportedPairs(ctx context.Context) ([]string, error)
}
