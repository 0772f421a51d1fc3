// Package store defines the persistence contract for the trade log and
// the bar tables. The Postgres/TimescaleDB implementation lives in the
// postgres subpackage.
package store

import (
	"context"
	"time"

	"github.com/arcana-io/arcana/internal/bars"
	"github.com/arcana-io/arcana/internal/model"
)

// DayCount is one row of a per-UTC-day trade census, used for gap
// detection.
type DayCount struct {
	Day   time.Time `db:"day"`
	Count int64     `db:"trade_count"`
}

// MonthCount is one row of the swarm progress report.
type MonthCount struct {
	Month time.Time `db:"month"`
	Count int64     `db:"trade_count"`
	First time.Time `db:"first_trade"`
	Last  time.Time `db:"last_trade"`
}

// LastBar is the resume state of a bar family: the watermark to continue
// from plus the metadata that seeds adaptive builders.
type LastBar struct {
	TimeEnd  time.Time
	Metadata map[string]any
}

// Store is the authoritative append-only trade log plus per-family bar
// tables. All write paths are idempotent: callers recover from transient
// failures by replaying the whole batch.
type Store interface {
	// InitSchema creates the raw_trades hypertable. Safe to call
	// repeatedly. Bar tables are created lazily on first InsertBars.
	InitSchema(ctx context.Context) error

	// InsertTrades upserts trades in commit batches, ignoring duplicates
	// on (source, trade_id, timestamp). Returns the number of new rows.
	InsertTrades(ctx context.Context, trades []model.Trade) (int64, error)

	// InsertBars upserts bars into their per-(bar_type, pair) tables,
	// creating tables on first use. Conflicting rows are overwritten,
	// metadata included, so rebuilds refresh EWMA state.
	InsertBars(ctx context.Context, bs []bars.Bar) (int64, error)

	// MaxTradeTS returns the latest stored trade timestamp for the pair,
	// with ok=false when no trades exist.
	MaxTradeTS(ctx context.Context, source, pair string) (time.Time, bool, error)

	// TradesSince returns up to limit trades with timestamp >= since,
	// ascending by (timestamp, trade_id).
	TradesSince(ctx context.Context, source, pair string, since time.Time, limit int) ([]model.Trade, error)

	// LastBar returns the most recent bar of a family, or nil when the
	// family has never emitted.
	LastBar(ctx context.Context, barType, source, pair string) (*LastBar, error)

	// CountByDay returns per-UTC-day trade counts over [start, end).
	// Days with zero trades are absent from the result.
	CountByDay(ctx context.Context, source, pair string, start, end time.Time) ([]DayCount, error)

	// TradeCount returns the stored trade total, optionally filtered by
	// pair (empty string means all pairs).
	TradeCount(ctx context.Context, pair string) (int64, error)

	// MonthlyCounts returns per-month ingest progress for a pair.
	MonthlyCounts(ctx context.Context, pair string) ([]MonthCount, error)

	// Close releases the underlying connections.
	Close() error
}
