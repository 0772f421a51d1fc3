// Package postgres implements store.Store on PostgreSQL, upgrading
// tables to TimescaleDB hypertables when the extension is installed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/arcana-io/arcana/internal/bars"
	"github.com/arcana-io/arcana/internal/model"
	"github.com/arcana-io/arcana/internal/store"
)

// pq error codes we branch on.
const (
	pqUndefinedFunction = "42883" // create_hypertable missing
)

const rawTradesSchema = `
CREATE TABLE IF NOT EXISTS raw_trades (
    timestamp    TIMESTAMPTZ   NOT NULL,
    trade_id     TEXT          NOT NULL,
    source       TEXT          NOT NULL,
    pair         TEXT          NOT NULL,
    price        NUMERIC       NOT NULL,
    size         NUMERIC       NOT NULL,
    side         TEXT          NOT NULL,
    UNIQUE (source, trade_id, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_raw_trades_pair_ts
    ON raw_trades (pair, timestamp);
`

const upsertTrade = `
INSERT INTO raw_trades (timestamp, trade_id, source, pair, price, size, side)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (source, trade_id, timestamp) DO NOTHING`

// Config holds connection settings.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// BatchSize caps the rows per commit transaction in InsertTrades.
	BatchSize int `yaml:"batch_size"`
}

// DSN renders the PostgreSQL connection string.
func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		c.Host, c.Port, c.Name, c.User, c.Password)
}

// Store implements store.Store on a pooled sqlx connection.
type Store struct {
	db        *sqlx.DB
	timeout   time.Duration
	batchSize int

	mu        sync.Mutex
	barTables map[string]struct{}
}

var _ store.Store = (*Store)(nil)

// Open connects, configures the pool, and verifies connectivity.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Str("host", cfg.Host).Str("db", cfg.Name).Msg("connected to database")
	return NewWithDB(db, cfg.QueryTimeout, cfg.BatchSize), nil
}

// NewWithDB wraps an existing connection. Used by Open and by tests.
func NewWithDB(db *sqlx.DB, timeout time.Duration, batchSize int) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Store{
		db:        db,
		timeout:   timeout,
		batchSize: batchSize,
		barTables: make(map[string]struct{}),
	}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// InitSchema creates raw_trades and promotes it to a hypertable. When the
// TimescaleDB extension is absent the table stays a plain Postgres table.
func (s *Store) InitSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, rawTradesSchema); err != nil {
		return fmt.Errorf("creating raw_trades: %w", err)
	}
	s.makeHypertable(ctx, "raw_trades", "timestamp")
	log.Info().Msg("database schema initialized")
	return nil
}

// makeHypertable attempts create_hypertable, tolerating a missing
// extension.
func (s *Store) makeHypertable(ctx context.Context, table, column string) {
	_, err := s.db.ExecContext(ctx,
		`SELECT create_hypertable($1, $2, if_not_exists => TRUE)`, table, column)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUndefinedFunction {
			log.Warn().Str("table", table).
				Msg("create_hypertable unavailable, using plain table")
			return
		}
		log.Warn().Err(err).Str("table", table).Msg("hypertable conversion failed")
	}
}

// InsertTrades upserts trades in transactions of at most batchSize rows.
// Each committed batch is a durable checkpoint: a crash loses at most the
// uncommitted tail, which the next run re-fetches harmlessly.
func (s *Store) InsertTrades(ctx context.Context, trades []model.Trade) (int64, error) {
	var inserted int64
	for start := 0; start < len(trades); start += s.batchSize {
		end := min(start+s.batchSize, len(trades))
		n, err := s.insertTradeBatch(ctx, trades[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertTradeBatch(ctx context.Context, trades []model.Trade) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning trade batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertTrade)
	if err != nil {
		return 0, fmt.Errorf("preparing trade upsert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, t := range trades {
		res, err := stmt.ExecContext(ctx,
			t.Timestamp, t.TradeID, t.Source, t.Pair, t.Price, t.Size, string(t.Side))
		if err != nil {
			return 0, fmt.Errorf("upserting trade %s: %w", t.TradeID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing trade batch: %w", err)
	}
	return inserted, nil
}

// PairSlug renders a pair for use in a table name: lowercased, with every
// non-alphanumeric rune replaced by an underscore.
func PairSlug(pair string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(pair) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// BarTableName returns the physical table for a (bar_type, pair) family.
func BarTableName(barType, pair string) string {
	return fmt.Sprintf("bars_%s_%s", PairSlug(barType), PairSlug(pair))
}

func barTableSchema(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    time_start    TIMESTAMPTZ   NOT NULL,
    time_end      TIMESTAMPTZ   NOT NULL,
    bar_type      TEXT          NOT NULL,
    source        TEXT          NOT NULL,
    pair          TEXT          NOT NULL,
    open          NUMERIC       NOT NULL,
    high          NUMERIC       NOT NULL,
    low           NUMERIC       NOT NULL,
    close         NUMERIC       NOT NULL,
    vwap          NUMERIC       NOT NULL,
    volume        NUMERIC       NOT NULL,
    dollar_volume NUMERIC       NOT NULL,
    tick_count    INTEGER       NOT NULL,
    time_span     INTERVAL      NOT NULL,
    metadata      JSONB,
    UNIQUE (bar_type, source, pair, time_start)
)`, table)
}

func upsertBarQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (
    time_start, time_end, bar_type, source, pair,
    open, high, low, close, vwap,
    volume, dollar_volume, tick_count, time_span, metadata
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
        make_interval(secs => $14), $15)
ON CONFLICT (bar_type, source, pair, time_start) DO UPDATE SET
    time_end = EXCLUDED.time_end,
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    vwap = EXCLUDED.vwap,
    volume = EXCLUDED.volume,
    dollar_volume = EXCLUDED.dollar_volume,
    tick_count = EXCLUDED.tick_count,
    time_span = EXCLUDED.time_span,
    metadata = EXCLUDED.metadata`, table)
}

// ensureBarTable lazily creates the family table on first touch.
func (s *Store) ensureBarTable(ctx context.Context, table string) error {
	s.mu.Lock()
	_, known := s.barTables[table]
	s.mu.Unlock()
	if known {
		return nil
	}

	if _, err := s.db.ExecContext(ctx, barTableSchema(table)); err != nil {
		return fmt.Errorf("creating %s: %w", table, err)
	}
	s.makeHypertable(ctx, table, "time_start")

	s.mu.Lock()
	s.barTables[table] = struct{}{}
	s.mu.Unlock()
	return nil
}

// InsertBars groups bars by family table and upserts each group in one
// transaction. The latest writer wins on every value column, metadata
// included, so rebuilds refresh EWMA state.
func (s *Store) InsertBars(ctx context.Context, bs []bars.Bar) (int64, error) {
	byTable := make(map[string][]bars.Bar)
	var order []string
	for _, b := range bs {
		table := BarTableName(b.BarType, b.Pair)
		if _, seen := byTable[table]; !seen {
			order = append(order, table)
		}
		byTable[table] = append(byTable[table], b)
	}

	var upserted int64
	for _, table := range order {
		n, err := s.insertBarGroup(ctx, table, byTable[table])
		if err != nil {
			return upserted, err
		}
		upserted += n
	}
	return upserted, nil
}

func (s *Store) insertBarGroup(ctx context.Context, table string, group []bars.Bar) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.ensureBarTable(ctx, table); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning bar batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertBarQuery(table))
	if err != nil {
		return 0, fmt.Errorf("preparing bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range group {
		var metadata any
		if b.Metadata != nil {
			raw, err := json.Marshal(b.Metadata)
			if err != nil {
				return 0, fmt.Errorf("marshaling bar metadata: %w", err)
			}
			metadata = raw
		}
		_, err := stmt.ExecContext(ctx,
			b.TimeStart, b.TimeEnd, b.BarType, b.Source, b.Pair,
			b.Open, b.High, b.Low, b.Close, b.VWAP,
			b.Volume, b.DollarVolume, b.TickCount,
			b.TimeSpan.Seconds(), metadata)
		if err != nil {
			return 0, fmt.Errorf("upserting bar at %s: %w", b.TimeStart.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing bar batch: %w", err)
	}
	return int64(len(group)), nil
}

// MaxTradeTS returns the newest stored trade timestamp for a pair.
func (s *Store) MaxTradeTS(ctx context.Context, source, pair string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var ts sql.NullTime
	err := s.db.QueryRowxContext(ctx,
		`SELECT MAX(timestamp) FROM raw_trades WHERE source = $1 AND pair = $2`,
		source, pair).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying max trade timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return ts.Time.UTC(), true, nil
}

// TradesSince streams trades at or after since, oldest first.
func (s *Store) TradesSince(ctx context.Context, source, pair string, since time.Time, limit int) ([]model.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT timestamp, trade_id, source, pair, price, size, side
		 FROM raw_trades
		 WHERE source = $1 AND pair = $2 AND timestamp >= $3
		 ORDER BY timestamp ASC, trade_id ASC
		 LIMIT $4`,
		source, pair, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying trades since %s: %w", since.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side string
		if err := rows.Scan(&t.Timestamp, &t.TradeID, &t.Source, &t.Pair, &t.Price, &t.Size, &side); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		t.Side = model.Side(side)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trades: %w", err)
	}
	return trades, nil
}

// LastBar returns the resume state of a bar family, or nil when the
// family table does not exist or is empty.
func (s *Store) LastBar(ctx context.Context, barType, source, pair string) (*store.LastBar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := BarTableName(barType, pair)
	query := fmt.Sprintf(
		`SELECT time_end, metadata FROM %s
		 WHERE bar_type = $1 AND source = $2 AND pair = $3
		 ORDER BY time_start DESC LIMIT 1`, table)

	var timeEnd time.Time
	var raw []byte
	err := s.db.QueryRowxContext(ctx, query, barType, source, pair).Scan(&timeEnd, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "undefined_table" {
			return nil, nil
		}
		return nil, fmt.Errorf("querying last bar: %w", err)
	}

	last := &store.LastBar{TimeEnd: timeEnd.UTC()}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &last.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling bar metadata: %w", err)
		}
	}
	return last, nil
}

// CountByDay returns per-UTC-day trade counts over [start, end).
func (s *Store) CountByDay(ctx context.Context, source, pair string, start, end time.Time) ([]store.DayCount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT date_trunc('day', timestamp AT TIME ZONE 'UTC') AS day,
		        COUNT(*) AS trade_count
		 FROM raw_trades
		 WHERE source = $1 AND pair = $2 AND timestamp >= $3 AND timestamp < $4
		 GROUP BY day
		 ORDER BY day`,
		source, pair, start, end)
	if err != nil {
		return nil, fmt.Errorf("querying day counts: %w", err)
	}
	defer rows.Close()

	var counts []store.DayCount
	for rows.Next() {
		var dc store.DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("scanning day count: %w", err)
		}
		dc.Day = dc.Day.UTC()
		counts = append(counts, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating day counts: %w", err)
	}
	return counts, nil
}

// TradeCount returns the stored trade total, optionally per pair.
func (s *Store) TradeCount(ctx context.Context, pair string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var count int64
	var err error
	if pair == "" {
		err = s.db.QueryRowxContext(ctx, `SELECT COUNT(*) FROM raw_trades`).Scan(&count)
	} else {
		err = s.db.QueryRowxContext(ctx,
			`SELECT COUNT(*) FROM raw_trades WHERE pair = $1`, pair).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting trades: %w", err)
	}
	return count, nil
}

// MonthlyCounts returns per-month ingest progress for a pair.
func (s *Store) MonthlyCounts(ctx context.Context, pair string) ([]store.MonthCount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx,
		`SELECT date_trunc('month', timestamp AT TIME ZONE 'UTC') AS month,
		        COUNT(*) AS trade_count,
		        MIN(timestamp) AS first_trade,
		        MAX(timestamp) AS last_trade
		 FROM raw_trades
		 WHERE pair = $1
		 GROUP BY month
		 ORDER BY month`, pair)
	if err != nil {
		return nil, fmt.Errorf("querying monthly counts: %w", err)
	}
	defer rows.Close()

	var counts []store.MonthCount
	for rows.Next() {
		var mc store.MonthCount
		if err := rows.Scan(&mc.Month, &mc.Count, &mc.First, &mc.Last); err != nil {
			return nil, fmt.Errorf("scanning monthly count: %w", err)
		}
		counts = append(counts, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating monthly counts: %w", err)
	}
	return counts, nil
}
