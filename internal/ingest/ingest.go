// Package ingest drives trade collection: a resumable historical
// backfill and a daemon that keeps the store within one interval of the
// live tape. Both walk fixed windows through a TradeSource and commit
// through the Store's idempotent upsert, so a crash costs at most one
// uncommitted window.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arcana-io/arcana/internal/metrics"
	"github.com/arcana-io/arcana/internal/model"
	"github.com/arcana-io/arcana/internal/source"
	"github.com/arcana-io/arcana/internal/store"
)

// ErrNoBaseline is returned by the daemon when the pair has no stored
// trades to resume from. Daemon mode extends history, it does not start
// one: run a backfill first.
var ErrNoBaseline = errors.New("no stored trades for pair, backfill first")

// resumeEpsilon nudges the resume cursor past the last stored trade.
// Re-fetching the boundary instant would be harmless (the upsert ignores
// duplicates) but wasteful.
const resumeEpsilon = time.Microsecond

// Config tunes the ingest loops.
type Config struct {
	Window    time.Duration // fetch window width
	BatchSize int           // trades per commit batch
	Interval  time.Duration // daemon polling interval
}

func (c *Config) setDefaults() {
	if c.Window <= 0 {
		c.Window = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
}

// Ingester couples a trade source to the store.
type Ingester struct {
	src source.TradeSource
	db  store.Store
	cfg Config
}

// New builds an Ingester. Zero config fields take defaults.
func New(src source.TradeSource, db store.Store, cfg Config) *Ingester {
	cfg.setDefaults()
	return &Ingester{src: src, db: db, cfg: cfg}
}

// Result summarizes one ingest pass.
type Result struct {
	Fetched   int64 // trades returned by the source
	Inserted  int64 // new rows committed
	Windows   int   // windows walked
	ResumedAt time.Time
}

// Backfill ingests [start, end) for pair, resuming past any trades
// already stored. Cancellation is honored between windows; the window in
// flight always commits, so the run can be resumed without loss.
func (ing *Ingester) Backfill(ctx context.Context, pair string, start, end time.Time) (Result, error) {
	start, end = start.UTC(), end.UTC()
	if !start.Before(end) {
		return Result{}, fmt.Errorf("backfill range is empty: %s >= %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	cursor := start
	if maxTS, ok, err := ing.db.MaxTradeTS(ctx, ing.src.Name(), pair); err != nil {
		return Result{}, err
	} else if ok {
		if resumed := maxTS.Add(resumeEpsilon); resumed.After(cursor) {
			cursor = resumed
		}
	}

	runID := uuid.NewString()
	logger := log.With().
		Str("run_id", runID).
		Str("pair", pair).
		Str("source", ing.src.Name()).
		Logger()

	res := Result{ResumedAt: cursor}
	if !cursor.Before(end) {
		logger.Info().Time("cursor", cursor).Msg("range already ingested")
		return res, nil
	}

	totalWindows := int((end.Sub(cursor) + ing.cfg.Window - 1) / ing.cfg.Window)
	logger.Info().
		Time("start", cursor).
		Time("end", end).
		Int("windows", totalWindows).
		Dur("window", ing.cfg.Window).
		Msg("backfill starting")

	began := time.Now()
	var pending []model.Trade

	for cursor.Before(end) {
		select {
		case <-ctx.Done():
			// Flush what we have so the interruption costs nothing.
			if err := ing.commit(context.WithoutCancel(ctx), pair, pending, &res); err != nil {
				return res, err
			}
			logger.Warn().Time("cursor", cursor).Msg("backfill interrupted")
			return res, ctx.Err()
		default:
		}

		windowEnd := cursor.Add(ing.cfg.Window)
		if windowEnd.After(end) {
			windowEnd = end
		}

		trades, err := ing.src.FetchWindow(ctx, pair, cursor, windowEnd)
		if err != nil {
			if commitErr := ing.commit(context.WithoutCancel(ctx), pair, pending, &res); commitErr != nil {
				return res, commitErr
			}
			return res, fmt.Errorf("fetching window at %s: %w", cursor.Format(time.RFC3339), err)
		}
		res.Fetched += int64(len(trades))
		res.Windows++
		metrics.WindowsFetched.WithLabelValues(pair).Inc()

		pending = append(pending, trades...)
		if len(pending) >= ing.cfg.BatchSize {
			if err := ing.commit(ctx, pair, pending, &res); err != nil {
				return res, err
			}
			pending = pending[:0]
		}

		cursor = windowEnd
		ing.logProgress(logger, res, began, totalWindows)
	}

	if err := ing.commit(ctx, pair, pending, &res); err != nil {
		return res, err
	}

	logger.Info().
		Int64("fetched", res.Fetched).
		Int64("inserted", res.Inserted).
		Int("windows", res.Windows).
		Dur("elapsed", time.Since(began).Round(time.Second)).
		Msg("backfill complete")
	return res, nil
}

func (ing *Ingester) commit(ctx context.Context, pair string, trades []model.Trade, res *Result) error {
	if len(trades) == 0 {
		return nil
	}
	n, err := ing.db.InsertTrades(ctx, trades)
	res.Inserted += n
	if err != nil {
		return fmt.Errorf("committing trades: %w", err)
	}
	metrics.TradesIngested.WithLabelValues(pair).Add(float64(n))
	return nil
}

func (ing *Ingester) logProgress(logger zerolog.Logger, res Result, began time.Time, totalWindows int) {
	if res.Windows%20 != 0 || totalWindows == 0 {
		return
	}
	elapsed := time.Since(began)
	perWindow := elapsed / time.Duration(res.Windows)
	eta := perWindow * time.Duration(totalWindows-res.Windows)
	logger.Info().
		Int("windows_done", res.Windows).
		Int("windows_total", totalWindows).
		Int64("fetched", res.Fetched).
		Int64("inserted", res.Inserted).
		Dur("eta", eta.Round(time.Second)).
		Msg("backfill progress")
}

// Daemon keeps pair current: it catches up from the stored high-water
// mark to now, then repeats every interval until ctx is canceled. The
// pair must already have a baseline.
func (ing *Ingester) Daemon(ctx context.Context, pair string) error {
	baseline, ok, err := ing.db.MaxTradeTS(ctx, ing.src.Name(), pair)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoBaseline, pair)
	}

	log.Info().
		Str("pair", pair).
		Time("baseline", baseline).
		Dur("interval", ing.cfg.Interval).
		Msg("daemon starting")

	for {
		// Backfill re-reads the high-water mark, so a pass after downtime
		// still covers the whole gap from the last stored trade.
		res, err := ing.Backfill(ctx, pair, baseline, time.Now().UTC())
		switch {
		case errors.Is(err, context.Canceled):
			log.Info().Str("pair", pair).Msg("daemon stopping")
			return nil
		case err != nil:
			// Transient store/source trouble should not kill the loop;
			// the next tick re-resumes from the committed watermark.
			log.Error().Err(err).Str("pair", pair).Msg("daemon pass failed")
		default:
			log.Info().
				Str("pair", pair).
				Int64("inserted", res.Inserted).
				Msg("daemon pass complete")
		}

		select {
		case <-ctx.Done():
			log.Info().Str("pair", pair).Msg("daemon stopping")
			return nil
		case <-time.After(ing.cfg.Interval):
		}
	}
}
