package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arcana-io/arcana/internal/ingest"
	"github.com/arcana-io/arcana/internal/metrics"
	"github.com/arcana-io/arcana/internal/source/coinbase"
)

func newIngestCmd() *cobra.Command {
	var pair, startStr, endStr string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Backfill historical trades for a pair",
		Long: `Fetches every trade in [--start, --end) and stores it. Safe to
interrupt and re-run: ingestion resumes just past the newest stored
trade.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseDate("start", startStr)
			if err != nil {
				return err
			}
			end, err := parseDate("end", endStr)
			if err != nil {
				return err
			}
			if !start.Before(end) {
				return badInput("--start must be before --end")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			client := coinbase.New(coinbase.Config{MinDelay: cfg.MinDelay()})
			ing := ingest.New(client, db, ingest.Config{
				Window:    cfg.Window(),
				BatchSize: cfg.Ingest.BatchSize,
			})

			_, err = ing.Backfill(ctx, pair, start, end)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&pair, "pair", "", "trading pair, e.g. BTC-USD")
	cmd.Flags().StringVar(&startStr, "start", "", "range start (RFC3339 or YYYY-MM-DD, UTC)")
	cmd.Flags().StringVar(&endStr, "end", "", "range end, exclusive")
	cmd.MarkFlagRequired("pair")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func newRunCmd() *cobra.Command {
	var pair string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep a pair current with the live tape",
		Long: `Polls the exchange every interval, extending the stored history
from its high-water mark. The pair must already have a backfilled
baseline. SIGINT or SIGTERM finishes the in-flight batch, then exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			metrics.Serve(ctx, cfg.Daemon.MetricsAddr)

			client := coinbase.New(coinbase.Config{MinDelay: cfg.MinDelay()})
			ing := ingest.New(client, db, ingest.Config{
				Window:    cfg.Window(),
				BatchSize: cfg.Ingest.BatchSize,
				Interval:  cfg.DaemonInterval(),
			})
			return ing.Daemon(ctx, pair)
		},
	}

	cmd.Flags().StringVar(&pair, "pair", "", "trading pair, e.g. BTC-USD")
	cmd.MarkFlagRequired("pair")
	return cmd
}
