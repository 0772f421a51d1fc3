package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arcana-io/arcana/internal/barsrun"
)

func newBarsCmd() *cobra.Command {
	barsCmd := &cobra.Command{
		Use:   "bars",
		Short: "Bar construction",
	}

	var pair, source string
	var specs []string
	var flush bool

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Build bars from stored trades",
		Long: `Streams stored trades through one builder per --spec and persists
the completed bars. Each family resumes from its last persisted bar;
adaptive families restore their EWMA state from that bar's metadata.

Spec grammar is <family>_<param>: tick_500, volume_100, dollar_1000000,
time_5m, and the adaptive families tib_10, vib_10, dib_10, trb_10,
vrb_10, drb_10 where the parameter is the EWMA window.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			_, err = barsrun.BuildAll(ctx, db, source, pair, specs, barsrun.Options{Flush: flush})
			return err
		},
	}

	buildCmd.Flags().StringVar(&pair, "pair", "", "trading pair, e.g. BTC-USD")
	buildCmd.Flags().StringVar(&source, "source", "coinbase", "trade source tag")
	buildCmd.Flags().StringSliceVar(&specs, "spec", nil, "bar spec, repeatable, e.g. tick_500")
	buildCmd.Flags().BoolVar(&flush, "flush", false, "force-close the trailing partial bar")
	buildCmd.MarkFlagRequired("pair")
	buildCmd.MarkFlagRequired("spec")

	barsCmd.AddCommand(buildCmd)
	return barsCmd
}
