package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arcana-io/arcana/internal/swarm"
)

func newSwarmCmd() *cobra.Command {
	swarmCmd := &cobra.Command{
		Use:   "swarm",
		Short: "Plan, monitor, and validate parallel backfills",
	}
	swarmCmd.AddCommand(newSwarmPlanCmd())
	swarmCmd.AddCommand(newSwarmStatusCmd())
	swarmCmd.AddCommand(newSwarmValidateCmd())
	return swarmCmd
}

func newSwarmPlanCmd() *cobra.Command {
	var pair, startStr, endStr, image, out string
	var workers int

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Emit a docker-compose manifest for a parallel backfill",
		Long: `Splits [--start, --end) into --workers contiguous chunks and writes
a compose file running one ingest worker per chunk against a shared
TimescaleDB service. Chunks are disjoint, so workers never contend on
the same trades.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			start, err := parseDate("start", startStr)
			if err != nil {
				return err
			}
			end, err := parseDate("end", endStr)
			if err != nil {
				return err
			}

			chunks, err := swarm.SplitRange(start, end, workers)
			if err != nil {
				return badInput("%s", err)
			}

			manifest, err := swarm.Manifest(swarm.ManifestConfig{
				Pair:    pair,
				Image:   image,
				DBName:  cfg.DB.Name,
				DBUser:  cfg.DB.User,
				DBPass:  cfg.DB.Password,
				Workers: chunks,
			})
			if err != nil {
				return err
			}

			if out == "-" {
				fmt.Print(string(manifest))
				return nil
			}
			if err := os.WriteFile(out, manifest, 0o644); err != nil {
				return fmt.Errorf("writing manifest: %w", err)
			}
			log.Info().Str("path", out).Int("workers", workers).Msg("swarm plan written")
			return nil
		},
	}

	cmd.Flags().StringVar(&pair, "pair", "", "trading pair, e.g. BTC-USD")
	cmd.Flags().StringVar(&startStr, "start", "", "range start (RFC3339 or YYYY-MM-DD, UTC)")
	cmd.Flags().StringVar(&endStr, "end", "", "range end, exclusive")
	cmd.Flags().IntVar(&workers, "workers", 4, "number of parallel workers")
	cmd.Flags().StringVar(&image, "image", "arcana:latest", "worker container image")
	cmd.Flags().StringVar(&out, "out", "docker-compose.swarm.yaml", "output path, - for stdout")
	cmd.MarkFlagRequired("pair")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func newSwarmStatusCmd() *cobra.Command {
	var pair string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-month ingest progress for a pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			months, err := db.MonthlyCounts(cmd.Context(), pair)
			if err != nil {
				return err
			}
			fmt.Print(swarm.FormatMonthly(pair, months))
			return nil
		},
	}

	cmd.Flags().StringVar(&pair, "pair", "", "trading pair, e.g. BTC-USD")
	cmd.MarkFlagRequired("pair")
	return cmd
}

func newSwarmValidateCmd() *cobra.Command {
	var pair, source, startStr, endStr string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Report UTC days with zero stored trades in a range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := parseDate("start", startStr)
			if err != nil {
				return err
			}
			end, err := parseDate("end", endStr)
			if err != nil {
				return err
			}

			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := swarm.Validate(cmd.Context(), db, source, pair, start, end)
			if err != nil {
				return err
			}
			fmt.Print(swarm.FormatReport(report))
			if !report.Complete() {
				return fmt.Errorf("coverage incomplete: %d gap(s)", len(report.Gaps))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pair, "pair", "", "trading pair, e.g. BTC-USD")
	cmd.Flags().StringVar(&source, "source", "coinbase", "trade source tag")
	cmd.Flags().StringVar(&startStr, "start", "", "range start (RFC3339 or YYYY-MM-DD, UTC)")
	cmd.Flags().StringVar(&endStr, "end", "", "range end, exclusive")
	cmd.MarkFlagRequired("pair")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}
