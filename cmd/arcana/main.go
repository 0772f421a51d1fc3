package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arcana-io/arcana/internal/bars"
	"github.com/arcana-io/arcana/internal/config"
)

const (
	appName = "arcana"
	version = "v1.0.0"
)

// Exit codes: 0 success, 1 operational failure, 2 bad input.
const (
	exitOperational = 1
	exitBadInput    = 2
)

var (
	cfgPath string
	cfg     config.Config
)

// inputError marks a user mistake (bad flag value, malformed date) so
// main can map it to exit code 2.
type inputError struct{ err error }

func (e *inputError) Error() string { return e.err.Error() }
func (e *inputError) Unwrap() error { return e.err }

func badInput(format string, args ...any) error {
	return &inputError{err: fmt.Errorf(format, args...)}
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Trade ingestion and bar construction for crypto market data",
		Version: version,
		Long: `Arcana collects raw trades from exchange APIs into TimescaleDB and
builds sampled bars from them: time, tick, volume, and dollar bars plus
EWMA-adaptive imbalance and run bars.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return badInput("%s", err)
			}
			level, err := config.ParseLevel(cfg.Log.Level)
			if err != nil {
				return badInput("invalid log level %q", cfg.Log.Level)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "arcana.yaml", "path to the YAML config file")

	rootCmd.AddCommand(newDBCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newBarsCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newPairsCmd())
	rootCmd.AddCommand(newSwarmCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var specErr *bars.SpecError
	var inErr *inputError
	if errors.As(err, &specErr) || errors.As(err, &inErr) {
		return exitBadInput
	}
	return exitOperational
}

// parseDate accepts RFC3339 timestamps or bare YYYY-MM-DD dates, both
// interpreted as UTC.
func parseDate(flag, value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, badInput("--%s: %q is not RFC3339 or YYYY-MM-DD", flag, value)
}
