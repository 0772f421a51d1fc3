package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [pair]",
		Short: "Show ingest status",
		Long: `Prints stored trade counts. With a pair argument, also prints the
newest trade timestamp and how far behind the live tape it is.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if len(args) == 0 {
				total, err := db.TradeCount(ctx, "")
				if err != nil {
					return err
				}
				fmt.Printf("stored trades: %d\n", total)
				return nil
			}

			pair := args[0]
			count, err := db.TradeCount(ctx, pair)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d trades\n", pair, count)

			maxTS, ok, err := db.MaxTradeTS(ctx, "coinbase", pair)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("no trades stored, run a backfill first")
				return nil
			}
			lag := time.Since(maxTS).Round(time.Second)
			fmt.Printf("newest trade: %s (%s behind now)\n",
				maxTS.Format(time.RFC3339), lag)
			return nil
		},
	}
}
