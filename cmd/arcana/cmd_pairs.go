package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arcana-io/arcana/internal/source/coinbase"
)

func newPairsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pairs",
		Short: "List trading pairs the exchange currently serves",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := coinbase.New(coinbase.Config{MinDelay: cfg.MinDelay()})
			pairs, err := client.SupportedPairs(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range pairs {
				fmt.Println(p)
			}
			return nil
		},
	}
}
