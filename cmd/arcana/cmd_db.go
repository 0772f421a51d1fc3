package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/arcana-io/arcana/internal/store/postgres"
)

func newDBCmd() *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database administration",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the trade schema, promoting to hypertables when possible",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.InitSchema(cmd.Context()); err != nil {
				return err
			}
			log.Info().Msg("schema ready")
			return nil
		},
	}

	dbCmd.AddCommand(initCmd)
	return dbCmd
}

func openStore(ctx context.Context) (*postgres.Store, error) {
	return postgres.Open(ctx, postgres.Config{
		Host:      cfg.DB.Host,
		Port:      cfg.DB.Port,
		Name:      cfg.DB.Name,
		User:      cfg.DB.User,
		Password:  cfg.DB.Password,
		BatchSize: cfg.Ingest.BatchSize,
	})
}
