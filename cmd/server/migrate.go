package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/warp/clinic-engine/factory"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Creates or updates the SQLite schema and exits. Useful for CI/CD
pipelines or initial setup. The schema is idempotent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Str("database", cfg.Database.Path).Msg("database migrations completed")
		return nil
	},
}

var catalogFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Upsert a service catalog into the database",
	Long: `Loads a service catalog JSON file and upserts every entry. Without
--catalog (or catalog.path) the built-in demo catalog is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		f := factory.NewCatalogFactory()
		services := factory.DefaultCatalog()
		path := catalogFile
		if path == "" {
			path = cfg.Catalog.Path
		}
		if path != "" {
			if services, err = f.LoadFile(path); err != nil {
				return err
			}
		}

		if err := f.Seed(cmd.Context(), store, services); err != nil {
			return err
		}
		log.Info().Int("services", len(services)).Str("source", sourceName(path)).Msg("catalog seeded")
		return nil
	},
}

func sourceName(path string) string {
	if path == "" {
		return "built-in"
	}
	return path
}

func init() {
	seedCmd.Flags().StringVar(&catalogFile, "catalog", "", "catalog JSON file (overrides catalog.path)")
	rootCmd.AddCommand(migrateCmd, seedCmd)
}
