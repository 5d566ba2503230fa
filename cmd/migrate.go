package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/saivats/Digi-Kul-sub000/internal/config"
	"github.com/saivats/Digi-Kul-sub000/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|create <name>]",
	Short: "Run SQL migrations (default: up)",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && args[0] == "create" {
		if len(args) < 2 {
			log.Fatal("migration name required")
		}
		return database.CreateMigration(args[1])
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return database.MigrateUp(cfg.DatabaseURL())
}
