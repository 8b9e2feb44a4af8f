package cmd

import (
	"fmt"

	"github.com/elaas-dev/forge/internal/config"
	"github.com/elaas-dev/forge/internal/db"
	"github.com/elaas-dev/forge/internal/logger"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Create or update the database schema and seed the built-in roles. serve runs this on startup; migrate exists for pipelines that separate schema changes from restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger.Init(cfg.Log.Format, cfg.Log.Level)

		database, err := db.New(cfg.Database)
		if err != nil {
			return fmt.Errorf("initialize database: %w", err)
		}
		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Println("Migrations completed.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
