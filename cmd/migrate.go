package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchpad/internal/config"
	"launchpad/internal/logging"
	"launchpad/internal/state"
)

var migrateDownTo int64

// migrateCmd manages the postgres schema.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the postgres schema",
	Long:  `Apply or roll back the postgres store migrations. Uses store.postgres.dsn from the config.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Run: func(cmd *cobra.Command, args []string) {
		if err := state.Migrate(context.Background(), migrationDSN()); err != nil {
			logging.Logger().Fatal("Migration failed", zap.Error(err))
		}
		logging.Logger().Info("Migrations applied")
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Run: func(cmd *cobra.Command, args []string) {
		if err := state.MigrateDown(context.Background(), migrationDSN(), migrateDownTo); err != nil {
			logging.Logger().Fatal("Rollback failed", zap.Error(err))
		}
		logging.Logger().Info("Migrations rolled back", zap.Int64("version", migrateDownTo))
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print migration status",
	Run: func(cmd *cobra.Command, args []string) {
		if err := state.MigrationStatus(context.Background(), migrationDSN()); err != nil {
			logging.Logger().Fatal("Failed to read migration status", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)

	migrateDownCmd.Flags().Int64Var(&migrateDownTo, "to", 0, "Roll back to this version (default: one step)")
}

func migrationDSN() string {
	cfg, err := config.Load()
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.Store.Type != config.StorePostgres {
		logging.Logger().Fatal("Migrations apply to the postgres store only",
			zap.String("store", string(cfg.Store.Type)))
	}
	return cfg.Store.Postgres.DSN
}
