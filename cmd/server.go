package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchpad/internal/config"
	"launchpad/internal/logging"
	"launchpad/internal/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the Launchpad server",
	Long:  `Start the Launchpad gRPC server. All settings are read from the config file and environment.`,
	Run: func(cmd *cobra.Command, args []string) {
		logging.Logger().Info("Starting Launchpad server")

		cfg, err := config.Load()
		if err != nil {
			logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
		}

		logging.Logger().Info("Configuration loaded",
			zap.Int("port", cfg.Server.Port),
			zap.Int("metrics_port", cfg.Server.MetricsPort),
			zap.String("store", string(cfg.Store.Type)),
			zap.String("default_region", cfg.Provider.DefaultRegion),
			zap.Int("remote_max_attempts", cfg.Remote.MaxAttempts),
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := server.NewServer(ctx, cfg)
		if err != nil {
			logging.Logger().Fatal("Failed to create server", zap.Error(err))
		}
		defer srv.Close()

		if err := srv.Start(ctx); err != nil {
			logging.Logger().Fatal("Server failed", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
