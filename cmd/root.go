package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchpad/api"
	"launchpad/internal/logging"
)

var (
	serverAddr  string
	tenantID    string
	callTimeout time.Duration
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "launchpad",
	Short: "Deploy web applications to cloud instances",
	Long: `Launchpad provisions cloud instances, builds a Git repository on them over the
provider's remote-command channel and serves the result with nginx.

Run "launchpad server" to start the orchestrator; the other commands are clients.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", envOr("LAUNCHPAD_SERVER", "localhost:50051"), "Server address")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", os.Getenv("LAUNCHPAD_TENANT"), "Tenant ID")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Timeout for a single call")
}

// connect dials the server and returns a client with a call context.
func connect() (*api.Client, context.Context, func()) {
	if tenantID == "" {
		logging.Logger().Fatal("Tenant ID is required (--tenant or LAUNCHPAD_TENANT)")
	}
	client, conn, err := api.Dial(serverAddr)
	if err != nil {
		logging.Logger().Fatal("Did not connect", zap.String("server", serverAddr), zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	return client, ctx, func() {
		cancel()
		conn.Close()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
