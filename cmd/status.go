package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchpad/api"
	"launchpad/internal/logging"
)

var (
	statusDeploymentID string
	statusShowLog      bool
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a deployment",
	Long:  `Retrieve the status and log of a deployment from the Launchpad server.`,
	Run: func(cmd *cobra.Command, args []string) {
		if statusDeploymentID == "" {
			logging.Logger().Fatal("Deployment ID is required")
		}
		getStatus(statusDeploymentID)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusDeploymentID, "id", "", "Deployment ID (required)")
	statusCmd.Flags().BoolVar(&statusShowLog, "log", true, "Print the deployment log")
	if err := statusCmd.MarkFlagRequired("id"); err != nil {
		panic(fmt.Sprintf("failed to mark flag as required: %v", err))
	}
}

func getStatus(deploymentID string) {
	client, ctx, done := connect()
	defer done()

	r, err := client.GetDeployment(ctx, &api.GetDeploymentRequest{TenantID: tenantID, DeploymentID: deploymentID})
	if err != nil {
		logging.Logger().Fatal("Could not get status", zap.Error(err))
	}
	d := r.Deployment

	fmt.Printf("Deployment ID: %s\n", d.ID)
	fmt.Printf("Name: %s\n", d.Name)
	fmt.Printf("Status: %s\n", statusColor(d.Status).Sprint(d.Status))
	fmt.Printf("Region: %s\n", d.Region)
	fmt.Printf("Instance: %s (%s)\n", orDash(d.InstanceID), d.InstanceMode)
	if d.Repository != "" {
		fmt.Printf("Repository: %s@%s\n", d.Repository, d.Branch)
	}
	if d.DeployedURL != "" {
		fmt.Printf("URL: %s\n", d.DeployedURL)
	}
	fmt.Printf("Created: %s\n", d.CreatedAt.Format(time.RFC3339))
	if d.CompletedAt != nil {
		fmt.Printf("Completed: %s (%s)\n", d.CompletedAt.Format(time.RFC3339), d.CompletedAt.Sub(d.CreatedAt).Round(time.Second))
	}
	if d.Error != "" {
		color.Red("Error: %s", d.Error)
	}
	if statusShowLog && d.Log != "" {
		fmt.Printf("\nLog:\n%s\n", d.Log)
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case "success":
		return color.New(color.FgGreen)
	case "failed":
		return color.New(color.FgRed)
	case "in_progress", "provisioning":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}
