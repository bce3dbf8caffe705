package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchpad/api"
	"launchpad/internal/logging"
)

var listLimit int

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments",
	Long:  `List the tenant's deployments, newest first.`,
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, done := connect()
		defer done()

		r, err := client.ListDeployments(ctx, &api.ListDeploymentsRequest{TenantID: tenantID, Limit: listLimit})
		if err != nil {
			logging.Logger().Fatal("Could not list deployments", zap.Error(err))
		}
		if len(r.Deployments) == 0 {
			fmt.Println("No deployments")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tINSTANCE\tURL\tCREATED")
		for _, d := range r.Deployments {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				d.ID, d.Name, statusColor(d.Status).Sprint(d.Status), orDash(d.InstanceID), orDash(d.DeployedURL),
				d.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 20, "Maximum number of deployments")
}
