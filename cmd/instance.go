package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchpad/api"
	"launchpad/internal/logging"
)

var (
	instanceRegion  string
	instanceShowRaw bool
)

// instanceCmd groups the per-instance commands.
var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Inspect and manage instances",
}

var instanceDetailsCmd = &cobra.Command{
	Use:   "details <instance-id>",
	Short: "Show instance metadata and system details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, done := connect()
		defer done()

		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Collecting instance details..."
		s.Start()
		r, err := client.GetInstanceDetails(ctx, instanceRequest(args[0]))
		s.Stop()
		if err != nil {
			logging.Logger().Fatal("Could not get instance details", zap.Error(err))
		}

		if i := r.InstanceInfo; i != nil {
			fmt.Printf("Instance: %s\n", i.InstanceID)
			fmt.Printf("State: %s\n", i.State)
			fmt.Printf("Type: %s\n", orDash(i.InstanceType))
			fmt.Printf("Public IP: %s\n", orDash(i.PublicIP))
			fmt.Printf("Private IP: %s\n", orDash(i.PrivateIP))
			fmt.Printf("Zone: %s\n", orDash(i.AvailabilityZone))
			fmt.Printf("Security groups: %s\n", strings.Join(i.SecurityGroupIDs, ", "))
		}
		keys := make([]string, 0, len(r.SystemDetails))
		for k := range r.SystemDetails {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			color.Cyan("\n=== %s ===", k)
			fmt.Println(r.SystemDetails[k])
		}
		for _, e := range r.Errors {
			color.Yellow("Warning: %s", e)
		}
		if instanceShowRaw {
			fmt.Printf("\nRaw output:\n%s\n", r.RawOutput)
		}
	},
}

var instanceDiagnoseCmd = &cobra.Command{
	Use:   "diagnose <instance-id>",
	Short: "Read the boot console and estimate setup progress",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, done := connect()
		defer done()

		r, err := client.GetConsoleDiagnostics(ctx, instanceRequest(args[0]))
		if err != nil {
			logging.Logger().Fatal("Could not get console diagnostics", zap.Error(err))
		}
		d := r.Diagnostics

		fmt.Printf("Setup started: %t\n", d.SetupStarted)
		fmt.Printf("Setup complete: %t\n", d.SetupComplete)
		fmt.Printf("Progress: ~%d%% (%s)\n", d.ProgressPercent, d.CurrentStep)
		for _, e := range d.Errors {
			color.Red("error: %s", e)
		}
		for _, w := range d.Warnings {
			color.Yellow("warning: %s", w)
		}
		if len(d.LastLogLines) > 0 {
			fmt.Println("\nLast console lines:")
			for _, l := range d.LastLogLines {
				fmt.Println("  " + l)
			}
		}
		if instanceShowRaw {
			fmt.Printf("\nConsole output:\n%s\n", r.ConsoleOutput)
		}
	},
}

var instanceOpenPortCmd = &cobra.Command{
	Use:   "open-port <instance-id>",
	Short: "Allow HTTP traffic to the instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, done := connect()
		defer done()

		r, err := client.OpenHTTPPort(ctx, instanceRequest(args[0]))
		if err != nil {
			logging.Logger().Fatal("Could not open HTTP port", zap.Error(err))
		}
		if r.AlreadyOpen {
			fmt.Printf("%s already allows %s\n", r.SecurityGroupID, r.Rule)
			return
		}
		color.Green("✓ %s now allows %s", r.SecurityGroupID, r.Rule)
	},
}

var instanceRevokePortCmd = &cobra.Command{
	Use:   "revoke-port <instance-id>",
	Short: "Remove the public HTTP rule from the instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, done := connect()
		defer done()

		r, err := client.RevokeHTTPPort(ctx, instanceRequest(args[0]))
		if err != nil {
			logging.Logger().Fatal("Could not revoke HTTP port", zap.Error(err))
		}
		switch {
		case r.StillOpenVia != "":
			color.Yellow("! %s still allows HTTP through %s", r.SecurityGroupID, r.StillOpenVia)
		case r.AlreadyClosed:
			fmt.Printf("%s has no %s rule\n", r.SecurityGroupID, r.Rule)
		default:
			color.Green("✓ %s no longer allows %s", r.SecurityGroupID, r.Rule)
		}
	},
}

var instanceAuditCmd = &cobra.Command{
	Use:   "audit <instance-id>",
	Short: "Show firewall changes made through Launchpad",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, done := connect()
		defer done()

		r, err := client.ListPortAudit(ctx, instanceRequest(args[0]))
		if err != nil {
			logging.Logger().Fatal("Could not list port audit", zap.Error(err))
		}
		if len(r.Entries) == 0 {
			fmt.Println("No firewall changes recorded")
			return
		}
		for _, e := range r.Entries {
			changed := "no-op"
			if e.Changed {
				changed = "changed"
			}
			fmt.Printf("%s  %-6s  %s  %s  %s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.SecurityGroupID, e.Rule, changed)
		}
	},
}

var instanceTerminateCmd = &cobra.Command{
	Use:   "terminate <instance-id>",
	Short: "Terminate the instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, done := connect()
		defer done()

		if _, err := client.TerminateInstance(ctx, instanceRequest(args[0])); err != nil {
			logging.Logger().Fatal("Could not terminate instance", zap.Error(err))
		}
		color.Green("✓ Termination of %s requested", args[0])
	},
}

func init() {
	rootCmd.AddCommand(instanceCmd)
	instanceCmd.AddCommand(instanceDetailsCmd, instanceDiagnoseCmd, instanceOpenPortCmd,
		instanceRevokePortCmd, instanceAuditCmd, instanceTerminateCmd)

	instanceCmd.PersistentFlags().StringVar(&instanceRegion, "region", "", "Provider region of the instance")
	instanceDetailsCmd.Flags().BoolVar(&instanceShowRaw, "raw", false, "Print the raw command output")
	instanceDiagnoseCmd.Flags().BoolVar(&instanceShowRaw, "raw", false, "Print the full console output")
}

func instanceRequest(instanceID string) *api.InstanceRequest {
	return &api.InstanceRequest{TenantID: tenantID, InstanceID: instanceID, Region: instanceRegion}
}
