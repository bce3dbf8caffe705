package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"launchpad/api"
	"launchpad/internal/logging"
)

var (
	deployFile     string
	deployName     string
	deployRepo     string
	deployBranch   string
	deployRegion   string
	deployInstance string
	deployBuild    string
	deployOutput   string
	deployShowLog  bool
)

// deployFileSpec is the YAML form of a deployment request.
type deployFileSpec struct {
	Name         string `yaml:"name"`
	Repository   string `yaml:"repository"`
	Branch       string `yaml:"branch"`
	Region       string `yaml:"region"`
	InstanceID   string `yaml:"instance_id"`
	BuildCommand string `yaml:"build_command"`
	OutputDir    string `yaml:"output_dir"`
}

// deployCmd represents the deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy [request file]",
	Short: "Deploy a repository",
	Long: `Deploy a Git repository to a new instance, or to an existing one with --instance.
Settings may come from a YAML request file; flags override the file.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if deployFile == "" && len(args) > 0 {
			deployFile = args[0]
		}

		var spec deployFileSpec
		if deployFile != "" {
			content, err := os.ReadFile(deployFile)
			if err != nil {
				logging.Logger().Fatal("Failed to read request file", zap.Error(err))
			}
			if err := yaml.Unmarshal(content, &spec); err != nil {
				logging.Logger().Fatal("Failed to parse request file", zap.Error(err))
			}
		}
		flags := cmd.Flags()
		override(flags.Changed("name"), &spec.Name, deployName)
		override(flags.Changed("repo"), &spec.Repository, deployRepo)
		override(flags.Changed("branch"), &spec.Branch, deployBranch)
		override(flags.Changed("region"), &spec.Region, deployRegion)
		override(flags.Changed("instance"), &spec.InstanceID, deployInstance)
		override(flags.Changed("build"), &spec.BuildCommand, deployBuild)
		override(flags.Changed("output-dir"), &spec.OutputDir, deployOutput)

		runDeploy(spec)
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().StringVarP(&deployFile, "file", "f", "", "Path to deployment request YAML")
	deployCmd.Flags().StringVarP(&deployName, "name", "n", "", "Deployment name")
	deployCmd.Flags().StringVarP(&deployRepo, "repo", "r", "", "Git repository URL")
	deployCmd.Flags().StringVarP(&deployBranch, "branch", "b", "", "Branch to deploy")
	deployCmd.Flags().StringVar(&deployRegion, "region", "", "Provider region")
	deployCmd.Flags().StringVarP(&deployInstance, "instance", "i", "", "Deploy to this existing instance")
	deployCmd.Flags().StringVar(&deployBuild, "build", "", "Build command")
	deployCmd.Flags().StringVar(&deployOutput, "output-dir", "", "Build output directory")
	deployCmd.Flags().BoolVar(&deployShowLog, "log", false, "Print the deployment log")
}

func override(changed bool, dst *string, value string) {
	if changed {
		*dst = value
	}
}

func runDeploy(spec deployFileSpec) {
	mode := "new"
	if spec.InstanceID != "" {
		mode = "existing"
	}
	// Provisioning and building outlast the default call timeout.
	if callTimeout < 30*time.Minute {
		callTimeout = 30 * time.Minute
	}

	client, ctx, done := connect()
	defer done()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = fmt.Sprintf(" Deploying %s...", spec.Name)
	s.Start()
	resp, err := client.StartDeployment(ctx, &api.StartDeploymentRequest{
		TenantID:           tenantID,
		DeploymentName:     spec.Name,
		Region:             spec.Region,
		InstanceMode:       mode,
		ExistingInstanceID: spec.InstanceID,
		GithubRepo:         spec.Repository,
		Branch:             spec.Branch,
		BuildCommand:       spec.BuildCommand,
		OutputDir:          spec.OutputDir,
	})
	s.Stop()
	if err != nil {
		logging.Logger().Fatal("Could not start deployment", zap.Error(err))
	}

	printDeploymentResult(resp)
	if !resp.Success {
		os.Exit(1)
	}
}

func printDeploymentResult(resp *api.StartDeploymentResponse) {
	if resp.Success {
		color.Green("✓ Deployment %s succeeded", resp.DeploymentID)
	} else {
		color.Red("✗ Deployment %s %s", orDash(resp.DeploymentID), orDash(resp.Status))
	}
	fmt.Printf("Instance: %s\n", orDash(resp.InstanceID))
	if resp.DeployedURL != "" {
		fmt.Printf("URL: %s\n", color.CyanString(resp.DeployedURL))
	}
	if resp.Error != "" {
		color.Red("Error: %s", resp.Error)
	}
	if d := resp.Details; d != nil {
		fmt.Printf("Failed stage: %s\n", d.Stage)
		if d.PermissionDenied && len(d.MissingPermissions) > 0 {
			color.Yellow("Missing permissions: %v", d.MissingPermissions)
		}
		if d.TimedOut {
			color.Yellow("The remote command did not finish in time; raise remote.max_attempts")
		}
		if d.OutputTail != "" && !deployShowLog {
			fmt.Printf("\nOutput:\n%s\n", d.OutputTail)
		}
	}
	if deployShowLog {
		fmt.Printf("\nLog:\n%s\n", resp.Log)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
