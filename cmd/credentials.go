package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchpad/api"
	"launchpad/internal/logging"
)

var (
	credsAccessKey string
	credsSecretKey string
	credsRegion    string
	credsImage     string
	credsType      string
)

// credentialsCmd groups the credential commands.
var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the tenant's provider credentials",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store provider credentials for the tenant",
	Long: `Store provider credentials for the tenant. The secret is sealed before it is
persisted. When --secret-key is omitted it is read from AWS_SECRET_ACCESS_KEY or stdin.`,
	Run: func(cmd *cobra.Command, args []string) {
		secret := credsSecretKey
		if secret == "" {
			secret = os.Getenv("AWS_SECRET_ACCESS_KEY")
		}
		if secret == "" {
			fmt.Fprint(os.Stderr, "Secret access key: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				logging.Logger().Fatal("Failed to read secret access key", zap.Error(err))
			}
			secret = strings.TrimSpace(line)
		}

		client, ctx, done := connect()
		defer done()

		_, err := client.PutCredentials(ctx, &api.PutCredentialsRequest{
			TenantID:        tenantID,
			AccessKeyID:     credsAccessKey,
			SecretAccessKey: secret,
			DefaultRegion:   credsRegion,
			MachineImageID:  credsImage,
			InstanceType:    credsType,
		})
		if err != nil {
			logging.Logger().Fatal("Could not store credentials", zap.Error(err))
		}
		color.Green("✓ Credentials stored for %s", tenantID)
	},
}

var credentialsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the tenant's stored credentials with the secret masked",
	Run: func(cmd *cobra.Command, args []string) {
		client, ctx, done := connect()
		defer done()

		r, err := client.GetCredentials(ctx, &api.GetCredentialsRequest{TenantID: tenantID})
		if err != nil {
			logging.Logger().Fatal("Could not get credentials", zap.Error(err))
		}
		fmt.Printf("Access key ID: %s\n", r.AccessKeyID)
		fmt.Printf("Secret access key: %s\n", r.SecretAccessKey)
		fmt.Printf("Default region: %s\n", orDash(r.DefaultRegion))
		fmt.Printf("Machine image: %s\n", orDash(r.MachineImageID))
		fmt.Printf("Instance type: %s\n", orDash(r.InstanceType))
	},
}

func init() {
	rootCmd.AddCommand(credentialsCmd)
	credentialsCmd.AddCommand(credentialsSetCmd, credentialsShowCmd)

	credentialsSetCmd.Flags().StringVar(&credsAccessKey, "access-key-id", os.Getenv("AWS_ACCESS_KEY_ID"), "Access key ID")
	credentialsSetCmd.Flags().StringVar(&credsSecretKey, "secret-key", "", "Secret access key")
	credentialsSetCmd.Flags().StringVar(&credsRegion, "region", "", "Default region for deployments")
	credentialsSetCmd.Flags().StringVar(&credsImage, "image", "", "Machine image ID overriding the region default")
	credentialsSetCmd.Flags().StringVar(&credsType, "instance-type", "", "Instance type overriding the server default")
}
