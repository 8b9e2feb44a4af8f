package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// actorName is the username operations are attributed to. Authentication is
// the identity layer's job; the CLI only resolves the row.
var actorName string

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Forge - workshop infrastructure orchestration",
	Long: `Forge provisions and retires workshop infrastructure by running terraform
against registered templates, tracking every run as a deployment with ordered
logs, structured outputs and TTL-based expiry.

Examples:
  # Run the daemon (workers + expiry scheduler)
  forge serve

  # Register a template from an archive in the artifact store
  forge template register vpc-lab --version 1.0.0 --key vpc-lab-1.0.0.zip --as admin

  # Create and deploy a workshop
  forge workshop create "Networking 101" --template <template-id> --ttl 48 --as alice
  forge deploy <workshop-id> --var region=us-east-1 --as alice

  # Watch a run
  forge logs <deployment-id> -f

  # Tear down early
  forge destroy <workshop-id> --as alice`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&actorName, "as", os.Getenv("FORGE_ACTOR"), "username to act as (or FORGE_ACTOR)")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
