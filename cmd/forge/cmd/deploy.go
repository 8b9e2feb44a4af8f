package cmd

import (
	"fmt"

	"github.com/elaas-dev/forge/internal/service"
	"github.com/spf13/cobra"
)

var deployVars []string

var deployCmd = &cobra.Command{
	Use:   "deploy [workshop-id]",
	Short: "Deploy a workshop",
	Long: `Enqueue one terraform run per member template of the workshop. Variables
given here override the values stored on the workshop. The command returns as
soon as the runs are queued; follow them with forge logs or forge status.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := cmd.Context()
		actor, err := resolveActor(ctx, eng.store)
		if err != nil {
			return err
		}
		id, err := parseID(args[0], "workshop")
		if err != nil {
			return err
		}
		vars, err := parseVars(deployVars)
		if err != nil {
			return err
		}

		deployments, err := eng.svc.StartDeploy(ctx, actor, id, service.DeployRequest{Variables: vars})
		if err != nil {
			return err
		}
		eng.warnIfUnconsumed()

		fmt.Printf("Deploy accepted: %d run(s) queued\n", len(deployments))
		for _, dep := range deployments {
			fmt.Printf("  %s (template %s)\n", dep.ID, dep.TemplateID)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().StringArrayVar(&deployVars, "var", nil, "terraform variable as key=value (repeatable)")
	rootCmd.AddCommand(deployCmd)
}

var destroyCmd = &cobra.Command{
	Use:   "destroy [workshop-id]",
	Short: "Tear a workshop down",
	Long: `Enqueue destroy runs for every member template that has infrastructure
standing. Only deployed or failed workshops can be destroyed; a workshop whose
teardown fails lands back in failed and destroy can be requested again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := cmd.Context()
		actor, err := resolveActor(ctx, eng.store)
		if err != nil {
			return err
		}
		id, err := parseID(args[0], "workshop")
		if err != nil {
			return err
		}

		deployments, err := eng.svc.StartDestroy(ctx, actor, id)
		if err != nil {
			return err
		}
		if len(deployments) == 0 {
			fmt.Println("Nothing standing; workshop settled as destroyed.")
			return nil
		}
		eng.warnIfUnconsumed()

		fmt.Printf("Destroy accepted: %d run(s) queued\n", len(deployments))
		for _, dep := range deployments {
			fmt.Printf("  %s (template %s)\n", dep.ID, dep.TemplateID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [deployment-id]",
	Short: "Cancel a deployment run",
	Long:  `Stop one queued or in-flight run. A running terraform subprocess is sent a termination signal and given a grace period before being killed; partial logs are retained.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := cmd.Context()
		actor, err := resolveActor(ctx, eng.store)
		if err != nil {
			return err
		}
		id, err := parseID(args[0], "deployment")
		if err != nil {
			return err
		}

		if err := eng.svc.Cancel(ctx, actor, id); err != nil {
			return err
		}
		fmt.Printf("Cancel accepted for deployment %s\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
