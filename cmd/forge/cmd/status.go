package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	statusReveal   bool
	statusWithLogs bool
)

var statusCmd = &cobra.Command{
	Use:   "status [deployment-id]",
	Short: "Show a deployment run",
	Long:  `Show the current status, outputs and error of one run. Sensitive outputs are masked unless --reveal is set; --logs appends the full persisted log.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := cmd.Context()
		id, err := parseID(args[0], "deployment")
		if err != nil {
			return err
		}

		rs, err := eng.svc.Status(ctx, id, statusReveal)
		if err != nil {
			return err
		}

		fmt.Printf("Deployment: %s\n", rs.DeploymentID)
		fmt.Printf("Workshop:   %s\n", rs.WorkshopID)
		fmt.Printf("Template:   %s\n", rs.TemplateID)
		fmt.Printf("Status:     %s\n", rs.Status)
		fmt.Printf("Created:    %s\n", rs.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		if rs.CompletedAt != nil {
			fmt.Printf("Completed:  %s\n", rs.CompletedAt.Format("2006-01-02 15:04:05 MST"))
		}
		if rs.StateKey != "" {
			fmt.Printf("State key:  %s\n", rs.StateKey)
		}
		if rs.Error != "" {
			fmt.Printf("Error:      %s\n", rs.Error)
		}
		if len(rs.Outputs) > 0 {
			fmt.Println("\nOutputs:")
			for _, out := range rs.Outputs {
				fmt.Printf("  %s: %s\n", out.Label, out.Value)
			}
		}
		if statusWithLogs {
			fmt.Println("\nLogs:")
			for _, line := range rs.Logs {
				fmt.Println("  " + line)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusReveal, "reveal", false, "show sensitive output values")
	statusCmd.Flags().BoolVar(&statusWithLogs, "logs", false, "include the persisted log")
	rootCmd.AddCommand(statusCmd)
}
