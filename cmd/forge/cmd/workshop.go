package cmd

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/elaas-dev/forge/internal/service"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var workshopCmd = &cobra.Command{
	Use:   "workshop",
	Short: "Manage workshops",
	Long:  `Create and inspect workshops. A workshop references one template or one template group and aggregates the deployments produced from it.`,
}

func init() {
	rootCmd.AddCommand(workshopCmd)
}

var (
	workshopTemplate string
	workshopGroup    string
	workshopEnv      string
	workshopTTL      int
	workshopVars     []string
)

var workshopCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a workshop",
	Long:  `Record a new workshop in pending status. Exactly one of --template and --group must be set. Variables given here are stored on the workshop and can be overridden at deploy time.`,
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
		vars, err := parseVars(workshopVars)
		if err != nil {
			return err
		}

		req := service.CreateWorkshopRequest{
			Name:      args[0],
			Variables: vars,
			TTLHours:  workshopTTL,
		}
		if workshopTemplate != "" {
			id, err := parseID(workshopTemplate, "template")
			if err != nil {
				return err
			}
			req.TemplateID = &id
		}
		if workshopGroup != "" {
			id, err := parseID(workshopGroup, "template group")
			if err != nil {
				return err
			}
			req.TemplateGroupID = &id
		}
		if workshopEnv != "" {
			id, err := parseID(workshopEnv, "environment")
			if err != nil {
				return err
			}
			req.EnvironmentID = &id
		}

		ws, err := eng.svc.Create(ctx, actor, req)
		if err != nil {
			return err
		}
		fmt.Printf("Workshop %s created (%s, ttl %dh)\n", ws.ID, ws.Status, ws.TTLHours)
		return nil
	},
}

func init() {
	workshopCreateCmd.Flags().StringVar(&workshopTemplate, "template", "", "template ID to deploy")
	workshopCreateCmd.Flags().StringVar(&workshopGroup, "group", "", "template group ID to fan out over")
	workshopCreateCmd.Flags().StringVar(&workshopEnv, "environment", "", "environment ID to scope the workshop to")
	workshopCreateCmd.Flags().IntVar(&workshopTTL, "ttl", 0, "hours before auto-destroy after a successful deploy (default 48)")
	workshopCreateCmd.Flags().StringArrayVar(&workshopVars, "var", nil, "terraform variable as key=value (repeatable)")
	workshopCmd.AddCommand(workshopCreateCmd)
}

var workshopMine bool

var workshopListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workshops",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := cmd.Context()
		var createdBy *uuid.UUID
		if workshopMine {
			actor, err := resolveActor(ctx, eng.store)
			if err != nil {
				return err
			}
			createdBy = &actor
		}

		workshops, err := eng.svc.List(ctx, createdBy)
		if err != nil {
			return err
		}
		if len(workshops) == 0 {
			fmt.Println("No workshops found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTTL\tEXPIRES\tCREATED")
		for _, ws := range workshops {
			expires := "-"
			if ws.ExpiresAt != nil {
				expires = ws.ExpiresAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%dh\t%s\t%s\n",
				ws.ID, ws.Name, ws.Status, ws.TTLHours, expires,
				ws.CreatedAt.Format("2006-01-02 15:04"))
		}
		w.Flush()
		return nil
	},
}

func init() {
	workshopListCmd.Flags().BoolVar(&workshopMine, "mine", false, "only workshops created by --as")
	workshopCmd.AddCommand(workshopListCmd)
}

var workshopShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a workshop and its deployments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		ctx := cmd.Context()
		id, err := parseID(args[0], "workshop")
		if err != nil {
			return err
		}

		ws, err := eng.svc.Get(ctx, id)
		if err != nil {
			return err
		}

		fmt.Printf("Workshop:  %s\n", ws.ID)
		fmt.Printf("Name:      %s\n", ws.Name)
		fmt.Printf("Status:    %s\n", ws.Status)
		fmt.Printf("TTL:       %dh\n", ws.TTLHours)
		if ws.ExpiresAt != nil {
			fmt.Printf("Expires:   %s\n", ws.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
		}
		if ws.TemplateID != nil {
			fmt.Printf("Template:  %s\n", ws.TemplateID)
		}
		if ws.TemplateGroupID != nil {
			fmt.Printf("Group:     %s\n", ws.TemplateGroupID)
		}
		if len(ws.Output) > 0 {
			fmt.Println("\nOutputs:")
			for _, name := range slices.Sorted(maps.Keys(ws.Output)) {
				fmt.Printf("  %s: %v\n", name, ws.Output[name])
			}
		}

		deployments, err := eng.store.ListDeploymentsByWorkshop(ctx, ws.ID)
		if err != nil {
			return err
		}
		if len(deployments) == 0 {
			fmt.Println("\nNo deployments yet.")
			return nil
		}

		fmt.Println("\nDeployments:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTEMPLATE\tSTATUS\tCREATED\tCOMPLETED")
		for _, dep := range deployments {
			completed := "-"
			if dep.CompletedAt != nil {
				completed = dep.CompletedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				dep.ID, dep.TemplateID, dep.Status,
				dep.CreatedAt.Format("2006-01-02 15:04"), completed)
		}
		w.Flush()
		return nil
	},
}

func init() {
	workshopCmd.AddCommand(workshopShowCmd)
}
