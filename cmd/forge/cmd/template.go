package cmd

import (
	"fmt"
	"os"

	"github.com/elaas-dev/forge/internal/artifact"
	"github.com/elaas-dev/forge/internal/audit"
	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/service"
	"github.com/spf13/cobra"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage templates",
	Long:  `Register, inspect and revalidate deployable templates. A template points at an archived terraform bundle in the artifact store and carries the variable schema parsed from it.`,
}

func init() {
	rootCmd.AddCommand(templateCmd)
}

var (
	templateVersion     string
	templateKey         string
	templateProvider    string
	templateDescription string
	templateFile        string
)

var templateRegisterCmd = &cobra.Command{
	Use:   "register [name]",
	Short: "Register a template",
	Long: `Record an artifact as a deployable template. The archive is fetched and its
variable schema, ui-variables sidecar and convention issues are parsed and
stored. --file uploads a local archive into the filesystem store under --key
first; oci:// keys are fetched from the registry instead.`,
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

		if templateFile != "" {
			src, err := os.Open(templateFile)
			if err != nil {
				return fmt.Errorf("open %s: %w", templateFile, err)
			}
			defer src.Close()
			if err := artifact.New(eng.cfg.Artifacts).Put(ctx, templateKey, src); err != nil {
				return fmt.Errorf("upload archive: %w", err)
			}
		}

		tmpl, err := eng.svc.RegisterTemplate(ctx, actor, service.RegisterTemplateRequest{
			Name:        args[0],
			Version:     templateVersion,
			Description: templateDescription,
			ArtifactKey: templateKey,
			Provider:    models.Provider(templateProvider),
		})
		if err != nil {
			return err
		}

		fmt.Printf("Template %s registered (%s %s, %d variables)\n",
			tmpl.ID, tmpl.Name, tmpl.Version, len(tmpl.Variables))
		printIssues(tmpl.ValidationIssues)
		return nil
	},
}

func init() {
	templateRegisterCmd.Flags().StringVar(&templateVersion, "version", "", "template version (required)")
	templateRegisterCmd.Flags().StringVar(&templateKey, "key", "", "artifact key: store-relative path or oci://repo:tag (required)")
	templateRegisterCmd.Flags().StringVar(&templateProvider, "provider", "", "target provider: AWS, GCP, AZURE, MONGODB, SNOWFLAKE (default AWS)")
	templateRegisterCmd.Flags().StringVar(&templateDescription, "description", "", "free-form description")
	templateRegisterCmd.Flags().StringVar(&templateFile, "file", "", "local archive to upload under --key before registering")
	templateCmd.AddCommand(templateRegisterCmd)
}

var templateShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a template and its variable schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		id, err := parseID(args[0], "template")
		if err != nil {
			return err
		}
		tmpl, err := eng.svc.GetTemplate(cmd.Context(), id)
		if err != nil {
			return err
		}

		fmt.Printf("Template:  %s\n", tmpl.ID)
		fmt.Printf("Name:      %s\n", tmpl.Name)
		fmt.Printf("Version:   %s\n", tmpl.Version)
		fmt.Printf("Provider:  %s\n", tmpl.Provider)
		fmt.Printf("Artifact:  %s\n", tmpl.ArtifactKey)
		if tmpl.Description != "" {
			fmt.Printf("About:     %s\n", tmpl.Description)
		}
		if len(tmpl.Variables) > 0 {
			fmt.Println("\nVariables:")
			for _, v := range tmpl.Variables {
				required := ""
				if v.Required {
					required = " (required)"
				}
				fmt.Printf("  %s: %s%s\n", v.Name, v.Type, required)
			}
		}
		printIssues(tmpl.ValidationIssues)
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templateShowCmd)
}

var templateRevalidateCmd = &cobra.Command{
	Use:     "revalidate [id]",
	Aliases: []string{"validate"},
	Short:   "Re-parse a template's artifact",
	Long:  `Fetch the artifact again and refresh the stored variable schema and validation issues. Useful after republishing an oci tag.`,
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
		id, err := parseID(args[0], "template")
		if err != nil {
			return err
		}

		tmpl, err := eng.svc.RevalidateTemplate(ctx, actor, id)
		if err != nil {
			return err
		}
		fmt.Printf("Template %s revalidated (%d variables)\n", tmpl.ID, len(tmpl.Variables))
		printIssues(tmpl.ValidationIssues)
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templateRevalidateCmd)
}

var templatePublishCmd = &cobra.Command{
	Use:   "publish [dir] [oci-key]",
	Short: "Pack a template directory and push it to a registry",
	Long:  `Pack the directory into a tar.gz artifact and push it to the oci://repo:tag reference. Register the pushed key afterwards to make it deployable.`,
	Args:  cobra.ExactArgs(2),
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

		digest, err := artifact.New(eng.cfg.Artifacts).Publish(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		audit.LogAction(eng.store.DB(), actor, audit.ActionTemplatePublish, "artifact:"+args[1], map[string]interface{}{
			"digest": digest,
		})
		fmt.Printf("Published %s (%s)\n", args[1], digest)
		return nil
	},
}

func init() {
	templateCmd.AddCommand(templatePublishCmd)
}

func printIssues(issues []string) {
	if len(issues) == 0 {
		return
	}
	fmt.Println("\nValidation issues:")
	for _, issue := range issues {
		fmt.Println("  - " + issue)
	}
}
