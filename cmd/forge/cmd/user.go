package cmd

import (
	"fmt"
	"strings"

	"github.com/elaas-dev/forge/internal/models"
	"github.com/elaas-dev/forge/internal/rbac"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user rows and role grants",
	Long:  `Provision the user rows operations are attributed to and grant roles to them. Authentication stays with the identity layer; forge only records who owns what and who may do what.`,
}

func init() {
	rootCmd.AddCommand(userCmd)
}

var (
	userEmail    string
	userFullName string
	userRoles    []string
)

var userCreateCmd = &cobra.Command{
	Use:   "create [username]",
	Short: "Create a user row",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		username := args[0]
		email := userEmail
		if email == "" {
			email = username + "@local"
		}
		user := models.User{
			Username: username,
			Email:    email,
			FullName: userFullName,
			Active:   true,
		}
		if err := eng.db.WithContext(cmd.Context()).Create(&user).Error; err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		for _, role := range userRoles {
			if err := rbac.AssignRole(user.ID, role); err != nil {
				return fmt.Errorf("assign role %q: %w", role, err)
			}
		}
		fmt.Printf("User %s created (%s)", user.ID, user.Username)
		if len(userRoles) > 0 {
			fmt.Printf(" with roles %s", strings.Join(userRoles, ", "))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "email address (default <username>@local)")
	userCreateCmd.Flags().StringVar(&userFullName, "full-name", "", "display name")
	userCreateCmd.Flags().StringArrayVar(&userRoles, "role", nil, "role to grant: admin, instructor, attendee (repeatable)")
	userCmd.AddCommand(userCreateCmd)
}

var userGrantCmd = &cobra.Command{
	Use:   "grant [username] [role]",
	Short: "Grant a role to a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		user, err := eng.store.GetUserByUsername(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("resolve user %q: %w", args[0], err)
		}
		if err := rbac.AssignRole(user.ID, args[1]); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
		fmt.Printf("Granted %s to %s\n", args[1], user.Username)
		return nil
	},
}

var userRevokeCmd = &cobra.Command{
	Use:   "revoke [username] [role]",
	Short: "Revoke a role from a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		user, err := eng.store.GetUserByUsername(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("resolve user %q: %w", args[0], err)
		}
		if err := rbac.RevokeRole(user.ID, args[1]); err != nil {
			return fmt.Errorf("revoke role: %w", err)
		}
		fmt.Printf("Revoked %s from %s\n", args[1], user.Username)
		return nil
	},
}

var userRolesCmd = &cobra.Command{
	Use:   "roles [username]",
	Short: "List a user's roles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		user, err := eng.store.GetUserByUsername(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("resolve user %q: %w", args[0], err)
		}
		roles, err := rbac.UserRoles(user.ID)
		if err != nil {
			return err
		}
		if len(roles) == 0 {
			fmt.Printf("%s has no roles\n", user.Username)
			return nil
		}
		fmt.Printf("%s: %s\n", user.Username, strings.Join(roles, ", "))
		return nil
	},
}

func init() {
	userCmd.AddCommand(userGrantCmd)
	userCmd.AddCommand(userRevokeCmd)
	userCmd.AddCommand(userRolesCmd)
}
