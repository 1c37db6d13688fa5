package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conductor/internal/server"
	"conductor/internal/version"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Inspect module versions and roll back",
}

var versionsListCmd = &cobra.Command{
	Use:   "list [module-id]",
	Short: "List every version of a module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		moduleID := args[0]
		versions, err := a.versions.ListVersions(moduleID)
		if err != nil {
			return err
		}
		active, err := a.versions.ActiveVersion(moduleID, version.DefaultOrg)
		if err != nil {
			return err
		}
		for _, v := range versions {
			marker := " "
			if v.VersionID == active {
				marker = "*"
			}
			fmt.Printf("%s %-16s %s  %s  %s\n", marker, v.VersionID, v.BundleSHA256[:12], v.Source, v.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var versionsRollbackCmd = &cobra.Command{
	Use:   "rollback [module-id] [version-id]",
	Short: "Move the active pointer to a prior validated version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		reason, _ := cmd.Flags().GetString("reason")
		if err := a.versions.RollbackToVersion(args[0], args[1], "cli", reason); err != nil {
			return err
		}
		fmt.Printf("rolled back %s to %s\n", args[0], args[1])
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage admin API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create [org-id] [role]",
	Short: "Mint an API key (printed once, stored hashed)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		key, user, err := a.keys.CreateKey(args[0], server.Role(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("key: %s\nuser: %s (org %s, role %s)\n", key, user.UserID, user.OrgID, user.Role)
		return nil
	},
}

func init() {
	versionsRollbackCmd.Flags().String("reason", "manual rollback", "audit reason")
	versionsCmd.AddCommand(versionsListCmd, versionsRollbackCmd)
	keysCmd.AddCommand(keysCreateCmd)
}
