package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"conductor/internal/pipeline"
	"conductor/internal/types"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Manage adapter modules",
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List modules in the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		ids, err := a.moduleWS.ListModules()
		if err != nil {
			return err
		}
		for _, id := range ids {
			m, err := a.moduleWS.LoadManifest(id)
			if err != nil {
				fmt.Printf("%-40s (manifest unreadable: %v)\n", id, err)
				continue
			}
			fmt.Printf("%-40s %-12s v%s\n", id, m.Status, m.Version)
		}
		return nil
	},
}

var modulesBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Scaffold a new module",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		name, _ := cmd.Flags().GetString("name")
		category, _ := cmd.Flags().GetString("category")
		platform, _ := cmd.Flags().GetString("platform")
		desc, _ := cmd.Flags().GetString("description")
		baseURL, _ := cmd.Flags().GetString("api-base-url")
		needsKey, _ := cmd.Flags().GetBool("requires-api-key")

		authType := types.AuthNone
		if needsKey {
			authType = types.AuthAPIKey
		}
		manifest, err := a.builder.Build(pipeline.BuildRequest{
			Name:           name,
			Category:       category,
			Platform:       platform,
			Description:    desc,
			APIBaseURL:     baseURL,
			RequiresAPIKey: needsKey,
			AuthType:       authType,
		})
		if err != nil {
			return err
		}
		fmt.Printf("scaffolded %s (status %s)\n", manifest.ID(), manifest.Status)
		return nil
	},
}

var modulesValidateCmd = &cobra.Command{
	Use:   "validate [module-id]",
	Short: "Validate a module's current source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.validator.Validate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		if !report.Passed() {
			os.Exit(1)
		}
		return nil
	},
}

var modulesInstallCmd = &cobra.Command{
	Use:   "install [module-id]",
	Short: "Install a validated module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		moduleID := args[0]
		// Attest against the current files: validate must have run already,
		// so the recorded status gates admission.
		report, err := a.validator.Validate(cmd.Context(), moduleID)
		if err != nil {
			return err
		}
		if !report.Passed() {
			return fmt.Errorf("module %s failed validation, not installing", moduleID)
		}
		result, err := a.installer.Install(moduleID, pipeline.Attestation{
			BundleSHA256: report.BundleSHA256,
			Status:       string(report.Status),
		})
		if err != nil {
			return err
		}
		if _, err := a.versions.RegisterVersion(moduleID, report.BundleSHA256, "cli", "generated", report); err != nil {
			return err
		}
		fmt.Printf("installed %s (loaded=%v)\n", result.ModuleID, result.IsLoaded)
		return nil
	},
}

var modulesRepairCmd = &cobra.Command{
	Use:   "repair [module-id]",
	Short: "Validate a module and repair it through the gateway if it fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		moduleID := args[0]
		jobID, _ := cmd.Flags().GetString("job-id")
		if jobID == "" {
			jobID = "cli"
		}

		report, err := a.validator.Validate(cmd.Context(), moduleID)
		if err != nil {
			return err
		}
		if report.Passed() {
			fmt.Printf("%s already validates\n", moduleID)
			return nil
		}
		audit, final, err := a.repair.Run(cmd.Context(), jobID, moduleID, report)
		fmt.Printf("repair finished after %d attempts, status %s\n", audit.Len(), final.Status)
		return err
	},
}

func init() {
	modulesBuildCmd.Flags().String("name", "", "module display name")
	modulesBuildCmd.Flags().String("category", "", "module category")
	modulesBuildCmd.Flags().String("platform", "", "module platform")
	modulesBuildCmd.Flags().String("description", "", "module description")
	modulesBuildCmd.Flags().String("api-base-url", "", "upstream API base URL")
	modulesBuildCmd.Flags().Bool("requires-api-key", false, "upstream needs an API key")
	_ = modulesBuildCmd.MarkFlagRequired("name")
	_ = modulesBuildCmd.MarkFlagRequired("category")
	_ = modulesBuildCmd.MarkFlagRequired("platform")

	modulesRepairCmd.Flags().String("job-id", "", "budget job id for the repair lane")

	modulesCmd.AddCommand(modulesListCmd, modulesBuildCmd, modulesValidateCmd, modulesInstallCmd, modulesRepairCmd)
}
