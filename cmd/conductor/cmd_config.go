package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and reload the routing configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current routing config",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		out, err := json.MarshalIndent(a.configMgr.GetConfig(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the routing config from disk and notify observers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(workspace)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.configMgr.Reload(); err != nil {
			return err
		}
		fmt.Printf("reloaded: %d categories\n", len(a.configMgr.GetConfig().Categories))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configReloadCmd)
}
