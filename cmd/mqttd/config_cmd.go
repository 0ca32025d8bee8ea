package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd groups configuration-file helpers, kept separate from serveCmd
// since neither subcommand starts the listener.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or generate mqttd configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration as a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(defaultSettings())
		if err != nil {
			return fmt.Errorf("marshaling default configuration: %w", err)
		}
		if cfgFile == "" {
			_, err := os.Stdout.Write(out)
			return err
		}
		return os.WriteFile(cfgFile, out, 0o644)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
