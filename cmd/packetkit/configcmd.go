package main

import (
	"github.com/spf13/cobra"
)

var outputFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after the file, PACKETKIT_* environment
overrides and flags have been applied. Secrets are redacted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cfg.Render(cmd.OutOrStdout(), outputFormat)
	},
}

func init() {
	configCmd.Flags().StringVarP(&outputFormat, "output", "o", "toml", "output format: toml, json, yaml")
}
