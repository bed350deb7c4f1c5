package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mwhitfield/rosterboard/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a Rosterboard configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  rosterboard validate -c config.yaml
  rosterboard validate --config /etc/rosterboard/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:            %d\n", cfg.Port)
	fmt.Printf("  Roster file:     %s\n", cfg.RosterFile)
	fmt.Printf("  Upload dir:      %s\n", cfg.UploadDir)
	fmt.Printf("  Max upload size: %d bytes\n", cfg.MaxUploadSize.Bytes())

	return nil
}
