package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mwhitfield/rosterboard/internal/store"
)

// initCmd creates an empty roster file.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty roster file",
	Long: `Create an empty roster file at the configured path.

The server deliberately refuses to start without a valid roster file, so a
fresh deployment runs this once. Fails if the file already exists.

Example:
  rosterboard init
  rosterboard init -c config.yaml`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringP("config", "c", "", "path to config file (defaults apply if omitted)")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := store.Init(cfg.RosterFile); err != nil {
		return err
	}

	fmt.Printf("Created empty roster at %s\n", cfg.RosterFile)
	return nil
}
