// Package main is the entry point for the rosterboard CLI.
//
// Rosterboard serves a shared student roster that multiple viewers can
// browse, filter, edit, and attach documents to, with every change pushed
// to all connected viewers in real time.
//
// Usage:
//
//	rosterboard init                      # Create an empty roster file
//	rosterboard serve -c config.yaml      # Start the server
//	rosterboard validate -c config.yaml   # Validate configuration
//	rosterboard version                   # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "rosterboard",
	Short: "A realtime shared student roster",
	Long: `Rosterboard keeps a shared roster of students that many viewers can
browse, filter, edit, and attach a document to at the same time. Every
mutation is pushed to all connected viewers, so nobody ever refreshes.

Quick start:
  1. Create an empty roster: rosterboard init
  2. Run: rosterboard serve
  3. Open http://localhost:3000 in a few browser windows

Example config:
  title: Student Roster
  port: 3000
  roster_file: database.json
  upload_dir: upload
  max_upload_size: 50MB`,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this rosterboard binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rosterboard %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
