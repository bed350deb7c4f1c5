package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/mwhitfield/rosterboard/config"
	"github.com/mwhitfield/rosterboard/internal/attach"
	"github.com/mwhitfield/rosterboard/internal/server"
	"github.com/mwhitfield/rosterboard/internal/store"
	"github.com/mwhitfield/rosterboard/webui"
)

// newLogger creates a terminal-friendly logger; colors are dropped when
// stderr is not a terminal.
func newLogger(level string) *slog.Logger {
	var ll slog.Level
	switch level {
	case "debug":
		ll = slog.LevelDebug
	case "warn":
		ll = slog.LevelWarn
	case "error":
		ll = slog.LevelError
	default:
		ll = slog.LevelInfo
	}

	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// serveCmd starts the Rosterboard server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the roster server",
	Long: `Start the Rosterboard server.

The server will:
  - Load the roster collection from the configured JSON file
  - Serve the roster UI and websocket sync endpoint on the configured port
  - Accept document uploads into the configured upload directory

The roster file must exist and parse; create one with "rosterboard init".
The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  rosterboard serve
  rosterboard serve -c config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (defaults apply if omitted)")
}

// loadConfig loads the config file if one was given, or returns defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	if configFile == "" {
		return config.Parse(nil)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	st, err := store.Open(cfg.RosterFile)
	if err != nil {
		return fmt.Errorf("failed to open roster (run \"rosterboard init\" to create one): %w", err)
	}

	attachments, err := attach.NewManager(cfg.UploadDir, logger)
	if err != nil {
		return err
	}

	logger.Info("roster loaded",
		"file", cfg.RosterFile,
		"records", len(st.Snapshot()),
	)

	srv := server.NewServer(st, attachments, cfg.Port, cfg.MaxUploadSize.Bytes(), webui.Assets, cfg.Title, logger)

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("server started", "port", cfg.Port)

	srv.Wait()
	logger.Info("shutdown complete")
	return nil
}
