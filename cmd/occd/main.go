// Command occd is the Odoo Claude Code daemon. It supervises local Odoo
// server processes, interactive shell sessions, and embedded AI coding
// sessions, and exposes them over a loopback HTTP and websocket API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vpescete/odoo-claude-code/internal/config"
	"github.com/vpescete/odoo-claude-code/internal/daemon"
)

var version = "dev"

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:           "occd",
	Short:         "Odoo instance and AI session supervisor",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervision daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if flagDebug {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)

		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}

		d, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", defaultConfigPath(), "path to the TOML config file")
	serveCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.odoo-claude-code/config.toml"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "occd:", err)
		os.Exit(1)
	}
}
