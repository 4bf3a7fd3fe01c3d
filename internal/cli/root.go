// Package cli implements the patchgate command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/patchgate/internal/config"
)

var (
	configPath  string
	logLevelArg string
)

var rootCmd = &cobra.Command{
	Use:   "patchgate",
	Short: "Approval-gated upgrades for a self-hosted container stack",
	Long: "Checks deployed component versions against upstream releases and applies updates through privileged scripts.\n" +
		"Low-risk patch updates run immediately; everything else waits for a human decision in chat or over the API.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to patchgate.yaml (default: ./patchgate.yaml or /etc/patchgate/patchgate.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelArg, "log-level", "", "Override log.level (debug, info, warn, error)")
}

// loadConfig reads configuration and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := configureLogger(cfg, logLevelArg, os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
