// Package cmd implements the opsrelay command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsrelay-systems/opsrelay/internal/config"
	"github.com/opsrelay-systems/opsrelay/internal/logging"
)

var (
	cfgFile   string
	serverURL string
	authToken string
	cfg       *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "opsrelay",
	Short: "Operational event relay",
	Long: `opsrelay normalizes operational events from heterogeneous sources,
routes them to responder agents, correlates related events into
aggregates, and manages the incident lifecycle.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults + OPSRELAY_* env)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "opsrelay API base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "bearer token for incident operations")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load config: %v\n", err)
		cfg, _ = config.Load("")
	}
}

// newLogger builds the process logger from the loaded configuration.
func newLogger() *logging.Logger {
	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	logging.SetDefault(logger)
	return logger
}
