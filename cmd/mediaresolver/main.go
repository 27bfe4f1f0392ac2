// mediaresolver resolves web pages to the playable media they embed,
// either as a one-shot CLI or as an HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mediaresolver/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	flagConfig string
	flagDebug  bool

	// cfg and logger are initialized by setup before any command runs.
	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:               "mediaresolver",
	Short:             "Resolve web pages to the playable media they embed",
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config file (default: XDG config dir)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Debug logging to stderr")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(historyCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagDebug {
		cfg.Debug = true
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return nil
}
