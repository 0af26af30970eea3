package main

import (
	"github.com/spf13/cobra"

	"github.com/nik9play/locmux/pkg/locmux"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "locmux",
	Short: "Share one GPS receiver between many location requests",
	Long: `locmux owns a serial NMEA GPS receiver and hands its fixes to every
location request that needs them. The receiver only runs while some
request is active, and never before location access was granted.

Without a subcommand, locmux runs as a tray daemon (see "locmux run").`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", locmux.DefaultConfigFilepath, "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (useful for debugging serial)")
}
