package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the locmux daemon",
	Long: `Runs locmux in the foreground with a tray icon (unless LOCMUX_NO_TRAY_ICON
is set), serving the requests declared in the config file and following
changes to it until interrupted.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	lm, logger, err := newLocMux()
	if err != nil {
		return err
	}

	if err := lm.Initialize(); err != nil {
		logger.Errorw("Failed to initialize locmux", "error", err)
		return fmt.Errorf("initialize locmux: %w", err)
	}

	return nil
}
