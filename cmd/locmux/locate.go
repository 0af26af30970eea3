package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nik9play/locmux/pkg/locmux"
	"github.com/nik9play/locmux/pkg/locmux/util"
)

var (
	locateAccuracy string
	locateTimeout  time.Duration

	watchAccuracy       string
	watchDistanceFilter float64
)

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Print the current position once",
	Long: `Connects to the GPS receiver, waits for a fix meeting the requested
accuracy and prints it. On timeout, the best fix seen so far is printed.`,
	RunE: runLocate,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every position update until interrupted",
	RunE:  runWatch,
}

func init() {
	locateCmd.Flags().StringVarP(&locateAccuracy, "accuracy", "a", "block", "desired accuracy (any, city, neighborhood, block, house, room)")
	locateCmd.Flags().DurationVarP(&locateTimeout, "timeout", "t", time.Minute, "give up after this long, 0 to wait indefinitely")

	watchCmd.Flags().StringVarP(&watchAccuracy, "accuracy", "a", "any", "minimum accuracy of reported fixes")
	watchCmd.Flags().Float64VarP(&watchDistanceFilter, "distance-filter", "d", 0, "only report fixes at least this many metres apart")

	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(watchCmd)
}

func runLocate(cmd *cobra.Command, _ []string) error {
	accuracy, err := locmux.ParseAccuracy(strings.ToLower(locateAccuracy))
	if err != nil {
		return err
	}

	lm, flush, err := prepareLocMux()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := interruptContext()
	defer cancel()

	fix, status, err := lm.Locate(ctx, accuracy, locateTimeout)
	if status == locmux.RequestTimedOut && !fix.Timestamp.IsZero() {
		cmd.Printf("Timed out, best fix: %s\n", formatFix(fix))
		return nil
	}
	if err != nil {
		return fmt.Errorf("locate failed: %w", err)
	}

	cmd.Println(formatFix(fix))

	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	accuracy, err := locmux.ParseAccuracy(strings.ToLower(watchAccuracy))
	if err != nil {
		return err
	}

	lm, flush, err := prepareLocMux()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := interruptContext()
	defer cancel()

	return lm.Watch(ctx, accuracy, watchDistanceFilter, func(fix locmux.Fix, status locmux.RequestStatus, err error) {
		if err != nil {
			cmd.PrintErrf("Error (%s): %v\n", status, err)
			return
		}

		cmd.Println(formatFix(fix))
	})
}

// prepareLocMux creates a locmux instance with config and authorization loaded, for one-shot commands
func prepareLocMux() (*locmux.LocMux, func(), error) {
	lm, logger, err := newLocMux()
	if err != nil {
		return nil, nil, err
	}

	if err := lm.Prepare(); err != nil {
		return nil, nil, fmt.Errorf("prepare locmux: %w", err)
	}

	return lm, func() { _ = logger.Sync() }, nil
}

// interruptContext is cancelled on ctrl+C
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	interruptChannel := util.SetupCloseHandler()

	go func() {
		select {
		case <-interruptChannel:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func formatFix(fix locmux.Fix) string {
	return fmt.Sprintf("%.6f,%.6f ±%.0fm alt %.1fm speed %.1fm/s course %.0f° sats %d at %s",
		fix.Latitude, fix.Longitude, fix.HorizontalAccuracy,
		fix.Altitude, fix.Speed, fix.Course, fix.Satellites,
		fix.Timestamp.Format(time.RFC3339))
}
