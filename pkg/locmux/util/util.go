package util

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"
)

const (
	earthRadiusMeters = 6371008.8

	metersPerSecondPerKnot = 0.514444
)

// OpenExternal opens a file using the default associated program
func OpenExternal(logger *zap.SugaredLogger, filename string) error {
	command := getOpenExternalCommand(filename)

	if err := command.Run(); err != nil {
		logger.Warnw("Failed to open file",
			"filename", filename,
			"error", err)
		return fmt.Errorf("open file proc: %w", err)
	}

	return nil
}

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}

// Linux returns true if we're running on Linux
func Linux() bool {
	return runtime.GOOS == "linux"
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// NormalizeCoordinate "trims" the given coordinate to 6 points of precision (roughly 11cm at the equator).
// Receivers report far more digits than they can actually resolve
func NormalizeCoordinate(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// KnotsToMetersPerSecond converts an NMEA speed over ground into SI units
func KnotsToMetersPerSecond(knots float64) float64 {
	return knots * metersPerSecondPerKnot
}

// DistanceMeters returns the great-circle distance between two WGS84 points using the haversine formula
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := (lat2 - lat1) * math.Pi / 180
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)

	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// SignificantlyMoved returns true if the distance between two points is at least the given filter.
// A non-positive filter means every movement counts
func SignificantlyMoved(lat1, lon1, lat2, lon2 float64, distanceFilter float64) bool {
	if distanceFilter <= 0 {
		return true
	}

	return DistanceMeters(lat1, lon1, lat2, lon2) >= distanceFilter
}
