package locmux

import (
	"fmt"
	"time"
)

// Fix is a single position reported by the tracking session
type Fix struct {
	Latitude           float64
	Longitude          float64
	Altitude           float64
	HorizontalAccuracy float64 // metres, 1-sigma
	Speed              float64 // metres per second
	Course             float64 // degrees true
	Satellites         int
	Timestamp          time.Time
}

func (f Fix) String() string {
	return fmt.Sprintf("<%.6f,%.6f ±%.0fm @ %s>", f.Latitude, f.Longitude, f.HorizontalAccuracy, f.Timestamp.Format(time.RFC3339))
}

// Accuracy is the quality a request needs before it considers itself satisfied
type Accuracy int

const (
	AccuracyAny Accuracy = iota
	AccuracyCity
	AccuracyNeighborhood
	AccuracyBlock
	AccuracyHouse
	AccuracyRoom
)

var accuracyNames = map[Accuracy]string{
	AccuracyAny:          "any",
	AccuracyCity:         "city",
	AccuracyNeighborhood: "neighborhood",
	AccuracyBlock:        "block",
	AccuracyHouse:        "house",
	AccuracyRoom:         "room",
}

func (a Accuracy) String() string {
	if name, ok := accuracyNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Accuracy(%d)", int(a))
}

// ParseAccuracy resolves a config/CLI accuracy name
func ParseAccuracy(name string) (Accuracy, error) {
	for accuracy, accuracyName := range accuracyNames {
		if accuracyName == name {
			return accuracy, nil
		}
	}
	return AccuracyAny, fmt.Errorf("unknown accuracy %q", name)
}

// HorizontalThreshold is the largest horizontal error (metres) that satisfies this accuracy.
// Zero means any error is acceptable
func (a Accuracy) HorizontalThreshold() float64 {
	switch a {
	case AccuracyCity:
		return 5000
	case AccuracyNeighborhood:
		return 1000
	case AccuracyBlock:
		return 100
	case AccuracyHouse:
		return 15
	case AccuracyRoom:
		return 5
	default:
		return 0
	}
}

// RecencyThreshold is the oldest a fix may be to satisfy this accuracy.
// Zero means any age is acceptable
func (a Accuracy) RecencyThreshold() time.Duration {
	switch a {
	case AccuracyCity:
		return 10 * time.Minute
	case AccuracyNeighborhood:
		return 5 * time.Minute
	case AccuracyBlock:
		return time.Minute
	case AccuracyHouse:
		return 15 * time.Second
	case AccuracyRoom:
		return 5 * time.Second
	default:
		return 0
	}
}

// Satisfied reports whether the given fix is accurate and recent enough as of now
func (a Accuracy) Satisfied(fix Fix, now time.Time) bool {
	if threshold := a.HorizontalThreshold(); threshold > 0 && fix.HorizontalAccuracy > threshold {
		return false
	}

	if recency := a.RecencyThreshold(); recency > 0 && now.Sub(fix.Timestamp) > recency {
		return false
	}

	return true
}
