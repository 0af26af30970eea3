package locmux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAccuracy(t *testing.T) {
	for accuracy, name := range accuracyNames {
		parsed, err := ParseAccuracy(name)
		require.NoError(t, err)
		assert.Equal(t, accuracy, parsed)
	}

	_, err := ParseAccuracy("galaxy")
	assert.Error(t, err)
}

func TestAccuracy_Satisfied(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		accuracy Accuracy
		fix      Fix
		want     bool
	}{
		{
			name:     "any accepts anything",
			accuracy: AccuracyAny,
			fix:      Fix{HorizontalAccuracy: 100000, Timestamp: now.Add(-24 * time.Hour)},
			want:     true,
		},
		{
			name:     "block within radius",
			accuracy: AccuracyBlock,
			fix:      Fix{HorizontalAccuracy: 100, Timestamp: now.Add(-30 * time.Second)},
			want:     true,
		},
		{
			name:     "block too coarse",
			accuracy: AccuracyBlock,
			fix:      Fix{HorizontalAccuracy: 101, Timestamp: now},
			want:     false,
		},
		{
			name:     "house too old",
			accuracy: AccuracyHouse,
			fix:      Fix{HorizontalAccuracy: 3, Timestamp: now.Add(-16 * time.Second)},
			want:     false,
		},
		{
			name:     "city old but acceptable",
			accuracy: AccuracyCity,
			fix:      Fix{HorizontalAccuracy: 3000, Timestamp: now.Add(-9 * time.Minute)},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.accuracy.Satisfied(tt.fix, now))
		})
	}
}

func TestAccuracy_ThresholdsTighten(t *testing.T) {
	levels := []Accuracy{AccuracyCity, AccuracyNeighborhood, AccuracyBlock, AccuracyHouse, AccuracyRoom}

	for i := 1; i < len(levels); i++ {
		assert.Less(t, levels[i].HorizontalThreshold(), levels[i-1].HorizontalThreshold())
		assert.Less(t, levels[i].RecencyThreshold(), levels[i-1].RecencyThreshold())
	}
}
