package locmux

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testGGA = "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
	testRMC = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
)

// sentence wraps an NMEA body with its checksum and line ending
func sentence(body string) string {
	var checksum byte
	for i := 0; i < len(body); i++ {
		checksum ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", body, checksum)
}

func newTestReceiver(t *testing.T, contents string) (*SerialReceiver, *clock.Mock) {
	t.Helper()

	lm, _ := newTestLocMux(t, contents)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	sr, err := NewSerialReceiver(lm, zaptest.NewLogger(t).Sugar(), clk)
	require.NoError(t, err)

	return sr, clk
}

func TestHandleLine_GGA(t *testing.T) {
	sr, clk := newTestReceiver(t, "")

	fix, ok := sr.handleLine(sr.logger, sentence(testGGA))
	require.True(t, ok)

	assert.InDelta(t, 48.1173, fix.Latitude, 1e-6)
	assert.InDelta(t, 11.516667, fix.Longitude, 1e-6)
	assert.InDelta(t, 545.4, fix.Altitude, 1e-9)
	assert.InDelta(t, 4.5, fix.HorizontalAccuracy, 1e-9)
	assert.Equal(t, 8, fix.Satellites)
	assert.Equal(t, clk.Now(), fix.Timestamp)
	assert.Zero(t, fix.Speed)
}

func TestHandleLine_RMCAddsMotion(t *testing.T) {
	sr, clk := newTestReceiver(t, "")

	_, ok := sr.handleLine(sr.logger, sentence(testRMC))
	assert.False(t, ok, "RMC alone doesn't produce a fix")

	fix, ok := sr.handleLine(sr.logger, sentence(testGGA))
	require.True(t, ok)
	assert.InDelta(t, 22.4*0.514444, fix.Speed, 1e-3)
	assert.InDelta(t, 84.4, fix.Course, 1e-9)

	// motion data goes stale
	clk.Add(3 * time.Second)

	fix, ok = sr.handleLine(sr.logger, sentence(testGGA))
	require.True(t, ok)
	assert.Zero(t, fix.Speed)
	assert.Zero(t, fix.Course)
}

func TestHandleLine_Ignored(t *testing.T) {
	sr, _ := newTestReceiver(t, "")

	tests := map[string]string{
		"no fix":       sentence("GPGGA,123519,4807.038,N,01131.000,E,0,00,,,M,,M,,"),
		"bad checksum": "$" + testGGA + "*00\r\n",
		"garbage":      "\x00\x13binary noise\n",
		"empty":        "\r\n",
		"unknown":      sentence("GPXYZ,1,2,3"),
		"void rmc":     sentence("GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"),
	}

	for name, line := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := sr.handleLine(sr.logger, line)
			assert.False(t, ok)
		})
	}
}

func TestHandleLine_SentenceFilter(t *testing.T) {
	sr, _ := newTestReceiver(t, "nmea_sentences: [gga]\n")

	_, ok := sr.handleLine(sr.logger, sentence(testRMC))
	assert.False(t, ok)

	fix, ok := sr.handleLine(sr.logger, sentence(testGGA))
	require.True(t, ok)
	assert.Zero(t, fix.Speed, "filtered RMC must not contribute motion")

	sr, _ = newTestReceiver(t, "nmea_sentences: [RMC]\n")
	_, ok = sr.handleLine(sr.logger, sentence(testGGA))
	assert.False(t, ok)
}

func TestSetWanted_LatestWins(t *testing.T) {
	sr, _ := newTestReceiver(t, "")

	// nobody is reading, none of these may block
	sr.StartUpdatingLocation()
	sr.StopUpdatingLocation()
	sr.StartUpdatingLocation()

	require.Len(t, sr.wantChannel, 1)
	assert.True(t, <-sr.wantChannel)
}

func TestEmit_FansOut(t *testing.T) {
	sr, _ := newTestReceiver(t, "")

	first := sr.SubscribeToTrackerEvents()
	second := sr.SubscribeToTrackerEvents()

	event := TrackerEvent{Fixes: []Fix{{Latitude: 1, Longitude: 2}}}
	require.True(t, sr.emit(event))

	assert.Equal(t, event, <-first)
	assert.Equal(t, event, <-second)
}

func TestSerialReceiver_ReportsConnectFailureOnce(t *testing.T) {
	sr, clk := newTestReceiver(t, "com_port: /nonexistent/locmux-tty\n")
	events := sr.SubscribeToTrackerEvents()

	sr.Open()
	defer sr.Close()

	sr.StartUpdatingLocation()

	select {
	case event := <-events:
		require.Error(t, event.Err)
		assert.Contains(t, event.Err.Error(), "/nonexistent/locmux-tty")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a connect failure")
	}

	// retries don't report the same outage again
	for i := 0; i < 3; i++ {
		clk.Add(retryDelay)
	}

	select {
	case event := <-events:
		t.Fatalf("unexpected event: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}

	sr.StopUpdatingLocation()
}

func TestSerialReceiver_AutoDetectWithoutReceiver(t *testing.T) {
	sr, _ := newTestReceiver(t, "")

	err := sr.connect()
	if err == nil {
		// a real receiver is plugged in
		sr.closePort()
		t.Skip("GPS receiver present")
	}

	assert.True(t, errors.Is(err, ErrNoSerialPorts) || errors.Is(err, ErrAutoPortNotFound), "unexpected error: %v", err)
	assert.Nil(t, sr.port)
}
