package locmux

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/benbjohnson/clock"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/thoas/go-funk"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"github.com/nik9play/locmux/pkg/locmux/util"
)

type VIDPID struct {
	VID uint64
	PID uint64
}

// SerialReceiver is the tracking session: an NMEA GPS receiver on a serial port.
// It implements Tracker. The port is only held open while location updates are wanted
type SerialReceiver struct {
	lm     *LocMux
	logger *zap.SugaredLogger
	clock  clock.Clock

	lock        sync.Mutex
	open        bool
	stopChannel chan struct{}
	wg          sync.WaitGroup

	wantLock      sync.Mutex
	wantChannel   chan bool
	renewChannel  chan struct{}
	consumersLock sync.RWMutex

	// owned by managerLoop
	port       serial.Port
	comPort    string
	configured ConnectionInfo

	// owned by readLoop
	lastSpeed    float64
	lastCourse   float64
	lastMotionAt time.Time

	trackerEventConsumers []chan TrackerEvent
}

// u-blox 7/8, Prolific PL2303 and CH340 bridges, the usual suspects for USB GPS pucks
var allowedVIDPIDs = []VIDPID{{0x1546, 0x01A7}, {0x067B, 0x2303}, {0x1A86, 0x7523}}

const (
	// receivers don't report accuracy in GGA, so HDOP is scaled by a typical user equivalent range error
	hdopToMeters = 5.0

	// speed and course from RMC are attached to GGA fixes no older than this
	maxMotionAge = 2 * time.Second

	retryDelay = 2 * time.Second
)

var errReadStopped = errors.New("read stopped")

// NewSerialReceiver creates a SerialReceiver instance that uses the provided locmux
// instance's connection info to talk to the GPS receiver
func NewSerialReceiver(lm *LocMux, logger *zap.SugaredLogger, clk clock.Clock) (*SerialReceiver, error) {
	logger = logger.Named("serial")

	sr := &SerialReceiver{
		lm:                    lm,
		logger:                logger,
		clock:                 clk,
		wantChannel:           make(chan bool, 1),
		renewChannel:          make(chan struct{}, 1),
		trackerEventConsumers: []chan TrackerEvent{},
	}

	logger.Debug("Created serial receiver instance")

	// respond to config changes
	sr.setupOnConfigReload()

	return sr, nil
}

// Open starts the connection manager. Nothing is connected until StartUpdatingLocation
func (sr *SerialReceiver) Open() {
	sr.lock.Lock()
	defer sr.lock.Unlock()

	if sr.open {
		return
	}

	sr.open = true
	sr.stopChannel = make(chan struct{})

	sr.logger.Info("Serial receiver starting")
	sr.wg.Add(1)
	go sr.managerLoop()
}

// Close disconnects from the receiver if connected and stops the connection manager
func (sr *SerialReceiver) Close() {
	sr.lock.Lock()
	if !sr.open {
		sr.lock.Unlock()
		return
	}
	sr.open = false
	close(sr.stopChannel)
	sr.lock.Unlock()

	// Wait for all goroutines to finish
	sr.wg.Wait()
	sr.logger.Info("Serial receiver stopped")
}

// StartUpdatingLocation asks the connection manager to connect and keep reporting fixes
func (sr *SerialReceiver) StartUpdatingLocation() {
	sr.setWanted(true)
}

// StopUpdatingLocation asks the connection manager to release the port
func (sr *SerialReceiver) StopUpdatingLocation() {
	sr.setWanted(false)
}

// SubscribeToTrackerEvents returns a buffered channel that receives a TrackerEvent
// for every fix and every connection failure
func (sr *SerialReceiver) SubscribeToTrackerEvents() <-chan TrackerEvent {
	sr.consumersLock.Lock()
	defer sr.consumersLock.Unlock()

	ch := make(chan TrackerEvent, 16)
	sr.trackerEventConsumers = append(sr.trackerEventConsumers, ch)

	return ch
}

// setWanted replaces any command the manager loop hasn't picked up yet, so it never blocks
func (sr *SerialReceiver) setWanted(wanted bool) {
	sr.wantLock.Lock()
	defer sr.wantLock.Unlock()

	select {
	case <-sr.wantChannel:
	default:
	}

	sr.wantChannel <- wanted
}

func (sr *SerialReceiver) setupOnConfigReload() {
	configReloadedChannel := sr.lm.config.SubscribeToChanges()

	go func() {
		for {
			<-configReloadedChannel

			// the manager loop compares connection params itself and only reconnects if they changed
			select {
			case sr.renewChannel <- struct{}{}:
			default:
			}
		}
	}()
}

func (sr *SerialReceiver) connect() error {
	// don't allow multiple concurrent connections
	if sr.port != nil {
		sr.logger.Warn("Already connected, can't start another without closing first")
		return errors.New("serial: connection already active")
	}

	sr.configured = sr.lm.config.Connection()
	sr.comPort = sr.configured.COMPort

	if sr.comPort == "auto" {
		sr.logger.Infow("Trying to autodetect serial port")

		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			sr.logger.Errorw("Failed to enumerate serial ports", "error", err)
			return fmt.Errorf("enumerate serial ports: %w", errors.Join(ErrNoSerialPorts, err))
		}
		if len(ports) == 0 {
			sr.logger.Warn("No serial ports found")
			return ErrNoSerialPorts
		}

		for _, port := range ports {
			sr.logger.Debugw("Found port", "name", port.Name, "usb", port.IsUSB)
			if !port.IsUSB {
				continue
			}

			vid, _ := strconv.ParseUint(port.VID, 16, 16)
			pid, _ := strconv.ParseUint(port.PID, 16, 16)

			if funk.Contains(allowedVIDPIDs, VIDPID{vid, pid}) {
				sr.logger.Infow("Found GPS receiver port", "com", port.Name, "vid", port.VID, "pid", port.PID)
				sr.comPort = port.Name
				break
			}
		}

		if sr.comPort == "auto" {
			sr.logger.Warn("GPS receiver port not found")
			return ErrAutoPortNotFound
		}
	}

	mode := &serial.Mode{
		BaudRate: sr.configured.BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	sr.logger.Debugw("Attempting serial connection",
		"comPort", sr.comPort,
		"baudRate", mode.BaudRate)

	port, err := serial.Open(sr.comPort, mode)
	if err != nil {
		sr.logger.Warnw("Failed to open serial connection", "error", err)
		return fmt.Errorf("open serial port %s: %w", sr.comPort, err)
	}

	sr.port = port

	return nil
}

// manages the serial connection and retries
func (sr *SerialReceiver) managerLoop() {
	defer sr.wg.Done()

	wanted := false
	backoff := false
	reportedFailure := false

	for {
		// idle until someone wants fixes
		if !wanted {
			select {
			case wanted = <-sr.wantChannel:
				backoff = false
				reportedFailure = false
			case <-sr.renewChannel:
			case <-sr.stopChannel:
				sr.logger.Debug("managerLoop: stop signal")
				return
			}
			continue
		}

		if backoff {
			backoff = false

			select {
			case wanted = <-sr.wantChannel:
				continue
			case <-sr.renewChannel:
			case <-sr.clock.After(retryDelay):
			case <-sr.stopChannel:
				sr.logger.Debug("managerLoop: stop signal")
				return
			}
		}

		if err := sr.connect(); err != nil {
			sr.logger.Warnw("Serial connection error. Trying again...", "error", err)

			// report once per outage, not on every retry
			if !reportedFailure {
				reportedFailure = true
				sr.emit(TrackerEvent{Err: fmt.Errorf("connect gps receiver: %w", err)})
			}

			backoff = true
			continue
		}

		reportedFailure = false

		namedLogger := sr.logger.Named(strings.ToLower(sr.comPort))
		namedLogger.Infow("Connected", "port", sr.comPort)
		sr.notifyConnected()

		readErr := make(chan error, 1)
		sr.wg.Add(1)
		go sr.readLoop(namedLogger, sr.port, readErr)

		connected := true
		for connected {
			select {
			case err := <-readErr:
				sr.logger.Warnw("Read line error", "error", err)
				sr.notifyDisconnected()
				sr.closePort()

				sr.emit(TrackerEvent{Err: fmt.Errorf("%w: %w", ErrReceiverDisconnected, err)})
				reportedFailure = true
				backoff = true
				connected = false

			case wanted = <-sr.wantChannel:
				if !wanted {
					sr.logger.Debug("Location updates no longer wanted, disconnecting")
					sr.closePort()
					<-readErr
					connected = false
				}

			case <-sr.renewChannel:
				if sr.lm.config.Connection() != sr.configured {
					sr.logger.Info("Detected change in connection parameters, attempting to renew connection")
					sr.closePort()
					<-readErr
					connected = false
				}

			case <-sr.stopChannel:
				sr.logger.Debug("managerLoop: stop signal")
				sr.closePort()
				<-readErr
				return
			}
		}
	}
}

func (sr *SerialReceiver) readLoop(logger *zap.SugaredLogger, port serial.Port, readErr chan<- error) {
	defer sr.wg.Done()

	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			readErr <- fmt.Errorf("read error: %w", err)
			return
		}

		if sr.lm.Verbose() {
			logger.Debugw("Read new line", "line", line)
		}

		fix, ok := sr.handleLine(logger, line)
		if !ok {
			continue
		}

		if !sr.emit(TrackerEvent{Fixes: []Fix{fix}}) {
			readErr <- errReadStopped
			return
		}
	}
}

func (sr *SerialReceiver) closePort() {
	if sr.port == nil {
		return
	}

	if err := sr.port.Close(); err != nil {
		sr.logger.Warnw("Failed to close serial connection", "error", err)
	} else {
		sr.logger.Debug("Serial connection closed")
	}

	sr.port = nil
}

// handleLine turns one NMEA line into a fix. Only GGA sentences with a valid fix produce one,
// RMC sentences contribute speed and course
func (sr *SerialReceiver) handleLine(logger *zap.SugaredLogger, line string) (Fix, bool) {
	// this function receives an unsanitized line which is guaranteed to end with LF,
	// but most lines will end with CRLF. receivers also emit garbage right after connecting
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Fix{}, false
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		if sr.lm.Verbose() {
			logger.Debugw("Got malformed line from serial, ignoring", "line", line, "error", err)
		}
		return Fix{}, false
	}

	if !funk.ContainsString(sr.lm.config.NMEASentences(), sentence.DataType()) {
		return Fix{}, false
	}

	now := sr.clock.Now()

	switch s := sentence.(type) {
	case nmea.RMC:
		if s.Validity != nmea.ValidRMC {
			return Fix{}, false
		}

		sr.lastSpeed = util.KnotsToMetersPerSecond(s.Speed)
		sr.lastCourse = s.Course
		sr.lastMotionAt = now

	case nmea.GGA:
		if s.FixQuality == nmea.Invalid {
			return Fix{}, false
		}

		fix := Fix{
			Latitude:           util.NormalizeCoordinate(s.Latitude),
			Longitude:          util.NormalizeCoordinate(s.Longitude),
			Altitude:           s.Altitude,
			HorizontalAccuracy: s.HDOP * hdopToMeters,
			Satellites:         int(s.NumSatellites),
			Timestamp:          now,
		}

		if !sr.lastMotionAt.IsZero() && now.Sub(sr.lastMotionAt) <= maxMotionAge {
			fix.Speed = sr.lastSpeed
			fix.Course = sr.lastCourse
		}

		if sr.lm.Verbose() {
			logger.Debugw("Got fix", "fix", fix)
		}

		return fix, true
	}

	return Fix{}, false
}

// emit delivers an event to every consumer. Returns false if the receiver was closed meanwhile
func (sr *SerialReceiver) emit(event TrackerEvent) bool {
	sr.consumersLock.RLock()
	consumers := sr.trackerEventConsumers
	sr.consumersLock.RUnlock()

	for _, consumer := range consumers {
		select {
		case consumer <- event:
		case <-sr.stopChannel:
			return false
		}
	}

	return true
}

func (sr *SerialReceiver) notifyConnected() {
	title := sr.lm.localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID:    "ReceiverConnectedNotificationTitle",
			Other: "Connected to {{.ComPort}}.",
		},
		TemplateData: map[string]string{
			"ComPort": sr.comPort,
		},
	})
	description := sr.lm.localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID:    "ReceiverConnectedNotificationDescription",
			Other: "Waiting for a position fix.",
		},
	})
	sr.lm.notifier.Notify(title, description)
}

func (sr *SerialReceiver) notifyDisconnected() {
	title := sr.lm.localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID:    "ReceiverDisconnectedNotificationTitle",
			Other: "Disconnected from {{.ComPort}} due to an error.",
		},
		TemplateData: map[string]string{
			"ComPort": sr.comPort,
		},
	})
	description := sr.lm.localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID:    "ReceiverDisconnectedNotificationDescription",
			Other: "Trying to reconnect.",
		},
	})
	sr.lm.notifier.Notify(title, description)
}
