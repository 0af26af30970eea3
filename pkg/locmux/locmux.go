// Package locmux shares a single GPS receiver between any number of location requests,
// running the receiver only while some request needs it
package locmux

import (
	"context"
	"embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jeandeaual/go-locale"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/nik9play/locmux/pkg/locmux/util"
	"github.com/nik9play/locmux/pkg/notify"
)

const (
	// when this is set to anything, locmux won't use a tray icon
	envNoTray = "LOCMUX_NO_TRAY_ICON"
)

// LocMux is the main entity managing access to all sub-components
type LocMux struct {
	logger        *zap.SugaredLogger
	notifier      notify.Notifier
	config        *CanonicalConfig
	receiver      *SerialReceiver
	authorization *AuthorizationStore
	manager       *RequestManager
	bundle        *i18n.Bundle
	localizer     *i18n.Localizer
	clock         clock.Clock

	// requests declared in the config file, by name
	configuredLock sync.Mutex
	configured     map[string]configuredRequest

	stopChannel chan bool
	version     string
	verbose     bool
}

type configuredRequest struct {
	config  RequestConfig
	request *Request
}

//go:embed lang/active.*.toml
var langFS embed.FS

// NewLocMux creates a LocMux instance
func NewLocMux(logger *zap.SugaredLogger, verbose bool, configPath string) (*LocMux, error) {
	logger = logger.Named("locmux")

	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	_, err := bundle.LoadMessageFileFS(langFS, "lang/active.ru.toml")

	if err != nil {
		logger.Errorw("Failed to open ru message file", "error", err)
		return nil, fmt.Errorf("load message file: %w", err)
	}

	notifier, err := notify.NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	lm := &LocMux{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		bundle:      bundle,
		clock:       clock.New(),
		configured:  map[string]configuredRequest{},
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	authorization, err := NewAuthorizationStore(lm, logger)
	if err != nil {
		logger.Errorw("Failed to create AuthorizationStore", "error", err)
		return nil, fmt.Errorf("create new AuthorizationStore: %w", err)
	}

	lm.authorization = authorization

	receiver, err := NewSerialReceiver(lm, logger, lm.clock)
	if err != nil {
		logger.Errorw("Failed to create SerialReceiver", "error", err)
		return nil, fmt.Errorf("create new SerialReceiver: %w", err)
	}

	lm.receiver = receiver

	manager, err := NewRequestManager(logger, receiver, authorization, config.Capabilities, lm.clock)
	if err != nil {
		logger.Errorw("Failed to create RequestManager", "error", err)
		return nil, fmt.Errorf("create new RequestManager: %w", err)
	}

	lm.manager = manager

	logger.Debug("Created locmux instance")

	return lm, nil
}

// Prepare loads the config, the matching localizer and the persisted authorization status.
// One-shot commands call it instead of Initialize
func (lm *LocMux) Prepare() error {
	// create temp initialLocalizer because we don't know the language yet
	initialLocalizer, err := lm.GetSystemLocalizer()
	if err != nil {
		return err
	}

	// load the config for the first time
	if err := lm.config.Load(initialLocalizer); err != nil {
		lm.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := lm.updateLocalizer(); err != nil {
		lm.logger.Errorw("Failed to update localizer", "error", err)
		return fmt.Errorf("update localizer: %w", err)
	}

	if err := lm.authorization.Load(); err != nil {
		lm.logger.Errorw("Failed to load authorization status", "error", err)
		return fmt.Errorf("load authorization status: %w", err)
	}

	return nil
}

// Initialize sets up components and starts to run in the background
func (lm *LocMux) Initialize() error {
	lm.logger.Debug("Initializing")

	if err := lm.Prepare(); err != nil {
		return err
	}

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {

		lm.logger.Debugw("Running without tray icon", "reason", "envvar set")

		// run in main thread while waiting on ctrl+C
		lm.setupInterruptHandler()
		lm.run()

	} else {
		lm.setupInterruptHandler()
		lm.initializeTray(lm.run)
	}

	return nil
}

func (lm *LocMux) GetSystemLocalizer() (*i18n.Localizer, error) {
	lang, err := locale.GetLanguage()
	if err != nil {
		return nil, fmt.Errorf("get system locale: %w", err)
	}
	return i18n.NewLocalizer(lm.bundle, lang, "en"), nil
}

func (lm *LocMux) updateLocalizer() error {
	lang := lm.config.Language()
	if lang == "auto" {
		var err error
		lang, err = locale.GetLanguage()

		if err != nil {
			lm.logger.Errorw("Failed to get system locale", "error", err)
			return fmt.Errorf("get system locale: %w", err)
		}
	}
	lm.logger.Infof("Selected language: %s", lang)
	lm.localizer = i18n.NewLocalizer(lm.bundle, lang, "en")

	return nil
}

// SetVersion causes locmux to add a version string to its tray menu if called before Initialize
func (lm *LocMux) SetVersion(version string) {
	lm.version = version
}

// Verbose returns a boolean indicating whether locmux is running in verbose mode
func (lm *LocMux) Verbose() bool {
	return lm.verbose
}

// Config returns the loaded configuration
func (lm *LocMux) Config() *CanonicalConfig {
	return lm.config
}

// Authorization returns the permission subsystem
func (lm *LocMux) Authorization() *AuthorizationStore {
	return lm.authorization
}

// Locate runs a single request and waits for its outcome. The receiver is only opened for as long as this takes.
// A non-zero timeout also bounds the wait for authorization
func (lm *LocMux) Locate(ctx context.Context, accuracy Accuracy, timeout time.Duration) (Fix, RequestStatus, error) {
	if status := lm.authorization.AuthorizationStatus(); status.Refused() {
		lm.logger.Warnw("Location access refused, not locating", "status", status)
		return Fix{}, RequestCancelled, fmt.Errorf("locate: %w", ErrAuthorizationDenied)
	}

	type outcome struct {
		fix    Fix
		status RequestStatus
		err    error
	}

	done := make(chan outcome, 1)
	request := NewRequest("locate", accuracy, timeout, func(fix Fix, status RequestStatus, err error) {
		if status.Terminal() {
			done <- outcome{fix, status, err}
		}
	})

	if err := lm.startServices(); err != nil {
		return Fix{}, RequestFailed, err
	}
	defer lm.stopServices()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = lm.clock.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := lm.manager.PerformRequest(request); err != nil {
		return Fix{}, RequestFailed, fmt.Errorf("perform locate request: %w", err)
	}

	select {
	case result := <-done:
		return result.fix, result.status, result.err

	case <-waitCtx.Done():
	}

	if err := lm.manager.CancelRequest(request); err != nil {
		lm.logger.Debugw("Locate request finished while cancelling", "error", err)
	}

	if ctx.Err() != nil {
		return Fix{}, RequestCancelled, ctx.Err()
	}

	// out of time, possibly still waiting for authorization. The handler reports either
	// the timeout or the cancellation above, with the best fix seen so far
	result := <-done
	if result.status == RequestCancelled {
		result.status = RequestTimedOut
		result.err = ErrRequestTimedOut
	}

	return result.fix, result.status, result.err
}

// Watch runs a subscription, calling handler for every update until ctx is done
func (lm *LocMux) Watch(ctx context.Context, accuracy Accuracy, distanceFilter float64, handler RequestHandler) error {
	if status := lm.authorization.AuthorizationStatus(); status.Refused() {
		return fmt.Errorf("watch: %w", ErrAuthorizationDenied)
	}

	request := NewSubscription("watch", accuracy, distanceFilter, handler)

	if err := lm.startServices(); err != nil {
		return err
	}
	defer lm.stopServices()

	if err := lm.manager.PerformRequest(request); err != nil {
		return fmt.Errorf("perform watch request: %w", err)
	}

	<-ctx.Done()

	if err := lm.manager.CancelRequest(request); err != nil {
		lm.logger.Debugw("Watch request already gone", "error", err)
	}

	return nil
}

func (lm *LocMux) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		lm.logger.Debugw("Interrupted", "signal", signal)
		lm.signalStop()
	}()
}

func (lm *LocMux) run() {
	lm.logger.Info("Run loop starting")

	// watch the config file for changes
	go lm.config.WatchConfigFileChanges(lm.localizer)

	if err := lm.startServices(); err != nil {
		lm.logger.Errorw("Failed to start services", "error", err)
		os.Exit(1)
	}

	// register requests from the config, and keep them in sync with it
	lm.setupOnConfigReload()
	lm.syncConfiguredRequests()

	// wait until stopped (gracefully)
	<-lm.stopChannel
	lm.logger.Debug("Stop channel signaled, terminating")

	if err := lm.stop(); err != nil {
		lm.logger.Warnw("Failed to stop locmux", "error", err)
		os.Exit(1)
	}
	// exit with 0
	os.Exit(0)
}

func (lm *LocMux) startServices() error {
	if err := lm.authorization.Open(); err != nil {
		lm.logger.Errorw("Failed to watch authorization file", "error", err)
		return fmt.Errorf("open authorization store: %w", err)
	}

	lm.receiver.Open()
	lm.manager.Start()

	return nil
}

func (lm *LocMux) stopServices() {
	// the manager stops the tracking session on its way out
	lm.manager.Stop()
	lm.receiver.Close()
	lm.authorization.Close()
}

func (lm *LocMux) setupOnConfigReload() {
	configReloadedChannel := lm.config.SubscribeToChanges()

	go func() {
		for {
			<-configReloadedChannel
			lm.syncConfiguredRequests()
		}
	}()
}

// syncConfiguredRequests makes the manager hold exactly the requests the config declares.
// Entries whose parameters changed are replaced, finished single requests aren't run again
func (lm *LocMux) syncConfiguredRequests() {
	lm.configuredLock.Lock()
	defer lm.configuredLock.Unlock()

	declared := map[string]RequestConfig{}
	for _, rc := range lm.config.Requests() {
		declared[rc.Name] = rc
	}

	stale := []*Request{}
	for name, entry := range lm.configured {
		if current, ok := declared[name]; !ok || current != entry.config {
			stale = append(stale, entry.request)
			delete(lm.configured, name)
		}
	}

	fresh := []*Request{}
	for _, rc := range lm.config.Requests() {
		if _, ok := lm.configured[rc.Name]; ok {
			continue
		}

		request := rc.NewRequest(lm.configuredRequestHandler(rc.Name))
		lm.configured[rc.Name] = configuredRequest{config: rc, request: request}
		fresh = append(fresh, request)
	}

	lm.logger.Debugw("Syncing configured requests", "removed", len(stale), "added", len(fresh))

	if err := lm.manager.RemoveRequests(stale...); err != nil {
		lm.logger.Warnw("Failed to remove stale requests", "error", err)
		return
	}

	if err := lm.manager.AddRequests(fresh...); err != nil {
		lm.logger.Warnw("Failed to add configured requests", "error", err)
		return
	}

	if err := lm.manager.PerformRequests(); err != nil {
		lm.logger.Warnw("Failed to perform configured requests", "error", err)
	}
}

func (lm *LocMux) configuredRequestHandler(name string) RequestHandler {
	logger := lm.logger.Named(name)

	return func(fix Fix, status RequestStatus, err error) {
		if err != nil {
			logger.Warnw("Location request error", "status", status, "error", err)
			return
		}

		logger.Infow("Location update",
			"status", status,
			"latitude", fix.Latitude,
			"longitude", fix.Longitude,
			"accuracy", fix.HorizontalAccuracy)
	}
}

func (lm *LocMux) signalStop() {
	lm.logger.Debug("Signalling stop channel")
	lm.stopChannel <- true
}

func (lm *LocMux) stop() error {
	lm.logger.Info("Stopping")

	lm.config.StopWatchingConfigFile()
	lm.stopServices()

	lm.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = lm.logger.Sync()

	return nil
}
