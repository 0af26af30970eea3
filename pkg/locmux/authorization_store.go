package locmux

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"

	"github.com/nik9play/locmux/pkg/locmux/util"
)

// AuthorizationStore is the permission subsystem. The status lives in a small TOML file, so a
// decision made with `locmux grant` (or by editing the file) reaches a running daemon through
// its file watcher. Implements Authorizer
type AuthorizationStore struct {
	lm     *LocMux
	logger *zap.SugaredLogger

	lock      sync.Mutex
	status    AuthorizationStatus
	requested string

	watcher     *fsnotify.Watcher
	stopChannel chan struct{}
	wg          sync.WaitGroup

	changeConsumers []chan AuthorizationStatus
}

type authorizationFile struct {
	Status    string    `toml:"status"`
	Requested string    `toml:"requested,omitempty"`
	UpdatedAt time.Time `toml:"updated_at"`
}

// NewAuthorizationStore creates an AuthorizationStore backed by the file named in the locmux config
func NewAuthorizationStore(lm *LocMux, logger *zap.SugaredLogger) (*AuthorizationStore, error) {
	logger = logger.Named("authorization")

	as := &AuthorizationStore{
		lm:              lm,
		logger:          logger,
		changeConsumers: []chan AuthorizationStatus{},
	}

	logger.Debug("Created authorization store instance")

	return as, nil
}

// Load reads the persisted status. A missing file means nothing was decided yet
func (as *AuthorizationStore) Load() error {
	af, err := as.readFile()
	if err != nil {
		return err
	}

	status, err := as.statusFromFile(af)
	if err != nil {
		return err
	}

	as.lock.Lock()
	as.status = status
	as.requested = af.Requested
	as.lock.Unlock()

	as.logger.Infow("Loaded authorization status", "path", as.path(), "status", status)

	return nil
}

// Open starts watching the authorization file for decisions made outside this process
func (as *AuthorizationStore) Open() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create authorization file watcher: %w", err)
	}

	// watch the directory, editors tend to replace files rather than write them
	dir := filepath.Dir(as.path())
	if err := util.EnsureDirExists(dir); err != nil {
		watcher.Close()
		return err
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch authorization file directory: %w", err)
	}

	as.watcher = watcher
	as.stopChannel = make(chan struct{})

	as.wg.Add(1)
	go as.watchLoop()

	as.logger.Debugw("Watching authorization file", "path", as.path())

	return nil
}

// Close stops the file watcher
func (as *AuthorizationStore) Close() {
	if as.watcher == nil {
		return
	}

	close(as.stopChannel)
	as.wg.Wait()

	if err := as.watcher.Close(); err != nil {
		as.logger.Warnw("Failed to close authorization file watcher", "error", err)
	}
	as.watcher = nil
}

// AuthorizationStatus returns the current status. The restricted config flag wins over the file
func (as *AuthorizationStore) AuthorizationStatus() AuthorizationStatus {
	if as.lm.config.Authorization().Restricted {
		return AuthorizationRestricted
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	return as.status
}

// Requested returns the tier last asked for, if any
func (as *AuthorizationStore) Requested() string {
	as.lock.Lock()
	defer as.lock.Unlock()

	return as.requested
}

// SubscribeToAuthorizationChanges returns a buffered channel that receives the new status every time it changes
func (as *AuthorizationStore) SubscribeToAuthorizationChanges() <-chan AuthorizationStatus {
	as.lock.Lock()
	defer as.lock.Unlock()

	ch := make(chan AuthorizationStatus, 16)
	as.changeConsumers = append(as.changeConsumers, ch)

	return ch
}

// RequestAuthorization asks for tier according to the configured policy: the prompt policy notifies
// the user and waits for a decision, the others decide immediately. Never blocks on consumers
func (as *AuthorizationStore) RequestAuthorization(tier AuthorizationTier) error {
	current := as.AuthorizationStatus()
	if current != AuthorizationNotDetermined {
		as.logger.Debugw("Authorization already determined, nothing to ask", "tier", tier, "status", current)
		as.emit(current)
		return nil
	}

	policy := as.lm.config.Authorization().Policy
	as.logger.Infow("Location authorization requested", "tier", tier, "policy", policy)

	switch policy {
	case PolicyGrant:
		return as.set(tier.Status(), tier.String())
	case PolicyDeny:
		return as.set(AuthorizationDenied, tier.String())
	}

	if err := as.set(AuthorizationNotDetermined, tier.String()); err != nil {
		return err
	}

	as.prompt(tier)

	return nil
}

// Grant records the user's decision to allow tier
func (as *AuthorizationStore) Grant(tier AuthorizationTier) error {
	if as.lm.config.Authorization().Restricted {
		return ErrAuthorizationRestricted
	}

	return as.set(tier.Status(), tier.String())
}

// Revoke records the user's decision to deny location access
func (as *AuthorizationStore) Revoke() error {
	return as.set(AuthorizationDenied, "")
}

// Reset forgets any decision, so the next request prompts again
func (as *AuthorizationStore) Reset() error {
	return as.set(AuthorizationNotDetermined, "")
}

func (as *AuthorizationStore) path() string {
	return as.lm.config.Authorization().File
}

func (as *AuthorizationStore) readFile() (authorizationFile, error) {
	var af authorizationFile

	if !util.FileExists(as.path()) {
		return authorizationFile{Status: AuthorizationNotDetermined.String()}, nil
	}

	if _, err := toml.DecodeFile(as.path(), &af); err != nil {
		as.logger.Warnw("Failed to decode authorization file", "path", as.path(), "error", err)
		return af, fmt.Errorf("decode authorization file: %w", err)
	}

	return af, nil
}

func (as *AuthorizationStore) statusFromFile(af authorizationFile) (AuthorizationStatus, error) {
	if af.Status == "" {
		return AuthorizationNotDetermined, nil
	}

	status, err := ParseAuthorizationStatus(af.Status)
	if err != nil {
		return AuthorizationNotDetermined, fmt.Errorf("parse authorization file: %w", err)
	}

	return status, nil
}

// set persists status and notifies consumers if it changed
func (as *AuthorizationStore) set(status AuthorizationStatus, requested string) error {
	af := authorizationFile{
		Status:    status.String(),
		Requested: requested,
		UpdatedAt: as.lm.clock.Now().UTC().Truncate(time.Second),
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(af); err != nil {
		return fmt.Errorf("encode authorization file: %w", err)
	}

	if err := util.EnsureDirExists(filepath.Dir(as.path())); err != nil {
		return err
	}

	if err := os.WriteFile(as.path(), buf.Bytes(), 0600); err != nil {
		as.logger.Warnw("Failed to write authorization file", "path", as.path(), "error", err)
		return fmt.Errorf("write authorization file: %w", err)
	}

	as.update(status, requested)

	return nil
}

// update applies a status read or written by this process
func (as *AuthorizationStore) update(status AuthorizationStatus, requested string) {
	as.lock.Lock()
	changed := as.status != status
	as.status = status
	as.requested = requested
	as.lock.Unlock()

	if !changed {
		return
	}

	as.logger.Infow("Authorization status changed", "status", status)
	as.emit(status)
}

func (as *AuthorizationStore) emit(status AuthorizationStatus) {
	as.lock.Lock()
	consumers := as.changeConsumers
	as.lock.Unlock()

	for _, consumer := range consumers {
		select {
		case consumer <- status:
		default:
			as.logger.Warnw("Dropping authorization change, consumer isn't keeping up", "status", status)
		}
	}
}

func (as *AuthorizationStore) watchLoop() {
	defer as.wg.Done()

	target := filepath.Clean(as.path())

	for {
		select {
		case event, ok := <-as.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}

			as.logger.Debugw("Authorization file modified, reloading", "event", event)
			as.reload()

		case err, ok := <-as.watcher.Errors:
			if !ok {
				return
			}
			as.logger.Warnw("Authorization file watcher error", "error", err)

		case <-as.stopChannel:
			as.logger.Debug("watchLoop: stop signal")
			return
		}
	}
}

func (as *AuthorizationStore) reload() {
	af, err := as.readFile()
	if err != nil {
		return
	}

	status, err := as.statusFromFile(af)
	if err != nil {
		as.logger.Warnw("Ignoring invalid authorization file", "error", err)
		return
	}

	as.update(status, af.Requested)
}

func (as *AuthorizationStore) prompt(tier AuthorizationTier) {
	description := as.lm.config.Capabilities().UsageDescription(tier)

	title := as.lm.localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID:    "AuthorizationPromptTitle",
			Other: "Allow location access?",
		},
	})
	message := as.lm.localizer.MustLocalize(&i18n.LocalizeConfig{
		DefaultMessage: &i18n.Message{
			ID:    "AuthorizationPromptDescription",
			Other: "{{.Description}} Use the tray menu or run \"locmux grant {{.Tier}}\" to allow.",
		},
		TemplateData: map[string]string{
			"Description": description,
			"Tier":        tier.String(),
		},
	})

	as.lm.notifier.Notify(title, message)
}
