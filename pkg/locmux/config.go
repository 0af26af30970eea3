package locmux

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/nik9play/locmux/pkg/locmux/util"
	"github.com/nik9play/locmux/pkg/notify"
)

// AuthorizationPolicy decides how the authorization store answers a permission request
type AuthorizationPolicy string

const (
	// PolicyPrompt notifies the user and waits for `locmux grant` or the tray menu
	PolicyPrompt AuthorizationPolicy = "prompt"

	// PolicyGrant grants the requested tier right away
	PolicyGrant AuthorizationPolicy = "grant"

	// PolicyDeny denies every request
	PolicyDeny AuthorizationPolicy = "deny"
)

// ConnectionInfo is how to reach the GPS receiver
type ConnectionInfo struct {
	COMPort  string
	BaudRate int
}

// AuthorizationSettings configures the authorization store
type AuthorizationSettings struct {
	File       string
	Policy     AuthorizationPolicy
	Restricted bool
}

// RequestConfig is a request declared in the config file, created by the daemon at startup
type RequestConfig struct {
	Name           string
	Accuracy       Accuracy
	Timeout        time.Duration
	Subscribe      bool
	DistanceFilter float64
}

// NewRequest builds the Request this config entry describes
func (rc RequestConfig) NewRequest(handler RequestHandler) *Request {
	if rc.Subscribe {
		return NewSubscription(rc.Name, rc.Accuracy, rc.DistanceFilter, handler)
	}
	return NewRequest(rc.Name, rc.Accuracy, rc.Timeout, handler)
}

type rawRequestConfig struct {
	Name           string        `mapstructure:"name"`
	Accuracy       string        `mapstructure:"accuracy"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Subscribe      bool          `mapstructure:"subscribe"`
	DistanceFilter float64       `mapstructure:"distance_filter"`
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for locmux's configuration file.
// Values may change on reload, so read them through the accessors
type CanonicalConfig struct {
	lock sync.RWMutex

	connectionInfo ConnectionInfo
	language       string
	nmeaSentences  []string
	capabilities   CapabilityIntent
	authorization  AuthorizationSettings
	requests       []RequestConfig

	logger             *zap.SugaredLogger
	notifier           notify.Notifier
	configPath         string
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
}

const (
	// DefaultConfigFilepath is used when no --config flag is given
	DefaultConfigFilepath = "config.yaml"

	configType = "yaml"

	configKeyCOMPort                 = "com_port"
	configKeyBaudRate                = "baud_rate"
	configKeyLanguage                = "language"
	configKeyNMEASentences           = "nmea_sentences"
	configKeyCapabilityWhenInUse     = "capabilities.when_in_use"
	configKeyCapabilityAlways        = "capabilities.always"
	configKeyAuthorizationFile       = "authorization.file"
	configKeyAuthorizationPolicy     = "authorization.policy"
	configKeyAuthorizationRestricted = "authorization.restricted"
	configKeyRequests                = "requests"

	defaultCOMPort           = "auto"
	defaultBaudRate          = 9600
	defaultLanguage          = "auto"
	defaultAuthorizationFile = "authorization.toml"
)

var defaultNMEASentences = []string{"GGA", "RMC"}

var knownPolicies = []string{string(PolicyPrompt), string(PolicyGrant), string(PolicyDeny)}

// NewConfig creates a config instance for the locmux object and sets up viper instances for locmux's config files
func NewConfig(logger *zap.SugaredLogger, notifier notify.Notifier, configPath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	if configPath == "" {
		configPath = DefaultConfigFilepath
	}

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		configPath:         configPath,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// distinguish between the user-provided config (config.yaml) and the defaults
	userConfig := viper.New()
	userConfig.SetConfigFile(configPath)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault(configKeyCOMPort, defaultCOMPort)
	userConfig.SetDefault(configKeyBaudRate, defaultBaudRate)
	userConfig.SetDefault(configKeyLanguage, defaultLanguage)
	userConfig.SetDefault(configKeyNMEASentences, defaultNMEASentences)
	userConfig.SetDefault(configKeyAuthorizationFile, defaultAuthorizationFile)
	userConfig.SetDefault(configKeyAuthorizationPolicy, string(PolicyPrompt))
	userConfig.SetDefault(configKeyAuthorizationRestricted, false)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Path returns the config file this instance reads
func (cc *CanonicalConfig) Path() string {
	return cc.configPath
}

// Load reads locmux's config file from disk and tries to parse it
func (cc *CanonicalConfig) Load(localizer *i18n.Localizer) error {
	cc.logger.Debugw("Loading config", "path", cc.configPath)

	// make sure it exists
	if !util.FileExists(cc.configPath) {
		cc.logger.Warnw("Config file not found", "path", cc.configPath)

		title := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ConfigNotFoundTitle",
				Other: "Can't find configuration!",
			},
		})
		description := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "ConfigNotFoundDescription",
				Other: "{{.ConfigPath}} must exist. Please re-launch.",
			},
			TemplateData: map[string]string{
				"ConfigPath": cc.configPath,
			},
		})
		cc.notifier.Notify(title, description)

		return fmt.Errorf("config file doesn't exist: %s", cc.configPath)
	}

	// load the user config
	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			title := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "InvalidConfigTitle",
					Other: "Invalid configuration!",
				},
			})
			description := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "InvalidConfigDescription",
					Other: "Please make sure {{.ConfigPath}} is in a valid YAML format.",
				},
				TemplateData: map[string]string{
					"ConfigPath": cc.configPath,
				},
			})
			cc.notifier.Notify(title, description)
		} else {
			title := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ErrorLoadingConfigTitle",
					Other: "Error loading configuration!",
				},
			})
			description := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ErrorLoadingConfigDescription",
					Other: "Please check locmux's logs for more details.",
				},
			})
			cc.notifier.Notify(title, description)
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)

		title := localizer.MustLocalize(&i18n.LocalizeConfig{
			DefaultMessage: &i18n.Message{
				ID:    "InvalidConfigTitle",
				Other: "Invalid configuration!",
			},
		})
		cc.notifier.Notify(title, err.Error())

		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"connectionInfo", cc.Connection(),
		"capabilities", cc.Capabilities(),
		"authorization", cc.Authorization(),
		"requests", len(cc.Requests()))

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges(localizer *i18n.Localizer) {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configPath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(localizer); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")

					title := localizer.MustLocalize(&i18n.LocalizeConfig{
						DefaultMessage: &i18n.Message{
							ID:    "ConfigReloadedTitle",
							Other: "Configuration reloaded!",
						},
					})
					description := localizer.MustLocalize(&i18n.LocalizeConfig{
						DefaultMessage: &i18n.Message{
							ID:    "ConfigReloadedDescription",
							Other: "Your changes have been applied.",
						},
					})
					cc.notifier.Notify(title, description)

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// start watching
	cc.userConfig.WatchConfig()

	// wait for the stop signal
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

// Connection returns the receiver connection parameters
func (cc *CanonicalConfig) Connection() ConnectionInfo {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.connectionInfo
}

// Language returns the configured UI language, "auto" to follow the system locale
func (cc *CanonicalConfig) Language() string {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.language
}

// NMEASentences returns the NMEA sentence types the receiver should accept
func (cc *CanonicalConfig) NMEASentences() []string {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return append([]string(nil), cc.nmeaSentences...)
}

// Capabilities returns the declared capability intent
func (cc *CanonicalConfig) Capabilities() CapabilityIntent {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.capabilities
}

// Authorization returns the authorization store settings
func (cc *CanonicalConfig) Authorization() AuthorizationSettings {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.authorization
}

// Requests returns the requests declared in the config file
func (cc *CanonicalConfig) Requests() []RequestConfig {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return append([]RequestConfig(nil), cc.requests...)
}

func (cc *CanonicalConfig) populateFromVipers() error {
	policy := strings.ToLower(cc.userConfig.GetString(configKeyAuthorizationPolicy))
	if !funk.ContainsString(knownPolicies, policy) {
		return fmt.Errorf("unknown authorization policy %q, expected one of %v", policy, knownPolicies)
	}

	sentences := cc.userConfig.GetStringSlice(configKeyNMEASentences)
	for idx, sentence := range sentences {
		sentences[idx] = strings.ToUpper(strings.TrimSpace(sentence))
	}
	sentences = funk.UniqString(sentences)

	requests, err := cc.parseRequests()
	if err != nil {
		return err
	}

	baudRate := cc.userConfig.GetInt(configKeyBaudRate)
	if baudRate <= 0 {
		cc.logger.Warnw("Invalid baud rate specified, using default value",
			"key", configKeyBaudRate,
			"invalidValue", baudRate,
			"defaultValue", defaultBaudRate)

		baudRate = defaultBaudRate
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()

	cc.connectionInfo = ConnectionInfo{
		COMPort:  cc.userConfig.GetString(configKeyCOMPort),
		BaudRate: baudRate,
	}
	cc.language = cc.userConfig.GetString(configKeyLanguage)
	cc.nmeaSentences = sentences
	cc.capabilities = CapabilityIntent{
		WhenInUse: strings.TrimSpace(cc.userConfig.GetString(configKeyCapabilityWhenInUse)),
		Always:    strings.TrimSpace(cc.userConfig.GetString(configKeyCapabilityAlways)),
	}
	cc.authorization = AuthorizationSettings{
		File:       cc.userConfig.GetString(configKeyAuthorizationFile),
		Policy:     AuthorizationPolicy(policy),
		Restricted: cc.userConfig.GetBool(configKeyAuthorizationRestricted),
	}
	cc.requests = requests

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *CanonicalConfig) parseRequests() ([]RequestConfig, error) {
	var raw []rawRequestConfig
	if err := cc.userConfig.UnmarshalKey(configKeyRequests, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", configKeyRequests, err)
	}

	names := make([]string, 0, len(raw))
	requests := make([]RequestConfig, 0, len(raw))

	for idx, entry := range raw {
		if entry.Name == "" {
			entry.Name = fmt.Sprintf("request-%d", idx+1)
		}

		accuracy := AccuracyAny
		if entry.Accuracy != "" {
			parsed, err := ParseAccuracy(strings.ToLower(entry.Accuracy))
			if err != nil {
				return nil, fmt.Errorf("parse request %s: %w", entry.Name, err)
			}
			accuracy = parsed
		}

		if entry.Timeout < 0 || entry.DistanceFilter < 0 {
			return nil, fmt.Errorf("parse request %s: negative timeout or distance filter", entry.Name)
		}

		names = append(names, entry.Name)
		requests = append(requests, RequestConfig{
			Name:           entry.Name,
			Accuracy:       accuracy,
			Timeout:        entry.Timeout,
			Subscribe:      entry.Subscribe,
			DistanceFilter: entry.DistanceFilter,
		})
	}

	if len(funk.UniqString(names)) != len(names) {
		return nil, fmt.Errorf("request names must be unique, got %v", names)
	}

	return requests, nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
