package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/logging"
	"github.com/MarcoPoloResearchLab/clipsync/internal/resolver"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CLIPSYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultStoreDatabasePath   = "clipsync-store.db"
	defaultAgentDatabasePath   = "clipsync-agent.db"
	defaultStoreURL            = "http://127.0.0.1:8080"
	defaultLogLevel            = "info"
	defaultLogFormat           = logging.FormatJSON
	defaultDeviceClass         = string(clip.DeviceClassLeaf)
	defaultTokenTTLMinutes     = 60
	defaultHeartbeatSeconds    = 25
	defaultRequestTimeout      = 10 * time.Second
	defaultSyncInterval        = 10 * time.Second
	defaultConflictWindow      = 10 * time.Second
	defaultLengthRatio         = 1.2
	defaultTombstoneRetention  = 24 * time.Hour
	defaultCorrelatorWindow    = 15 * time.Second
	defaultCorrelatorCapacity  = 50
	defaultCorrelatorThreshold = 0.85
	defaultCorrelatorMinLength = 3
	defaultResolverWindow      = 60 * time.Second
	defaultResolverBatchSize   = 10
	defaultBackoffInitial      = time.Second
	defaultBackoffMax          = 2 * time.Minute
	defaultNetmonInterval      = 5 * time.Second
)

// StoreConfig captures runtime configuration for the remote store server.
type StoreConfig struct {
	HTTPAddress       string
	DatabasePath      string
	SigningSecret     string
	EnrollmentSecret  string
	TokenTTL          time.Duration
	HeartbeatInterval time.Duration
	LogLevel          string
	LogFormat         string
}

// AgentConfig captures runtime configuration for a device agent.
type AgentConfig struct {
	DeviceName         string
	DeviceClass        clip.DeviceClass
	DatabasePath       string
	StoreURL           string
	EnrollmentSecret   string
	RequestTimeout     time.Duration
	SyncInterval       time.Duration
	ConflictWindow     time.Duration
	LengthRatio        float64
	TombstoneRetention time.Duration
	Correlator         CorrelatorConfig
	ResolverWindow     time.Duration
	ResolverBatchSize  int
	ResolverStrategy   resolver.Strategy
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	NetmonInterval     time.Duration
	LogLevel           string
	LogFormat          string
}

// CorrelatorConfig tunes hand-off detection.
type CorrelatorConfig struct {
	Window    time.Duration
	Capacity  int
	Threshold float64
	MinLength int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("events.heartbeat_seconds", defaultHeartbeatSeconds)

	configViper.SetDefault("device.class", defaultDeviceClass)
	configViper.SetDefault("store.url", defaultStoreURL)
	configViper.SetDefault("store.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.conflict_window", defaultConflictWindow)
	configViper.SetDefault("sync.length_ratio", defaultLengthRatio)
	configViper.SetDefault("sync.tombstone_retention", defaultTombstoneRetention)
	configViper.SetDefault("correlator.window", defaultCorrelatorWindow)
	configViper.SetDefault("correlator.capacity", defaultCorrelatorCapacity)
	configViper.SetDefault("correlator.threshold", defaultCorrelatorThreshold)
	configViper.SetDefault("correlator.min_length", defaultCorrelatorMinLength)
	configViper.SetDefault("resolver.window", defaultResolverWindow)
	configViper.SetDefault("resolver.batch_size", defaultResolverBatchSize)
	configViper.SetDefault("resolver.strategy", "")
	configViper.SetDefault("queue.backoff_initial", defaultBackoffInitial)
	configViper.SetDefault("queue.backoff_max", defaultBackoffMax)
	configViper.SetDefault("netmon.interval", defaultNetmonInterval)
}

// LoadStore parses the store server configuration from viper.
func LoadStore(configViper *viper.Viper) (StoreConfig, error) {
	cfg := StoreConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		EnrollmentSecret:  configViper.GetString("auth.enrollment_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		HeartbeatInterval: time.Duration(configViper.GetInt("events.heartbeat_seconds")) * time.Second,
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = defaultStoreDatabasePath
	}

	if err := cfg.validate(); err != nil {
		return StoreConfig{}, err
	}
	return cfg, nil
}

// LoadAgent parses the device agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		DeviceName:         configViper.GetString("device.name"),
		DeviceClass:        clip.DeviceClass(strings.ToLower(strings.TrimSpace(configViper.GetString("device.class")))),
		DatabasePath:       configViper.GetString("database.path"),
		StoreURL:           configViper.GetString("store.url"),
		EnrollmentSecret:   configViper.GetString("store.enrollment_secret"),
		RequestTimeout:     configViper.GetDuration("store.request_timeout"),
		SyncInterval:       configViper.GetDuration("sync.interval"),
		ConflictWindow:     configViper.GetDuration("sync.conflict_window"),
		LengthRatio:        configViper.GetFloat64("sync.length_ratio"),
		TombstoneRetention: configViper.GetDuration("sync.tombstone_retention"),
		Correlator: CorrelatorConfig{
			Window:    configViper.GetDuration("correlator.window"),
			Capacity:  configViper.GetInt("correlator.capacity"),
			Threshold: configViper.GetFloat64("correlator.threshold"),
			MinLength: configViper.GetInt("correlator.min_length"),
		},
		ResolverWindow:    configViper.GetDuration("resolver.window"),
		ResolverBatchSize: configViper.GetInt("resolver.batch_size"),
		BackoffInitial:    configViper.GetDuration("queue.backoff_initial"),
		BackoffMax:        configViper.GetDuration("queue.backoff_max"),
		NetmonInterval:    configViper.GetDuration("netmon.interval"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = defaultAgentDatabasePath
	}
	strategy, ok := resolver.ParseStrategy(strings.TrimSpace(configViper.GetString("resolver.strategy")))
	if !ok {
		return AgentConfig{}, fmt.Errorf("resolver.strategy %q is not supported", configViper.GetString("resolver.strategy"))
	}
	cfg.ResolverStrategy = strategy

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c StoreConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.EnrollmentSecret) == "" {
		return fmt.Errorf("auth.enrollment_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("events.heartbeat_seconds must be positive")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.StoreURL) == "" {
		return fmt.Errorf("store.url is required")
	}
	if strings.TrimSpace(c.EnrollmentSecret) == "" {
		return fmt.Errorf("store.enrollment_secret is required")
	}
	if c.DeviceClass != clip.DeviceClassRelay && c.DeviceClass != clip.DeviceClassLeaf {
		return fmt.Errorf("device.class must be %q or %q", clip.DeviceClassRelay, clip.DeviceClassLeaf)
	}
	positive := map[string]time.Duration{
		"store.request_timeout":    c.RequestTimeout,
		"sync.interval":            c.SyncInterval,
		"sync.conflict_window":     c.ConflictWindow,
		"sync.tombstone_retention": c.TombstoneRetention,
		"correlator.window":        c.Correlator.Window,
		"resolver.window":          c.ResolverWindow,
		"netmon.interval":          c.NetmonInterval,
	}
	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.LengthRatio < 1 {
		return fmt.Errorf("sync.length_ratio must be at least 1")
	}
	if c.Correlator.Threshold <= 0 || c.Correlator.Threshold > 1 {
		return fmt.Errorf("correlator.threshold must be within (0, 1]")
	}
	if c.Correlator.Capacity <= 0 || c.Correlator.MinLength <= 0 || c.ResolverBatchSize <= 0 {
		return fmt.Errorf("correlator.capacity, correlator.min_length and resolver.batch_size must be positive")
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("queue.backoff_max must not be below queue.backoff_initial")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
