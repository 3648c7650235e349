package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "DONEZO"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "donezo.db"
	defaultLogLevel            = "info"
	defaultTokenTTLMinutes     = 30
	defaultSyncIntervalMinutes = 5
	defaultSyncBatchSize       = 50
	defaultRemoteTimeout       = 15 * time.Second
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	APIKey        string
	TokenTTL      time.Duration
	OwnerID       string
	RemoteBaseURL string
	RemoteToken   string
	RemoteTimeout time.Duration
	SyncInterval  time.Duration
	SyncBatchSize int
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.interval_minutes", defaultSyncIntervalMinutes)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("remote.timeout_seconds", int(defaultRemoteTimeout/time.Second))
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		APIKey:        configViper.GetString("auth.api_key"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		OwnerID:       configViper.GetString("sync.owner_id"),
		RemoteBaseURL: configViper.GetString("remote.base_url"),
		RemoteToken:   configViper.GetString("remote.token"),
		RemoteTimeout: time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		SyncInterval:  time.Duration(configViper.GetInt("sync.interval_minutes")) * time.Minute,
		SyncBatchSize: configViper.GetInt("sync.batch_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("auth.api_key is required")
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("sync.owner_id is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_minutes must be positive")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	return nil
}
