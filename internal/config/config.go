package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TALEWEAVER"
	defaultHTTPAddress  = "127.0.0.1:8090"
	defaultDatabasePath = "taleweaver.db"
	defaultLogLevel     = "info"
	defaultSyncCooldown = 5 * time.Second
	defaultProfileQuota = 50
)

// AppConfig captures runtime configuration for the engine.
type AppConfig struct {
	HTTPAddress  string
	APIBaseURL   string // empty selects local-only mode
	PushURL      string
	AuthToken    string
	UserID       string
	DatabasePath string
	LogLevel     string
	SyncCooldown time.Duration
	ProfileQuota int
}

// Networked reports whether a remote API is configured.
func (c AppConfig) Networked() bool {
	return strings.TrimSpace(c.APIBaseURL) != ""
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
	configViper.SetDefault("sync.cooldown", defaultSyncCooldown)
	configViper.SetDefault("import.profile_quota", defaultProfileQuota)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		APIBaseURL:   configViper.GetString("api.base_url"),
		PushURL:      configViper.GetString("api.push_url"),
		AuthToken:    configViper.GetString("api.token"),
		UserID:       configViper.GetString("user.id"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		SyncCooldown: configViper.GetDuration("sync.cooldown"),
		ProfileQuota: configViper.GetInt("import.profile_quota"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user.id is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Networked() && strings.TrimSpace(c.AuthToken) == "" {
		return fmt.Errorf("api.token is required when api.base_url is set")
	}
	if c.ProfileQuota <= 0 {
		return fmt.Errorf("import.profile_quota must be positive")
	}
	return nil
}
