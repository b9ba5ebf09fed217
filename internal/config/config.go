package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "BASECACHE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDataDir            = "data"
	defaultAttachmentsDir     = "data/attachments"
	defaultLogLevel           = "info"
	defaultFreshnessWindowSec = 300
	defaultRateLimitSec       = 30
	defaultIdempotencyTTLSec  = 86400
	defaultLockTTLSec         = 900
	defaultRefreshIntervalSec = 3600
)

// AppConfig captures runtime configuration for the cache service.
type AppConfig struct {
	HTTPAddress        string
	DataDir            string
	AttachmentsDir     string
	LogLevel           string
	WebhookSecret      string
	FreshnessWindow    time.Duration
	RateLimitWindow    time.Duration
	IdempotencyTTL     time.Duration
	LockTTL            time.Duration
	RefreshInterval    time.Duration
	AdminSigningSecret string
	UpstreamBaseURL    string
	UpstreamToken      string
	UpstreamSourceID   string
	PublicURL          string
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
	configViper.SetDefault("storage.data_dir", defaultDataDir)
	configViper.SetDefault("storage.attachments_dir", defaultAttachmentsDir)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("webhook.freshness_window_s", defaultFreshnessWindowSec)
	configViper.SetDefault("webhook.rate_limit_s", defaultRateLimitSec)
	configViper.SetDefault("webhook.idempotency_ttl_s", defaultIdempotencyTTLSec)
	configViper.SetDefault("refresh.lock_ttl_s", defaultLockTTLSec)
	configViper.SetDefault("refresh.interval_s", defaultRefreshIntervalSec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DataDir:            configViper.GetString("storage.data_dir"),
		AttachmentsDir:     configViper.GetString("storage.attachments_dir"),
		LogLevel:           configViper.GetString("log.level"),
		WebhookSecret:      configViper.GetString("webhook.secret"),
		FreshnessWindow:    time.Duration(configViper.GetInt("webhook.freshness_window_s")) * time.Second,
		RateLimitWindow:    time.Duration(configViper.GetInt("webhook.rate_limit_s")) * time.Second,
		IdempotencyTTL:     time.Duration(configViper.GetInt("webhook.idempotency_ttl_s")) * time.Second,
		LockTTL:            time.Duration(configViper.GetInt("refresh.lock_ttl_s")) * time.Second,
		RefreshInterval:    time.Duration(configViper.GetInt("refresh.interval_s")) * time.Second,
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		UpstreamBaseURL:    configViper.GetString("upstream.base_url"),
		UpstreamToken:      configViper.GetString("upstream.token"),
		UpstreamSourceID:   configViper.GetString("upstream.source_id"),
		PublicURL:          configViper.GetString("http.public_url"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if strings.TrimSpace(c.AttachmentsDir) == "" {
		return fmt.Errorf("storage.attachments_dir is required")
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("webhook.secret is required")
	}
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.UpstreamBaseURL) == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if strings.TrimSpace(c.UpstreamSourceID) == "" {
		return fmt.Errorf("upstream.source_id is required")
	}
	if c.FreshnessWindow <= 0 {
		return fmt.Errorf("webhook.freshness_window_s must be positive")
	}
	if c.RateLimitWindow < 0 {
		return fmt.Errorf("webhook.rate_limit_s must not be negative")
	}
	return nil
}
