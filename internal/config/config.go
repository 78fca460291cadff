package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for settings that are safe to run with out of the box. The signing
// secret and issuer/audience have no defaults and must be provided.
const (
	DefaultAccessTokenTTL   = 30 * time.Minute
	DefaultRefreshExtension = 60 * time.Minute
	DefaultCorrelationTTL   = 10 * time.Minute
	DefaultSessionTTL       = 24 * time.Hour
	DefaultPurgeInterval    = 24 * time.Hour
	DefaultRetentionPeriod  = 7 * 365 * 24 * time.Hour
	DefaultListenAddr       = ":8080"
)

// Config holds the identity provider settings.
type Config struct {
	ListenAddr string

	Issuer        string
	Audience      string
	SigningSecret string

	AccessTokenTTL   time.Duration
	RefreshExtension time.Duration
	CorrelationTTL   time.Duration
	SessionTTL       time.Duration

	PurgeInterval   time.Duration
	RetentionPeriod time.Duration

	DatabaseURL string
	RedisURL    string
	AMQPURL     string
}

// fileConfig is the YAML overlay shape. Durations are Go duration strings
// ("30m", "24h") so the file reads the same as the env variables.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	SigningSecret string `yaml:"signing_secret"`

	AccessTokenTTL   string `yaml:"access_token_ttl"`
	RefreshExtension string `yaml:"refresh_extension"`
	CorrelationTTL   string `yaml:"correlation_ttl"`
	SessionTTL       string `yaml:"session_ttl"`

	PurgeInterval   string `yaml:"purge_interval"`
	RetentionPeriod string `yaml:"retention_period"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	AMQPURL     string `yaml:"amqp_url"`
}

// Load assembles the config from the environment with an optional YAML overlay
// (IDP_CONFIG_FILE). Environment variables win over file values.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       DefaultListenAddr,
		AccessTokenTTL:   DefaultAccessTokenTTL,
		RefreshExtension: DefaultRefreshExtension,
		CorrelationTTL:   DefaultCorrelationTTL,
		SessionTTL:       DefaultSessionTTL,
		PurgeInterval:    DefaultPurgeInterval,
		RetentionPeriod:  DefaultRetentionPeriod,
	}

	if path := os.Getenv("IDP_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if err := fc.apply(&cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	applyEnvString(&cfg.ListenAddr, "IDP_LISTEN_ADDR")
	applyEnvString(&cfg.Issuer, "IDP_ISSUER")
	applyEnvString(&cfg.Audience, "IDP_AUDIENCE")
	applyEnvString(&cfg.SigningSecret, "IDP_SIGNING_SECRET")
	applyEnvString(&cfg.DatabaseURL, "DATABASE_URL")
	applyEnvString(&cfg.RedisURL, "REDIS_URL")
	applyEnvString(&cfg.AMQPURL, "AMQP_URL")
	applyEnvDuration(&cfg.AccessTokenTTL, "IDP_ACCESS_TOKEN_TTL")
	applyEnvDuration(&cfg.RefreshExtension, "IDP_REFRESH_EXTENSION")
	applyEnvDuration(&cfg.CorrelationTTL, "IDP_CORRELATION_TTL")
	applyEnvDuration(&cfg.SessionTTL, "IDP_SESSION_TTL")
	applyEnvDuration(&cfg.PurgeInterval, "IDP_PURGE_INTERVAL")
	applyEnvDuration(&cfg.RetentionPeriod, "IDP_RETENTION_PERIOD")

	if cfg.Issuer == "" {
		return Config{}, fmt.Errorf("IDP_ISSUER is required")
	}
	if cfg.Audience == "" {
		return Config{}, fmt.Errorf("IDP_AUDIENCE is required")
	}
	if cfg.SigningSecret == "" {
		return Config{}, fmt.Errorf("IDP_SIGNING_SECRET is required")
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.Issuer = strings.TrimRight(cfg.Issuer, "/")

	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	applyString(&cfg.ListenAddr, fc.ListenAddr)
	applyString(&cfg.Issuer, fc.Issuer)
	applyString(&cfg.Audience, fc.Audience)
	applyString(&cfg.SigningSecret, fc.SigningSecret)
	applyString(&cfg.DatabaseURL, fc.DatabaseURL)
	applyString(&cfg.RedisURL, fc.RedisURL)
	applyString(&cfg.AMQPURL, fc.AMQPURL)

	durations := []struct {
		dst *time.Duration
		val string
		key string
	}{
		{&cfg.AccessTokenTTL, fc.AccessTokenTTL, "access_token_ttl"},
		{&cfg.RefreshExtension, fc.RefreshExtension, "refresh_extension"},
		{&cfg.CorrelationTTL, fc.CorrelationTTL, "correlation_ttl"},
		{&cfg.SessionTTL, fc.SessionTTL, "session_ttl"},
		{&cfg.PurgeInterval, fc.PurgeInterval, "purge_interval"},
		{&cfg.RetentionPeriod, fc.RetentionPeriod, "retention_period"},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		dur, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = dur
	}
	return nil
}

func applyString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func applyEnvString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func applyEnvDuration(dst *time.Duration, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			*dst = dur
		}
	}
}
