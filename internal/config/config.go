package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "ATELIER"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "atelier.db"
	defaultOperationTimeout   = 10 * time.Second
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "app_session"
	defaultIssuer             = "tauth"
	defaultPingInterval       = 30 * time.Second
	defaultPongTimeout        = 60 * time.Second
	defaultSubscriberBuffer   = 64
	defaultMaxMessageBytes    = 16 << 20
	defaultRedisChannelPrefix = "atelier:documents:"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver   string
	DatabaseDSN      string
	OperationTimeout time.Duration

	LogLevel  string
	LogFormat string

	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	AllowedOrigins []string

	SyncPingInterval     time.Duration
	SyncPongTimeout      time.Duration
	SyncSubscriberBuffer int
	SyncMaxMessageBytes  int64

	RedisAddress       string
	RedisChannelPrefix string
}

// RelayEnabled reports whether cross-process fan-out is configured.
func (c AppConfig) RelayEnabled() bool {
	return c.RedisAddress != ""
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("database.operation_timeout", defaultOperationTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("sync.ping_interval", defaultPingInterval)
	configViper.SetDefault("sync.pong_timeout", defaultPongTimeout)
	configViper.SetDefault("sync.subscriber_buffer", defaultSubscriberBuffer)
	configViper.SetDefault("sync.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.channel_prefix", defaultRedisChannelPrefix)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          strings.TrimSpace(configViper.GetString("database.dsn")),
		OperationTimeout:     configViper.GetDuration("database.operation_timeout"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		TAuthSigningKey:      configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:      strings.TrimSpace(configViper.GetString("tauth.cookie_name")),
		TAuthIssuer:          strings.TrimSpace(configViper.GetString("tauth.issuer")),
		AllowedOrigins:       splitList(configViper.GetStringSlice("cors.allowed_origins")),
		SyncPingInterval:     configViper.GetDuration("sync.ping_interval"),
		SyncPongTimeout:      configViper.GetDuration("sync.pong_timeout"),
		SyncSubscriberBuffer: configViper.GetInt("sync.subscriber_buffer"),
		SyncMaxMessageBytes:  configViper.GetInt64("sync.max_message_bytes"),
		RedisAddress:         strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannelPrefix:   strings.TrimSpace(configViper.GetString("redis.channel_prefix")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList accepts both list values and a single comma-separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if c.TAuthCookieName == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("database.operation_timeout must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.SyncPingInterval <= 0 || c.SyncPongTimeout <= c.SyncPingInterval {
		return fmt.Errorf("sync.pong_timeout must exceed a positive sync.ping_interval")
	}
	if c.SyncSubscriberBuffer <= 0 {
		return fmt.Errorf("sync.subscriber_buffer must be positive")
	}
	if c.SyncMaxMessageBytes <= 0 {
		return fmt.Errorf("sync.max_message_bytes must be positive")
	}
	if c.RelayEnabled() && c.RedisChannelPrefix == "" {
		return fmt.Errorf("redis.channel_prefix is required when redis.address is set")
	}
	return nil
}
