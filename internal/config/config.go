package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "COURIER"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "courier.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultAuthIssuer     = "courier-auth"
	defaultAuthAudience   = "courier-api"
	defaultTokenTTLMinute = 30
	defaultAuthTimeout    = 10 * time.Second
	defaultIdleTimeout    = 60 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultSendBuffer     = 64
	defaultBacklogLimit   = 0
	defaultSamplingRate   = 1.0
)

var defaultAllowedOrigins = []string{"*"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	SigningSecret  string
	AuthIssuer     string
	AuthAudience   string
	TokenTTL       time.Duration
	AllowedOrigins []string
	Realtime       RealtimeConfig
	Tracing        TracingConfig
}

// RealtimeConfig holds the connection tunables.
type RealtimeConfig struct {
	AuthTimeout  time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
	BacklogLimit int
}

// TracingConfig selects the OTLP collector. An empty endpoint disables span export.
type TracingConfig struct {
	Endpoint     string
	Insecure     bool
	SamplingRate float64
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
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinute)
	configViper.SetDefault("realtime.auth_timeout", defaultAuthTimeout)
	configViper.SetDefault("realtime.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("realtime.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.backlog_limit", defaultBacklogLimit)
	configViper.SetDefault("tracing.endpoint", "")
	configViper.SetDefault("tracing.insecure", false)
	configViper.SetDefault("tracing.sampling_rate", defaultSamplingRate)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		AuthAudience:   configViper.GetString("auth.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Realtime: RealtimeConfig{
			AuthTimeout:  configViper.GetDuration("realtime.auth_timeout"),
			IdleTimeout:  configViper.GetDuration("realtime.idle_timeout"),
			PingInterval: configViper.GetDuration("realtime.ping_interval"),
			WriteTimeout: configViper.GetDuration("realtime.write_timeout"),
			SendBuffer:   configViper.GetInt("realtime.send_buffer"),
			BacklogLimit: configViper.GetInt("realtime.backlog_limit"),
		},
		Tracing: TracingConfig{
			Endpoint:     strings.TrimSpace(configViper.GetString("tracing.endpoint")),
			Insecure:     configViper.GetBool("tracing.insecure"),
			SamplingRate: configViper.GetFloat64("tracing.sampling_rate"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" || strings.TrimSpace(c.AuthAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
	}
	return c.Realtime.validate()
}

func (r RealtimeConfig) validate() error {
	if r.AuthTimeout <= 0 {
		return fmt.Errorf("realtime.auth_timeout must be positive")
	}
	if r.PingInterval <= 0 {
		return fmt.Errorf("realtime.ping_interval must be positive")
	}
	if r.IdleTimeout <= r.PingInterval {
		return fmt.Errorf("realtime.idle_timeout must exceed realtime.ping_interval")
	}
	if r.WriteTimeout <= 0 {
		return fmt.Errorf("realtime.write_timeout must be positive")
	}
	if r.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if r.BacklogLimit < 0 {
		return fmt.Errorf("realtime.backlog_limit must not be negative")
	}
	return nil
}
