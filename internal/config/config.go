package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MINBAR_HTTP_PORT.
const EnvPrefix = "MINBAR"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database         *DatabaseConfig  `mapstructure:"database" yaml:"database"`
	HTTP             *HTTPConfig      `mapstructure:"http" yaml:"http"`
	WebSocket        *WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	Session          *SessionConfig   `mapstructure:"session" yaml:"session"`
	Auth             *AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Notify           *NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Logging          *LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	StrictInvariants bool             `mapstructure:"strict_invariants" yaml:"strict_invariants"`
}

type DatabaseConfig struct {
	Path    string        `mapstructure:"path" yaml:"path"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	Host         string        `mapstructure:"host" yaml:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// FUNCTIONAL DISCOVERY: Outbound buffer and overflow policy bound memory per
// listener; a slow phone on a mosque's Wi-Fi must never stall the fan-out
type WebSocketConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	BufferSize      int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	OverflowPolicy  string        `mapstructure:"overflow_policy" yaml:"overflow_policy"`
	RatePerSecond   float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

type SessionConfig struct {
	StartupTimeout              time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	EndedGrace                  time.Duration `mapstructure:"ended_grace" yaml:"ended_grace"`
	ReconnectGrace              time.Duration `mapstructure:"reconnect_grace" yaml:"reconnect_grace"`
	IdleTimeout                 time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval               time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	BacklogSize                 int           `mapstructure:"backlog_size" yaml:"backlog_size"`
	SingleTranslatorPerLanguage bool          `mapstructure:"single_translator_per_language" yaml:"single_translator_per_language"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer" yaml:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

type NotifyConfig struct {
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./minbar.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      256,
			MaxMessageBytes: 64 * 1024,
			OverflowPolicy:  "drop_oldest",
			RatePerSecond:   20,
			RateBurst:       40,
		},
		Session: &SessionConfig{
			StartupTimeout: 10 * time.Second,
			EndedGrace:     2 * time.Minute,
			ReconnectGrace: 60 * time.Second,
			IdleTimeout:    10 * time.Minute,
			SweepInterval:  5 * time.Second,
			BacklogSize:    50,
		},
		Auth: &AuthConfig{
			JWTSecret: "change-me-in-production", // #nosec G101 -- intentional dev default
			Issuer:    "minbar",
			TokenTTL:  24 * time.Hour,
		},
		Notify: &NotifyConfig{
			BatchSize: 500,
			Timeout:   30 * time.Second,
		},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 asks the kernel for a free port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message bytes must be positive")
	}
	switch c.WebSocket.OverflowPolicy {
	case "drop_oldest", "drop_newest":
	default:
		return fmt.Errorf("WebSocket overflow policy must be drop_oldest or drop_newest")
	}
	if c.WebSocket.RatePerSecond <= 0 || c.WebSocket.RateBurst <= 0 {
		return fmt.Errorf("WebSocket rate limit must be positive")
	}

	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.StartupTimeout <= 0 {
		return fmt.Errorf("session startup timeout must be positive")
	}
	if c.Session.EndedGrace <= 0 {
		return fmt.Errorf("session ended grace must be positive")
	}
	if c.Session.ReconnectGrace <= 0 {
		return fmt.Errorf("session reconnect grace must be positive")
	}
	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("session idle timeout cannot be negative")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session sweep interval must be positive")
	}
	if c.Session.BacklogSize < 0 {
		return fmt.Errorf("session backlog size cannot be negative")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Notify == nil || c.Notify.BatchSize <= 0 {
		return fmt.Errorf("notify batch size must be positive")
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify timeout must be positive")
	}

	if c.Logging == nil {
		return fmt.Errorf("logging configuration is required")
	}

	return nil
}

// Load builds the configuration with precedence: environment > file > defaults.
// An empty path skips the file layer.
func Load(path string) (*Config, error) {
	v := viper.New()
	registerDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// registerDefaults declares every key so AutomaticEnv can resolve it during Unmarshal.
func registerDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)

	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)
	v.SetDefault("websocket.max_message_bytes", d.WebSocket.MaxMessageBytes)
	v.SetDefault("websocket.overflow_policy", d.WebSocket.OverflowPolicy)
	v.SetDefault("websocket.rate_per_second", d.WebSocket.RatePerSecond)
	v.SetDefault("websocket.rate_burst", d.WebSocket.RateBurst)

	v.SetDefault("session.startup_timeout", d.Session.StartupTimeout)
	v.SetDefault("session.ended_grace", d.Session.EndedGrace)
	v.SetDefault("session.reconnect_grace", d.Session.ReconnectGrace)
	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("session.sweep_interval", d.Session.SweepInterval)
	v.SetDefault("session.backlog_size", d.Session.BacklogSize)
	v.SetDefault("session.single_translator_per_language", d.Session.SingleTranslatorPerLanguage)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("notify.batch_size", d.Notify.BatchSize)
	v.SetDefault("notify.timeout", d.Notify.Timeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("strict_invariants", d.StrictInvariants)
}

// YAML renders the configuration with the JWT secret redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if c.Auth != nil {
		auth := *c.Auth
		auth.JWTSecret = "<redacted>"
		redacted.Auth = &auth
	}
	return yaml.Marshal(&redacted)
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
