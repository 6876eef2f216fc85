package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"schoolhub/internal/logging"
	"schoolhub/internal/telemetry"
)

// EnvPrefix namespaces environment overrides, e.g. SCHOOLHUB_HTTP_PORT
const EnvPrefix = "SCHOOLHUB"

// Config is the full process configuration
type Config struct {
	Database     *DatabaseConfig     `mapstructure:"database"`
	HTTP         *HTTPConfig         `mapstructure:"http"`
	WebSocket    *WebSocketConfig    `mapstructure:"websocket"`
	Presence     *PresenceConfig     `mapstructure:"presence"`
	Messaging    *MessagingConfig    `mapstructure:"messaging"`
	Provisioning *ProvisioningConfig `mapstructure:"provisioning"`
	NATS         *NATSConfig         `mapstructure:"nats"`
	Auth         *AuthConfig         `mapstructure:"auth"`
	Log          *logging.Config     `mapstructure:"log"`
	Telemetry    *telemetry.Config   `mapstructure:"telemetry"`
}

type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxConnections  int           `mapstructure:"max_connections"`
	WriteRetryDelay time.Duration `mapstructure:"write_retry_delay"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Host         string        `mapstructure:"host"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BufferSize   int           `mapstructure:"buffer_size"`
}

// PresenceConfig drives the stale-connection sweep. A zero StaleAfter disables it.
type PresenceConfig struct {
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type MessagingConfig struct {
	DedupWindow        time.Duration `mapstructure:"dedup_window"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
}

type ProvisioningConfig struct {
	Mode         string        `mapstructure:"mode"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetAfter   time.Duration `mapstructure:"reset_after"`
	TripCooldown time.Duration `mapstructure:"trip_cooldown"`
}

// NATSConfig selects the change feed transport. An empty URL keeps the feed in-process.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// AuthConfig enables token verification on authenticate when JWTSecret is set
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:            "./schoolhub.db",
			Timeout:         30 * time.Second,
			MaxConnections:  10,
			WriteRetryDelay: 5 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Presence: &PresenceConfig{
			StaleAfter:    90 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Messaging: &MessagingConfig{
			DedupWindow:        5 * time.Second,
			RateLimitPerMinute: 100,
		},
		Provisioning: &ProvisioningConfig{
			Mode:         "watch",
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			MaxFailures:  10,
			ResetAfter:   time.Minute,
			TripCooldown: 5 * time.Minute,
		},
		NATS: &NATSConfig{
			Subject: "directory.user.created",
		},
		Auth: &AuthConfig{},
		Log: &logging.Config{
			Level:       "info",
			Format:      "text",
			Environment: "development",
		},
		Telemetry: &telemetry.Config{
			ServiceName: "schoolhub",
		},
	}
}

// Load resolves configuration from defaults, an optional .env file, an optional
// config file and SCHOOLHUB_* environment variables, in increasing precedence.
func Load(configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults registers every key so environment overrides apply on Unmarshal
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.timeout", d.Database.Timeout)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.write_retry_delay", d.Database.WriteRetryDelay)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)

	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.read_timeout", d.WebSocket.ReadTimeout)
	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.buffer_size", d.WebSocket.BufferSize)

	v.SetDefault("presence.stale_after", d.Presence.StaleAfter)
	v.SetDefault("presence.sweep_interval", d.Presence.SweepInterval)

	v.SetDefault("messaging.dedup_window", d.Messaging.DedupWindow)
	v.SetDefault("messaging.rate_limit_per_minute", d.Messaging.RateLimitPerMinute)

	v.SetDefault("provisioning.mode", d.Provisioning.Mode)
	v.SetDefault("provisioning.initial_delay", d.Provisioning.InitialDelay)
	v.SetDefault("provisioning.max_delay", d.Provisioning.MaxDelay)
	v.SetDefault("provisioning.max_failures", d.Provisioning.MaxFailures)
	v.SetDefault("provisioning.reset_after", d.Provisioning.ResetAfter)
	v.SetDefault("provisioning.trip_cooldown", d.Provisioning.TripCooldown)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject", d.NATS.Subject)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.rollbar_token", d.Log.RollbarToken)
	v.SetDefault("log.environment", d.Log.Environment)

	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
}

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
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.WriteRetryDelay < 0 {
		return fmt.Errorf("database write retry delay cannot be negative")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
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

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}
	if c.Presence.StaleAfter < 0 {
		return fmt.Errorf("presence stale_after cannot be negative")
	}
	if c.Presence.StaleAfter > 0 && c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep interval must be positive when stale_after is set")
	}

	if c.Messaging == nil {
		return fmt.Errorf("messaging configuration is required")
	}
	if c.Messaging.DedupWindow < 0 {
		return fmt.Errorf("messaging dedup window cannot be negative")
	}
	if c.Messaging.RateLimitPerMinute < 0 {
		return fmt.Errorf("messaging rate limit cannot be negative")
	}

	if c.Provisioning == nil {
		return fmt.Errorf("provisioning configuration is required")
	}
	switch c.Provisioning.Mode {
	case "watch", "sync":
	default:
		return fmt.Errorf("provisioning mode must be watch or sync, got %q", c.Provisioning.Mode)
	}
	if c.Provisioning.InitialDelay <= 0 || c.Provisioning.MaxDelay < c.Provisioning.InitialDelay {
		return fmt.Errorf("provisioning delays must be positive with max_delay >= initial_delay")
	}
	if c.Provisioning.TripCooldown < 0 {
		return fmt.Errorf("provisioning trip cooldown cannot be negative")
	}
	if c.Provisioning.MaxFailures < 0 {
		return fmt.Errorf("provisioning max failures cannot be negative")
	}

	if c.NATS == nil || c.Auth == nil || c.Log == nil || c.Telemetry == nil {
		return fmt.Errorf("configuration section missing")
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return fmt.Errorf("NATS subject cannot be empty")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

// Address is the HTTP listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
