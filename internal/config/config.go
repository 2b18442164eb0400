package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the agent configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Log         LogConfig         `yaml:"log"`
	Stream      StreamConfig      `yaml:"stream"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	NATS        NATSConfig        `yaml:"nats"`
	Database    DatabaseConfig    `yaml:"database"`
	JWT         JWTConfig         `yaml:"jwt"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
}

// ServerConfig represents server identity
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the local control API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// KeyHash is the bcrypt hash of the API key exchanged for a JWT.
	KeyHash        string   `yaml:"key_hash"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StreamConfig represents the event stream connection
type StreamConfig struct {
	URL           string        `yaml:"url"`
	Transport     string        `yaml:"transport"` // sse | websocket
	BaseDelay     time.Duration `yaml:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	TokenDebounce time.Duration `yaml:"token_debounce"`
	AuthMarkers   []string      `yaml:"auth_markers"`
}

// MQTTConfig represents the device command broker
type MQTTConfig struct {
	Broker            string        `yaml:"broker"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	QoS               byte          `yaml:"qos"`
	TLS               bool          `yaml:"tls"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	PlatformID        string        `yaml:"platform_id"`
	RequestPrefix     string        `yaml:"request_prefix"`
	ReplyPrefix       string        `yaml:"reply_prefix"`
	StrictCorrelation bool          `yaml:"strict_correlation"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientName        string        `yaml:"client_name"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// CredentialsConfig represents the stream token store
type CredentialsConfig struct {
	Path string `yaml:"path"`
}

// LifecycleConfig represents app lifecycle handling
type LifecycleConfig struct {
	Runtime string `yaml:"runtime"` // native | web
}

// Default auth failure markers looked for in stream error text.
var DefaultAuthMarkers = []string{
	"invalid or expired token",
	"invalid token",
	"expired token",
	"token expired",
	"unauthorized",
	"401",
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("CHARGELINK_STREAM_URL"); url != "" {
		c.Stream.URL = url
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		c.MQTT.Username = user
	}

	if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
		c.MQTT.Password = pass
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// setDefaults fills in zero values
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "chargelink-agent"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	c.setStreamDefaults()
	c.setMQTTDefaults()

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "chargelink"
	}
	if c.NATS.ClientName == "" {
		c.NATS.ClientName = c.Server.Name
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 5
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8095
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}

	if c.Lifecycle.Runtime == "" {
		c.Lifecycle.Runtime = "native"
	}
}

// setStreamDefaults 设置事件流默认值
func (c *Config) setStreamDefaults() {
	if c.Stream.Transport == "" {
		c.Stream.Transport = "sse"
	}
	if c.Stream.BaseDelay == 0 {
		c.Stream.BaseDelay = time.Second
	}
	if c.Stream.MaxDelay == 0 {
		c.Stream.MaxDelay = 30 * time.Second
	}
	if c.Stream.TokenDebounce == 0 {
		c.Stream.TokenDebounce = 300 * time.Millisecond
	}
	if len(c.Stream.AuthMarkers) == 0 {
		c.Stream.AuthMarkers = append([]string(nil), DefaultAuthMarkers...)
	}
}

// setMQTTDefaults 设置MQTT默认值
func (c *Config) setMQTTDefaults() {
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30 * time.Second
	}
	if c.MQTT.CommandTimeout == 0 {
		c.MQTT.CommandTimeout = 5 * time.Minute
	}
	if c.MQTT.ReconnectBase == 0 {
		c.MQTT.ReconnectBase = time.Second
	}
	if c.MQTT.ReconnectMax == 0 {
		c.MQTT.ReconnectMax = 30 * time.Second
	}
	if c.MQTT.PlatformID == "" {
		c.MQTT.PlatformID = "app"
	}
	if c.MQTT.RequestPrefix == "" {
		c.MQTT.RequestPrefix = "dev"
	}
	if c.MQTT.ReplyPrefix == "" {
		c.MQTT.ReplyPrefix = "app"
	}
}

// validate checks values that cannot be defaulted
func (c *Config) validate() error {
	switch c.Stream.Transport {
	case "sse", "websocket":
	default:
		return fmt.Errorf("invalid stream transport: %s", c.Stream.Transport)
	}

	if c.Stream.MaxDelay < c.Stream.BaseDelay {
		return fmt.Errorf("stream max_delay (%s) is below base_delay (%s)", c.Stream.MaxDelay, c.Stream.BaseDelay)
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", c.MQTT.QoS)
	}

	if c.MQTT.RequestPrefix == c.MQTT.ReplyPrefix {
		return fmt.Errorf("mqtt request and reply prefixes must differ")
	}

	switch c.Lifecycle.Runtime {
	case "native", "web":
	default:
		return fmt.Errorf("invalid lifecycle runtime: %s", c.Lifecycle.Runtime)
	}

	if c.API.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required when the control API is enabled")
	}

	return nil
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== ChargeLink Agent Configuration ===\n")
	fmt.Printf("Server: %s %s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Stream: %s (%s)\n", c.Stream.URL, c.Stream.Transport)
	fmt.Printf("  Backoff: %s .. %s, token debounce %s\n",
		c.Stream.BaseDelay, c.Stream.MaxDelay, c.Stream.TokenDebounce)
	fmt.Printf("MQTT: %s (qos %d, tls %v)\n", c.MQTT.Broker, c.MQTT.QoS, c.MQTT.TLS)
	fmt.Printf("  Topics: %s<imei> -> %s<imei>\n", c.MQTT.RequestPrefix, c.MQTT.ReplyPrefix)
	fmt.Printf("  Command timeout: %s, strict correlation: %v\n",
		c.MQTT.CommandTimeout, c.MQTT.StrictCorrelation)
	if c.NATS.URL != "" {
		fmt.Printf("NATS: %s (prefix %s)\n", c.NATS.URL, c.NATS.SubjectPrefix)
	} else {
		fmt.Printf("NATS: disabled\n")
	}
	if c.Database.DSN != "" {
		fmt.Printf("Database: postgres\n")
	} else {
		fmt.Printf("Database: in-memory\n")
	}
	if c.API.Enabled {
		fmt.Printf("Control API: %s:%d\n", c.API.Host, c.API.Port)
	}
	fmt.Printf("Lifecycle runtime: %s\n", c.Lifecycle.Runtime)
	fmt.Printf("==========================================\n")
}
