package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"divera/internal/coordinator"
	"divera/internal/divera"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid configuration")

// Config represents the divera.yaml structure
type Config struct {
	Divera        DiveraConfig        `yaml:"divera"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	History       HistoryConfig       `yaml:"history"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	API           APIConfig           `yaml:"api"`
	Log           LogConfig           `yaml:"log"`

	// ReadOnly makes publishers log status changes instead of pushing them.
	ReadOnly bool `yaml:"read_only"`
}

// DiveraConfig selects the account and memberships to poll
type DiveraConfig struct {
	AccessKey string        `yaml:"accesskey"`
	BaseURL   string        `yaml:"base_url"`
	Clusters  []string      `yaml:"clusters"`
	UCRIDs    []int         `yaml:"ucr_ids"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
}

// HomeAssistantConfig configures the websocket publisher
type HomeAssistantConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	// EntityPrefix is prepended to the helper entity ids
	EntityPrefix string `yaml:"entity_prefix"`
}

// MQTTConfig configures the MQTT discovery publisher
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	TopicPrefix     string `yaml:"topic_prefix"`
	QoS             byte   `yaml:"qos"`
}

// HistoryConfig configures the sqlite history store
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// InfluxDBConfig configures the InfluxDB writer
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// APIConfig configures the HTTP status API
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig configures the logger
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Divera: DiveraConfig{
			BaseURL:  divera.DefaultBaseURL,
			Interval: coordinator.DefaultInterval,
			Timeout:  divera.DefaultTimeout,
		},
		HomeAssistant: HomeAssistantConfig{
			EntityPrefix: "divera",
		},
		MQTT: MQTTConfig{
			ClientID:        "divera-bridge",
			DiscoveryPrefix: "homeassistant",
			TopicPrefix:     "divera",
			QoS:             1,
		},
		History: HistoryConfig{
			Path: "divera.db",
		},
		InfluxDB: InfluxDBConfig{
			Bucket: "divera",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Loader reads the configuration file and environment overrides
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a new configuration loader for path. An empty path
// loads defaults and environment only.
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// LoadEnvFiles loads .env style files into the process environment.
// Variables that are already set win.
func LoadEnvFiles(files ...string) error {
	return godotenv.Load(files...)
}

// Load reads the file, applies environment overrides and validates.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		l.logger.Debug("Loading config file", zap.String("path", l.path))

		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.String("path", l.path),
		zap.String("base_url", cfg.Divera.BaseURL),
		zap.Duration("interval", cfg.Divera.Interval),
		zap.Bool("read_only", cfg.ReadOnly))
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	set(&c.Divera.AccessKey, "DIVERA_ACCESSKEY")
	set(&c.Divera.BaseURL, "DIVERA_BASE_URL")
	set(&c.HomeAssistant.URL, "HA_URL")
	set(&c.HomeAssistant.Token, "HA_TOKEN")
	set(&c.MQTT.Username, "MQTT_USERNAME")
	set(&c.MQTT.Password, "MQTT_PASSWORD")
	set(&c.InfluxDB.Token, "INFLUXDB_TOKEN")

	if v := getenv("READ_ONLY"); v != "" {
		c.ReadOnly = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Divera.AccessKey == "" {
		invalid("divera.accesskey is required (or set DIVERA_ACCESSKEY)")
	}
	if c.Divera.BaseURL == "" {
		invalid("divera.base_url must not be empty")
	}
	if iv := c.Divera.Interval; iv < coordinator.MinInterval || iv > coordinator.MaxInterval {
		invalid("divera.interval %s outside %s-%s", iv, coordinator.MinInterval, coordinator.MaxInterval)
	}
	if c.Divera.Timeout <= 0 {
		invalid("divera.timeout must be positive")
	}

	if c.HomeAssistant.Enabled && (c.HomeAssistant.URL == "" || c.HomeAssistant.Token == "") {
		invalid("home_assistant.url and home_assistant.token are required when enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		invalid("mqtt.broker is required when enabled")
	}
	if c.MQTT.QoS > 2 {
		invalid("mqtt.qos must be 0, 1 or 2")
	}
	if c.History.Enabled && c.History.Path == "" {
		invalid("history.path is required when enabled")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		invalid("influxdb.url, influxdb.org and influxdb.bucket are required when enabled")
	}
	if c.API.Enabled && c.API.Listen == "" {
		invalid("api.listen is required when enabled")
	}

	return errors.Join(errs...)
}

// NewLogger builds the zap logger described by LogConfig.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
