// Package config loads signalflow.yaml and applies environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "signalflow.yaml"

// Environment overrides.
const (
	EnvDB         = "SIGNALFLOW_DB"
	EnvHTTPAddr   = "SIGNALFLOW_HTTP_ADDR"
	EnvMQTTBroker = "SIGNALFLOW_MQTT_BROKER"
	EnvLogLevel   = "SIGNALFLOW_LOG_LEVEL"
)

// Duration is a time.Duration written as a Go duration string ("1s", "15m").
type Duration time.Duration

// UnmarshalYAML parses a duration string. A bare integer is seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, s)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full signalflow configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Engine   EngineConfig   `yaml:"engine"`
	Topology TopologyConfig `yaml:"topology"`
	Device   DeviceConfig   `yaml:"device"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig locates the SQLite store and its backups.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BackupDir     string `yaml:"backup_dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string   `yaml:"addr"`
	StreamInterval  Duration `yaml:"stream_interval"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	CacheTTL        Duration `yaml:"cache_ttl"`
}

// MQTTConfig configures the field device bridge.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// EngineConfig tunes the coordinator loop.
type EngineConfig struct {
	TickInterval   Duration `yaml:"tick_interval"`
	AdaptEvery     int      `yaml:"adapt_every_cycles"`
	MaxPreemptions int      `yaml:"max_preemptions"`
	BudgetWindow   Duration `yaml:"budget_window"`
}

// TopologyConfig points at the CUE topology directory.
type TopologyConfig struct {
	Dir      string   `yaml:"dir"`
	Watch    bool     `yaml:"watch"`
	Debounce Duration `yaml:"debounce"`
}

// DeviceConfig configures `signalflow device run`.
type DeviceConfig struct {
	ID              string   `yaml:"id"`
	IntersectionID  string   `yaml:"intersection_id"`
	APIURL          string   `yaml:"api_url"`
	UpdateInterval  Duration `yaml:"update_interval"`
	HeartbeatPeriod Duration `yaml:"heartbeat"`
	Sensors         []string `yaml:"sensors"`
}

// LogConfig sets the slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          "signalflow.db",
			BackupDir:     "backups",
			RetentionDays: 30,
		},
		HTTP: HTTPConfig{
			Addr:            ":8000",
			StreamInterval:  Duration(time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			CacheTTL:        Duration(5 * time.Minute),
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "signalflow-coordinator",
		},
		Engine: EngineConfig{
			TickInterval:   Duration(time.Second),
			AdaptEvery:     4,
			MaxPreemptions: 6,
			BudgetWindow:   Duration(15 * time.Minute),
		},
		Topology: TopologyConfig{
			Dir:      "topology",
			Watch:    true,
			Debounce: Duration(500 * time.Millisecond),
		},
		Device: DeviceConfig{
			APIURL:          "http://localhost:8000",
			UpdateInterval:  Duration(5 * time.Second),
			HeartbeatPeriod: Duration(60 * time.Second),
			Sensors:         []string{"camera", "radar", "inductive_loop"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if path := os.Getenv(EnvDB); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv(EnvHTTPAddr); addr != "" {
		c.HTTP.Addr = addr
	}
	if broker := os.Getenv(EnvMQTTBroker); broker != "" {
		c.MQTT.Broker = broker
		c.MQTT.Enabled = true
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Log.Level = level
	}
}

// Validate rejects values the rest of the system cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Database.RetentionDays < 0 {
		problems = append(problems, "database.retention_days must not be negative")
	}
	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is required")
	}
	if c.HTTP.StreamInterval <= 0 {
		problems = append(problems, "http.stream_interval must be positive")
	}
	if c.Engine.TickInterval <= 0 {
		problems = append(problems, "engine.tick_interval must be positive")
	}
	if c.Engine.AdaptEvery < 0 {
		problems = append(problems, "engine.adapt_every_cycles must not be negative")
	}
	if c.Engine.MaxPreemptions <= 0 {
		problems = append(problems, "engine.max_preemptions must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if f := c.Log.Format; f != "text" && f != "json" {
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", f))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: must be debug, info, warn or error", s)
	}
	return level, nil
}
