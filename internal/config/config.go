// Package config handles PlayerTXT configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/playertxt/config.yaml, /etc/playertxt/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "playertxt", "config.yaml"))
	}

	paths = append(paths, "/etc/playertxt/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all PlayerTXT configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Mission   MissionConfig   `yaml:"mission"`
	Preflight PreflightConfig `yaml:"preflight"`
	Game      GameConfig      `yaml:"game"`
	Admin     AdminConfig     `yaml:"admin"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProvidersConfig defines the generative backends behind each role.
// Shared credentials act as fallbacks for roles that do not carry
// their own key or URL.
type ProvidersConfig struct {
	Director  RoleConfig `yaml:"director"`
	Workhorse RoleConfig `yaml:"workhorse"`

	GeminiAPIKey     string `yaml:"gemini_api_key"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	OllamaURL        string `yaml:"ollama_url"`

	// TimeoutSec bounds every generation call that arrives without a
	// deadline of its own (default 20).
	TimeoutSec int `yaml:"timeout_sec"`
}

// RoleConfig configures the provider serving one role.
type RoleConfig struct {
	Provider string `yaml:"provider"` // gemini, openrouter, ollama
	Key      string `yaml:"key"`
	URL      string `yaml:"url"`
	Model    string `yaml:"model"`
}

// StorageConfig selects the relational backend for world and session data.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite (default) or mysql
	DSN    string `yaml:"dsn"`    // defaults to <data_dir>/playertxt.db for sqlite

	// SeedWorld is a world document imported on boot when no worlds exist.
	SeedWorld string `yaml:"seed_world"`
}

// MissionConfig controls the mission scheduler.
type MissionConfig struct {
	TickIntervalSec        int               `yaml:"tick_interval_sec"`        // default 1
	DefaultDurationMinutes int               `yaml:"default_duration_minutes"` // default 30
	Autopilot              []AutopilotConfig `yaml:"autopilot"`
}

// AutopilotConfig schedules a mission on a recurring cron expression.
type AutopilotConfig struct {
	Cron            string `yaml:"cron"` // 5-field cron expression
	WorldID         int64  `yaml:"world_id"`
	DurationMinutes int    `yaml:"duration_minutes"`
}

// PreflightConfig controls the health monitor.
type PreflightConfig struct {
	IntervalSec     int `yaml:"interval_sec"`      // default 30
	ProbeTimeoutSec int `yaml:"probe_timeout_sec"` // default 15
}

// GameConfig controls command processing.
type GameConfig struct {
	// NarratorPersona is the system instruction for narrative replies.
	NarratorPersona string `yaml:"narrator_persona"`

	// EscalateKeywords route a command to the director role when any
	// keyword appears in it. Empty means every command stays on the
	// workhorse.
	EscalateKeywords []string `yaml:"escalate_keywords"`

	// FactLimit is how many semantic world facts enrich a narrator
	// prompt (default 3). A negative value disables fact lookups.
	FactLimit int `yaml:"fact_limit"`
}

// AdminConfig protects the mission control surface.
type AdminConfig struct {
	Token    string `yaml:"token"`    // Bearer token for API access
	Password string `yaml:"password"` // Initial admin password, hashed into system config on first boot
	JoinURL  string `yaml:"join_url"` // Public URL players use; encoded in the join QR code
}

// MQTTConfig defines the optional mission status publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"` // default "playertxt"
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := base()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := base()
	cfg.applyDefaults()
	return cfg
}

// base holds the values a config file overrides field by field.
// Derived defaults (paths under data_dir) are filled after parsing.
func base() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Providers: ProvidersConfig{
			Director:  RoleConfig{Provider: "gemini"},
			Workhorse: RoleConfig{Provider: "ollama"},
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Providers.TimeoutSec <= 0 {
		c.Providers.TimeoutSec = 20
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = filepath.Join(c.DataDir, "playertxt.db")
	}
	if c.Mission.TickIntervalSec <= 0 {
		c.Mission.TickIntervalSec = 1
	}
	if c.Mission.DefaultDurationMinutes <= 0 {
		c.Mission.DefaultDurationMinutes = 30
	}
	if c.Preflight.IntervalSec <= 0 {
		c.Preflight.IntervalSec = 30
	}
	if c.Preflight.ProbeTimeoutSec <= 0 {
		c.Preflight.ProbeTimeoutSec = 15
	}
	if c.Game.FactLimit == 0 {
		c.Game.FactLimit = 3
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "playertxt"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 10
	}
}

// SystemDBPath is where the system config store lives.
func (c *Config) SystemDBPath() string {
	return filepath.Join(c.DataDir, "system.db")
}

// Validate reports configuration errors that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	for role, rc := range map[string]RoleConfig{
		"director":  c.Providers.Director,
		"workhorse": c.Providers.Workhorse,
	} {
		switch strings.ToLower(rc.Provider) {
		case "", "gemini", "openrouter", "ollama":
		default:
			return fmt.Errorf("providers.%s.provider: unknown provider %q (valid: gemini, openrouter, ollama)", role, rc.Provider)
		}
	}

	switch c.Storage.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q (valid: sqlite, mysql)", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the mysql driver")
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port: %d out of range", c.Listen.Port)
	}

	for i, ap := range c.Mission.Autopilot {
		if ap.Cron == "" {
			return fmt.Errorf("mission.autopilot[%d].cron is required", i)
		}
		if ap.WorldID <= 0 {
			return fmt.Errorf("mission.autopilot[%d].world_id must be positive", i)
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
