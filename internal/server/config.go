package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/kelly-dash/internal/bms"
	"github.com/shaunagostinho/kelly-dash/internal/logging"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used by Save when the config was not loaded from a file.
const DefaultConfigPath = "/etc/kelly-dash/config.yaml"

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Motor controller link
	Controller ControllerConfig `yaml:"controller" json:"controller"`

	// Battery management system
	BMS BMSConfig `yaml:"bms" json:"bms"`

	// CSV data logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Diagnostic log output
	Log LogConfig `yaml:"log" json:"log"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ControllerConfig struct {
	Type      string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath  string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0 or /dev/rfcomm0
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"` // per-response receive timeout
	PollMs    int    `yaml:"poll_ms" json:"pollMs"`       // pause between monitor cycles
}

type BMSConfig struct {
	// none, jk, jbd, ant or daly
	Type bms.Type `yaml:"type" json:"type"`
	// BLE address, or "demo" for the simulated pack
	Address       string `yaml:"address" json:"address"`
	ScanTimeoutMs int    `yaml:"scan_timeout_ms" json:"scanTimeoutMs"`
	// age after which BMS data is left out of broadcast frames
	StaleMs int `yaml:"stale_ms" json:"staleMs"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"` // zerolog level name
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz int    `yaml:"broadcast_hz" json:"broadcastHz"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			Type:      "demo",
			PortPath:  "/dev/ttyUSB0",
			BaudRate:  19200,
			TimeoutMs: 300,
			PollMs:    10,
		},
		BMS: BMSConfig{
			Type:          bms.None,
			ScanTimeoutMs: 5000,
			StaleMs:       5000,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/kelly-dash",
			Interval: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastHz: 10,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	log := logging.Component("config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("path", path).Msg("config loaded")
	}

	// .env next to the config, then in the working directory
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log := logging.Component("config")
	log.Debug().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ECU_TYPE, ECU_PORT, ECU_BAUD, ECU_TIMEOUT_MS, ECU_POLL_MS,
// BMS_TYPE, BMS_ADDRESS, LISTEN_ADDR, LOG_LEVEL, LOG_PRETTY, LOG_ENABLED,
// LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ECU_TYPE"); v != "" {
		c.Controller.Type = v
	}
	if v := os.Getenv("ECU_PORT"); v != "" {
		c.Controller.PortPath = v
	}
	envInt("ECU_BAUD", &c.Controller.BaudRate)
	envInt("ECU_TIMEOUT_MS", &c.Controller.TimeoutMs)
	envInt("ECU_POLL_MS", &c.Controller.PollMs)

	if v := os.Getenv("BMS_TYPE"); v != "" {
		if t, err := bms.ParseType(v); err == nil {
			c.BMS.Type = t
		} else {
			log := logging.Component("config")
			log.Warn().Err(err).Msg("ignoring BMS_TYPE")
		}
	}
	if v := os.Getenv("BMS_ADDRESS"); v != "" {
		c.BMS.Address = v
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	envBool("LOG_PRETTY", &c.Log.Pretty)

	// CSV logging
	envBool("LOG_ENABLED", &c.Logging.Enabled)
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	envInt("LOG_INTERVAL_MS", &c.Logging.Interval)
}

// Validate checks values the rest of the program depends on.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.Controller.Type {
	case "serial", "demo":
	default:
		return fmt.Errorf("controller.type %q: want serial or demo", c.Controller.Type)
	}
	if c.Controller.Type == "serial" && c.Controller.PortPath == "" {
		return fmt.Errorf("controller.port_path is required for serial")
	}
	if c.BMS.Type != bms.None && c.BMS.Address == "" {
		return fmt.Errorf("bms.address is required for bms type %s", c.BMS.Type)
	}
	return nil
}

// Path is the file Save writes to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// ControllerSettings returns a copy of the controller section.
func (c *Config) ControllerSettings() ControllerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Controller
}

// BMSSettings returns a copy of the BMS section.
func (c *Config) BMSSettings() BMSConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.BMS
}

// LoggingSettings returns a copy of the CSV logging section.
func (c *Config) LoggingSettings() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// ServerSettings returns a copy of the server section.
func (c *Config) ServerSettings() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// ReceiveTimeout is the controller response timeout as a duration.
func (cc ControllerConfig) ReceiveTimeout() time.Duration {
	return time.Duration(cc.TimeoutMs) * time.Millisecond
}

// PollDelay is the monitor cycle pause as a duration.
func (cc ControllerConfig) PollDelay() time.Duration {
	return time.Duration(cc.PollMs) * time.Millisecond
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
