package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/veera-kit/internal/kit"
	"github.com/shaunagostinho/veera-kit/internal/kitsim"
	"github.com/shaunagostinho/veera-kit/internal/lesson"
)

// Config holds all application configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link to the kit
	Kit KitConfig `yaml:"kit" json:"kit"`

	// Threshold defaults
	Thresholds ThresholdsConfig `yaml:"thresholds" json:"thresholds"`

	// Kit-driven navigation
	Lesson LessonConfig `yaml:"lesson" json:"lesson"`

	// CSV event recording
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Process log
	Log LogConfig `yaml:"log" json:"log"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`
}

type KitConfig struct {
	Type             string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath         string `yaml:"port_path" json:"portPath"` // e.g. COM3 or /dev/ttyUSB0
	BaudRate         int    `yaml:"baud_rate" json:"baudRate"`
	AckTimeoutMs     int    `yaml:"ack_timeout_ms" json:"ackTimeoutMs"`
	RetryLimit       int    `yaml:"retry_limit" json:"retryLimit"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms" json:"reconnectDelayMs"`
	ThresholdGapMs   int    `yaml:"threshold_gap_ms" json:"thresholdGapMs"`
	WaitOpenMs       int    `yaml:"wait_open_ms" json:"waitOpenMs"`

	// Demo kit behaviour
	DemoSensorMs   int     `yaml:"demo_sensor_ms" json:"demoSensorMs"`
	DemoAckDropPct float64 `yaml:"demo_ack_drop_pct" json:"demoAckDropPct"`
}

type ThresholdsConfig struct {
	DefaultsPath  string `yaml:"defaults_path" json:"defaultsPath"`    // empty: built-in table
	ResetGapMs    int    `yaml:"reset_gap_ms" json:"resetGapMs"`       // between sets on reset-all
	ShutdownGapMs int    `yaml:"shutdown_gap_ms" json:"shutdownGapMs"`
}

type LessonConfig struct {
	SettleDelayMs int `yaml:"settle_delay_ms" json:"settleDelayMs"`
	InitialClass  int `yaml:"initial_class" json:"initialClass"`
	InitialExp    int `yaml:"initial_experiment" json:"initialExperiment"`
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type LogConfig struct {
	Level   string `yaml:"level" json:"level"` // trace, debug, info, warn, error
	NoColor bool   `yaml:"no_color" json:"noColor"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Kit: KitConfig{
			Type:             "serial",
			PortPath:         "/dev/ttyUSB0",
			BaudRate:         9600,
			AckTimeoutMs:     1000,
			RetryLimit:       1,
			ReconnectDelayMs: 1000,
			ThresholdGapMs:   80,
			WaitOpenMs:       4000,
			DemoSensorMs:     500,
			DemoAckDropPct:   10,
		},
		Thresholds: ThresholdsConfig{
			ResetGapMs:    150,
			ShutdownGapMs: 100,
		},
		Lesson: LessonConfig{
			SettleDelayMs: 1200,
			InitialClass:  5,
			InitialExp:    1,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "/var/log/veerakit",
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("component", "config").Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn().Str("component", "config").Str("path", path).Err(err).Msg("config parse error, using defaults")
		cfg = DefaultConfig()
	} else {
		log.Info().Str("component", "config").Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
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
// Variables already set in the real environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Info().Str("component", "config").Str("path", path).Msg("loading .env")
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

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KIT_TYPE"); v != "" {
		c.Kit.Type = v
	}
	if v := os.Getenv("KIT_PORT"); v != "" {
		c.Kit.PortPath = v
	}
	envInt("KIT_BAUD", &c.Kit.BaudRate)
	envInt("KIT_ACK_TIMEOUT_MS", &c.Kit.AckTimeoutMs)
	envInt("KIT_RETRY_LIMIT", &c.Kit.RetryLimit)
	envInt("KIT_RECONNECT_MS", &c.Kit.ReconnectDelayMs)
	envInt("KIT_THRESHOLD_GAP_MS", &c.Kit.ThresholdGapMs)
	envInt("KIT_WAIT_OPEN_MS", &c.Kit.WaitOpenMs)
	if v := os.Getenv("THRESHOLDS_PATH"); v != "" {
		c.Thresholds.DefaultsPath = v
	}
	envInt("LESSON_SETTLE_MS", &c.Lesson.SettleDelayMs)
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	// CSV recording
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// KitSettings converts the kit section to protocol timings.
func (c *Config) KitSettings() kit.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return kit.Config{
		AckTimeout:      ms(c.Kit.AckTimeoutMs),
		RetryLimit:      c.Kit.RetryLimit,
		ReconnectDelay:  ms(c.Kit.ReconnectDelayMs),
		ThresholdGap:    ms(c.Kit.ThresholdGapMs),
		WaitOpenTimeout: ms(c.Kit.WaitOpenMs),
	}
}

// KitOpener returns the port opener for the configured kit type.
func (c *Config) KitOpener() kit.Opener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Kit.Type == "demo" {
		return kitsim.Opener(kitsim.Config{
			SensorInterval: ms(c.Kit.DemoSensorMs),
			AckDropRate:    c.Kit.DemoAckDropPct / 100,
			Announce:       true,
			Class:          c.Lesson.InitialClass,
			Experiment:     c.Lesson.InitialExp,
		})
	}
	return kit.SerialOpener(c.Kit.PortPath, c.Kit.BaudRate)
}

// LessonSettings converts the lesson section.
func (c *Config) LessonSettings() lesson.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lesson.Config{
		SettleDelay:  ms(c.Lesson.SettleDelayMs),
		InitialClass: c.Lesson.InitialClass,
		InitialExp:   c.Lesson.InitialExp,
	}
}

// ResetGap is the pause between threshold sets on reset-all.
func (c *Config) ResetGap() time.Duration { return ms(c.Thresholds.ResetGapMs) }

// ShutdownGap is the pause between threshold sets when restoring defaults
// on exit.
func (c *Config) ShutdownGap() time.Duration { return ms(c.Thresholds.ShutdownGapMs) }

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
