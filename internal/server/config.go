package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/microdevice-lab/legato-dash/internal/pump"
	"github.com/microdevice-lab/legato-dash/internal/runlog"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	Pump   PumpConfig    `yaml:"pump" json:"pump"`
	RunLog runlog.Config `yaml:"run_log" json:"runLog"`
	Server ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

type PumpConfig struct {
	Type         string `yaml:"type" json:"type"`          // "legato" or "demo"
	PortPath     string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyPump
	BaudRate     int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs    int    `yaml:"timeout_ms" json:"timeoutMs"`
	ForcePercent int    `yaml:"force_percent" json:"forcePercent"`
	Footswitch   string `yaml:"footswitch" json:"footswitch"` // "mom", "rise", "fall"
	PollSeconds  int    `yaml:"poll_seconds" json:"pollSeconds"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults. The demo pump is
// the default so a fresh install shows a live dashboard without hardware.
func DefaultConfig() *Config {
	return &Config{
		Pump: PumpConfig{
			Type:         "demo",
			PortPath:     "/dev/ttyPump",
			BaudRate:     115200,
			TimeoutMs:    1000,
			ForcePercent: 50,
			Footswitch:   "fall",
			PollSeconds:  2,
		},
		RunLog: runlog.Config{
			Enabled: false,
			Path:    "/var/log/legato-dash",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// PumpDriverConfig translates the YAML shape into the driver's config.
func (c *Config) PumpDriverConfig() pump.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return pump.Config{
		Port:         c.Pump.PortPath,
		Baud:         c.Pump.BaudRate,
		ReadTimeout:  time.Duration(c.Pump.TimeoutMs) * time.Millisecond,
		ForcePercent: c.Pump.ForcePercent,
		Footswitch:   pump.FootswitchMode(c.Pump.Footswitch),
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if the YAML is
// missing or malformed.
func LoadConfig(path string, logger *zap.Logger) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		logger.Warn("malformed config, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		logger.Info("config loaded", zap.String("path", path))
	}

	// .env next to the config file or in the CWD; real env wins over both.
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := godotenv.Load(ep); err == nil {
			logger.Info("loaded .env", zap.String("path", ep))
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: PUMP_TYPE, PUMP_PORT, PUMP_BAUD, PUMP_TIMEOUT_MS,
// PUMP_FORCE_PERCENT, PUMP_FOOTSWITCH, PUMP_POLL_SECONDS, LISTEN_ADDR,
// RUNLOG_ENABLED, RUNLOG_PATH.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PUMP_TYPE"); v != "" {
		c.Pump.Type = v
	}
	if v := os.Getenv("PUMP_PORT"); v != "" {
		c.Pump.PortPath = v
	}
	if v := os.Getenv("PUMP_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pump.BaudRate = n
		}
	}
	if v := os.Getenv("PUMP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pump.TimeoutMs = n
		}
	}
	if v := os.Getenv("PUMP_FORCE_PERCENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pump.ForcePercent = n
		}
	}
	if v := os.Getenv("PUMP_FOOTSWITCH"); v != "" {
		c.Pump.Footswitch = v
	}
	if v := os.Getenv("PUMP_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pump.PollSeconds = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RUNLOG_ENABLED"); v != "" {
		c.RunLog.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("RUNLOG_PATH"); v != "" {
		c.RunLog.Path = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/legato-dash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
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
// incoming JSON are preserved (e.g. port path, baud rate, run log).
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
