// Package config provides configuration for the detection service. Values
// load from an optional YAML file and are overridden by environment
// variables, which are the primary knob in deployments.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Detector DetectorConfig `yaml:"detector"`
	Threat   ThreatConfig   `yaml:"threat"`
	LLM      LLMConfig      `yaml:"llm"`
	Bus      BusConfig      `yaml:"bus"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DetectorConfig holds inference runtime settings.
type DetectorConfig struct {
	Address   string  `yaml:"address"` // inference runtime endpoint
	ImageSize int     `yaml:"image_size"`
	MinConf   float64 `yaml:"min_confidence"`
}

// ThreatConfig holds secondary-model settings.
type ThreatConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ModelPath      string  `yaml:"model_path"`
	SuspiciousOnly bool    `yaml:"suspicious_only"`
	AssocIoUMin    float64 `yaml:"assoc_iou_min"`
	AssocDistFrac  float64 `yaml:"assoc_dist_frac"`
}

// LLMConfig holds adjudication settings. The API key is never stored here;
// it is read from the environment at call time.
type LLMConfig struct {
	Model                string `yaml:"model"`
	AutoOnThreat         bool   `yaml:"auto_on_threat"`
	CooldownSeconds      int    `yaml:"cooldown_seconds"`
	TrackCooldownSeconds int    `yaml:"track_cooldown_seconds"`
}

// BusConfig holds embedded NATS settings.
type BusConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds data directory settings.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.resolveDerived()
	cfg.applyEnv()
	return cfg
}

// Load loads configuration from a YAML file, then applies environment
// overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Defaults go in first; unmarshal only touches keys the file sets.
	var cfg Config
	cfg.setDefaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.resolveDerived()

	cfg.path = path
	cfg.applyEnv()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8001
	}
	if c.Detector.Address == "" {
		c.Detector.Address = "http://127.0.0.1:8090"
	}
	if c.Detector.ImageSize == 0 {
		c.Detector.ImageSize = 640
	}
	if c.Detector.MinConf == 0 {
		c.Detector.MinConf = 0.25
	}
	c.Threat.Enabled = true
	if c.Threat.AssocIoUMin == 0 {
		c.Threat.AssocIoUMin = 0.10
	}
	if c.Threat.AssocDistFrac == 0 {
		c.Threat.AssocDistFrac = 0.08
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	c.LLM.AutoOnThreat = true
	if c.LLM.CooldownSeconds == 0 {
		c.LLM.CooldownSeconds = 10
	}
	if c.Bus.Host == "" {
		c.Bus.Host = "127.0.0.1"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.SnapshotDir == "" {
		c.Storage.SnapshotDir = "snapshots"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// resolveDerived fills values that follow other settings. It runs after the
// file is unmarshalled so the track cooldown tracks a file-set stream
// cooldown unless the file pins it explicitly.
func (c *Config) resolveDerived() {
	if c.LLM.TrackCooldownSeconds == 0 {
		c.LLM.TrackCooldownSeconds = c.LLM.CooldownSeconds
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := envInt("DETECTION_IMGSZ"); ok {
		c.Detector.ImageSize = v
	}
	if v, ok := envBool("THREAT_DETECTION_ENABLED"); ok {
		c.Threat.Enabled = v
	}
	if v := os.Getenv("THREAT_MODEL_PATH"); v != "" {
		c.Threat.ModelPath = v
		c.Threat.Enabled = true
	}
	if v, ok := envBool("SUSPICIOUS_ONLY"); ok {
		c.Threat.SuspiciousOnly = v
	}
	if v, ok := envFloat("THREAT_ASSOC_IOU_MIN"); ok {
		c.Threat.AssocIoUMin = v
	}
	if v, ok := envFloat("THREAT_ASSOC_MAX_DIST_FRAC"); ok {
		c.Threat.AssocDistFrac = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v, ok := envBool("LLM_AUTO_ON_THREAT"); ok {
		c.LLM.AutoOnThreat = v
	}
	if v, ok := envInt("LLM_COOLDOWN_SECONDS"); ok {
		c.LLM.CooldownSeconds = v
		c.LLM.TrackCooldownSeconds = v
	}
	if v, ok := envInt("LLM_PER_TRACK_COOLDOWN_SECONDS"); ok {
		c.LLM.TrackCooldownSeconds = v
	}
}

func envBool(name string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if v == "" {
		return false, false
	}
	switch v {
	case "0", "false", "no":
		return false, true
	default:
		return true, true
	}
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid integer env", "name", name, "value", v)
		return 0, false
	}
	return n, true
}

func envFloat(name string) (float64, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Ignoring invalid float env", "name", name, "value", v)
		return 0, false
	}
	return f, true
}

// StreamCooldown returns the per-stream adjudication window.
func (c *Config) StreamCooldown() time.Duration {
	return time.Duration(c.LLM.CooldownSeconds) * time.Second
}

// TrackCooldown returns the per-track adjudication window.
func (c *Config) TrackCooldown() time.Duration {
	return time.Duration(c.LLM.TrackCooldownSeconds) * time.Second
}

// Watch starts watching the config file for changes.
func (c *Config) Watch() error {
	if c.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Server = newCfg.Server
	c.Detector = newCfg.Detector
	c.Threat = newCfg.Threat
	c.LLM = newCfg.LLM
	c.Bus = newCfg.Bus
	c.Storage = newCfg.Storage
	c.Logging = newCfg.Logging
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// SlogLevel maps the configured level string onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
