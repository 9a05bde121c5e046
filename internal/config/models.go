package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/EdgeStreamer/internal/capture"
	"github.com/bryanchriswhite/EdgeStreamer/internal/frame"
	"github.com/bryanchriswhite/EdgeStreamer/internal/logger"
	"github.com/bryanchriswhite/EdgeStreamer/internal/processing"
)

// Config represents the application configuration
type Config struct {
	Camera     CameraConfig     `yaml:"camera" json:"camera"`
	Processing ProcessingConfig `yaml:"processing" json:"processing"`
	Display    DisplayConfig    `yaml:"display" json:"display"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	LogLevel   string           `yaml:"log_level" json:"log_level"`
}

// CameraConfig selects the capture provider and the stream to request
type CameraConfig struct {
	Provider    string   `yaml:"provider" json:"provider"`
	Device      string   `yaml:"device" json:"device"`
	Resolutions []string `yaml:"resolutions" json:"resolutions"`
	FPS         int      `yaml:"fps" json:"fps"`
}

// ProcessingConfig selects the processing backend and its startup mode
type ProcessingConfig struct {
	Backend        string  `yaml:"backend" json:"backend"`
	Mode           string  `yaml:"mode" json:"mode"`
	Threshold1     float64 `yaml:"threshold1" json:"threshold1"`
	Threshold2     float64 `yaml:"threshold2" json:"threshold2"`
	StallWarningMs int     `yaml:"stall_warning_ms" json:"stall_warning_ms"`
}

// DisplayConfig represents the preview window configuration
type DisplayConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Backend string `yaml:"backend" json:"backend"`
	Width   int    `yaml:"width" json:"width"`
	Height  int    `yaml:"height" json:"height"`
	FPS     int    `yaml:"fps" json:"fps"`
}

// ServerConfig covers the HTTP API and the MJPEG stream
type ServerConfig struct {
	Port        int `yaml:"port" json:"port"`
	MJPEGFPS    int `yaml:"mjpeg_fps" json:"mjpeg_fps"`
	JPEGQuality int `yaml:"jpeg_quality" json:"jpeg_quality"`
	MaxWidth    int `yaml:"max_width" json:"max_width"`
	MaxHeight   int `yaml:"max_height" json:"max_height"`
}

// MQTTConfig configures remote control and telemetry over MQTT
type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Broker         string `yaml:"broker" json:"broker"`
	ClientID       string `yaml:"client_id" json:"client_id"`
	CommandTopic   string `yaml:"command_topic" json:"command_topic"`
	ResponseTopic  string `yaml:"response_topic" json:"response_topic"`
	TelemetryTopic string `yaml:"telemetry_topic" json:"telemetry_topic"`
	Format         string `yaml:"format" json:"format"`
	IntervalMs     int    `yaml:"interval_ms" json:"interval_ms"`
}

// Manager handles configuration persistence and updates
//
// Values set through SetPort, SetLogLevel, SetMode and SetCameraProvider are
// in-memory overrides: they survive Reload and are never written to disk.
type Manager struct {
	configPath string
	file       *Config // as loaded or saved
	config     *Config // file plus overrides
	overrides  []func(*Config)
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	var configPath string

	if configFile != "" {
		configPath = configFile
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(homeDir, ".config", "edgestreamer", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: configPath,
		file:       getDefaults(),
		config:     getDefaults(),
	}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// First run: persist the defaults
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	}

	return m, nil
}

// getDefaults returns the default configuration
func getDefaults() *Config {
	params := processing.DefaultParams()
	return &Config{
		Camera: CameraConfig{
			Provider:    "gstreamer",
			Resolutions: []string{"1280x720", "640x480"},
			FPS:         30,
		},
		Processing: ProcessingConfig{
			Backend:        "builtin",
			Mode:           processing.DefaultMode.String(),
			Threshold1:     params.Threshold1,
			Threshold2:     params.Threshold2,
			StallWarningMs: 500,
		},
		Display: DisplayConfig{
			Enabled: true,
			Backend: "x11",
			Width:   1280,
			Height:  720,
			FPS:     60,
		},
		Server: ServerConfig{
			Port:        8081,
			MJPEGFPS:    15,
			JPEGQuality: 80,
			MaxWidth:    1280,
			MaxHeight:   720,
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://localhost:1883",
			ClientID:       "edgestreamer",
			CommandTopic:   "edgestreamer/command",
			ResponseTopic:  "edgestreamer/response",
			TelemetryTopic: "edgestreamer/telemetry",
			Format:         "json",
			IntervalMs:     1000,
		},
		LogLevel: "info",
	}
}

// load reads the configuration from disk on top of the defaults
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := getDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.file = cfg
	m.refreshLocked()
	m.mu.Unlock()
	return nil
}

// refreshLocked rebuilds the effective config from the file values.
func (m *Manager) refreshLocked() {
	cfg := m.file.clone()
	for _, apply := range m.overrides {
		apply(&cfg)
	}
	m.config = &cfg
}

// override records an in-memory change and applies it.
func (m *Manager) override(apply func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, apply)
	apply(m.config)
}

func (c *Config) clone() Config {
	cfg := *c
	cfg.Camera.Resolutions = append([]string(nil), c.Camera.Resolutions...)
	return cfg
}

// Reload re-reads the file and re-applies the overrides. The current
// configuration is kept if the file is missing or invalid.
func (m *Manager) Reload() (Config, error) {
	if err := m.load(); err != nil {
		return m.Get(), err
	}
	return m.Get(), nil
}

// Validate checks values a bad edit could leave behind.
func (c *Config) Validate() error {
	if _, err := processing.ParseMode(c.Processing.Mode); err != nil {
		return fmt.Errorf("processing.mode: %w", err)
	}
	if c.Processing.Threshold1 < 0 || c.Processing.Threshold2 < 0 {
		return fmt.Errorf("processing thresholds must not be negative")
	}
	for _, r := range c.Camera.Resolutions {
		if _, err := frame.ParseResolution(r); err != nil {
			return fmt.Errorf("camera.resolutions: %w", err)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.MQTT.Format {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.format must be json or msgpack, got %q", c.MQTT.Format)
	}
	switch c.Display.Backend {
	case "", "x11", "headless":
	default:
		return fmt.Errorf("display.backend must be x11 or headless, got %q", c.Display.Backend)
	}
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.clone()
}

// File returns the values as stored on disk, without overrides.
func (m *Manager) File() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.file.clone()
}

// Save persists the configuration to disk. Overrides are not saved.
func (m *Manager) Save() error {
	log := logger.WithComponent("config")

	m.mu.RLock()
	data, err := yaml.Marshal(m.file)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	log.Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}

// Update applies fn to a copy of the configuration, validates and saves it.
// Nothing changes if fn or validation fails.
func (m *Manager) Update(fn func(*Config) error) error {
	m.mu.Lock()
	cfg := m.file.clone()
	if err := fn(&cfg); err != nil {
		m.mu.Unlock()
		return err
	}
	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.file = &cfg
	m.refreshLocked()
	m.mu.Unlock()
	return m.Save()
}

// SetPort overrides the server port in memory
func (m *Manager) SetPort(port int) {
	m.override(func(c *Config) { c.Server.Port = port })
}

// GetPort returns the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Server.Port
}

// SetLogLevel overrides the log level in memory
func (m *Manager) SetLogLevel(level string) {
	m.override(func(c *Config) { c.LogLevel = level })
}

// GetLogLevel returns the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// SetMode overrides the startup processing mode in memory
func (m *Manager) SetMode(mode processing.Mode) {
	name := mode.String()
	m.override(func(c *Config) { c.Processing.Mode = name })
}

// SetCameraProvider overrides the capture provider in memory
func (m *Manager) SetCameraProvider(name string) {
	m.override(func(c *Config) { c.Camera.Provider = name })
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// Lookup returns the value at a dotted key such as "server.port".
func (m *Manager) Lookup(key string) (interface{}, error) {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}

	var cur interface{} = tree
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("configuration key not found: %s", key)
		}
		if cur, ok = node[part]; !ok {
			return nil, fmt.Errorf("configuration key not found: %s", key)
		}
	}
	return cur, nil
}

// Set parses value for the dotted key, applies it and saves.
func (m *Manager) Set(key, value string) error {
	var apply func(*Config) error

	atoi := func(dst *int) func(*Config) error {
		return func(*Config) error {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid number: %s", value)
			}
			*dst = n
			return nil
		}
	}
	atof := func(dst *float64) func(*Config) error {
		return func(*Config) error {
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("invalid number: %s", value)
			}
			*dst = f
			return nil
		}
	}
	boolean := func(dst *bool) func(*Config) error {
		return func(*Config) error {
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean: %s (use: true or false)", value)
			}
			*dst = b
			return nil
		}
	}
	str := func(dst *string) func(*Config) error {
		return func(*Config) error {
			*dst = value
			return nil
		}
	}

	return m.Update(func(c *Config) error {
		switch key {
		case "log_level":
			switch value {
			case "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", value)
			}
			apply = str(&c.LogLevel)
		case "camera.provider":
			apply = str(&c.Camera.Provider)
		case "camera.device":
			apply = str(&c.Camera.Device)
		case "camera.resolutions":
			apply = func(c *Config) error {
				c.Camera.Resolutions = strings.Split(value, ",")
				return nil
			}
		case "camera.fps":
			apply = atoi(&c.Camera.FPS)
		case "processing.backend":
			apply = str(&c.Processing.Backend)
		case "processing.mode":
			apply = str(&c.Processing.Mode)
		case "processing.threshold1":
			apply = atof(&c.Processing.Threshold1)
		case "processing.threshold2":
			apply = atof(&c.Processing.Threshold2)
		case "processing.stall_warning_ms":
			apply = atoi(&c.Processing.StallWarningMs)
		case "display.enabled":
			apply = boolean(&c.Display.Enabled)
		case "display.backend":
			apply = str(&c.Display.Backend)
		case "display.width":
			apply = atoi(&c.Display.Width)
		case "display.height":
			apply = atoi(&c.Display.Height)
		case "display.fps":
			apply = atoi(&c.Display.FPS)
		case "server.port", "server_port":
			apply = atoi(&c.Server.Port)
		case "server.mjpeg_fps":
			apply = atoi(&c.Server.MJPEGFPS)
		case "server.jpeg_quality":
			apply = atoi(&c.Server.JPEGQuality)
		case "server.max_width":
			apply = atoi(&c.Server.MaxWidth)
		case "server.max_height":
			apply = atoi(&c.Server.MaxHeight)
		case "mqtt.enabled":
			apply = boolean(&c.MQTT.Enabled)
		case "mqtt.broker":
			apply = str(&c.MQTT.Broker)
		case "mqtt.client_id":
			apply = str(&c.MQTT.ClientID)
		case "mqtt.command_topic":
			apply = str(&c.MQTT.CommandTopic)
		case "mqtt.response_topic":
			apply = str(&c.MQTT.ResponseTopic)
		case "mqtt.telemetry_topic":
			apply = str(&c.MQTT.TelemetryTopic)
		case "mqtt.format":
			apply = str(&c.MQTT.Format)
		case "mqtt.interval_ms":
			apply = atoi(&c.MQTT.IntervalMs)
		default:
			return fmt.Errorf("unknown configuration key: %s", key)
		}
		return apply(c)
	})
}

// Preference converts the camera section into a capture preference.
// Unparseable resolutions are skipped.
func (c Config) Preference() capture.Preference {
	pref := capture.Preference{
		Device: c.Camera.Device,
		FPS:    c.Camera.FPS,
	}
	for _, s := range c.Camera.Resolutions {
		if r, err := frame.ParseResolution(s); err == nil {
			pref.Resolutions = append(pref.Resolutions, r)
		}
	}
	return pref
}

// Params returns the processing thresholds.
func (c Config) Params() processing.Params {
	return processing.Params{
		Threshold1: c.Processing.Threshold1,
		Threshold2: c.Processing.Threshold2,
	}
}

// Mode returns the configured startup mode, or the default if unset.
func (c Config) Mode() processing.Mode {
	mode, err := processing.ParseMode(c.Processing.Mode)
	if err != nil {
		return processing.DefaultMode
	}
	return mode
}
