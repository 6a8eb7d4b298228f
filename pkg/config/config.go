// Package config loads the mecharm client configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gwillem/mecharm/pkg/robot"
)

// DefaultConfigFile is read from the working directory when no path is given.
const DefaultConfigFile = "mecharm.yaml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the client configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Timing    TimingConfig    `yaml:"timing" json:"timing"`
	Detection DetectionConfig `yaml:"detection" json:"detection"`
	Leader    LeaderConfig    `yaml:"leader" json:"leader"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig locates the arm peer.
type ServerConfig struct {
	URL string `yaml:"url" json:"url"` // http(s) base URL of the peer
}

// TimingConfig holds the control loop timings, in milliseconds.
type TimingConfig struct {
	DebounceMs  int `yaml:"debounce_ms" json:"debounce_ms"`
	HeartbeatMs int `yaml:"heartbeat_ms" json:"heartbeat_ms"`
	ReconnectMs int `yaml:"reconnect_ms" json:"reconnect_ms"`
	SyncMs      int `yaml:"sync_ms" json:"sync_ms"`
	HandshakeMs int `yaml:"handshake_ms" json:"handshake_ms"`
}

// DetectionConfig configures the detection pipeline and its model files.
type DetectionConfig struct {
	IntervalMs int     `yaml:"interval_ms" json:"interval_ms"`
	MinScore   float64 `yaml:"min_score" json:"min_score"`
	Prewarm    bool    `yaml:"prewarm" json:"prewarm"`
	Model      string  `yaml:"model" json:"model"`
	Graph      string  `yaml:"graph" json:"graph"`
	Labels     string  `yaml:"labels" json:"labels"`
}

// LeaderConfig configures the optional leader arm input device.
type LeaderConfig struct {
	Port        string            `yaml:"port,omitempty" json:"port,omitempty"`
	Hz          int               `yaml:"hz" json:"hz"`
	Calibration robot.Calibration `yaml:"calibration,omitempty" json:"calibration,omitempty"`
}

// Enabled reports whether a calibrated leader arm is configured.
func (l LeaderConfig) Enabled() bool {
	return l.Port != "" && len(l.Calibration) > 0
}

// LoggingConfig configures the log file.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	Dir   string `yaml:"dir" json:"dir"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{URL: "http://192.168.3.2:8080"},
		Timing: TimingConfig{
			DebounceMs:  40,
			HeartbeatMs: 2000,
			ReconnectMs: 2000,
			SyncMs:      30000,
			HandshakeMs: 5000,
		},
		Detection: DetectionConfig{
			IntervalMs: 200,
			MinScore:   0.5,
			Prewarm:    true,
			Model:      "models/frozen_inference_graph.pb",
			Graph:      "models/ssd_mobilenet_v2_coco.pbtxt",
			Labels:     "models/coco.names",
		},
		Leader: LeaderConfig{Hz: 30},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration. Errors wrap ErrInvalid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: server.url %q is not an absolute URL", ErrInvalid, c.Server.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: server.url scheme must be http or https, got %q", ErrInvalid, u.Scheme)
	}
	timings := []struct {
		name string
		v    int
	}{
		{"timing.debounce_ms", c.Timing.DebounceMs},
		{"timing.heartbeat_ms", c.Timing.HeartbeatMs},
		{"timing.reconnect_ms", c.Timing.ReconnectMs},
		{"timing.sync_ms", c.Timing.SyncMs},
		{"timing.handshake_ms", c.Timing.HandshakeMs},
		{"detection.interval_ms", c.Detection.IntervalMs},
	}
	for _, tm := range timings {
		if tm.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, tm.name, tm.v)
		}
	}
	if c.Detection.MinScore < 0 || c.Detection.MinScore > 1 {
		return fmt.Errorf("%w: detection.min_score must be in [0, 1], got %v", ErrInvalid, c.Detection.MinScore)
	}
	if c.Leader.Port != "" && c.Leader.Hz <= 0 {
		return fmt.Errorf("%w: leader.hz must be positive, got %d", ErrInvalid, c.Leader.Hz)
	}
	if err := c.Leader.Calibration.Validate(); err != nil {
		return fmt.Errorf("%w: leader.calibration: %v", ErrInvalid, err)
	}
	return nil
}

// BaseURL returns the server URL without a trailing slash.
func (c *Config) BaseURL() string {
	return strings.TrimRight(c.Server.URL, "/")
}

// WebSocketURL returns the control channel URL (ws for http, wss for https).
func (c *Config) WebSocketURL() string {
	u, err := url.Parse(c.BaseURL())
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// VideoURL returns the MJPEG stream URL.
func (c *Config) VideoURL() string {
	return c.BaseURL() + "/video"
}

// Debounce returns the coalescing window.
func (t TimingConfig) Debounce() time.Duration  { return ms(t.DebounceMs) }
func (t TimingConfig) Heartbeat() time.Duration { return ms(t.HeartbeatMs) }
func (t TimingConfig) Reconnect() time.Duration { return ms(t.ReconnectMs) }
func (t TimingConfig) Sync() time.Duration      { return ms(t.SyncMs) }
func (t TimingConfig) Handshake() time.Duration { return ms(t.HandshakeMs) }

// Interval returns the sampling interval.
func (d DetectionConfig) Interval() time.Duration { return ms(d.IntervalMs) }

// LeaderInterval returns the leader arm polling interval.
func (l LeaderConfig) Interval() time.Duration {
	if l.Hz <= 0 {
		return 0
	}
	return time.Second / time.Duration(l.Hz)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
