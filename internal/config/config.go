// Package config loads the posesync YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/agleyzer/posesync/internal/cluster"
	"github.com/agleyzer/posesync/internal/pose"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POSESYNC_"

// Config represents the complete posesync configuration
type Config struct {
	NodeID   string         `yaml:"node_id"`
	Manifest string         `yaml:"manifest"` // session manifest path
	Listen   string         `yaml:"listen"`   // HTTP listen address
	Origins  []string       `yaml:"allow_origins"`
	Playback PlaybackConfig `yaml:"playback"`
	Overlay  OverlayConfig  `yaml:"overlay"`
	Probe    ProbeConfig    `yaml:"probe"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Cluster  ClusterConfig  `yaml:"cluster"`
}

// PlaybackConfig contains synchronization settings
type PlaybackConfig struct {
	DriftThreshold  float64 `yaml:"drift_threshold"`   // seconds
	FrameIntervalMS int     `yaml:"frame_interval_ms"` // loop period
	DefaultStream   string  `yaml:"default_stream"`
	AutoPlay        bool    `yaml:"auto_play"`
}

// OverlayConfig contains keypoint drawing settings
type OverlayConfig struct {
	Colormap     string            `yaml:"colormap"` // tab10, Set1, Paired
	Colors       map[string]string `yaml:"colors"`   // keypoint name -> hex override
	ShowLabels   bool              `yaml:"show_labels"`
	CanvasWidth  float64           `yaml:"canvas_width"`
	CanvasHeight float64           `yaml:"canvas_height"`
}

// ProbeConfig controls HLS probing of stream URLs
type ProbeConfig struct {
	Enabled  bool `yaml:"enabled"`
	TimeoutS int  `yaml:"timeout_s"`
	// FallbackDuration is used for streams that cannot be probed and have
	// no timestamps.
	FallbackDuration float64 `yaml:"fallback_duration"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables it.
type MQTTConfig struct {
	Broker      string   `yaml:"broker"`
	ClientID    string   `yaml:"client_id"`
	TopicPrefix string   `yaml:"topic_prefix"`
	QoS         byte     `yaml:"qos"`
	Topics      []string `yaml:"topics"` // bus topics to forward, empty for all
}

// ClusterConfig contains Raft settings. Disabled unless Enabled is set.
type ClusterConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Bind        string   `yaml:"bind"`
	Peers       []string `yaml:"peers"`
	LogLevel    string   `yaml:"log_level"`
	HeartbeatMS int      `yaml:"heartbeat_ms"`
	ElectionMS  int      `yaml:"election_ms"`
}

// newConfig returns the defaults that cannot be expressed as zero values,
// so a YAML file or the environment can still turn them off.
func newConfig() Config {
	return Config{
		Overlay: OverlayConfig{ShowLabels: true},
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := newConfig()
	// Defaults alone always validate.
	_ = Validate(&cfg)
	return &cfg
}

// Load reads and parses a YAML configuration file, then applies POSESYNC_*
// environment overrides. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := newConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides cfg from environment variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}

	str("NODE_ID", &cfg.NodeID)
	str("MANIFEST", &cfg.Manifest)
	str("LISTEN", &cfg.Listen)
	list("ALLOW_ORIGINS", &cfg.Origins)
	str("DEFAULT_STREAM", &cfg.Playback.DefaultStream)
	str("COLORMAP", &cfg.Overlay.Colormap)
	str("MQTT_BROKER", &cfg.MQTT.Broker)
	str("MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)
	str("CLUSTER_BIND", &cfg.Cluster.Bind)
	list("CLUSTER_PEERS", &cfg.Cluster.Peers)
	str("CLUSTER_LOG_LEVEL", &cfg.Cluster.LogLevel)

	for name, dst := range map[string]*bool{
		"SHOW_LABELS":     &cfg.Overlay.ShowLabels,
		"AUTO_PLAY":       &cfg.Playback.AutoPlay,
		"PROBE":           &cfg.Probe.Enabled,
		"CLUSTER_ENABLED": &cfg.Cluster.Enabled,
	} {
		if err := boolean(name, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(EnvPrefix + "DRIFT_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sDRIFT_THRESHOLD: %w", EnvPrefix, err)
		}
		cfg.Playback.DriftThreshold = f
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ColorScheme returns the keypoint color settings.
func (c *Config) ColorScheme() pose.ColorScheme {
	return pose.ColorScheme{
		Colormap: c.Overlay.Colormap,
		Custom:   c.Overlay.Colors,
	}
}

// FrameInterval returns the loop period.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(c.Playback.FrameIntervalMS) * time.Millisecond
}

// ProbeTimeout returns the per-stream probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutS) * time.Second
}

// Raft returns the cluster node configuration.
func (c *Config) Raft() cluster.Config {
	return cluster.Config{
		RaftID:           c.NodeID,
		BindAddr:         c.Cluster.Bind,
		Peers:            c.Cluster.Peers,
		HeartbeatTimeout: time.Duration(c.Cluster.HeartbeatMS) * time.Millisecond,
		ElectionTimeout:  time.Duration(c.Cluster.ElectionMS) * time.Millisecond,
		LogLevel:         c.Cluster.LogLevel,
		HideLabels:       !c.Overlay.ShowLabels,
	}
}

// newNodeID returns a random node id.
func newNodeID() string {
	return "posesync-" + uuid.NewString()[:8]
}
