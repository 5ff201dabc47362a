package config

import (
	"fmt"
	"net"

	"github.com/agleyzer/posesync/internal/events"
)

// Validate checks if the configuration is valid and fills in defaults.
func Validate(cfg *Config) error {
	if cfg.NodeID == "" {
		cfg.NodeID = newNodeID()
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}

	// Playback
	if cfg.Playback.DriftThreshold < 0 {
		return fmt.Errorf("playback.drift_threshold must be >= 0")
	}
	if cfg.Playback.DriftThreshold == 0 {
		cfg.Playback.DriftThreshold = 0.1
	}
	if cfg.Playback.FrameIntervalMS < 0 {
		return fmt.Errorf("playback.frame_interval_ms must be >= 0")
	}
	if cfg.Playback.FrameIntervalMS == 0 {
		cfg.Playback.FrameIntervalMS = 16
	}

	// Overlay
	if cfg.Overlay.Colormap == "" {
		cfg.Overlay.Colormap = "tab10"
	}
	if err := cfg.ColorScheme().Validate(); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	if cfg.Overlay.CanvasWidth < 0 || cfg.Overlay.CanvasHeight < 0 {
		return fmt.Errorf("overlay canvas size must be >= 0")
	}

	// Probe
	if cfg.Probe.TimeoutS <= 0 {
		cfg.Probe.TimeoutS = 30
	}
	if cfg.Probe.FallbackDuration <= 0 {
		cfg.Probe.FallbackDuration = 3600
	}

	// MQTT
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.NodeID
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = fmt.Sprintf("posesync/%s", cfg.NodeID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	for _, t := range cfg.MQTT.Topics {
		if _, err := events.ParseTopic(t); err != nil {
			return fmt.Errorf("mqtt.topics: %w", err)
		}
	}

	// Cluster
	if cfg.Cluster.Enabled {
		if cfg.Cluster.HeartbeatMS <= 0 {
			cfg.Cluster.HeartbeatMS = 1000
		}
		if cfg.Cluster.ElectionMS <= 0 {
			cfg.Cluster.ElectionMS = 1000
		}
		if len(cfg.Cluster.Peers) == 0 && cfg.Cluster.Bind != "" {
			cfg.Cluster.Peers = []string{cfg.Cluster.Bind}
		}
		raft := cfg.Raft()
		if err := raft.Validate(); err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
	}

	return nil
}
