package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agleyzer/posesync/internal/cluster"
	"github.com/agleyzer/posesync/internal/config"
	"github.com/agleyzer/posesync/internal/emitter"
	"github.com/agleyzer/posesync/internal/engine"
	"github.com/agleyzer/posesync/internal/events"
	"github.com/agleyzer/posesync/internal/frameloop"
	"github.com/agleyzer/posesync/internal/overlay"
	"github.com/agleyzer/posesync/internal/probe"
	"github.com/agleyzer/posesync/internal/server"
	"github.com/agleyzer/posesync/internal/source"
	"github.com/agleyzer/posesync/internal/stream"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the playback engine and its HTTP/websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.Listen = listen
			}
			if play, _ := cmd.Flags().GetBool("play"); play {
				cfg.Playback.AutoPlay = true
			}

			logger := newLogger(cmd)
			logger.Info("posesync starting", "version", version, "node_id", cfg.NodeID)

			if err := serve(cfg, logger); err != nil {
				logger.Error("application error", "error", err)
				return err
			}
			logger.Info("posesync stopped")
			return nil
		},
	}

	cmd.Flags().StringP("listen", "l", "", "HTTP listen address (overrides config)")
	cmd.Flags().Bool("play", false, "Start playback once the initial selection is made")
	return cmd
}

// describeStreams probes playlist URLs for resolution and native duration.
// Failures are logged and leave the descriptor as it was.
func describeStreams(ctx context.Context, descriptors []stream.Descriptor, p *probe.Prober, logger *slog.Logger) ([]stream.Descriptor, map[string]float64) {
	durations := make(map[string]float64)
	out := make([]stream.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		described, duration, err := p.Describe(ctx, d)
		if err != nil {
			logger.Warn("failed to probe stream", "stream", d.Name, "error", err)
			out = append(out, d)
			continue
		}
		if duration > 0 {
			durations[d.Name] = duration
			logger.Info("probed stream", "stream", d.Name, "duration", duration,
				"width", described.Width, "height", described.Height)
		}
		out = append(out, described)
	}
	return out, durations
}

func newEngine(ctx context.Context, cfg *config.Config, src *source.Source, logger *slog.Logger) (*engine.Engine, error) {
	descriptors := src.Descriptors()
	durations := map[string]float64{}
	if cfg.Probe.Enabled {
		descriptors, durations = describeStreams(ctx, descriptors, probe.New(cfg.ProbeTimeout(), logger), logger)
	}
	poseDurations(ctx, src, durations, logger)

	return engine.New(descriptors, src, mediaFactory(durations, cfg.Probe.FallbackDuration), engine.Options{
		Scheduler:      frameloop.NewTicker(cfg.FrameInterval()),
		DriftThreshold: cfg.Playback.DriftThreshold,
		Canvas:         overlay.Size{Width: cfg.Overlay.CanvasWidth, Height: cfg.Overlay.CanvasHeight},
		DefaultStream:  cfg.Playback.DefaultStream,
		ShowLabels:     cfg.Overlay.ShowLabels,
	}, logger)
}

// initialSelection is the manifest grid when it has one, otherwise the
// default stream.
func initialSelection(e *engine.Engine, grid [][]string) []string {
	if _, order := e.FilterGrid(grid); len(order) > 0 {
		return order
	}
	return e.DefaultSelection()
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	src, err := source.Open(cfg.Manifest, cfg.ColorScheme(), logger)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}

	e, err := newEngine(ctx, cfg, src, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer e.Close()

	var commander engine.Commander = e
	var clusterInfo server.Cluster
	leader := true

	if cfg.Cluster.Enabled {
		mgr, err := cluster.NewManager(cfg.Raft(), e, logger)
		if err != nil {
			return fmt.Errorf("failed to create cluster: %w", err)
		}
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer mgr.Shutdown()

		waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
		err = mgr.WaitForLeader(waitCtx)
		waitCancel()
		if err != nil {
			return fmt.Errorf("no cluster leader: %w", err)
		}

		commander = mgr.Commander()
		clusterInfo = mgr
		leader = mgr.IsLeader()
		logger.Info("cluster ready", "state", mgr.State(), "leader", mgr.LeaderAddr())
	}

	if cfg.MQTT.Broker != "" {
		client, err := emitter.Connect(cfg.MQTT.Broker, cfg.MQTT.ClientID, logger)
		if err != nil {
			return err
		}
		defer client.Disconnect()

		topics := make([]events.Topic, 0, len(cfg.MQTT.Topics))
		for _, t := range cfg.MQTT.Topics {
			topic, err := events.ParseTopic(t)
			if err != nil {
				return err
			}
			topics = append(topics, topic)
		}

		em := emitter.New(client, emitter.Options{
			Prefix: cfg.MQTT.TopicPrefix,
			QoS:    cfg.MQTT.QoS,
			Topics: topics,
		}, logger)
		go func() {
			if err := em.Run(ctx, e.Bus()); err != nil {
				logger.Error("mqtt emitter stopped", "error", err)
			}
		}()
	}

	// Followers receive the selection through the replicated log.
	if leader {
		names := initialSelection(e, src.Grid())
		if err := commander.SelectStreams(ctx, names); err != nil {
			return fmt.Errorf("failed to select streams: %w", err)
		}
		if cfg.Playback.AutoPlay && len(names) > 0 {
			if err := commander.Play(ctx); err != nil {
				logger.Warn("auto play failed", "error", err)
			}
		}
	}

	srv := server.New(e, server.Options{
		Addr:         cfg.Listen,
		Commander:    commander,
		Cluster:      clusterInfo,
		AllowOrigins: cfg.Origins,
	}, logger)

	logger.Info("posesync ready",
		"api", fmt.Sprintf("http://%s/api/state", cfg.Listen),
		"events", fmt.Sprintf("ws://%s/ws", cfg.Listen),
		"streams", len(src.Descriptors()),
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}
