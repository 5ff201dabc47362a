// The posesync command plays synchronized multi-camera sessions with pose
// overlays and serves the playback state to drivers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/agleyzer/posesync/internal/config"
	"github.com/agleyzer/posesync/internal/media"
	"github.com/agleyzer/posesync/internal/source"
	"github.com/agleyzer/posesync/internal/stream"
)

const (
	version = "1.0.0"
)

func main() {
	_ = godotenv.Load() // best-effort: load .env if present

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "posesync",
		Short:         "Synchronized multi-camera playback with pose overlays",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "YAML config file (POSESYNC_* variables override it)")
	root.PersistentFlags().StringP("manifest", "m", "", "Session manifest (overrides config)")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	root.AddCommand(newServeCommand(), newRenderCommand(), newProbeCommand())
	return root
}

// newLogger builds the process logger.
func newLogger(cmd *cobra.Command) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logLevel = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if manifest, _ := cmd.Flags().GetString("manifest"); manifest != "" {
		cfg.Manifest = manifest
	}
	if cfg.Manifest == "" {
		return nil, fmt.Errorf("a session manifest is required (--manifest or POSESYNC_MANIFEST)")
	}
	return cfg, nil
}

// streamDuration picks the native duration of a simulated element: the probed
// duration, else the timestamp span, else fallback.
func streamDuration(d stream.Descriptor, probed, fallback float64) float64 {
	if probed > 0 {
		return probed
	}
	if span := timestampDuration(d.Timestamps); span > 0 {
		return span
	}
	return fallback
}

// timestampDuration is the span of timestamps plus one frame, or 0 with
// fewer than two timestamps.
func timestampDuration(timestamps []float64) float64 {
	info := stream.InfoOf(timestamps)
	span := info.End - info.Start
	if span <= 0 {
		return 0
	}
	// Leave room to display the last frame.
	return span + span/float64(info.Frames-1)
}

// poseDurations adds to durations the timestamp span of pose streams whose
// timestamps only arrive with their pose dataset. Streams that already have
// a duration or manifest timestamps are left alone.
func poseDurations(ctx context.Context, src *source.Source, durations map[string]float64, logger *slog.Logger) {
	known := make(map[string]stream.Descriptor)
	for _, d := range src.Descriptors() {
		known[d.Name] = d
	}

	for _, name := range src.PoseStreams() {
		d, ok := known[name]
		if !ok || durations[name] > 0 || timestampDuration(d.Timestamps) > 0 {
			continue
		}
		ds, err := src.LoadPose(ctx, name)
		if err != nil {
			logger.Warn("failed to read pose timestamps", "stream", name, "error", err)
			continue
		}
		if dur := timestampDuration(ds.Timestamps); dur > 0 {
			durations[name] = dur
			logger.Debug("stream duration from pose timestamps", "stream", name, "duration", dur)
		}
	}
}

// mediaFactory creates simulated elements with the durations in durations.
func mediaFactory(durations map[string]float64, fallback float64, opts ...media.Option) func(stream.Descriptor) (media.Element, error) {
	return func(d stream.Descriptor) (media.Element, error) {
		return media.NewSimulated(streamDuration(d, durations[d.Name], fallback), opts...), nil
	}
}
