package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"github.com/agleyzer/posesync/internal/engine"
	"github.com/agleyzer/posesync/internal/frameloop"
	"github.com/agleyzer/posesync/internal/overlay"
	"github.com/agleyzer/posesync/internal/source"
)

const progressTemplate = `{{ string . "prefix" }} {{counters . }} {{bar . }} {{percent . }} {{etime . "%s elapsed"}} {{rtime . "%s remain"}}`

// frameRecord is one line of render output.
type frameRecord struct {
	Frame       int              `json:"frame"`
	SessionTime float64          `json:"session_time"`
	StreamTime  float64          `json:"stream_time"`
	Ops         []overlay.DrawOp `json:"ops"`
}

func newRenderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <stream>",
		Short: "Render the overlay of every frame of a stream as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd)

			out, _ := cmd.Flags().GetString("out")
			width, _ := cmd.Flags().GetFloat64("width")
			height, _ := cmd.Flags().GetFloat64("height")
			quiet, _ := cmd.Flags().GetBool("quiet")

			src, err := source.Open(cfg.Manifest, cfg.ColorScheme(), logger)
			if err != nil {
				return fmt.Errorf("failed to open manifest: %w", err)
			}

			durations := make(map[string]float64)
			poseDurations(cmd.Context(), src, durations, logger)

			// Frames are stepped explicitly, so the loops never need to run.
			e, err := engine.New(src.Descriptors(), src, mediaFactory(durations, cfg.Probe.FallbackDuration), engine.Options{
				Scheduler:  frameloop.NewManual(),
				Canvas:     overlay.Size{Width: width, Height: height},
				ShowLabels: cfg.Overlay.ShowLabels,
			}, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			progress := io.Discard
			if !quiet {
				progress = cmd.ErrOrStderr()
			}

			n, err := renderFrames(cmd.Context(), e, args[0], w, progress, logger)
			if err != nil {
				return err
			}
			logger.Info("render complete", "stream", args[0], "frames", n)
			return nil
		},
	}

	cmd.Flags().StringP("out", "o", "-", "Output file, - for stdout")
	cmd.Flags().Float64("width", 0, "Canvas width (defaults to the stream's resolution)")
	cmd.Flags().Float64("height", 0, "Canvas height (defaults to the stream's resolution)")
	cmd.Flags().BoolP("quiet", "q", false, "Hide the progress bar")
	return cmd
}

// renderFrames selects name, steps through each of its frames and writes
// one frameRecord per line. It returns the number of frames written.
func renderFrames(ctx context.Context, e *engine.Engine, name string, w io.Writer, progress io.Writer, logger *slog.Logger) (int, error) {
	if err := e.SelectStreams(ctx, []string{name}); err != nil {
		return 0, err
	}
	ds, err := e.LoadDataset(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to load pose data: %w", err)
	}

	frames := ds.Frames()
	bar := pb.ProgressBarTemplate(progressTemplate).New(frames).
		Set("prefix", name).
		SetWriter(progress).
		Start()
	defer bar.Finish()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := e.SeekToFrame(ctx, i); err != nil {
			return i, fmt.Errorf("frame %d: %w", i, err)
		}
		ti, err := e.Time()
		if err != nil {
			return i, err
		}

		rec := frameRecord{
			Frame:       i,
			SessionTime: ti.ExactSessionTime,
			StreamTime:  ti.StreamTime,
			Ops:         e.DrawList(),
		}
		if err := enc.Encode(rec); err != nil {
			return i, fmt.Errorf("write frame %d: %w", i, err)
		}
		bar.Increment()
	}

	if err := bw.Flush(); err != nil {
		return frames, err
	}
	logger.Debug("rendered frames", "stream", name, "frames", frames)
	return frames, nil
}
