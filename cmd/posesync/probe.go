package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agleyzer/posesync/internal/probe"
)

// probeSummary is what the probe command prints; segments are omitted.
type probeSummary struct {
	URL            string  `json:"url"`
	IsMaster       bool    `json:"is_master"`
	Duration       float64 `json:"duration"`
	Segments       int     `json:"segments"`
	TargetDuration int     `json:"target_duration"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Bandwidth      int     `json:"bandwidth,omitempty"`
	Codecs         string  `json:"codecs,omitempty"`
}

func newProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <playlist-url>",
		Short: "Print the duration and resolution of an HLS playlist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			logger := newLogger(cmd)

			info, err := probe.New(timeout, logger).Probe(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to probe playlist: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summarize(info))
		},
	}

	cmd.Flags().Duration("timeout", probe.DefaultTimeout, "HTTP timeout")
	return cmd
}

func summarize(info *probe.Info) probeSummary {
	return probeSummary{
		URL:            info.URL,
		IsMaster:       info.IsMaster,
		Duration:       info.Duration,
		Segments:       len(info.Segments),
		TargetDuration: info.TargetDuration,
		Width:          info.Width,
		Height:         info.Height,
		Bandwidth:      info.Bandwidth,
		Codecs:         info.Codecs,
	}
}
