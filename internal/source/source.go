// Package source reads a session manifest describing the video streams, their
// timestamps and the location of each stream's pose dataset.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agleyzer/posesync/internal/pose"
	"github.com/agleyzer/posesync/internal/stream"
)

var (
	// ErrNoPoseData is returned for streams without a pose dataset.
	ErrNoPoseData = errors.New("stream has no pose data")

	// ErrInvalidManifest is returned when a manifest fails validation.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// VideoStream is one entry of the manifest's videoStreams mapping.
type VideoStream struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Manifest is the on-disk session description. Pose dataset locations are
// file paths relative to the manifest or http(s) URLs.
type Manifest struct {
	VideoStreams         map[string]VideoStream `json:"videoStreams"`
	TimestampsByStream   map[string][]float64   `json:"timestampsByStream"`
	PoseDatasetsByStream map[string]string      `json:"poseDatasetsByStream"`
	Grid                 [][]string             `json:"grid,omitempty"`
}

// Validate checks that every referenced stream exists.
func (m *Manifest) Validate() error {
	if len(m.VideoStreams) == 0 {
		return fmt.Errorf("%w: no video streams", ErrInvalidManifest)
	}
	for name, vs := range m.VideoStreams {
		if vs.URL == "" {
			return fmt.Errorf("%w: stream %q has no url", ErrInvalidManifest, name)
		}
	}
	for name := range m.TimestampsByStream {
		if _, ok := m.VideoStreams[name]; !ok {
			return fmt.Errorf("%w: timestamps for unknown stream %q", ErrInvalidManifest, name)
		}
	}
	for name, loc := range m.PoseDatasetsByStream {
		if _, ok := m.VideoStreams[name]; !ok {
			return fmt.Errorf("%w: pose data for unknown stream %q", ErrInvalidManifest, name)
		}
		if loc == "" {
			return fmt.Errorf("%w: empty pose data location for %q", ErrInvalidManifest, name)
		}
	}
	return nil
}

// Source serves descriptors and pose datasets from a manifest.
type Source struct {
	manifest Manifest
	dir      string
	colors   pose.ColorScheme
	client   *http.Client
	logger   *slog.Logger
}

// Open reads and validates the manifest at path.
func Open(path string, colors pose.ColorScheme, logger *slog.Logger) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	return Parse(f, filepath.Dir(path), colors, logger)
}

// Parse reads a manifest from r. Relative dataset paths resolve against dir.
func Parse(r io.Reader, dir string, colors pose.ColorScheme, logger *slog.Logger) (*Source, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &Source{
		manifest: m,
		dir:      dir,
		colors:   colors,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}, nil
}

// Descriptors returns every video stream ordered by name.
func (s *Source) Descriptors() []stream.Descriptor {
	out := make([]stream.Descriptor, 0, len(s.manifest.VideoStreams))
	for name, vs := range s.manifest.VideoStreams {
		out = append(out, stream.Descriptor{
			Name:       name,
			URL:        vs.URL,
			Width:      vs.Width,
			Height:     vs.Height,
			Timestamps: s.manifest.TimestampsByStream[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PoseStreams returns the names of streams that have pose data, sorted.
func (s *Source) PoseStreams() []string {
	out := make([]string, 0, len(s.manifest.PoseDatasetsByStream))
	for name := range s.manifest.PoseDatasetsByStream {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Grid returns the manifest's layout, if any.
func (s *Source) Grid() [][]string {
	return s.manifest.Grid
}

// LoadPose reads and converts the pose dataset of a stream. A payload
// without timestamps uses the stream's own timestamps.
func (s *Source) LoadPose(ctx context.Context, name string) (*pose.Dataset, error) {
	loc, ok := s.manifest.PoseDatasetsByStream[name]
	if !ok {
		return nil, fmt.Errorf("stream %q: %w", name, ErrNoPoseData)
	}

	start := time.Now()
	payload, err := s.readPayload(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", name, err)
	}
	if len(payload.Timestamps) == 0 {
		payload.Timestamps = s.manifest.TimestampsByStream[name]
	}

	ds, err := pose.FromPayload(name, payload, s.colors)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("read pose payload",
		"stream", name,
		"location", loc,
		"frames", ds.Frames(),
		"elapsed", time.Since(start),
	)
	return ds, nil
}

func (s *Source) readPayload(ctx context.Context, loc string) (pose.Payload, error) {
	var payload pose.Payload

	var r io.ReadCloser
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
		if err != nil {
			return payload, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return payload, fmt.Errorf("failed to fetch pose data: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return payload, fmt.Errorf("failed to fetch pose data: HTTP %d", resp.StatusCode)
		}
		r = resp.Body
	} else {
		path := loc
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.dir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return payload, fmt.Errorf("failed to open pose data: %w", err)
		}
		r = f
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return payload, fmt.Errorf("failed to parse pose data: %w", err)
	}
	return payload, nil
}
