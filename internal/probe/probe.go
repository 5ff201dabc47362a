// Package probe reads HLS playlists to learn a stream's native duration and
// resolution before playback.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/posesync/internal/stream"
)

// DefaultTimeout bounds each playlist fetch.
const DefaultTimeout = 30 * time.Second

var (
	ErrNoSegments = errors.New("playlist contains no segments")
	ErrNoVariants = errors.New("master playlist contains no variants")
)

// Segment is one media segment of a probed playlist.
type Segment struct {
	// URL is the absolute segment URL
	URL string

	// Duration is the segment duration in seconds
	Duration float64

	// Sequence is the position in the playlist
	Sequence int
}

// Info is what a probe learned about one stream.
type Info struct {
	// URL is the media playlist that was measured. For a master playlist it
	// is the chosen variant's playlist.
	URL string

	// IsMaster reports whether the probed URL was a master playlist
	IsMaster bool

	// Duration is the sum of segment durations in seconds
	Duration float64

	Segments       []Segment
	TargetDuration int

	// Width and Height come from the variant's RESOLUTION attribute and are
	// zero when it is absent.
	Width, Height int
	Bandwidth     int
	Codecs        string
}

// IsPlaylist reports whether u names an HLS playlist.
func IsPlaylist(u string) bool {
	p := u
	if parsed, err := url.Parse(u); err == nil {
		p = parsed.Path
	}
	return strings.EqualFold(path.Ext(p), ".m3u8")
}

// Prober fetches playlists over HTTP.
type Prober struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a prober. A non-positive timeout means DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Probe fetches playlistURL. For a master playlist the variant with the
// highest bandwidth is measured.
func (p *Prober) Probe(ctx context.Context, playlistURL string) (*Info, error) {
	playlist, listType, err := p.fetch(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	if listType == m3u8.MASTER {
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("unexpected playlist type")
		}
		return p.probeMaster(ctx, master, playlistURL)
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}
	return mediaInfo(media, playlistURL)
}

func (p *Prober) probeMaster(ctx context.Context, master *m3u8.MasterPlaylist, masterURL string) (*Info, error) {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, ErrNoVariants
	}

	variantURL, err := resolveURL(masterURL, best.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
	}

	playlist, listType, err := p.fetch(ctx, variantURL)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %w", variantURL, err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist, got master playlist")
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}

	info, err := mediaInfo(media, variantURL)
	if err != nil {
		return nil, err
	}
	info.IsMaster = true
	info.Bandwidth = int(best.Bandwidth)
	info.Codecs = best.Codecs
	if best.Resolution != "" {
		if w, h, err := stream.ParseResolution(best.Resolution); err == nil {
			info.Width, info.Height = w, h
		} else {
			p.logger.Debug("ignoring variant resolution", "resolution", best.Resolution, "error", err)
		}
	}

	p.logger.Debug("probed master playlist",
		"url", masterURL,
		"variants", len(master.Variants),
		"bandwidth", info.Bandwidth,
		"duration", info.Duration,
	)
	return info, nil
}

func (p *Prober) fetch(ctx context.Context, playlistURL string) (m3u8.Playlist, m3u8.ListType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch playlist: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("failed to fetch playlist: HTTP %d", resp.StatusCode)
	}

	playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse playlist: %w", err)
	}
	return playlist, listType, nil
}

func mediaInfo(media *m3u8.MediaPlaylist, playlistURL string) (*Info, error) {
	info := &Info{URL: playlistURL}

	maxDuration := 0.0
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}

		segmentURL, err := resolveURL(playlistURL, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		info.Segments = append(info.Segments, Segment{
			URL:      segmentURL,
			Duration: seg.Duration,
			Sequence: i,
		})
		info.Duration += seg.Duration
		if seg.Duration > maxDuration {
			maxDuration = seg.Duration
		}
	}

	if len(info.Segments) == 0 {
		return nil, ErrNoSegments
	}

	info.TargetDuration = int(media.TargetDuration)
	if info.TargetDuration == 0 {
		info.TargetDuration = int(maxDuration) + 1
	}
	return info, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}

// Describe fills in a descriptor's missing resolution from its playlist and
// returns the native duration. Non-playlist URLs are returned unchanged with
// a zero duration.
func (p *Prober) Describe(ctx context.Context, d stream.Descriptor) (stream.Descriptor, float64, error) {
	if !IsPlaylist(d.URL) {
		return d, 0, nil
	}

	info, err := p.Probe(ctx, d.URL)
	if err != nil {
		return d, 0, fmt.Errorf("stream %q: %w", d.Name, err)
	}
	if !d.HasResolution() && info.Width > 0 {
		d.Width, d.Height = info.Width, info.Height
	}
	return d, info.Duration, nil
}
