// Package clock exposes a media element's native position in stream-relative and
// session-relative time.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agleyzer/posesync/internal/media"
	"github.com/agleyzer/posesync/internal/timeindex"
)

// ErrNoTimestampData is returned by session-relative operations on a clock
// whose stream has no timestamps.
var ErrNoTimestampData = errors.New("no timestamp data")

// Clock wraps one media element. Stream-relative time is the native position;
// session-relative time is offset by the stream's first timestamp.
type Clock struct {
	name  string
	media media.Element

	mu    sync.RWMutex
	index *timeindex.Index
}

// New creates a clock for the named stream. index may be nil when the stream's
// timestamps are not known yet.
func New(name string, m media.Element, index *timeindex.Index) *Clock {
	return &Clock{
		name:  name,
		media: m,
		index: index,
	}
}

// Name returns the stream name.
func (c *Clock) Name() string {
	return c.name
}

// SetIndex attaches timestamps that arrived after the clock was created.
func (c *Clock) SetIndex(index *timeindex.Index) {
	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
}

// Index returns the attached time index, or nil.
func (c *Clock) Index() *timeindex.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

func (c *Clock) requireIndex() (*timeindex.Index, error) {
	idx := c.Index()
	if idx == nil {
		return nil, fmt.Errorf("stream %q: %w", c.name, ErrNoTimestampData)
	}
	return idx, nil
}

// StreamTime returns the native playback position in seconds.
func (c *Clock) StreamTime() float64 {
	return c.media.Position()
}

// StreamDuration returns the native duration, 0 when unknown.
func (c *Clock) StreamDuration() float64 {
	return c.media.Duration()
}

// SessionTime approximates session time as the first timestamp plus the native
// position. It is exact only for uniformly spaced timestamps; use ExactSessionTime
// for discrete frame positions.
func (c *Clock) SessionTime() (float64, error) {
	idx, err := c.requireIndex()
	if err != nil {
		return 0, err
	}
	return idx.Start() + c.media.Position(), nil
}

// ExactSessionTime returns the recorded timestamp of the frame active at the
// approximate session time, reflecting gaps in the recording.
func (c *Clock) ExactSessionTime() (float64, error) {
	idx, err := c.requireIndex()
	if err != nil {
		return 0, err
	}
	return idx.TimeAtFrame(idx.FrameAt(idx.Start() + c.media.Position()))
}

// Frame returns the index of the frame active at the current position.
func (c *Clock) Frame() (int, error) {
	idx, err := c.requireIndex()
	if err != nil {
		return 0, err
	}
	return idx.FrameAt(idx.Start() + c.media.Position()), nil
}

// SessionDuration returns the span of the stream's timestamps.
func (c *Clock) SessionDuration() (float64, error) {
	idx, err := c.requireIndex()
	if err != nil {
		return 0, err
	}
	return idx.Duration(), nil
}

// SeekStream sets the native position directly.
func (c *Clock) SeekStream(seconds float64) {
	c.media.SetPosition(seconds)
}

// SeekSession sets the native position from a session-relative time.
func (c *Clock) SeekSession(seconds float64) error {
	idx, err := c.requireIndex()
	if err != nil {
		return err
	}
	c.media.SetPosition(seconds - idx.Start())
	return nil
}

// NativeForFrame converts a frame index to the native position that displays it.
func (c *Clock) NativeForFrame(frame int) (float64, error) {
	idx, err := c.requireIndex()
	if err != nil {
		return 0, err
	}
	t, err := idx.TimeAtFrame(frame)
	if err != nil {
		return 0, fmt.Errorf("stream %q: %w", c.name, err)
	}
	return t - idx.Start(), nil
}

// SeekFrame moves to the native position of the given frame.
func (c *Clock) SeekFrame(frame int) error {
	native, err := c.NativeForFrame(frame)
	if err != nil {
		return err
	}
	c.media.SetPosition(native)
	return nil
}

// Play starts the underlying media.
func (c *Clock) Play(ctx context.Context) error {
	return c.media.Play(ctx)
}

// Pause pauses the underlying media.
func (c *Clock) Pause() {
	c.media.Pause()
}

// Paused reports whether the underlying media is paused.
func (c *Clock) Paused() bool {
	return c.media.Paused()
}

// Ended reports whether the underlying media reached its end.
func (c *Clock) Ended() bool {
	return c.media.Ended()
}
