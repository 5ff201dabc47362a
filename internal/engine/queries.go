package engine

import (
	"context"
	"fmt"

	"github.com/agleyzer/posesync/internal/cache"
	"github.com/agleyzer/posesync/internal/clock"
	"github.com/agleyzer/posesync/internal/overlay"
	"github.com/agleyzer/posesync/internal/pose"
	"github.com/agleyzer/posesync/internal/stream"
	"github.com/agleyzer/posesync/internal/syncgroup"
)

// TimeInfo is the master's position in both time domains. The session fields
// are only meaningful when HasTimestamps is set; Duration is then the session
// span, otherwise the native media duration.
type TimeInfo struct {
	Stream           string  `json:"stream"`
	StreamTime       float64 `json:"stream_time"`
	SessionTime      float64 `json:"session_time"`
	ExactSessionTime float64 `json:"exact_session_time"`
	Duration         float64 `json:"duration"`
	Frame            int     `json:"frame"`
	HasTimestamps    bool    `json:"has_timestamps"`
}

func timeInfo(c *clock.Clock) TimeInfo {
	ti := TimeInfo{
		Stream:     c.Name(),
		StreamTime: c.StreamTime(),
		Duration:   c.StreamDuration(),
		Frame:      -1,
	}

	approx, err := c.SessionTime()
	if err != nil {
		return ti
	}
	ti.HasTimestamps = true
	ti.SessionTime = approx
	// Neither can fail once SessionTime succeeded.
	ti.ExactSessionTime, _ = c.ExactSessionTime()
	ti.Duration, _ = c.SessionDuration()
	ti.Frame, _ = c.Frame()
	return ti
}

// LoadEvent is published on every dataset status change.
type LoadEvent struct {
	Stream string       `json:"stream"`
	Status cache.Status `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// StreamInfo describes one available stream.
type StreamInfo struct {
	stream.Descriptor
	stream.Info
	Status cache.Status `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Snapshot is the full observable state of the engine.
type Snapshot struct {
	State         string          `json:"state"`
	Selected      []string        `json:"selected"`
	Time          *TimeInfo       `json:"time,omitempty"`
	Loading       bool            `json:"loading"`
	LabelsVisible bool            `json:"labels_visible"`
	Visibility    map[string]bool `json:"visibility"`
	Loads         []LoadEvent     `json:"loads"`
}

// State returns the playback state.
func (e *Engine) State() syncgroup.State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.group == nil {
		return syncgroup.Stopped
	}
	return e.group.State()
}

// Selected returns the selected stream names, master first.
func (e *Engine) Selected() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.selected...)
}

// Time returns the master's current position.
func (e *Engine) Time() (TimeInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.clocks) == 0 {
		return TimeInfo{}, ErrNoSelection
	}
	return timeInfo(e.clocks[0]), nil
}

// Frame returns the master's current frame index.
func (e *Engine) Frame() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.clocks) == 0 {
		return 0, ErrNoSelection
	}
	return e.clocks[0].Frame()
}

// DrawList returns the overlay for the master's current frame. It is empty
// until the master's dataset is loaded.
func (e *Engine) DrawList() []overlay.DrawOp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drawListLocked()
}

// LoadStatus returns the dataset cache entry of a stream.
func (e *Engine) LoadStatus(name string) (cache.Entry, error) {
	if _, ok := e.streams[name]; !ok {
		return cache.Entry{}, ErrUnknownStream
	}
	return e.cache.Get(name), nil
}

// Loading reports whether any dataset fetch is in flight.
func (e *Engine) Loading() bool {
	return e.cache.Loading()
}

// Dataset returns the loaded dataset of a stream, or nil.
func (e *Engine) Dataset(name string) *pose.Dataset {
	return e.cache.Get(name).Dataset
}

// LoadDataset loads a stream's dataset, joining any fetch in flight, and
// waits until the engine has applied it.
func (e *Engine) LoadDataset(ctx context.Context, name string) (*pose.Dataset, error) {
	if _, ok := e.streams[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, name)
	}
	return e.cache.Load(ctx, name)
}

// Streams describes every available stream, ordered by name.
func (e *Engine) Streams() []StreamInfo {
	out := make([]StreamInfo, 0, len(e.names))
	for _, name := range e.names {
		d := e.streams[name]
		entry := e.cache.Get(name)

		info := StreamInfo{
			Descriptor: d,
			Info:       stream.InfoOf(d.Timestamps),
			Status:     entry.Status,
		}
		if info.Frames == 0 && entry.Dataset != nil {
			info.Info = stream.InfoOf(entry.Dataset.Timestamps)
		}
		if entry.Err != nil {
			info.Error = entry.Err.Error()
		}
		out = append(out, info)
	}
	return out
}

// Stream returns the descriptor of a stream.
func (e *Engine) Stream(name string) (stream.Descriptor, bool) {
	d, ok := e.streams[name]
	return d, ok
}

// Visibility returns a copy of the keypoint visibility set.
func (e *Engine) Visibility() pose.Visibility {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(pose.Visibility, len(e.vis))
	for k, v := range e.vis {
		out[k] = v
	}
	return out
}

// LabelsVisible reports whether labels are drawn.
func (e *Engine) LabelsVisible() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.showLabels
}

// Snapshot returns the current observable state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	s := Snapshot{
		State:         syncgroup.Stopped.String(),
		Selected:      append([]string{}, e.selected...),
		LabelsVisible: e.showLabels,
		Visibility:    make(map[string]bool, len(e.vis)),
	}
	if e.group != nil {
		s.State = e.group.State().String()
	}
	if len(e.clocks) > 0 {
		ti := timeInfo(e.clocks[0])
		s.Time = &ti
	}
	for k, v := range e.vis {
		s.Visibility[k] = v
	}
	e.mu.Unlock()

	s.Loading = e.cache.Loading()
	for _, name := range e.names {
		entry := e.cache.Get(name)
		if entry.Status == cache.StatusAbsent {
			continue
		}
		ev := LoadEvent{Stream: name, Status: entry.Status}
		if entry.Err != nil {
			ev.Error = entry.Err.Error()
		}
		s.Loads = append(s.Loads, ev)
	}
	if s.Loads == nil {
		s.Loads = []LoadEvent{}
	}
	return s
}

// GetStats returns engine statistics.
func (e *Engine) GetStats() map[string]interface{} {
	e.mu.Lock()
	group := e.group
	e.mu.Unlock()

	stats := map[string]interface{}{
		"streams": len(e.names),
		"cache":   e.cache.GetStats(),
		"bus":     e.bus.Stats(),
	}
	if group != nil {
		stats["sync"] = group.GetStats()
	}
	return stats
}
