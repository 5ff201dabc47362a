// Package engine is the playback engine: it owns the selected streams, their
// synchronized clocks, the pose dataset cache and the keypoint overlay state,
// and publishes every change on an event bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/agleyzer/posesync/internal/cache"
	"github.com/agleyzer/posesync/internal/clock"
	"github.com/agleyzer/posesync/internal/events"
	"github.com/agleyzer/posesync/internal/frameloop"
	"github.com/agleyzer/posesync/internal/media"
	"github.com/agleyzer/posesync/internal/overlay"
	"github.com/agleyzer/posesync/internal/pose"
	"github.com/agleyzer/posesync/internal/stream"
	"github.com/agleyzer/posesync/internal/syncgroup"
	"github.com/agleyzer/posesync/internal/timeindex"
)

var (
	ErrUnknownStream   = errors.New("unknown stream")
	ErrDuplicateStream = errors.New("duplicate stream")
	ErrNoSelection     = errors.New("no streams selected")
	ErrClosed          = errors.New("engine closed")
)

// Commander is the set of state-changing operations a driver may issue.
// Engine implements it directly; the cluster package implements it by
// replicating each command before applying it.
type Commander interface {
	SelectStreams(ctx context.Context, names []string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	SeekToTime(ctx context.Context, seconds float64) error
	SeekToFrame(ctx context.Context, frame int) error
	SetKeypointVisible(ctx context.Context, name string, visible bool) error
	SetLabelsVisible(ctx context.Context, visible bool) error
}

var _ Commander = (*Engine)(nil)

// MediaFactory creates the playable element for a stream.
type MediaFactory func(d stream.Descriptor) (media.Element, error)

// Options configures an Engine.
type Options struct {
	// Scheduler drives the drift correction and render loops.
	// Nil means a 60 Hz ticker.
	Scheduler frameloop.Scheduler

	// DriftThreshold in seconds; zero means syncgroup.DefaultDriftThreshold.
	DriftThreshold float64

	// Canvas is the overlay target size. Unknown means the master's
	// intrinsic resolution.
	Canvas overlay.Size

	// DefaultStream is preferred by DefaultSelection when it exists.
	DefaultStream string

	// ShowLabels sets the initial label visibility.
	ShowLabels bool
}

// Engine is safe for concurrent use. Commands serialize on one mutex and
// events are published after it is released.
type Engine struct {
	streams  map[string]stream.Descriptor
	names    []string
	indexes  map[string]*timeindex.Index
	newMedia MediaFactory
	cache    *cache.Cache
	bus      *events.Bus
	sched    frameloop.Scheduler
	opts     Options
	logger   *slog.Logger

	mu         sync.Mutex
	selected   []string
	clocks     []*clock.Clock
	group      *syncgroup.Group
	vis        pose.Visibility
	showLabels bool
	canvas     overlay.Size

	renderGen    uint64
	renderCancel frameloop.CancelFunc
	lastFrame    int

	// stateSeq orders play state transitions taken under mu; publishes
	// older than the last one sent are dropped.
	stateSeq     uint64
	pubMu        sync.Mutex
	publishedSeq uint64

	closed bool
}

// New creates an engine over the given streams. Pose datasets are fetched
// from loader on first selection.
func New(descriptors []stream.Descriptor, loader cache.Loader, newMedia MediaFactory, opts Options, logger *slog.Logger) (*Engine, error) {
	if newMedia == nil {
		return nil, errors.New("media factory is required")
	}

	sched := opts.Scheduler
	if sched == nil {
		sched = frameloop.NewTicker(frameloop.DefaultInterval)
	}

	e := &Engine{
		streams:    make(map[string]stream.Descriptor, len(descriptors)),
		indexes:    make(map[string]*timeindex.Index),
		newMedia:   newMedia,
		bus:        events.New(),
		sched:      sched,
		opts:       opts,
		logger:     logger,
		vis:        pose.Visibility{},
		showLabels: opts.ShowLabels,
		canvas:     opts.Canvas,
		lastFrame:  -1,
	}

	for _, d := range descriptors {
		if d.Name == "" {
			return nil, errors.New("stream with empty name")
		}
		if _, dup := e.streams[d.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStream, d.Name)
		}
		e.streams[d.Name] = d
		e.names = append(e.names, d.Name)

		if len(d.Timestamps) == 0 {
			continue
		}
		idx, err := timeindex.New(d.Timestamps)
		if err != nil {
			// The stream stays playable in stream-relative time.
			logger.Warn("ignoring stream timestamps", "stream", d.Name, "error", err)
			continue
		}
		e.indexes[d.Name] = idx
	}
	sort.Strings(e.names)

	e.cache = cache.New(loader, e.onLoad, logger)

	logger.Info("engine created", "streams", len(e.names))
	return e, nil
}

// Bus returns the bus on which state changes are published.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// DefaultSelection returns the configured default stream when it exists,
// otherwise the first stream by name.
func (e *Engine) DefaultSelection() []string {
	if _, ok := e.streams[e.opts.DefaultStream]; ok {
		return []string{e.opts.DefaultStream}
	}
	if len(e.names) == 0 {
		return nil
	}
	return []string{e.names[0]}
}

// SelectStreams replaces the synchronized set. The first name is the master
// and the stream whose overlay is drawn. The previous group is torn down and
// playback stops. An empty list clears the selection.
func (e *Engine) SelectStreams(_ context.Context, names []string) error {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := e.streams[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStream, name)
		}
		if seen[name] {
			return fmt.Errorf("%w: %q selected twice", ErrDuplicateStream, name)
		}
		seen[name] = true
	}

	clocks := make([]*clock.Clock, 0, len(names))
	for _, name := range names {
		d := e.streams[name]
		m, err := e.newMedia(d)
		if err != nil {
			return fmt.Errorf("stream %q: %w", name, err)
		}
		clocks = append(clocks, clock.New(name, m, e.indexFor(name)))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}

	if e.group != nil {
		e.group.Close()
	}
	e.stopRenderLocked()

	var group *syncgroup.Group
	group = syncgroup.New(clocks, syncgroup.Options{
		Threshold: e.opts.DriftThreshold,
		Scheduler: e.sched,
		OnEnded:   func() { e.handleEnded(group) },
	}, e.logger)

	e.selected = append([]string(nil), names...)
	e.clocks = clocks
	e.group = group
	e.lastFrame = -1
	u := e.updateLocked(true)
	seq := e.nextStateLocked()
	e.mu.Unlock()

	e.logger.Info("streams selected", "streams", names)

	e.bus.Publish(events.TopicSelection, append([]string(nil), names...))
	e.publishPlayState(seq, syncgroup.Stopped)
	e.publishUpdate(u)

	if len(names) > 0 {
		e.cache.EnsureLoaded(names[0])
	}
	return nil
}

// SelectGrid selects the streams of a grid layout in row-major order after
// dropping unknown names and empty rows. It returns the filtered grid.
func (e *Engine) SelectGrid(ctx context.Context, grid [][]string) ([][]string, error) {
	filtered, order := e.FilterGrid(grid)
	if err := e.SelectStreams(ctx, order); err != nil {
		return nil, err
	}
	return filtered, nil
}

// FilterGrid drops unknown names and empty rows from grid and returns it
// with its streams in row-major order.
func (e *Engine) FilterGrid(grid [][]string) ([][]string, []string) {
	return stream.FilterGrid(grid, e.streams)
}

// indexFor returns the stream's own timestamps, or the index of its dataset
// when that is already loaded.
func (e *Engine) indexFor(name string) *timeindex.Index {
	if idx := e.indexes[name]; idx != nil {
		return idx
	}
	if entry := e.cache.Get(name); entry.Status == cache.StatusReady {
		return entry.Dataset.Index()
	}
	return nil
}

// Play starts every selected stream and waits for each to settle. Streams
// that fail to start are logged and stay paused.
func (e *Engine) Play(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	group := e.group
	e.mu.Unlock()

	if group == nil || len(group.Clocks()) == 0 {
		return ErrNoSelection
	}

	result, err := group.Play(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.group != group || group.State() != syncgroup.Playing {
		// Paused, reselected or closed while starting.
		e.mu.Unlock()
		return nil
	}
	e.startRenderLocked()
	seq := e.nextStateLocked()
	e.mu.Unlock()

	e.logger.Info("playback started", "started", result.Started, "failed", len(result.Failed))
	e.publishPlayState(seq, syncgroup.Playing)
	return nil
}

// Pause stops playback. It is idempotent.
func (e *Engine) Pause(_ context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.group != nil {
		e.group.Pause()
	}
	e.stopRenderLocked()
	u := e.updateLocked(true)
	seq := e.nextStateLocked()
	e.mu.Unlock()

	e.publishPlayState(seq, syncgroup.Stopped)
	e.publishUpdate(u)
	return nil
}

// SeekToTime moves every stream to a session-relative time, converted with
// the master's first timestamp. Without master timestamps seconds is taken as
// stream-relative.
func (e *Engine) SeekToTime(_ context.Context, seconds float64) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if len(e.clocks) == 0 {
		e.mu.Unlock()
		return ErrNoSelection
	}

	native := seconds
	if idx := e.clocks[0].Index(); idx != nil {
		native = seconds - idx.Start()
	}
	e.group.Seek(native)
	u := e.updateLocked(true)
	e.mu.Unlock()

	e.publishUpdate(u)
	return nil
}

// SeekToFrame moves every stream to the native position of the master's frame.
func (e *Engine) SeekToFrame(_ context.Context, frame int) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if len(e.clocks) == 0 {
		e.mu.Unlock()
		return ErrNoSelection
	}

	native, err := e.clocks[0].NativeForFrame(frame)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.group.Seek(native)
	u := e.updateLocked(true)
	e.mu.Unlock()

	e.publishUpdate(u)
	return nil
}

// SetKeypointVisible shows or hides one keypoint in the overlay.
func (e *Engine) SetKeypointVisible(_ context.Context, name string, visible bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	// Visibility maps are replaced, never mutated, so vis may be shared.
	e.vis = e.vis.With(name, visible)
	vis := e.vis
	u := e.updateLocked(true)
	e.mu.Unlock()

	e.bus.Publish(events.TopicVisibility, map[string]bool(vis))
	e.publishUpdate(u)
	return nil
}

// SetLabelsVisible toggles keypoint labels in the overlay.
func (e *Engine) SetLabelsVisible(_ context.Context, visible bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.showLabels = visible
	u := e.updateLocked(true)
	e.mu.Unlock()

	e.bus.Publish(events.TopicLabels, visible)
	e.publishUpdate(u)
	return nil
}

// SetCanvas changes the overlay target size.
func (e *Engine) SetCanvas(size overlay.Size) {
	e.mu.Lock()
	e.canvas = size
	u := e.updateLocked(true)
	e.mu.Unlock()

	e.publishUpdate(u)
}

// Close tears the engine down. No loop callback runs after it returns.
// It is safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.group != nil {
		e.group.Close()
	}
	e.stopRenderLocked()
	e.mu.Unlock()

	e.cache.Close()
	e.bus.Close()
	e.logger.Info("engine closed")
}
