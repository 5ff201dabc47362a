// Package syncgroup keeps several playback clocks aligned to a master clock.
package syncgroup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/agleyzer/posesync/internal/clock"
	"github.com/agleyzer/posesync/internal/frameloop"
)

// DefaultDriftThreshold is the largest slave drift, in seconds, left uncorrected.
const DefaultDriftThreshold = 0.1

var (
	// ErrPlaybackStart matches every *StartError.
	ErrPlaybackStart = errors.New("playback start failed")

	// ErrNoClocks is returned when playing a group without members.
	ErrNoClocks = errors.New("sync group has no clocks")

	// ErrClosed is returned when playing a group after Close.
	ErrClosed = errors.New("sync group is closed")
)

// StartError records one member that failed to start during Play.
type StartError struct {
	Stream string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("stream %q: playback start failed: %v", e.Stream, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrPlaybackStart) hold for every StartError.
func (e *StartError) Is(target error) bool {
	return target == ErrPlaybackStart
}

// State is the group's playback state.
type State int

const (
	Stopped State = iota
	Playing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	default:
		return "unknown"
	}
}

// PlayResult lists which members started in a Play call.
type PlayResult struct {
	Started []string
	Failed  []*StartError
}

// Options configures a Group.
type Options struct {
	// Threshold is the drift tolerance in seconds. Zero means DefaultDriftThreshold.
	Threshold float64

	// Scheduler drives the correction loop. Nil means a 60 Hz ticker.
	Scheduler frameloop.Scheduler

	// OnEnded is called, outside the group lock, when the master reaches its end.
	OnEnded func()
}

// Group coordinates an ordered list of clocks; index 0 is the master.
type Group struct {
	mu        sync.Mutex
	clocks    []*clock.Clock
	sched     frameloop.Scheduler
	threshold float64
	onEnded   func()
	logger    *slog.Logger

	state  State
	gen    uint64 // bumped by every state change; stale ticks compare against it
	stops  uint64 // bumped by Pause and Close only
	cancel frameloop.CancelFunc
	closed bool

	ticks       uint64
	corrections uint64
}

// New creates a stopped group over clocks.
func New(clocks []*clock.Clock, opts Options, logger *slog.Logger) *Group {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}

	sched := opts.Scheduler
	if sched == nil {
		sched = frameloop.NewTicker(frameloop.DefaultInterval)
	}

	members := make([]*clock.Clock, len(clocks))
	copy(members, clocks)

	return &Group{
		clocks:    members,
		sched:     sched,
		threshold: threshold,
		onEnded:   opts.OnEnded,
		logger:    logger,
		state:     Stopped,
	}
}

// Play starts every member concurrently and waits for all of them to settle.
// Members that fail to start are logged and left paused; the group still
// transitions to Playing. A Pause issued while members are starting wins.
func (g *Group) Play(ctx context.Context) (PlayResult, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return PlayResult{}, ErrClosed
	}
	if len(g.clocks) == 0 {
		g.mu.Unlock()
		return PlayResult{}, ErrNoClocks
	}
	g.gen++
	gen := g.gen
	stops := g.stops
	clocks := g.clocks
	g.mu.Unlock()

	errs := make([]error, len(clocks))
	var wg sync.WaitGroup
	for i, c := range clocks {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Play(ctx)
		}()
	}
	wg.Wait()

	var result PlayResult
	for i, err := range errs {
		name := clocks[i].Name()
		if err != nil {
			startErr := &StartError{Stream: name, Err: err}
			result.Failed = append(result.Failed, startErr)
			g.logger.Warn("playback start failed", "stream", name, "error", err)
			continue
		}
		result.Started = append(result.Started, name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stops != stops || g.closed {
		// Paused or closed while members were starting.
		for _, c := range clocks {
			c.Pause()
		}
		return result, nil
	}
	if g.gen != gen {
		// A later Play owns the transition and the correction loop.
		return result, nil
	}

	g.state = Playing
	g.scheduleLocked(gen)

	g.logger.Debug("sync group playing",
		"started", len(result.Started),
		"failed", len(result.Failed),
	)

	return result, nil
}

// Pause pauses every member and stops the correction loop. No tick takes
// effect after Pause returns. Calling it repeatedly is harmless.
func (g *Group) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
}

// Seek moves every member to the same stream-relative time. Members shorter
// than t clamp to their end. The playback state is unchanged.
func (g *Group) Seek(t float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, c := range g.clocks {
		c.SeekStream(t)
	}
}

// Close stops the group permanently.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.stopLocked()
	g.closed = true
}

func (g *Group) stopLocked() {
	g.gen++
	g.stops++
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	for _, c := range g.clocks {
		c.Pause()
	}
	g.state = Stopped
}

func (g *Group) scheduleLocked(gen uint64) {
	if g.cancel != nil {
		g.cancel()
	}
	g.cancel = g.sched.RequestFrame(func() {
		g.tick(gen)
	})
}

// tick runs one correction pass and schedules the next frame.
func (g *Group) tick(gen uint64) {
	g.mu.Lock()

	if g.gen != gen || g.state != Playing {
		g.mu.Unlock()
		return
	}
	g.cancel = nil
	g.ticks++

	master := g.clocks[0]
	if master.Ended() {
		g.stopLocked()
		onEnded := g.onEnded
		g.mu.Unlock()

		g.logger.Info("master reached end of media", "stream", master.Name())
		if onEnded != nil {
			onEnded()
		}
		return
	}

	// Every slave is compared against one snapshot of the master.
	g.correctLocked(master.StreamTime())
	g.scheduleLocked(gen)
	g.mu.Unlock()
}

// correctLocked snaps slaves whose drift exceeds the threshold to masterPos.
func (g *Group) correctLocked(masterPos float64) int {
	if len(g.clocks) < 2 {
		return 0
	}

	corrected := 0
	for _, slave := range g.clocks[1:] {
		drift := slave.StreamTime() - masterPos
		if math.Abs(drift) <= g.threshold {
			continue
		}
		slave.SeekStream(masterPos)
		corrected++

		g.logger.Debug("corrected drift",
			"stream", slave.Name(),
			"drift", drift,
			"master_position", masterPos,
		)
	}

	g.corrections += uint64(corrected)
	return corrected
}

// State returns the current playback state.
func (g *Group) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Master returns the master clock, or nil for an empty group.
func (g *Group) Master() *clock.Clock {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.clocks) == 0 {
		return nil
	}
	return g.clocks[0]
}

// Clocks returns the members in order.
func (g *Group) Clocks() []*clock.Clock {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*clock.Clock, len(g.clocks))
	copy(out, g.clocks)
	return out
}

// Threshold returns the drift tolerance in seconds.
func (g *Group) Threshold() float64 {
	return g.threshold
}

// GetStats returns current statistics about the group.
func (g *Group) GetStats() map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	members := make([]map[string]interface{}, len(g.clocks))
	for i, c := range g.clocks {
		members[i] = map[string]interface{}{
			"index":    i,
			"stream":   c.Name(),
			"position": c.StreamTime(),
			"paused":   c.Paused(),
		}
	}

	return map[string]interface{}{
		"state":       g.state.String(),
		"threshold":   g.threshold,
		"ticks":       g.ticks,
		"corrections": g.corrections,
		"members":     members,
	}
}
