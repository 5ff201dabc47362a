// Package media defines the playable element a clock wraps, plus a simulated
// implementation used for headless playback and tests.
package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStartFailed is returned by a simulated element configured to refuse playback.
var ErrStartFailed = errors.New("media: playback start failed")

// Element is a single media source with its own native playback position,
// measured in seconds from the start of the file.
type Element interface {
	// Position returns the current native position in seconds.
	Position() float64

	// SetPosition moves the native position, clamped to [0, Duration()] when the
	// duration is known.
	SetPosition(seconds float64)

	// Duration returns the native duration in seconds, or 0 when not yet known.
	Duration() float64

	// Play starts playback. It may block until the element has buffered enough
	// to start, or until ctx is done.
	Play(ctx context.Context) error

	// Pause stops playback at the current position.
	Pause()

	// Paused reports whether the element is not playing.
	Paused() bool

	// Ended reports whether playback reached the end of the media.
	Ended() bool
}

// Option configures a Simulated element.
type Option func(*Simulated)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Simulated) {
		s.now = now
	}
}

// WithStartDelay makes Play wait before playback begins, modelling buffering.
func WithStartDelay(d time.Duration) Option {
	return func(s *Simulated) {
		s.startDelay = d
	}
}

// WithStartError makes every Play call fail with err.
func WithStartError(err error) Option {
	return func(s *Simulated) {
		s.startErr = err
	}
}

// WithRate sets how many native seconds elapse per wall-clock second.
// Rates other than 1 model a source that drifts while buffering.
func WithRate(rate float64) Option {
	return func(s *Simulated) {
		s.rate = rate
	}
}

// Simulated is an Element whose position advances with a clock while playing.
type Simulated struct {
	mu         sync.Mutex
	duration   float64
	base       float64   // position at anchor
	anchor     time.Time // when playback (re)started
	playing    bool
	rate       float64
	now        func() time.Time
	startDelay time.Duration
	startErr   error
}

// NewSimulated creates a paused element of the given native duration.
func NewSimulated(duration float64, opts ...Option) *Simulated {
	s := &Simulated{
		duration: duration,
		rate:     1.0,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Position returns the current native position.
func (s *Simulated) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

func (s *Simulated) positionLocked() float64 {
	if !s.playing {
		return s.base
	}
	pos := s.base + s.now().Sub(s.anchor).Seconds()*s.rate
	if s.duration > 0 && pos >= s.duration {
		return s.duration
	}
	return pos
}

// SetPosition moves the native position, clamping to the media bounds.
func (s *Simulated) SetPosition(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seconds < 0 {
		seconds = 0
	}
	if s.duration > 0 && seconds > s.duration {
		seconds = s.duration
	}
	s.base = seconds
	s.anchor = s.now()
}

// Duration returns the native duration.
func (s *Simulated) Duration() float64 {
	return s.duration
}

// Play starts advancing the position after the configured start delay.
func (s *Simulated) Play(ctx context.Context) error {
	if s.startDelay > 0 {
		select {
		case <-time.After(s.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.startErr != nil {
		return s.startErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playing {
		return nil
	}
	if s.duration > 0 && s.base >= s.duration {
		// Restart from the beginning, as a media element does after ending.
		s.base = 0
	}
	s.anchor = s.now()
	s.playing = true
	return nil
}

// Pause freezes the position.
func (s *Simulated) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing {
		return
	}
	s.base = s.positionLocked()
	s.playing = false
}

// Paused reports whether the element is paused.
func (s *Simulated) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.playing
}

// Ended reports whether the position reached the duration.
func (s *Simulated) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration > 0 && s.positionLocked() >= s.duration
}
