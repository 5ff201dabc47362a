package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeNow is a manually advanced clock.
type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeNow() *fakeNow {
	return &fakeNow{t: time.Unix(1000, 0)}
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestSimulated_PlayAdvancesPosition(t *testing.T) {
	clk := newFakeNow()
	m := NewSimulated(10, WithClock(clk.Now))

	if !m.Paused() {
		t.Fatal("expected new element to be paused")
	}
	if err := m.Play(context.Background()); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	clk.Advance(1500 * time.Millisecond)
	if got := m.Position(); got != 1.5 {
		t.Errorf("Position() = %v, want 1.5", got)
	}

	m.Pause()
	clk.Advance(time.Second)
	if got := m.Position(); got != 1.5 {
		t.Errorf("Position() after pause = %v, want 1.5", got)
	}
}

func TestSimulated_SetPositionClamps(t *testing.T) {
	m := NewSimulated(4)

	m.SetPosition(-2)
	if got := m.Position(); got != 0 {
		t.Errorf("Position() = %v, want 0", got)
	}

	m.SetPosition(9)
	if got := m.Position(); got != 4 {
		t.Errorf("Position() = %v, want 4", got)
	}
	if !m.Ended() {
		t.Error("expected Ended() at duration")
	}
}

func TestSimulated_EndsAtDuration(t *testing.T) {
	clk := newFakeNow()
	m := NewSimulated(2, WithClock(clk.Now))
	_ = m.Play(context.Background())

	clk.Advance(5 * time.Second)
	if got := m.Position(); got != 2 {
		t.Errorf("Position() = %v, want 2", got)
	}
	if !m.Ended() {
		t.Error("expected Ended()")
	}
}

func TestSimulated_Rate(t *testing.T) {
	clk := newFakeNow()
	m := NewSimulated(100, WithClock(clk.Now), WithRate(1.1))
	_ = m.Play(context.Background())

	clk.Advance(10 * time.Second)
	if got := m.Position(); got < 10.99 || got > 11.01 {
		t.Errorf("Position() = %v, want 11", got)
	}
}

func TestSimulated_StartError(t *testing.T) {
	m := NewSimulated(10, WithStartError(ErrStartFailed))

	if err := m.Play(context.Background()); !errors.Is(err, ErrStartFailed) {
		t.Fatalf("Play() error = %v, want ErrStartFailed", err)
	}
	if !m.Paused() {
		t.Error("expected element to stay paused")
	}
}

func TestSimulated_StartDelayHonorsContext(t *testing.T) {
	m := NewSimulated(10, WithStartDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Play(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Play() error = %v, want context.Canceled", err)
	}
}
