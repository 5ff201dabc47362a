package clock

import (
	"errors"
	"math"
	"testing"

	"github.com/agleyzer/posesync/internal/media"
	"github.com/agleyzer/posesync/internal/timeindex"
)

func newIndex(t *testing.T, ts ...float64) *timeindex.Index {
	t.Helper()
	x, err := timeindex.New(ts)
	if err != nil {
		t.Fatalf("timeindex.New() error = %v", err)
	}
	return x
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestClock_SeekFrameSetsNativeOffset(t *testing.T) {
	m := media.NewSimulated(10)
	c := New("cam", m, newIndex(t, 5.0, 5.1, 5.2))

	if err := c.SeekFrame(2); err != nil {
		t.Fatalf("SeekFrame(2) error = %v", err)
	}
	if got := m.Position(); !approx(got, 0.2) {
		t.Errorf("native position = %v, want 0.2", got)
	}
}

func TestClock_SeekFrameOutOfRange(t *testing.T) {
	c := New("cam", media.NewSimulated(10), newIndex(t, 0, 1))

	if err := c.SeekFrame(2); !errors.Is(err, timeindex.ErrOutOfRange) {
		t.Errorf("SeekFrame(2) error = %v, want ErrOutOfRange", err)
	}
}

func TestClock_SessionTimes(t *testing.T) {
	m := media.NewSimulated(10)
	c := New("cam", m, newIndex(t, 100.0, 100.5, 101.0, 103.6, 104.1))

	m.SetPosition(1.2)

	approxTime, err := c.SessionTime()
	if err != nil {
		t.Fatalf("SessionTime() error = %v", err)
	}
	if !approx(approxTime, 101.2) {
		t.Errorf("SessionTime() = %v, want 101.2", approxTime)
	}

	exact, err := c.ExactSessionTime()
	if err != nil {
		t.Fatalf("ExactSessionTime() error = %v", err)
	}
	if exact != 103.6 {
		t.Errorf("ExactSessionTime() = %v, want 103.6", exact)
	}

	frame, err := c.Frame()
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if frame != 3 {
		t.Errorf("Frame() = %d, want 3", frame)
	}

	d, err := c.SessionDuration()
	if err != nil {
		t.Fatalf("SessionDuration() error = %v", err)
	}
	if !approx(d, 4.1) {
		t.Errorf("SessionDuration() = %v, want 4.1", d)
	}
}

func TestClock_SeekSession(t *testing.T) {
	m := media.NewSimulated(10)
	c := New("cam", m, newIndex(t, 50, 51, 52))

	if err := c.SeekSession(51.5); err != nil {
		t.Fatalf("SeekSession() error = %v", err)
	}
	if got := c.StreamTime(); !approx(got, 1.5) {
		t.Errorf("StreamTime() = %v, want 1.5", got)
	}
}

func TestClock_NoTimestampData(t *testing.T) {
	m := media.NewSimulated(8)
	c := New("cam", m, nil)

	if _, err := c.SessionTime(); !errors.Is(err, ErrNoTimestampData) {
		t.Errorf("SessionTime() error = %v, want ErrNoTimestampData", err)
	}
	if _, err := c.ExactSessionTime(); !errors.Is(err, ErrNoTimestampData) {
		t.Errorf("ExactSessionTime() error = %v, want ErrNoTimestampData", err)
	}
	if err := c.SeekFrame(0); !errors.Is(err, ErrNoTimestampData) {
		t.Errorf("SeekFrame() error = %v, want ErrNoTimestampData", err)
	}

	// Stream-relative operations keep working.
	c.SeekStream(3)
	if got := c.StreamTime(); got != 3 {
		t.Errorf("StreamTime() = %v, want 3", got)
	}
	if got := c.StreamDuration(); got != 8 {
		t.Errorf("StreamDuration() = %v, want 8", got)
	}

	c.SetIndex(newIndex(t, 10, 11))
	st, err := c.SessionTime()
	if err != nil {
		t.Fatalf("SessionTime() after SetIndex error = %v", err)
	}
	if st != 13 {
		t.Errorf("SessionTime() = %v, want 13", st)
	}
}
