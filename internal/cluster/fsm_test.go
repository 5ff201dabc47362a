package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/posesync/internal/engine"
)

// recorder is an engine.Commander that records the calls it receives.
type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  error
	// reject fails the listed calls only.
	reject map[string]bool
}

var errRejected = errors.New("rejected")

var _ engine.Commander = (*recorder)(nil)

func (r *recorder) record(format string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	call := fmt.Sprintf(format, args...)
	r.calls = append(r.calls, call)
	if r.reject[call] {
		return errRejected
	}
	return r.fail
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) SelectStreams(_ context.Context, names []string) error {
	return r.record("select %v", names)
}

func (r *recorder) Play(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("play without deadline")
	}
	return r.record("play")
}

func (r *recorder) Pause(context.Context) error { return r.record("pause") }

func (r *recorder) SeekToTime(_ context.Context, seconds float64) error {
	return r.record("seek %.2f", seconds)
}

func (r *recorder) SeekToFrame(_ context.Context, frame int) error {
	return r.record("frame %d", frame)
}

func (r *recorder) SetKeypointVisible(_ context.Context, name string, visible bool) error {
	return r.record("keypoint %s %v", name, visible)
}

func (r *recorder) SetLabelsVisible(_ context.Context, visible bool) error {
	return r.record("labels %v", visible)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func apply(t *testing.T, fsm *SessionFSM, cmd Command) any {
	t.Helper()
	data, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("failed to encode %s command: %v", cmd.Type, err)
	}
	return fsm.Apply(&raft.Log{Data: data})
}

func TestSessionFSM_Apply(t *testing.T) {
	target := &recorder{}
	fsm := NewSessionFSM(target, testLogger())

	tests := []struct {
		name     string
		cmd      Command
		wantCall string
		check    func(t *testing.T, s SessionState)
	}{
		{
			name:     "select",
			cmd:      Command{Type: CommandSelectStreams, Data: SelectStreamsCommand{Names: []string{"Left", "Right"}}},
			wantCall: "select [Left Right]",
			check: func(t *testing.T, s SessionState) {
				if len(s.Selected) != 2 || s.Selected[0] != "Left" {
					t.Errorf("Selected = %v", s.Selected)
				}
			},
		},
		{
			name:     "seek time",
			cmd:      Command{Type: CommandSeekTime, Data: SeekTimeCommand{Seconds: 1.5}},
			wantCall: "seek 1.50",
			check: func(t *testing.T, s SessionState) {
				if s.LastSeek == nil || s.LastSeek.ByFrame || s.LastSeek.Seconds != 1.5 {
					t.Errorf("LastSeek = %+v", s.LastSeek)
				}
			},
		},
		{
			name:     "seek frame",
			cmd:      Command{Type: CommandSeekFrame, Data: SeekFrameCommand{Frame: 3}},
			wantCall: "frame 3",
			check: func(t *testing.T, s SessionState) {
				if s.LastSeek == nil || !s.LastSeek.ByFrame || s.LastSeek.Frame != 3 {
					t.Errorf("LastSeek = %+v", s.LastSeek)
				}
			},
		},
		{
			name:     "play",
			cmd:      Command{Type: CommandPlay},
			wantCall: "play",
			check: func(t *testing.T, s SessionState) {
				if !s.Playing {
					t.Error("Playing = false")
				}
			},
		},
		{
			name:     "pause",
			cmd:      Command{Type: CommandPause},
			wantCall: "pause",
			check: func(t *testing.T, s SessionState) {
				if s.Playing {
					t.Error("Playing = true")
				}
			},
		},
		{
			name:     "keypoint",
			cmd:      Command{Type: CommandSetKeypointVisible, Data: SetKeypointVisibleCommand{Name: "Nose", Visible: false}},
			wantCall: "keypoint Nose false",
			check: func(t *testing.T, s SessionState) {
				if v, ok := s.Visibility["Nose"]; !ok || v {
					t.Errorf("Visibility = %v", s.Visibility)
				}
			},
		},
		{
			name:     "labels",
			cmd:      Command{Type: CommandSetLabels, Data: SetLabelsCommand{Visible: true}},
			wantCall: "labels true",
			check: func(t *testing.T, s SessionState) {
				if !s.ShowLabels {
					t.Error("ShowLabels = false")
				}
			},
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := apply(t, fsm, tt.cmd); resp != nil {
				t.Fatalf("Apply() = %v", resp)
			}
			calls := target.Calls()
			if len(calls) != i+1 || calls[i] != tt.wantCall {
				t.Fatalf("calls = %v, want last %q", calls, tt.wantCall)
			}
			state := fsm.GetState()
			if state.Applied != uint64(i+1) {
				t.Errorf("Applied = %d, want %d", state.Applied, i+1)
			}
			tt.check(t, state)
		})
	}
}

func TestSessionFSM_SelectResetsPlayback(t *testing.T) {
	fsm := NewSessionFSM(&recorder{}, testLogger())
	apply(t, fsm, Command{Type: CommandSelectStreams, Data: SelectStreamsCommand{Names: []string{"a"}}})
	apply(t, fsm, Command{Type: CommandSeekFrame, Data: SeekFrameCommand{Frame: 2}})
	apply(t, fsm, Command{Type: CommandPlay})
	apply(t, fsm, Command{Type: CommandSelectStreams, Data: SelectStreamsCommand{Names: []string{"b"}}})

	state := fsm.GetState()
	if state.Playing || state.LastSeek != nil {
		t.Errorf("state after reselect = %+v", state)
	}
}

func TestSessionFSM_TargetErrorIsResponse(t *testing.T) {
	wantErr := errors.New("unknown stream")
	fsm := NewSessionFSM(&recorder{fail: wantErr}, testLogger())

	resp := apply(t, fsm, Command{Type: CommandSelectStreams, Data: SelectStreamsCommand{Names: []string{"x"}}})
	err, ok := resp.(error)
	if !ok || !errors.Is(err, wantErr) {
		t.Fatalf("Apply() = %v, want %v", resp, wantErr)
	}
}

func TestSessionFSM_RejectedCommandKeepsState(t *testing.T) {
	target := &recorder{reject: map[string]bool{"select [bad]": true}}
	fsm := NewSessionFSM(target, testLogger())

	apply(t, fsm, Command{Type: CommandSelectStreams, Data: SelectStreamsCommand{Names: []string{"a"}}})
	apply(t, fsm, Command{Type: CommandPlay})

	resp := apply(t, fsm, Command{Type: CommandSelectStreams, Data: SelectStreamsCommand{Names: []string{"bad"}}})
	if err, ok := resp.(error); !ok || !errors.Is(err, errRejected) {
		t.Fatalf("Apply(select bad) = %v, want %v", resp, errRejected)
	}

	state := fsm.GetState()
	if fmt.Sprint(state.Selected) != "[a]" || !state.Playing {
		t.Fatalf("state after rejected select = %+v", state)
	}
	if state.Applied != 2 {
		t.Errorf("Applied = %d, want 2", state.Applied)
	}

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	var buf bytes.Buffer
	if err := snapshot.Persist(&mockSnapshotSink{buf: &buf}); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	restored := &recorder{reject: map[string]bool{"select [bad]": true}}
	fsm2 := NewSessionFSM(restored, testLogger())
	if err := fsm2.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	want := []string{"select [a]", "labels true", "play"}
	if calls := restored.Calls(); fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("replay calls = %v, want %v", calls, want)
	}
}

func TestReplay_ContinuesPastFailingStep(t *testing.T) {
	tests := []struct {
		name   string
		reject string
		want   []string
	}{
		{
			name:   "toggle fails",
			reject: "keypoint Nose false",
			want:   []string{"select [a]", "keypoint Nose false", "labels true", "frame 2", "play"},
		},
		{
			name:   "seek fails",
			reject: "frame 2",
			want:   []string{"select [a]", "keypoint Nose false", "labels true", "frame 2", "play"},
		},
		{
			name:   "select fails",
			reject: "select [a]",
			want:   []string{"select [a]", "keypoint Nose false", "labels true"},
		},
	}

	state := SessionState{
		Selected:   []string{"a"},
		Playing:    true,
		Visibility: map[string]bool{"Nose": false},
		ShowLabels: true,
		LastSeek:   &Seek{ByFrame: true, Frame: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &recorder{reject: map[string]bool{tt.reject: true}}
			err := replay(target, state)
			if !errors.Is(err, errRejected) {
				t.Errorf("replay() error = %v, want %v", err, errRejected)
			}
			if calls := target.Calls(); fmt.Sprint(calls) != fmt.Sprint(tt.want) {
				t.Errorf("calls = %v, want %v", calls, tt.want)
			}
		})
	}
}

func TestSessionFSM_NilTarget(t *testing.T) {
	fsm := NewSessionFSM(nil, testLogger())
	if resp := apply(t, fsm, Command{Type: CommandSetLabels, Data: SetLabelsCommand{Visible: true}}); resp != nil {
		t.Fatalf("Apply() = %v", resp)
	}
	if !fsm.GetState().ShowLabels {
		t.Error("state not updated without target")
	}
}

func TestSessionFSM_InvalidCommands(t *testing.T) {
	fsm := NewSessionFSM(&recorder{}, testLogger())

	if _, ok := fsm.Apply(&raft.Log{Data: []byte("garbage")}).(error); !ok {
		t.Error("expected decode error")
	}
	if _, ok := apply(t, fsm, Command{Type: CommandType(99)}).(error); !ok {
		t.Error("expected unknown command error")
	}
	if _, ok := apply(t, fsm, Command{Type: CommandSeekTime}).(error); !ok {
		t.Error("expected invalid data error")
	}
	if got := fsm.GetState().Applied; got != 0 {
		t.Errorf("Applied = %d after rejected commands", got)
	}
}

func TestSessionFSM_Snapshot_Restore(t *testing.T) {
	logger := testLogger()
	fsm := NewSessionFSM(nil, logger)

	apply(t, fsm, Command{
		Type: CommandInitialize,
		Data: InitializeCommand{
			State: SessionState{
				Selected:   []string{"Left", "Right"},
				Playing:    true,
				Visibility: map[string]bool{"Nose": false},
				ShowLabels: true,
				LastSeek:   &Seek{ByFrame: true, Frame: 2},
				Applied:    7,
			},
		},
	})

	snapshot, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	var buf bytes.Buffer
	sink := &mockSnapshotSink{buf: &buf}
	if err := snapshot.Persist(sink); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	target := &recorder{}
	fsm2 := NewSessionFSM(target, logger)
	if err := fsm2.Restore(io.NopCloser(&buf)); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	state := fsm2.GetState()
	if state.Applied != 7 || !state.Playing || len(state.Selected) != 2 {
		t.Errorf("restored state = %+v", state)
	}

	want := []string{
		"select [Left Right]",
		"keypoint Nose false",
		"labels true",
		"frame 2",
		"play",
	}
	calls := target.Calls()
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Errorf("replay calls = %v, want %v", calls, want)
	}
}

func TestSessionFSM_GetState_Concurrent(t *testing.T) {
	fsm := NewSessionFSM(&recorder{}, testLogger())

	data, err := EncodeCommand(Command{Type: CommandSeekTime, Data: SeekTimeCommand{Seconds: 1}})
	if err != nil {
		t.Fatalf("failed to encode seek command: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = fsm.GetState()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			fsm.Apply(&raft.Log{Data: data})
		}
	}()
	wg.Wait()

	if got := fsm.GetState().Applied; got != 50 {
		t.Errorf("Applied = %d, want 50", got)
	}
}

// mockSnapshotSink implements raft.SnapshotSink for testing.
type mockSnapshotSink struct {
	buf *bytes.Buffer
}

func (m *mockSnapshotSink) Write(p []byte) (n int, err error) {
	return m.buf.Write(p)
}

func (m *mockSnapshotSink) Close() error {
	return nil
}

func (m *mockSnapshotSink) ID() string {
	return "mock"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}
