// Package cluster replicates playback commands across engine nodes with Raft,
// so every node's engine applies the same command log.
package cluster

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/posesync/internal/engine"
)

// playTimeout bounds how long applying a play command waits for media to start.
const playTimeout = 10 * time.Second

func init() {
	// Register types for gob encoding/decoding
	gob.Register(InitializeCommand{})
	gob.Register(SelectStreamsCommand{})
	gob.Register(SeekTimeCommand{})
	gob.Register(SeekFrameCommand{})
	gob.Register(SetKeypointVisibleCommand{})
	gob.Register(SetLabelsCommand{})
}

// SessionState is the replicated playback session.
type SessionState struct {
	// Selected lists the selected streams, master first.
	Selected []string
	// Playing is true between a play and the next pause or selection.
	Playing bool
	// Visibility holds explicit keypoint toggles.
	Visibility map[string]bool
	// ShowLabels mirrors the label toggle.
	ShowLabels bool
	// LastSeek is the most recent seek, nil before the first one.
	LastSeek *Seek
	// Applied counts commands applied since initialization.
	Applied uint64
}

// Seek is a seek by session time or by frame index.
type Seek struct {
	ByFrame bool
	Seconds float64
	Frame   int
}

func (s SessionState) clone() SessionState {
	out := s
	out.Selected = append([]string(nil), s.Selected...)
	out.Visibility = maps.Clone(s.Visibility)
	if s.LastSeek != nil {
		seek := *s.LastSeek
		out.LastSeek = &seek
	}
	return out
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	CommandInitialize CommandType = iota + 1
	CommandSelectStreams
	CommandPlay
	CommandPause
	CommandSeekTime
	CommandSeekFrame
	CommandSetKeypointVisible
	CommandSetLabels
)

func (t CommandType) String() string {
	switch t {
	case CommandInitialize:
		return "initialize"
	case CommandSelectStreams:
		return "select_streams"
	case CommandPlay:
		return "play"
	case CommandPause:
		return "pause"
	case CommandSeekTime:
		return "seek_time"
	case CommandSeekFrame:
		return "seek_frame"
	case CommandSetKeypointVisible:
		return "set_keypoint_visible"
	case CommandSetLabels:
		return "set_labels"
	default:
		return fmt.Sprintf("command(%d)", uint8(t))
	}
}

// Command represents a Raft log command. Play and pause carry no data.
type Command struct {
	Type CommandType
	Data any
}

// InitializeCommand replaces the whole session state.
type InitializeCommand struct {
	State SessionState
}

type SelectStreamsCommand struct {
	Names []string
}

type SeekTimeCommand struct {
	Seconds float64
}

type SeekFrameCommand struct {
	Frame int
}

type SetKeypointVisibleCommand struct {
	Name    string
	Visible bool
}

type SetLabelsCommand struct {
	Visible bool
}

// SessionFSM implements raft.FSM. Each command is applied to the local
// target engine and recorded in the session state once the target accepts it.
type SessionFSM struct {
	mu     sync.RWMutex
	state  SessionState
	target engine.Commander
	logger *slog.Logger
}

// NewSessionFSM creates an FSM driving target. target may be nil. Labels
// start visible.
func NewSessionFSM(target engine.Commander, logger *slog.Logger) *SessionFSM {
	return &SessionFSM{
		state: SessionState{
			Visibility: map[string]bool{},
			ShowLabels: true,
		},
		target: target,
		logger: logger,
	}
}

// Apply applies a Raft log entry. The response is the target's error, if any.
// The session state only records commands the target accepted, except
// initialize, which always replaces it.
func (f *SessionFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.RLock()
	next, apply, err := f.plan(cmd)
	f.mu.RUnlock()

	if err != nil {
		f.logger.Error("rejected command", "type", cmd.Type, "error", err)
		return err
	}

	var applyErr error
	if f.target != nil {
		applyErr = apply(f.target)
	}
	if applyErr != nil && cmd.Type != CommandInitialize {
		f.logger.Warn("command failed on local engine", "type", cmd.Type, "error", applyErr)
		return applyErr
	}

	f.mu.Lock()
	if cmd.Type != CommandInitialize {
		next.Applied++
	}
	f.state = next
	f.mu.Unlock()

	if applyErr != nil {
		f.logger.Warn("initialized session partially applied", "error", applyErr)
		return applyErr
	}
	f.logger.Debug("applied command", "type", cmd.Type, "index", log.Index)
	return nil
}

// plan returns the session state after cmd and how to apply cmd to the
// target. It does not modify f.state.
func (f *SessionFSM) plan(cmd Command) (SessionState, func(engine.Commander) error, error) {
	next := f.state.clone()
	if next.Visibility == nil {
		next.Visibility = map[string]bool{}
	}

	switch cmd.Type {
	case CommandInitialize:
		c, ok := cmd.Data.(InitializeCommand)
		if !ok {
			return next, nil, fmt.Errorf("invalid initialize command data")
		}
		next = c.State.clone()
		if next.Visibility == nil {
			next.Visibility = map[string]bool{}
		}
		state := next.clone()
		f.logger.Info("initializing session state", "selected", len(state.Selected))
		return next, func(t engine.Commander) error { return replay(t, state) }, nil

	case CommandSelectStreams:
		c, ok := cmd.Data.(SelectStreamsCommand)
		if !ok {
			return next, nil, fmt.Errorf("invalid select streams command data")
		}
		next.Selected = append([]string(nil), c.Names...)
		next.Playing = false
		next.LastSeek = nil
		return next, func(t engine.Commander) error {
			return t.SelectStreams(context.Background(), c.Names)
		}, nil

	case CommandPlay:
		next.Playing = true
		return next, func(t engine.Commander) error {
			ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
			defer cancel()
			return t.Play(ctx)
		}, nil

	case CommandPause:
		next.Playing = false
		return next, func(t engine.Commander) error {
			return t.Pause(context.Background())
		}, nil

	case CommandSeekTime:
		c, ok := cmd.Data.(SeekTimeCommand)
		if !ok {
			return next, nil, fmt.Errorf("invalid seek time command data")
		}
		next.LastSeek = &Seek{Seconds: c.Seconds}
		return next, func(t engine.Commander) error {
			return t.SeekToTime(context.Background(), c.Seconds)
		}, nil

	case CommandSeekFrame:
		c, ok := cmd.Data.(SeekFrameCommand)
		if !ok {
			return next, nil, fmt.Errorf("invalid seek frame command data")
		}
		next.LastSeek = &Seek{ByFrame: true, Frame: c.Frame}
		return next, func(t engine.Commander) error {
			return t.SeekToFrame(context.Background(), c.Frame)
		}, nil

	case CommandSetKeypointVisible:
		c, ok := cmd.Data.(SetKeypointVisibleCommand)
		if !ok {
			return next, nil, fmt.Errorf("invalid keypoint visibility command data")
		}
		next.Visibility[c.Name] = c.Visible
		return next, func(t engine.Commander) error {
			return t.SetKeypointVisible(context.Background(), c.Name, c.Visible)
		}, nil

	case CommandSetLabels:
		c, ok := cmd.Data.(SetLabelsCommand)
		if !ok {
			return next, nil, fmt.Errorf("invalid labels command data")
		}
		next.ShowLabels = c.Visible
		return next, func(t engine.Commander) error {
			return t.SetLabelsVisible(context.Background(), c.Visible)
		}, nil

	default:
		return next, nil, fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// replay brings target to state: selection, toggles, last seek, then play.
// A failing step does not stop the rest; the seek and play are skipped only
// when the selection itself failed. The step errors are joined.
func replay(t engine.Commander, state SessionState) error {
	ctx := context.Background()
	var errs []error

	selectErr := t.SelectStreams(ctx, state.Selected)
	if selectErr != nil {
		errs = append(errs, fmt.Errorf("select streams: %w", selectErr))
	}
	for name, visible := range state.Visibility {
		if err := t.SetKeypointVisible(ctx, name, visible); err != nil {
			errs = append(errs, fmt.Errorf("keypoint %s: %w", name, err))
		}
	}
	if err := t.SetLabelsVisible(ctx, state.ShowLabels); err != nil {
		errs = append(errs, fmt.Errorf("labels: %w", err))
	}
	if selectErr != nil || len(state.Selected) == 0 {
		return errors.Join(errs...)
	}

	if s := state.LastSeek; s != nil {
		var err error
		if s.ByFrame {
			err = t.SeekToFrame(ctx, s.Frame)
		} else {
			err = t.SeekToTime(ctx, s.Seconds)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("seek: %w", err))
		}
	}

	if state.Playing {
		playCtx, cancel := context.WithTimeout(ctx, playTimeout)
		defer cancel()
		if err := t.Play(playCtx); err != nil {
			errs = append(errs, fmt.Errorf("play: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *SessionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: f.state.clone()}, nil
}

// Restore replaces the session state from a snapshot and replays it onto
// the target.
func (f *SessionFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state SessionState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if state.Visibility == nil {
		state.Visibility = map[string]bool{}
	}

	f.mu.Lock()
	f.state = state
	f.mu.Unlock()

	f.logger.Info("restored session state from snapshot",
		"selected", len(state.Selected),
		"playing", state.Playing,
		"applied", state.Applied)

	if f.target != nil {
		if err := replay(f.target, state.clone()); err != nil {
			f.logger.Warn("failed to replay restored session", "error", err)
		}
	}
	return nil
}

// GetState returns a copy of the current session state.
func (f *SessionFSM) GetState() SessionState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.clone()
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state SessionState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
