package cluster

import (
	"context"

	"github.com/agleyzer/posesync/internal/engine"
)

// Replicated is an engine.Commander that routes every command through the
// Raft log instead of applying it locally.
type Replicated struct {
	m *Manager
}

var _ engine.Commander = (*Replicated)(nil)

// Commander returns a Commander that replicates through m.
func (m *Manager) Commander() *Replicated {
	return &Replicated{m: m}
}

func (r *Replicated) SelectStreams(ctx context.Context, names []string) error {
	return r.m.Submit(ctx, Command{Type: CommandSelectStreams, Data: SelectStreamsCommand{Names: names}})
}

func (r *Replicated) Play(ctx context.Context) error {
	return r.m.Submit(ctx, Command{Type: CommandPlay})
}

func (r *Replicated) Pause(ctx context.Context) error {
	return r.m.Submit(ctx, Command{Type: CommandPause})
}

func (r *Replicated) SeekToTime(ctx context.Context, seconds float64) error {
	return r.m.Submit(ctx, Command{Type: CommandSeekTime, Data: SeekTimeCommand{Seconds: seconds}})
}

func (r *Replicated) SeekToFrame(ctx context.Context, frame int) error {
	return r.m.Submit(ctx, Command{Type: CommandSeekFrame, Data: SeekFrameCommand{Frame: frame}})
}

func (r *Replicated) SetKeypointVisible(ctx context.Context, name string, visible bool) error {
	return r.m.Submit(ctx, Command{
		Type: CommandSetKeypointVisible,
		Data: SetKeypointVisibleCommand{Name: name, Visible: visible},
	})
}

func (r *Replicated) SetLabelsVisible(ctx context.Context, visible bool) error {
	return r.m.Submit(ctx, Command{Type: CommandSetLabels, Data: SetLabelsCommand{Visible: visible}})
}
