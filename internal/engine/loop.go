package engine

import (
	"github.com/agleyzer/posesync/internal/cache"
	"github.com/agleyzer/posesync/internal/events"
	"github.com/agleyzer/posesync/internal/overlay"
	"github.com/agleyzer/posesync/internal/pose"
	"github.com/agleyzer/posesync/internal/syncgroup"
)

// update collects what changed while the engine lock was held so it can be
// published after release.
type update struct {
	time     *TimeInfo
	frame    int
	hasFrame bool
	draw     []overlay.DrawOp
	hasDraw  bool
}

func (e *Engine) startRenderLocked() {
	e.stopRenderLocked()
	e.scheduleRenderLocked(e.renderGen)
}

// stopRenderLocked cancels the render loop. A tick already waiting on the
// lock sees the new generation and does nothing.
func (e *Engine) stopRenderLocked() {
	e.renderGen++
	if e.renderCancel != nil {
		e.renderCancel()
		e.renderCancel = nil
	}
}

func (e *Engine) scheduleRenderLocked(gen uint64) {
	e.renderCancel = e.sched.RequestFrame(func() {
		e.renderTick(gen)
	})
}

// renderTick publishes the master's time every frame and the frame index and
// draw list whenever the displayed frame changes. It only reads engine state.
func (e *Engine) renderTick(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.renderGen {
		e.mu.Unlock()
		return
	}
	e.renderCancel = nil

	if e.group == nil || e.group.State() != syncgroup.Playing {
		e.mu.Unlock()
		return
	}

	u := e.updateLocked(false)
	e.scheduleRenderLocked(gen)
	e.mu.Unlock()

	e.publishUpdate(u)
}

// handleEnded runs when a group's master reaches the end of its media.
func (e *Engine) handleEnded(g *syncgroup.Group) {
	e.mu.Lock()
	if e.closed || e.group != g {
		e.mu.Unlock()
		return
	}
	e.stopRenderLocked()
	u := e.updateLocked(true)
	seq := e.nextStateLocked()
	e.mu.Unlock()

	e.logger.Info("playback reached end")
	e.publishPlayState(seq, syncgroup.Stopped)
	e.publishUpdate(u)
}

// onLoad receives cache transitions. A newly loaded dataset seeds keypoint
// visibility and supplies timestamps to clocks that had none.
func (e *Engine) onLoad(name string, entry cache.Entry) {
	ev := LoadEvent{Stream: name, Status: entry.Status}
	if entry.Err != nil {
		ev.Error = entry.Err.Error()
	}

	var (
		vis    pose.Visibility
		seeded bool
		u      update
		redraw bool
	)

	if entry.Status == cache.StatusReady {
		e.mu.Lock()
		if !e.closed {
			vis, seeded = e.vis.Seed(entry.Dataset.Names())
			if seeded {
				e.vis = vis
			}
			for _, c := range e.clocks {
				if c.Name() == name && c.Index() == nil {
					c.SetIndex(entry.Dataset.Index())
				}
			}
			if len(e.clocks) > 0 && e.clocks[0].Name() == name {
				u = e.updateLocked(true)
				redraw = true
			}
		}
		e.mu.Unlock()
	}

	e.bus.Publish(events.TopicLoadStatus, ev)
	e.bus.Publish(events.TopicLoading, e.cache.Loading())
	if seeded {
		e.bus.Publish(events.TopicVisibility, map[string]bool(vis))
	}
	if redraw {
		e.publishUpdate(u)
	}
}

// updateLocked samples the master. Unless force is set, the frame and draw
// list are only included when the displayed frame changed.
func (e *Engine) updateLocked(force bool) update {
	var u update

	if len(e.clocks) == 0 {
		e.lastFrame = -1
		if force {
			u.draw = []overlay.DrawOp{}
			u.hasDraw = true
		}
		return u
	}

	ti := timeInfo(e.clocks[0])
	u.time = &ti

	frame := -1
	if ti.HasTimestamps {
		frame = ti.Frame
	}
	if !force && frame == e.lastFrame {
		return u
	}
	e.lastFrame = frame

	if frame >= 0 {
		u.frame = frame
		u.hasFrame = true
	}
	u.draw = e.drawListLocked()
	u.hasDraw = true
	return u
}

func (e *Engine) nextStateLocked() uint64 {
	e.stateSeq++
	return e.stateSeq
}

// publishPlayState publishes a transition unless a later one was already
// published, so subscribers always end on the engine's current state.
func (e *Engine) publishPlayState(seq uint64, state syncgroup.State) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if seq < e.publishedSeq {
		return
	}
	e.publishedSeq = seq
	e.bus.Publish(events.TopicPlayState, state.String())
}

func (e *Engine) publishUpdate(u update) {
	if u.time != nil {
		e.bus.Publish(events.TopicTime, *u.time)
	}
	if u.hasFrame {
		e.bus.Publish(events.TopicFrame, u.frame)
	}
	if u.hasDraw {
		e.bus.Publish(events.TopicDrawList, u.draw)
	}
}

// drawListLocked renders the master's overlay at its current position. The
// frame is looked up in the dataset's own timestamps.
func (e *Engine) drawListLocked() []overlay.DrawOp {
	if len(e.clocks) == 0 {
		return []overlay.DrawOp{}
	}
	master := e.clocks[0]

	entry := e.cache.Get(master.Name())
	if entry.Status != cache.StatusReady {
		return []overlay.DrawOp{}
	}
	ds := entry.Dataset
	idx := ds.Index()

	d := e.streams[master.Name()]
	src := overlay.Size{Width: float64(d.Width), Height: float64(d.Height)}
	canvas := e.canvas
	if !canvas.Known() {
		canvas = src
	}

	ops := overlay.Render(overlay.Request{
		Dataset:    ds,
		Frame:      idx.FrameAt(idx.Start() + master.StreamTime()),
		Visibility: e.vis,
		ShowLabels: e.showLabels,
		Source:     src,
		Canvas:     canvas,
	})
	if ops == nil {
		ops = []overlay.DrawOp{}
	}
	return ops
}
