package client

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// ErrNotAuthor is returned when a non-teacher calls an authoring method.
var ErrNotAuthor = errors.New("whiteboard authoring requires teacher role")

// Whiteboard replicates the shared drawing surface. Points are normalized
// to [0,1]x[0,1] against the authoring surface at draw time; renderers
// denormalize against their own surface, so proportions survive any
// screen size. On resize the board is redrawn from history, never from
// rescaled pixels.
type Whiteboard struct {
	ch   *Channel
	sess *Session
	log  *zap.Logger

	mu      sync.Mutex
	width   float64
	height  float64
	history []wire.Draw

	updates *stream[wire.Draw]
}

// NewWhiteboard creates the replicator. surfaceW/surfaceH are the local
// drawing surface dimensions in pixels; SetSurface adjusts them later.
func NewWhiteboard(ch *Channel, sess *Session, surfaceW, surfaceH float64, log *zap.Logger) *Whiteboard {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Whiteboard{
		ch:      ch,
		sess:    sess,
		log:     log,
		width:   surfaceW,
		height:  surfaceH,
		updates: newStream[wire.Draw](),
	}
	ch.On(wire.EventDrawUpdate, w.handleUpdate)
	ch.On(wire.EventDrawHistory, w.handleHistory)
	return w
}

// Updates subscribes to applied draw events (live updates and replays).
func (w *Whiteboard) Updates() (<-chan wire.Draw, func()) {
	return w.updates.Subscribe()
}

// SetSurface records new local surface dimensions. The caller should then
// render the result of Replay, not rescale pixels.
func (w *Whiteboard) SetSurface(width, height float64) {
	w.mu.Lock()
	w.width = width
	w.height = height
	w.mu.Unlock()
}

// DrawPath normalizes a stroke against the current surface, appends it to
// local history and broadcasts it. Teacher only.
func (w *Whiteboard) DrawPath(points []wire.Point, color string, width float64) error {
	if w.sess.Self().Role != wire.RoleTeacher {
		return ErrNotAuthor
	}
	w.mu.Lock()
	sw, sh := w.width, w.height
	w.mu.Unlock()
	if sw <= 0 || sh <= 0 {
		return errors.New("surface dimensions not set")
	}

	norm := make([]wire.Point, len(points))
	for i, p := range points {
		norm[i] = wire.Point{X: clamp01(p.X / sw), Y: clamp01(p.Y / sh)}
	}
	d := wire.Draw{Type: wire.DrawTypePath, Points: norm, Color: color, Width: width}

	w.append(d)
	return w.ch.Send(wire.EventDrawUpdate, d)
}

// Clear truncates the board for everyone. Teacher only.
func (w *Whiteboard) Clear() error {
	if w.sess.Self().Role != wire.RoleTeacher {
		return ErrNotAuthor
	}
	d := wire.Draw{Type: wire.DrawTypeClear}
	w.append(d)
	return w.ch.Send(wire.EventDrawUpdate, d)
}

// History returns a copy of the local draw log.
func (w *Whiteboard) History() []wire.Draw {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]wire.Draw, len(w.history))
	copy(out, w.history)
	return out
}

// Replay denormalizes the whole history against the given surface
// dimensions, for a resize-safe full redraw.
func (w *Whiteboard) Replay(width, height float64) []wire.Draw {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]wire.Draw, 0, len(w.history))
	for _, d := range w.history {
		if d.Type != wire.DrawTypePath {
			out = append(out, d)
			continue
		}
		pts := make([]wire.Point, len(d.Points))
		for i, p := range d.Points {
			pts[i] = wire.Point{X: p.X * width, Y: p.Y * height}
		}
		out = append(out, wire.Draw{Type: d.Type, Points: pts, Color: d.Color, Width: d.Width})
	}
	return out
}

func (w *Whiteboard) append(d wire.Draw) {
	w.mu.Lock()
	if d.Type == wire.DrawTypeClear {
		w.history = w.history[:0]
	}
	w.history = append(w.history, d)
	w.mu.Unlock()
}

func (w *Whiteboard) handleUpdate(env wire.Envelope) {
	var d wire.Draw
	if err := json.Unmarshal(env.Data, &d); err != nil {
		w.log.Warn("malformed draw_update", zap.Error(err))
		return
	}
	w.append(d)
	w.updates.publish(d)
}

// handleHistory applies the late-join snapshot: the mirror is replaced
// wholesale so the initial render matches current board state before any
// live event lands.
func (w *Whiteboard) handleHistory(env wire.Envelope) {
	var hist wire.DrawHistory
	if err := json.Unmarshal(env.Data, &hist); err != nil {
		w.log.Warn("malformed draw_history", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.history = append(w.history[:0], hist.Events...)
	w.mu.Unlock()
	for _, d := range hist.Events {
		w.updates.publish(d)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
