package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// Domain errors surfaced by membership. They are never retried
// automatically; connectivity errors are a separate taxonomy.
var (
	ErrUnknownSession = errors.New("server does not recognize the session")
	ErrNotJoined      = errors.New("not joined to a session")
	ErrAlreadyJoined  = errors.New("already joined to a session")
)

// PresenceKind distinguishes membership events.
type PresenceKind string

const (
	PresenceJoined PresenceKind = "joined"
	PresenceLeft   PresenceKind = "left"
)

// PresenceEvent is published when the roster changes.
type PresenceEvent struct {
	Kind        PresenceKind
	Participant wire.Participant
}

// Session is the membership component: join/leave a named room, maintain
// the roster, and publish presence changes.
type Session struct {
	ch  *Channel
	log *zap.Logger

	mu      sync.Mutex
	id      string
	self    wire.Participant
	roster  []wire.Participant
	pending chan joinResult

	presence *stream[PresenceEvent]
	onLeave  []func()
}

type joinResult struct {
	roster wire.Roster
	err    error
}

// NewSession creates the membership component on a channel. Handlers are
// registered once; the session is inert until Join.
func NewSession(ch *Channel, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		ch:       ch,
		log:      log,
		presence: newStream[PresenceEvent](),
	}
	ch.On(wire.EventRosterSnapshot, s.handleRoster)
	ch.On(wire.EventError, s.handleError)
	ch.On(wire.EventUserJoined, s.handleJoined)
	ch.On(wire.EventUserLeft, s.handleLeft)
	ch.On(wire.EventSessionEnded, s.handleEnded)
	states, _ := ch.States()
	go s.watchChannel(states)
	return s
}

// watchChannel invalidates membership when the transport drops: the
// server removes the participant from the roster on its side, so the
// reconnected channel is session-agnostic until the caller re-joins.
func (s *Session) watchChannel(states <-chan StateChange) {
	for sc := range states {
		switch sc.State {
		case StateReconnecting, StateDisconnected, StateFailed:
			s.invalidate(sc.State)
		}
	}
}

func (s *Session) invalidate(state State) {
	s.mu.Lock()
	pending := s.pending
	joined := s.id != ""
	s.mu.Unlock()

	if pending != nil {
		select {
		case pending <- joinResult{err: ErrNotConnected}:
		default:
		}
	}
	if !joined {
		return
	}
	s.log.Info("membership invalidated by transport loss",
		zap.String("channel_state", state.String()))
	s.reset()
}

// Presence subscribes to roster changes.
func (s *Session) Presence() (<-chan PresenceEvent, func()) {
	return s.presence.Subscribe()
}

// ID returns the joined session id, empty when not joined.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Self returns the local participant record.
func (s *Session) Self() wire.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Roster returns a copy of the current participant list, join order
// preserved.
func (s *Session) Roster() []wire.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Participant, len(s.roster))
	copy(out, s.roster)
	return out
}

// Join announces the participant to the named session and waits for the
// roster snapshot. It fails immediately with ErrNotConnected when the
// channel is down: the caller must reconnect the channel first, then
// re-join. An unrecognized session fails with ErrUnknownSession.
func (s *Session) Join(ctx context.Context, sessionID string, self wire.Participant) ([]wire.Participant, error) {
	if s.ch.State() != StateConnected {
		return nil, ErrNotConnected
	}

	s.mu.Lock()
	if s.id != "" {
		s.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	pending := make(chan joinResult, 1)
	s.pending = pending
	s.self = self
	s.mu.Unlock()

	err := s.ch.Send(wire.EventJoinSession, wire.Join{
		SessionID: sessionID,
		UserID:    self.UserID,
		UserName:  self.UserName,
		Role:      self.Role,
	})
	if err != nil {
		s.clearPending()
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.clearPending()
		return nil, ctx.Err()
	case res := <-pending:
		s.clearPending()
		if res.err != nil {
			return nil, res.err
		}
		s.mu.Lock()
		s.id = res.roster.SessionID
		s.roster = res.roster.Participants
		s.mu.Unlock()
		return s.Roster(), nil
	}
}

// Leave departs the session and cancels session-scoped activities
// registered with OnLeave. The channel itself stays connected.
func (s *Session) Leave() error {
	s.mu.Lock()
	id := s.id
	self := s.self
	s.mu.Unlock()
	if id == "" {
		return ErrNotJoined
	}

	err := s.ch.Send(wire.EventLeaveSession, wire.Leave{SessionID: id, UserID: self.UserID})
	s.reset()
	return err
}

// OnLeave registers a cancellation hook run when the session ends or is
// left (quality sampler, negotiation state).
func (s *Session) OnLeave(fn func()) {
	s.mu.Lock()
	s.onLeave = append(s.onLeave, fn)
	s.mu.Unlock()
}

func (s *Session) reset() {
	s.mu.Lock()
	s.id = ""
	s.roster = nil
	hooks := s.onLeave
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *Session) clearPending() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

func (s *Session) handleRoster(env wire.Envelope) {
	var roster wire.Roster
	if err := json.Unmarshal(env.Data, &roster); err != nil {
		s.log.Warn("malformed roster_snapshot", zap.Error(err))
		return
	}
	s.mu.Lock()
	pending := s.pending
	if pending == nil {
		// Roster refresh outside a join (server rebroadcast).
		s.roster = roster.Participants
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	// First result wins; a transport loss may already have failed the join.
	select {
	case pending <- joinResult{roster: roster}:
	default:
	}
}

func (s *Session) handleError(env wire.Envelope) {
	var we wire.Error
	if err := json.Unmarshal(env.Data, &we); err != nil {
		return
	}
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending != nil {
		// Any error event during a pending join fails the join; leaving
		// the caller blocked until its deadline helps nobody.
		res := joinResult{err: fmt.Errorf("join rejected (%s): %s", we.Code, we.Message)}
		if we.Code == wire.ErrCodeUnknownSession {
			res = joinResult{err: fmt.Errorf("%w: %s", ErrUnknownSession, we.Message)}
		}
		select {
		case pending <- res:
		default:
		}
		return
	}
	s.log.Warn("server error event",
		zap.String("code", we.Code),
		zap.String("message", we.Message))
}

func (s *Session) handleJoined(env wire.Envelope) {
	var p wire.Presence
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return
	}
	part := wire.Participant{UserID: p.UserID, UserName: p.UserName, Role: p.Role}
	s.mu.Lock()
	found := false
	for i := range s.roster {
		if s.roster[i].UserID == part.UserID {
			s.roster[i] = part
			found = true
			break
		}
	}
	if !found {
		s.roster = append(s.roster, part)
	}
	s.mu.Unlock()
	s.presence.publish(PresenceEvent{Kind: PresenceJoined, Participant: part})
}

func (s *Session) handleLeft(env wire.Envelope) {
	var p wire.Presence
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return
	}
	part := wire.Participant{UserID: p.UserID, UserName: p.UserName, Role: p.Role}
	s.mu.Lock()
	for i := range s.roster {
		if s.roster[i].UserID == part.UserID {
			s.roster = append(s.roster[:i], s.roster[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.presence.publish(PresenceEvent{Kind: PresenceLeft, Participant: part})
}

func (s *Session) handleEnded(env wire.Envelope) {
	s.log.Info("session ended by teacher")
	s.reset()
}
