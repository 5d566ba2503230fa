package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/internal/errs"
	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// Archiver receives the finished session's transcript and whiteboard
// history (optional collaborator).
type Archiver interface {
	ArchiveSession(ctx context.Context, sessionID string, transcript []wire.Chat, board []wire.Draw)
}

// Hub owns all live session rooms: roster and presence, whiteboard
// history, live polls, chat timeline, signaling relay and liveness.
//
// A connection is a bare channel until its client sends join_session;
// heartbeats work either way.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]*room // sessionID -> room
	upgrader websocket.Upgrader

	drawCap         int
	livenessTimeout time.Duration
	sweepInterval   time.Duration

	log      *zap.Logger
	archiver Archiver
	ctx      context.Context // app context for archive calls (shutdown propagation)
}

// Options configures the hub.
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	DrawHistoryCap  int
	LivenessTimeout time.Duration
	SweepInterval   time.Duration
}

// New creates a hub.
func New(opts Options, log *zap.Logger) *Hub {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = 30 * time.Second
	}
	return &Hub{
		rooms:           make(map[string]*room),
		drawCap:         opts.DrawHistoryCap,
		livenessTimeout: opts.LivenessTimeout,
		sweepInterval:   opts.SweepInterval,
		log:             log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			// Allow all origins for dev; in prod set CheckOrigin.
		},
	}
}

// SetArchiver sets the optional archive collaborator.
func (h *Hub) SetArchiver(a Archiver) { h.archiver = a }

// SetContext sets the app context used for archive calls.
func (h *Hub) SetContext(ctx context.Context) { h.ctx = ctx }

// Upgrader returns the WebSocket upgrader for HTTP handlers.
func (h *Hub) Upgrader() *websocket.Upgrader { return &h.upgrader }

// NewPeer wraps a fresh connection. The peer joins no room until its
// join_session arrives.
func (h *Hub) NewPeer(conn Conn) *Peer {
	p := &Peer{
		Conn: conn,
		Send: make(chan []byte, 256),
	}
	p.Touch()
	return p
}

// DropPeer is the handler's cleanup: leave the current room (if any) and
// close the connection.
func (h *Hub) DropPeer(p *Peer) {
	if r, ok := h.room(p.SessionID); ok {
		h.leave(r, p, "connection closed")
	}
	p.Close()
}

// OpenRoom creates the room for a freshly started session and seeds its
// timeline with the session-start marker. Idempotent.
func (h *Hub) OpenRoom(sessionID, teacherID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[sessionID]; ok {
		return
	}
	r := newRoom(sessionID, teacherID, h.drawCap)
	r.appendChat(systemChat(sessionID, "session started", wire.ChatKindSystem))
	h.rooms[sessionID] = r
	h.log.Info("room opened",
		zap.String("session_id", sessionID),
		zap.String("teacher_id", teacherID))
}

func (h *Hub) room(sessionID string) (*room, bool) {
	if sessionID == "" {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[sessionID]
	return r, ok
}

// CloseRoom ends a session explicitly (teacher ended the lecture): every
// participant receives session_ended, then connections are closed.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, sessionID)
	h.mu.Unlock()

	h.injectSystem(r, "session ended", wire.ChatKindSystem)
	env, err := wire.NewEnvelope(wire.EventSessionEnded, wire.Leave{SessionID: sessionID})
	if err == nil {
		raw, _ := json.Marshal(env)
		for _, p := range r.snapshotPeers("") {
			// The write pump is the connection's only writer; queue the
			// terminal event and let the pump drain before it closes.
			p.queue(raw)
			p.Close()
		}
	}
	h.archive(r)
	h.log.Info("room closed", zap.String("session_id", sessionID))
}

func (h *Hub) archive(r *room) {
	if h.archiver == nil {
		return
	}
	ctx := h.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	h.archiver.ArchiveSession(ctx, r.sessionID, r.transcript(), r.drawHistory().Events)
}

// Run performs the periodic liveness sweep until ctx is cancelled. Stale
// participants are removed via the normal leave path so rosters are
// corrected by timeout, never silently.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(-h.livenessTimeout)
			h.mu.RLock()
			rooms := make([]*room, 0, len(h.rooms))
			for _, r := range h.rooms {
				rooms = append(rooms, r)
			}
			h.mu.RUnlock()
			for _, r := range rooms {
				for _, p := range r.stalePeers(deadline) {
					h.leave(r, p, "liveness timeout")
					p.Close()
				}
			}
		}
	}
}

// HandleEvent dispatches one inbound envelope from a peer's read pump.
// Malformed or unauthorized events produce a wire error back to the sender;
// they never terminate the channel.
func (h *Hub) HandleEvent(p *Peer, env wire.Envelope) {
	p.Touch()

	switch env.Event {
	case wire.EventHeartbeat:
		h.sendTo(p, wire.EventHeartbeatAck, nil)
		return
	case wire.EventJoinSession:
		h.handleJoin(p, env.Data)
		return
	}

	// Everything below is session-scoped.
	r, ok := h.room(p.SessionID)
	if !ok {
		h.sendError(p, wire.ErrCodeUnknownSession, "not in an active session")
		return
	}

	switch env.Event {
	case wire.EventLeaveSession:
		h.leave(r, p, "left")

	case wire.EventChatMessage:
		h.handleChat(r, p, env.Data)

	case wire.EventNewPoll:
		h.handleNewPoll(r, p, env.Data)

	case wire.EventPollVote:
		h.handlePollVote(r, p, env.Data)

	case wire.EventShared:
		h.handleShared(r, p, env.Data)

	case wire.EventDrawUpdate:
		h.handleDraw(r, p, env.Data)

	case wire.EventOffer, wire.EventAnswer, wire.EventICECandidate:
		h.relaySignal(r, p, env)

	case wire.EventQualityReport:
		h.handleQualityReport(r, p, env.Data)

	default:
		h.sendError(p, wire.ErrCodeBadEvent, "unknown event: "+env.Event)
	}
}

// handleJoin admits a peer into a room. The joiner receives the roster
// snapshot (already containing itself) and the full whiteboard history
// before any live event; everyone else receives a join broadcast.
func (h *Hub) handleJoin(p *Peer, data json.RawMessage) {
	var join wire.Join
	if err := json.Unmarshal(data, &join); err != nil || join.SessionID == "" || join.UserID == "" {
		h.sendError(p, wire.ErrCodeBadEvent, "malformed join_session")
		return
	}
	if join.Role != wire.RoleTeacher && join.Role != wire.RoleStudent {
		h.sendError(p, wire.ErrCodeBadEvent, "user_type must be teacher or student")
		return
	}
	r, ok := h.room(join.SessionID)
	if !ok {
		h.sendError(p, wire.ErrCodeUnknownSession, "unknown session: "+join.SessionID)
		return
	}
	if prev, ok := h.room(p.SessionID); ok && prev != r {
		h.leave(prev, p, "joined another session")
	}

	p.SessionID = join.SessionID
	p.UserID = join.UserID
	p.UserName = join.UserName
	p.Role = join.Role

	if old := r.add(p); old != nil {
		// Reconnect replaced a stale entry; drop the dead connection
		// without a leave broadcast.
		old.Close()
		h.log.Info("peer replaced on reconnect",
			zap.String("session_id", join.SessionID),
			zap.String("user_id", p.UserID))
	}

	h.sendTo(p, wire.EventRosterSnapshot, r.roster())
	h.sendTo(p, wire.EventDrawHistory, r.drawHistory())

	h.broadcast(r, p.UserID, wire.EventUserJoined, wire.Presence{
		UserID: p.UserID, UserName: p.UserName, Role: p.Role,
	})
	if p.Role == wire.RoleTeacher && p.UserID == r.teacherID {
		// Students who connected before the teacher learn the lecture
		// went live; a teacher rejoin re-announces so they resync.
		h.broadcast(r, p.UserID, wire.EventSessionStarted, wire.Presence{
			UserID: p.UserID, UserName: p.UserName, Role: p.Role,
		})
	}
	h.injectSystem(r, fmt.Sprintf("%s joined the session", p.UserName), wire.ChatKindSystem)

	h.log.Info("participant joined",
		zap.String("session_id", join.SessionID),
		zap.String("user_id", p.UserID),
		zap.String("role", string(p.Role)))
}

// leave removes a peer from its room (explicit leave, drop or timeout)
// and broadcasts the departure. The channel itself stays open on an
// explicit leave.
func (h *Hub) leave(r *room, p *Peer, reason string) {
	if !r.remove(p) {
		return // a reconnect already replaced this peer
	}
	p.SessionID = ""

	h.broadcast(r, "", wire.EventUserLeft, wire.Presence{
		UserID: p.UserID, UserName: p.UserName, Role: p.Role,
	})
	h.injectSystem(r, fmt.Sprintf("%s left the session", p.UserName), wire.ChatKindSystem)

	h.log.Info("participant left",
		zap.String("session_id", r.sessionID),
		zap.String("user_id", p.UserID),
		zap.String("reason", reason))

	if r.empty() {
		h.mu.Lock()
		delete(h.rooms, r.sessionID)
		h.mu.Unlock()
		h.archive(r)
		h.log.Info("room destroyed (last participant left)",
			zap.String("session_id", r.sessionID))
	}
}

func (h *Hub) handleChat(r *room, p *Peer, data json.RawMessage) {
	var msg wire.Chat
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(p, wire.ErrCodeBadEvent, "malformed chat_message")
		return
	}
	// Identity fields come from the registered peer, not the payload.
	msg.SessionID = r.sessionID
	msg.UserID = p.UserID
	msg.UserName = p.UserName
	msg.Role = p.Role
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Kind == "" {
		msg.Kind = wire.ChatKindText
	}
	msg.Timestamp = time.Now().UTC()
	r.appendChat(msg)
	h.broadcast(r, "", wire.EventChatMessage, msg)
}

func (h *Hub) handleNewPoll(r *room, p *Peer, data json.RawMessage) {
	if p.Role != wire.RoleTeacher {
		h.sendError(p, wire.ErrCodeNotTeacher, "only the teacher can create polls")
		return
	}
	var poll wire.Poll
	if err := json.Unmarshal(data, &poll); err != nil || poll.Question == "" || len(poll.Options) < 2 {
		h.sendError(p, wire.ErrCodeBadEvent, "malformed new_poll")
		return
	}
	if poll.PollID == "" {
		poll.PollID = uuid.New().String()
	}
	r.openPoll(poll)
	h.broadcast(r, "", wire.EventNewPoll, poll)
	h.injectSystem(r, "poll: "+poll.Question, wire.ChatKindPoll)
}

func (h *Hub) handlePollVote(r *room, p *Peer, data json.RawMessage) {
	var v wire.PollVote
	if err := json.Unmarshal(data, &v); err != nil {
		h.sendError(p, wire.ErrCodeBadEvent, "malformed submit_poll_response")
		return
	}
	tally, counted := r.vote(v.PollID, p.UserID, v.Response)
	if tally == nil {
		h.sendError(p, wire.ErrCodeBadEvent, "unknown poll: "+v.PollID)
		return
	}
	if !counted {
		// First vote wins; a repeat vote changes nothing and only the
		// voter is told.
		h.sendTo(p, wire.EventPollResults, wire.PollResults{PollID: v.PollID, Tally: tally})
		return
	}
	h.broadcast(r, "", wire.EventPollResults, wire.PollResults{PollID: v.PollID, Tally: tally})
}

func (h *Hub) handleShared(r *room, p *Peer, data json.RawMessage) {
	if p.Role != wire.RoleTeacher {
		h.sendError(p, wire.ErrCodeNotTeacher, "only the teacher can share content")
		return
	}
	var sh wire.Shared
	if err := json.Unmarshal(data, &sh); err != nil {
		h.sendError(p, wire.ErrCodeBadEvent, "malformed content_shared")
		return
	}
	h.broadcast(r, p.UserID, wire.EventShared, sh)
	h.injectSystem(r, "material shared: "+sh.URL, wire.ChatKindSystem)
}

func (h *Hub) handleDraw(r *room, p *Peer, data json.RawMessage) {
	if p.Role != wire.RoleTeacher {
		h.sendError(p, wire.ErrCodeNotTeacher, "only the teacher can draw")
		return
	}
	var d wire.Draw
	if err := json.Unmarshal(data, &d); err != nil {
		h.sendError(p, wire.ErrCodeBadEvent, "malformed draw_update")
		return
	}
	if d.Type != wire.DrawTypePath && d.Type != wire.DrawTypeClear {
		h.sendError(p, wire.ErrCodeBadEvent, "unknown draw type: "+d.Type)
		return
	}
	r.appendDraw(d)
	h.broadcast(r, p.UserID, wire.EventDrawUpdate, d)
}

// relaySignal forwards an offer/answer/candidate envelope to its target
// without inspecting the payload. A stale target produces a
// delivery_failure event back to the sender, never a closed channel.
func (h *Hub) relaySignal(r *room, p *Peer, env wire.Envelope) {
	var sig wire.Signal
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		h.sendError(p, wire.ErrCodeBadEvent, "malformed signal envelope")
		return
	}
	sig.SessionID = r.sessionID
	sig.FromUserID = p.UserID

	target, ok := r.peer(sig.TargetID)
	if !ok {
		h.sendTo(p, wire.EventDeliveryFailure, wire.DeliveryFailure{
			Event:    env.Event,
			TargetID: sig.TargetID,
			Reason:   "target not in session",
		})
		h.log.Debug("signal to stale target dropped",
			zap.String("session_id", r.sessionID),
			zap.String("event", env.Event),
			zap.String("from", p.UserID),
			zap.String("target", sig.TargetID))
		return
	}
	h.sendTo(target, env.Event, sig)
}

func (h *Hub) handleQualityReport(r *room, p *Peer, data json.RawMessage) {
	var q wire.QualityReport
	if err := json.Unmarshal(data, &q); err != nil {
		h.sendError(p, wire.ErrCodeBadEvent, "malformed quality_report")
		return
	}
	q.SessionID = r.sessionID
	q.UserID = p.UserID
	h.log.Info("quality report",
		zap.String("session_id", q.SessionID),
		zap.String("user_id", q.UserID),
		zap.Int("score", q.Score),
		zap.Float64("jitter", q.Jitter),
		zap.Int("packets_lost", q.Lost),
		zap.Float64("rtt", q.RTT),
		zap.Int("bandwidth", q.Bandwidth))
	// The teacher's client shows per-student link health.
	if t, ok := r.peer(r.teacherID); ok && t.UserID != p.UserID {
		h.sendTo(t, wire.EventQualityReport, q)
	}
}

// injectSystem appends a synthetic message to the timeline and broadcasts
// it, so lifecycle events share the chat audit trail.
func (h *Hub) injectSystem(r *room, body, kind string) {
	msg := systemChat(r.sessionID, body, kind)
	r.appendChat(msg)
	h.broadcast(r, "", wire.EventChatMessage, msg)
}

// sendTo queues one event for a single peer. A full send buffer drops the
// event; the slow client's liveness timeout will catch up with it.
func (h *Hub) sendTo(p *Peer, event string, data interface{}) {
	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		h.log.Error("marshal envelope", zap.String("event", event), zap.Error(err))
		return
	}
	raw, _ := json.Marshal(env)
	if !p.queue(raw) {
		h.log.Warn("send buffer full, event dropped",
			zap.String("user_id", p.UserID),
			zap.String("event", event))
	}
}

// broadcast queues an event for every peer in the room except exclude.
func (h *Hub) broadcast(r *room, exclude string, event string, data interface{}) {
	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		h.log.Error("marshal envelope", zap.String("event", event), zap.Error(err))
		return
	}
	raw, _ := json.Marshal(env)
	for _, p := range r.snapshotPeers(exclude) {
		if !p.queue(raw) {
			h.log.Warn("send buffer full, event dropped",
				zap.String("user_id", p.UserID),
				zap.String("event", event))
		}
	}
}

func (h *Hub) sendError(p *Peer, code, message string) {
	h.sendTo(p, wire.EventError, wire.Error{Code: code, Message: message})
}

// PeerCount returns the number of participants in a session (for handlers).
func (h *Hub) PeerCount(sessionID string) int {
	r, ok := h.room(sessionID)
	if !ok {
		return 0
	}
	return len(r.snapshotPeers(""))
}

// Roster returns the current roster of a session.
func (h *Hub) Roster(sessionID string) (wire.Roster, error) {
	r, ok := h.room(sessionID)
	if !ok {
		return wire.Roster{}, errs.ErrSessionNotFound
	}
	return r.roster(), nil
}
