package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// Negotiator is the media layer's side of signaling: it produces and
// consumes session descriptions and candidates. The signaling component
// never inspects them beyond marshalling.
type Negotiator interface {
	// CreateOffer prepares an offer for the target peer.
	CreateOffer(ctx context.Context, target string) (webrtc.SessionDescription, error)
	// HandleOffer applies a remote offer and returns the answer.
	HandleOffer(ctx context.Context, from string, sdp webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// HandleAnswer applies a remote answer.
	HandleAnswer(ctx context.Context, from string, sdp webrtc.SessionDescription) error
	// AddICECandidate applies a remote candidate.
	AddICECandidate(ctx context.Context, from string, cand webrtc.ICECandidateInit) error
}

// Signaling relays offer/answer/candidate envelopes between participants.
// It is a pure pass-through over the channel: addressing only, payloads
// opaque.
//
// Initiation policy: students always initiate toward teachers, never the
// reverse, which avoids a symmetric-offer race. Offer handling is
// idempotent per (from, to) pair: a duplicate offer while a negotiation
// is in flight is answered again rather than forking a second one.
type Signaling struct {
	ch   *Channel
	sess *Session
	neg  Negotiator
	log  *zap.Logger

	mu       sync.Mutex
	offered  map[string]bool // targets with an offer in flight
	failures *stream[wire.DeliveryFailure]
}

// NewSignaling wires the relay onto a channel and session. The negotiator
// may be nil for relay-only use (incoming signals are then dropped with a
// warning).
func NewSignaling(ch *Channel, sess *Session, neg Negotiator, log *zap.Logger) *Signaling {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Signaling{
		ch:       ch,
		sess:     sess,
		neg:      neg,
		log:      log,
		offered:  make(map[string]bool),
		failures: newStream[wire.DeliveryFailure](),
	}
	ch.On(wire.EventOffer, s.handleOffer)
	ch.On(wire.EventAnswer, s.handleAnswer)
	ch.On(wire.EventICECandidate, s.handleCandidate)
	ch.On(wire.EventDeliveryFailure, s.handleDeliveryFailure)
	ch.On(wire.EventRosterSnapshot, s.handleRoster)
	ch.On(wire.EventUserJoined, s.handleUserJoined)
	sess.OnLeave(s.resetNegotiations)
	return s
}

// DeliveryFailures subscribes to dropped-envelope notifications. A failed
// envelope degrades one peer pair; it never ends the session.
func (s *Signaling) DeliveryFailures() (<-chan wire.DeliveryFailure, func()) {
	return s.failures.Subscribe()
}

// SendOffer relays an offer to the target participant.
func (s *Signaling) SendOffer(target string, sdp webrtc.SessionDescription) error {
	return s.send(wire.EventOffer, target, sdp)
}

// SendAnswer relays an answer to the target participant.
func (s *Signaling) SendAnswer(target string, sdp webrtc.SessionDescription) error {
	return s.send(wire.EventAnswer, target, sdp)
}

// SendICECandidate relays a candidate to the target participant.
func (s *Signaling) SendICECandidate(target string, cand webrtc.ICECandidateInit) error {
	return s.send(wire.EventICECandidate, target, cand)
}

func (s *Signaling) send(event, target string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.ch.Send(event, wire.Signal{
		SessionID:  s.sess.ID(),
		FromUserID: s.sess.Self().UserID,
		TargetID:   target,
		Payload:    raw,
	})
}

// handleRoster implements the join-side of the initiation policy: a
// student joining a session where a teacher is already present offers
// toward that teacher on the same dispatch tick.
func (s *Signaling) handleRoster(env wire.Envelope) {
	if s.sess.Self().Role != wire.RoleStudent {
		return
	}
	var roster wire.Roster
	if err := json.Unmarshal(env.Data, &roster); err != nil {
		return
	}
	for _, p := range roster.Participants {
		if p.Role == wire.RoleTeacher {
			s.initiate(p.UserID)
		}
	}
}

// handleUserJoined offers toward a teacher who (re)joins mid-session.
func (s *Signaling) handleUserJoined(env wire.Envelope) {
	if s.sess.Self().Role != wire.RoleStudent {
		return
	}
	var p wire.Presence
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return
	}
	if p.Role != wire.RoleTeacher {
		return
	}
	// A rejoining teacher needs a fresh negotiation.
	s.mu.Lock()
	delete(s.offered, p.UserID)
	s.mu.Unlock()
	s.initiate(p.UserID)
}

// initiate creates and sends one offer toward the teacher, at most once
// per negotiation.
func (s *Signaling) initiate(teacherID string) {
	if s.neg == nil {
		return
	}
	s.mu.Lock()
	if s.offered[teacherID] {
		s.mu.Unlock()
		return
	}
	s.offered[teacherID] = true
	s.mu.Unlock()

	sdp, err := s.neg.CreateOffer(context.Background(), teacherID)
	if err != nil {
		s.log.Warn("create offer failed", zap.String("target", teacherID), zap.Error(err))
		s.mu.Lock()
		delete(s.offered, teacherID)
		s.mu.Unlock()
		return
	}
	if err := s.SendOffer(teacherID, sdp); err != nil {
		s.log.Warn("send offer failed", zap.String("target", teacherID), zap.Error(err))
		s.mu.Lock()
		delete(s.offered, teacherID)
		s.mu.Unlock()
	}
}

func (s *Signaling) handleOffer(env wire.Envelope) {
	sig, ok := s.decode(env)
	if !ok || s.neg == nil {
		return
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &sdp); err != nil {
		s.log.Warn("malformed offer payload", zap.String("from", sig.FromUserID))
		return
	}
	answer, err := s.neg.HandleOffer(context.Background(), sig.FromUserID, sdp)
	if err != nil {
		s.log.Warn("handle offer failed", zap.String("from", sig.FromUserID), zap.Error(err))
		return
	}
	if err := s.SendAnswer(sig.FromUserID, answer); err != nil {
		s.log.Warn("send answer failed", zap.String("to", sig.FromUserID), zap.Error(err))
	}
}

func (s *Signaling) handleAnswer(env wire.Envelope) {
	sig, ok := s.decode(env)
	if !ok || s.neg == nil {
		return
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &sdp); err != nil {
		s.log.Warn("malformed answer payload", zap.String("from", sig.FromUserID))
		return
	}
	// Negotiation complete for this pair; a later teacher rejoin may
	// start a new one.
	s.mu.Lock()
	delete(s.offered, sig.FromUserID)
	s.mu.Unlock()
	if err := s.neg.HandleAnswer(context.Background(), sig.FromUserID, sdp); err != nil {
		s.log.Warn("handle answer failed", zap.String("from", sig.FromUserID), zap.Error(err))
	}
}

func (s *Signaling) handleCandidate(env wire.Envelope) {
	sig, ok := s.decode(env)
	if !ok || s.neg == nil {
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Payload, &cand); err != nil {
		s.log.Warn("malformed candidate payload", zap.String("from", sig.FromUserID))
		return
	}
	if err := s.neg.AddICECandidate(context.Background(), sig.FromUserID, cand); err != nil {
		s.log.Warn("add candidate failed", zap.String("from", sig.FromUserID), zap.Error(err))
	}
}

func (s *Signaling) handleDeliveryFailure(env wire.Envelope) {
	var df wire.DeliveryFailure
	if err := json.Unmarshal(env.Data, &df); err != nil {
		return
	}
	s.mu.Lock()
	delete(s.offered, df.TargetID)
	s.mu.Unlock()
	s.failures.publish(df)
	s.log.Warn("signal delivery failed",
		zap.String("event", df.Event),
		zap.String("target", df.TargetID),
		zap.String("reason", df.Reason))
}

func (s *Signaling) resetNegotiations() {
	s.mu.Lock()
	s.offered = make(map[string]bool)
	s.mu.Unlock()
}

func (s *Signaling) decode(env wire.Envelope) (wire.Signal, bool) {
	var sig wire.Signal
	if err := json.Unmarshal(env.Data, &sig); err != nil {
		s.log.Warn("malformed signal envelope", zap.Error(err))
		return wire.Signal{}, false
	}
	return sig, true
}
