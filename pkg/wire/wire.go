// Package wire defines the event protocol carried over the live-session
// WebSocket channel. Both the server hub and the client SDK speak this
// protocol, so the payload types live outside internal/.
package wire

import (
	"encoding/json"
	"time"
)

// Event names carried in the envelope.
const (
	EventJoinSession    = "join_session"
	EventLeaveSession   = "leave_session"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventRosterSnapshot = "roster_snapshot"
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"

	EventChatMessage = "chat_message"
	EventNewPoll     = "new_poll"
	EventPollVote    = "submit_poll_response"
	EventPollResults = "poll_results"
	EventShared      = "content_shared"

	EventDrawUpdate  = "draw_update"
	EventDrawHistory = "draw_history"

	EventOffer        = "webrtc_offer"
	EventAnswer       = "webrtc_answer"
	EventICECandidate = "webrtc_ice_candidate"

	EventHeartbeat     = "heartbeat"
	EventHeartbeatAck  = "heartbeat_ack"
	EventQualityReport = "quality_report"

	EventDeliveryFailure = "delivery_failure"
	EventError           = "error"
)

// Role of a session participant.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Envelope wraps every message on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an Envelope. A nil data produces an
// envelope with no payload (heartbeats).
func NewEnvelope(event string, data interface{}) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// Participant is a user's live presence within a session.
type Participant struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Role     Role   `json:"user_type"`
}

// Join is the client→server join_session payload.
type Join struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Role      Role   `json:"user_type"`
}

// Leave is the client→server leave_session payload.
type Leave struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// Presence is the server→clients user_joined / user_left payload.
type Presence struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Role     Role   `json:"user_type"`
}

// Roster is the snapshot a joiner receives; it already contains the
// joiner's own record.
type Roster struct {
	SessionID    string        `json:"session_id"`
	Participants []Participant `json:"participants"`
}

// Chat is a chat_message payload. Kind distinguishes user text from
// synthetic system entries sharing the same timeline.
type Chat struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Role      Role      `json:"user_type"`
	Kind      string    `json:"kind"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat message kinds.
const (
	ChatKindText         = "text"
	ChatKindSystem       = "system"
	ChatKindAnnouncement = "announcement"
	ChatKindPoll         = "poll"
	ChatKindQuiz         = "quiz"
)

// Poll is the teacher→clients new_poll payload.
type Poll struct {
	PollID   string   `json:"poll_id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// PollVote is the student→server submit_poll_response payload.
type PollVote struct {
	PollID   string `json:"poll_id"`
	Response string `json:"response"`
}

// PollResults is the server→clients tally broadcast.
type PollResults struct {
	PollID string         `json:"poll_id"`
	Tally  map[string]int `json:"tally"`
}

// Shared is the teacher→clients content_shared payload.
type Shared struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Point is a whiteboard coordinate normalized to [0,1]x[0,1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Draw update types.
const (
	DrawTypePath  = "path"
	DrawTypeClear = "clear"
)

// Draw is a draw_update payload and the element type of a draw_history
// snapshot.
type Draw struct {
	Type   string  `json:"type"`
	Points []Point `json:"points,omitempty"`
	Color  string  `json:"color,omitempty"`
	Width  float64 `json:"width,omitempty"`
}

// DrawHistory is the snapshot sent to a late joiner before any live
// draw_update.
type DrawHistory struct {
	SessionID string `json:"session_id"`
	Events    []Draw `json:"events"`
}

// Signal is the relay envelope for webrtc_offer / webrtc_answer /
// webrtc_ice_candidate. Payload is opaque to the relay.
type Signal struct {
	SessionID  string          `json:"session_id"`
	FromUserID string          `json:"from_user_id"`
	TargetID   string          `json:"target_user_id"`
	Payload    json.RawMessage `json:"payload"`
}

// QualityReport is the client→server transport health report.
type QualityReport struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Score     int       `json:"score"`
	Jitter    float64   `json:"jitter"`
	Lost      int       `json:"packets_lost"`
	RTT       float64   `json:"round_trip_time"`
	Bandwidth int       `json:"available_bandwidth"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliveryFailure tells a sender its signaling envelope could not reach
// the target (stale participant). It never terminates the channel.
type DeliveryFailure struct {
	Event    string `json:"event"`
	TargetID string `json:"target_user_id"`
	Reason   string `json:"reason"`
}

// Error is a domain error surfaced over the channel (unknown session,
// role not allowed). Code distinguishes it from connectivity failures.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeUnknownSession = "unknown_session"
	ErrCodeNotTeacher     = "not_teacher"
	ErrCodeBadEvent       = "bad_event"
)
