package model

import "time"

// SessionStatus represents live session state.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// Session is the API view of a live session (not a GORM entity).
type Session struct {
	ID        string        `json:"id"`
	LectureID string        `json:"lecture_id"`
	TeacherID string        `json:"teacher_id"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// StartSessionRequest is the request body for POST /lectures/:id/sessions.
type StartSessionRequest struct {
	TeacherID string `json:"teacher_id" binding:"required"`
}

// StartSessionResponse is the response for POST /lectures/:id/sessions.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	WSURL     string `json:"ws_url"`
	Status    string `json:"status"`
}

// ActiveSessionResponse is the response for GET /lectures/:id/active-session.
type ActiveSessionResponse struct {
	SessionID string `json:"session_id"`
}

// PollView is the API view of a poll.
type PollView struct {
	ID        string    `json:"id"`
	LectureID string    `json:"lecture_id"`
	Question  string    `json:"question"`
	Options   []string  `json:"options"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatePollRequest is the request body for POST /lectures/:id/polls.
type CreatePollRequest struct {
	Question string   `json:"question" binding:"required"`
	Options  []string `json:"options" binding:"required,min=2"`
}

// VoteRequest is the request body for POST /polls/:id/votes.
type VoteRequest struct {
	VoterID string `json:"voter_id" binding:"required"`
	Option  string `json:"option" binding:"required"`
}

// PollResultsResponse is the response for GET /polls/:id/results.
type PollResultsResponse struct {
	PollID string         `json:"poll_id"`
	Tally  map[string]int `json:"tally"`
}
