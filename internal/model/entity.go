package model

import "time"

// Lecture — scheduled lecture metadata (GORM).
type Lecture struct {
	ID        string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Title     string    `gorm:"size:255;not null"`
	TeacherID string    `gorm:"type:uuid;not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Sessions []LiveSession `gorm:"foreignKey:LectureID"`
	Polls    []Poll        `gorm:"foreignKey:LectureID"`
}

func (Lecture) TableName() string { return "lectures" }

// LiveSession — one live run of a lecture (GORM). Created when the teacher
// starts the lecture, ended when the teacher ends it.
type LiveSession struct {
	ID        string     `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	LectureID string     `gorm:"type:uuid;not null;index"`
	TeacherID string     `gorm:"type:uuid;not null;index"`
	Status    string     `gorm:"size:20;not null;default:active"` // active, ended
	CreatedAt time.Time  `gorm:"autoCreateTime"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime"`
	EndedAt   *time.Time `gorm:"column:ended_at"`
}

func (LiveSession) TableName() string { return "live_sessions" }

// Poll — a multiple-choice poll attached to a lecture (GORM).
type Poll struct {
	ID        string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	LectureID string    `gorm:"type:uuid;not null;index"`
	SessionID string    `gorm:"type:uuid;index"`
	Question  string    `gorm:"size:500;not null"`
	Options   string    `gorm:"type:jsonb;not null"` // JSON array of option strings
	CreatedAt time.Time `gorm:"autoCreateTime"`

	Votes []PollVote `gorm:"foreignKey:PollID"`
}

func (Poll) TableName() string { return "polls" }

// PollVote — one vote per (poll, voter); the unique index enforces
// first-vote-wins at the storage layer.
type PollVote struct {
	ID      string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	PollID  string    `gorm:"type:uuid;not null;uniqueIndex:idx_poll_voter"`
	VoterID string    `gorm:"type:uuid;not null;uniqueIndex:idx_poll_voter"`
	Option  string    `gorm:"size:255;not null"`
	VotedAt time.Time `gorm:"column:voted_at;autoCreateTime"`
}

func (PollVote) TableName() string { return "poll_votes" }
