package service

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/saivats/Digi-Kul-sub000/internal/errs"
	"github.com/saivats/Digi-Kul-sub000/internal/hub"
	"github.com/saivats/Digi-Kul-sub000/internal/model"
)

// LectureServicer is the handler-facing interface.
type LectureServicer interface {
	StartSession(lectureID, teacherID string) (*model.Session, error)
	EndSession(sessionID string) error
	GetSession(sessionID string) (*model.Session, error)
	ActiveSessionID(lectureID string) (string, error)
	CreatePoll(lectureID, question string, options []string) (*model.PollView, error)
	LecturePolls(lectureID string) ([]model.PollView, error)
	Vote(pollID, voterID, option string) error
	PollResults(pollID string) (map[string]int, error)
}

// LectureService manages lecture session and poll metadata, and drives
// room lifecycle in the hub.
type LectureService struct {
	db  *gorm.DB
	hub *hub.Hub
}

// NewLectureService creates a lecture service.
func NewLectureService(db *gorm.DB, h *hub.Hub) *LectureService {
	return &LectureService{db: db, hub: h}
}

// StartSession creates a live session for a lecture and opens its room.
// An already-active session for the lecture is returned as-is so a teacher
// rejoin does not fork the room.
func (s *LectureService) StartSession(lectureID, teacherID string) (*model.Session, error) {
	var lec model.Lecture
	if err := s.db.Where("id = ?", lectureID).First(&lec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrLectureNotFound
		}
		return nil, err
	}

	var existing model.LiveSession
	err := s.db.Where("lecture_id = ? AND status = ?", lectureID, string(model.SessionStatusActive)).
		First(&existing).Error
	if err == nil {
		s.hub.OpenRoom(existing.ID, existing.TeacherID)
		return entityToSession(&existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	ent := &model.LiveSession{
		ID:        uuid.New().String(),
		LectureID: lectureID,
		TeacherID: teacherID,
		Status:    string(model.SessionStatusActive),
	}
	if err := s.db.Create(ent).Error; err != nil {
		return nil, err
	}
	s.hub.OpenRoom(ent.ID, teacherID)
	return entityToSession(ent), nil
}

// EndSession marks the session ended and closes its room.
func (s *LectureService) EndSession(sessionID string) error {
	var ent model.LiveSession
	if err := s.db.Where("id = ?", sessionID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.ErrSessionNotFound
		}
		return err
	}
	if ent.Status == string(model.SessionStatusEnded) {
		return errs.ErrSessionEnded
	}
	now := time.Now()
	if err := s.db.Model(&ent).Updates(map[string]interface{}{
		"status":   string(model.SessionStatusEnded),
		"ended_at": now,
	}).Error; err != nil {
		return err
	}
	s.hub.CloseRoom(sessionID)
	return nil
}

// GetSession returns a session by ID.
func (s *LectureService) GetSession(sessionID string) (*model.Session, error) {
	var ent model.LiveSession
	if err := s.db.Where("id = ?", sessionID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrSessionNotFound
		}
		return nil, err
	}
	return entityToSession(&ent), nil
}

// ActiveSessionID returns the running session for a lecture, if any.
func (s *LectureService) ActiveSessionID(lectureID string) (string, error) {
	var ent model.LiveSession
	err := s.db.Where("lecture_id = ? AND status = ?", lectureID, string(model.SessionStatusActive)).
		First(&ent).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errs.ErrSessionNotFound
		}
		return "", err
	}
	return ent.ID, nil
}

// CreatePoll persists a poll attached to a lecture (and its active
// session when one is running).
func (s *LectureService) CreatePoll(lectureID, question string, options []string) (*model.PollView, error) {
	var lec model.Lecture
	if err := s.db.Where("id = ?", lectureID).First(&lec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrLectureNotFound
		}
		return nil, err
	}
	optJSON, err := json.Marshal(options)
	if err != nil {
		return nil, err
	}
	sessionID, _ := s.ActiveSessionID(lectureID)
	ent := &model.Poll{
		ID:        uuid.New().String(),
		LectureID: lectureID,
		SessionID: sessionID,
		Question:  question,
		Options:   string(optJSON),
	}
	if err := s.db.Create(ent).Error; err != nil {
		return nil, err
	}
	return entityToPoll(ent), nil
}

// LecturePolls returns all polls of a lecture, oldest first.
func (s *LectureService) LecturePolls(lectureID string) ([]model.PollView, error) {
	var ents []model.Poll
	if err := s.db.Where("lecture_id = ?", lectureID).Order("created_at asc").Find(&ents).Error; err != nil {
		return nil, err
	}
	out := make([]model.PollView, 0, len(ents))
	for i := range ents {
		out = append(out, *entityToPoll(&ents[i]))
	}
	return out, nil
}

// Vote records a vote; the first vote per (poll, voter) wins, enforced by
// both the pre-check and the unique index.
func (s *LectureService) Vote(pollID, voterID, option string) error {
	var poll model.Poll
	if err := s.db.Where("id = ?", pollID).First(&poll).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.ErrPollNotFound
		}
		return err
	}
	var count int64
	if err := s.db.Model(&model.PollVote{}).
		Where("poll_id = ? AND voter_id = ?", pollID, voterID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errs.ErrAlreadyVoted
	}
	vote := &model.PollVote{
		ID:      uuid.New().String(),
		PollID:  pollID,
		VoterID: voterID,
		Option:  option,
		VotedAt: time.Now(),
	}
	if err := s.db.Create(vote).Error; err != nil {
		// Concurrent duplicate slips past the pre-check; the unique
		// index rejects it.
		return errs.ErrAlreadyVoted
	}
	return nil
}

// PollResults returns the vote tally, with zero counts for unvoted options.
func (s *LectureService) PollResults(pollID string) (map[string]int, error) {
	var poll model.Poll
	if err := s.db.Where("id = ?", pollID).Preload("Votes").First(&poll).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrPollNotFound
		}
		return nil, err
	}
	var options []string
	if err := json.Unmarshal([]byte(poll.Options), &options); err != nil {
		return nil, err
	}
	tally := make(map[string]int, len(options))
	for _, o := range options {
		tally[o] = 0
	}
	for _, v := range poll.Votes {
		tally[v.Option]++
	}
	return tally, nil
}

func entityToSession(ent *model.LiveSession) *model.Session {
	return &model.Session{
		ID:        ent.ID,
		LectureID: ent.LectureID,
		TeacherID: ent.TeacherID,
		Status:    model.SessionStatus(ent.Status),
		CreatedAt: ent.CreatedAt,
		EndedAt:   ent.EndedAt,
	}
}

func entityToPoll(ent *model.Poll) *model.PollView {
	var options []string
	_ = json.Unmarshal([]byte(ent.Options), &options)
	return &model.PollView{
		ID:        ent.ID,
		LectureID: ent.LectureID,
		Question:  ent.Question,
		Options:   options,
		CreatedAt: ent.CreatedAt,
	}
}
