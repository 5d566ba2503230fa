package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/saivats/Digi-Kul-sub000/internal/errs"
	"github.com/saivats/Digi-Kul-sub000/internal/model"
	"github.com/saivats/Digi-Kul-sub000/internal/service"
)

// LectureHandler handles the REST API for sessions and polls.
type LectureHandler struct {
	svc service.LectureServicer
	cfg *service.WSConfig
}

// NewLectureHandler creates a lecture handler.
func NewLectureHandler(svc service.LectureServicer, wsBaseURL string) *LectureHandler {
	return &LectureHandler{
		svc: svc,
		cfg: &service.WSConfig{BaseURL: wsBaseURL},
	}
}

// StartSession godoc
// POST /lectures/:id/sessions
func (h *LectureHandler) StartSession(c *gin.Context) {
	lectureID := c.Param("id")
	var req model.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	sess, err := h.svc.StartSession(lectureID, req.TeacherID)
	if err != nil {
		if errors.Is(err, errs.ErrLectureNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lecture not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		return
	}
	c.JSON(http.StatusCreated, model.StartSessionResponse{
		SessionID: sess.ID,
		WSURL:     h.cfg.WSURL(sess.ID),
		Status:    string(sess.Status),
	})
}

// EndSession godoc
// DELETE /sessions/:id
func (h *LectureHandler) EndSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.svc.EndSession(sessionID); err != nil {
		switch {
		case errors.Is(err, errs.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, errs.ErrSessionEnded):
			c.JSON(http.StatusGone, gin.H{"error": "session already ended"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end session"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// ActiveSession godoc
// GET /lectures/:id/active-session
func (h *LectureHandler) ActiveSession(c *gin.Context) {
	lectureID := c.Param("id")
	sessionID, err := h.svc.ActiveSessionID(lectureID)
	if err != nil {
		if errors.Is(err, errs.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to look up session"})
		return
	}
	c.JSON(http.StatusOK, model.ActiveSessionResponse{SessionID: sessionID})
}

// CreatePoll godoc
// POST /lectures/:id/polls
func (h *LectureHandler) CreatePoll(c *gin.Context) {
	lectureID := c.Param("id")
	var req model.CreatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	poll, err := h.svc.CreatePoll(lectureID, req.Question, req.Options)
	if err != nil {
		if errors.Is(err, errs.ErrLectureNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lecture not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create poll"})
		return
	}
	c.JSON(http.StatusCreated, poll)
}

// LecturePolls godoc
// GET /lectures/:id/polls
func (h *LectureHandler) LecturePolls(c *gin.Context) {
	polls, err := h.svc.LecturePolls(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list polls"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"polls": polls})
}

// Vote godoc
// POST /polls/:id/votes
func (h *LectureHandler) Vote(c *gin.Context) {
	pollID := c.Param("id")
	var req model.VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "message": err.Error()})
		return
	}
	err := h.svc.Vote(pollID, req.VoterID, req.Option)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrPollNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "poll not found"})
		case errors.Is(err, errs.ErrAlreadyVoted):
			c.JSON(http.StatusConflict, gin.H{"error": "already voted"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record vote"})
		}
		return
	}
	c.Status(http.StatusCreated)
}

// PollResults godoc
// GET /polls/:id/results
func (h *LectureHandler) PollResults(c *gin.Context) {
	pollID := c.Param("id")
	tally, err := h.svc.PollResults(pollID)
	if err != nil {
		if errors.Is(err, errs.ErrPollNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "poll not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get results"})
		return
	}
	c.JSON(http.StatusOK, model.PollResultsResponse{PollID: pollID, Tally: tally})
}
