package errs

import "errors"

// Sentinel domain errors, mapped to HTTP codes in handlers and to
// wire-level error events in the hub.
var (
	ErrLectureNotFound = errors.New("lecture not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
	ErrPollNotFound    = errors.New("poll not found")
	ErrAlreadyVoted    = errors.New("participant already voted on poll")
	ErrNotTeacher      = errors.New("operation requires teacher role")
)
