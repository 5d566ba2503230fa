// Package archive uploads finished session artifacts (chat timeline and
// whiteboard history) to an external archive service. The collaborator is
// optional: failures are logged and never affect a live session.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// Client posts session transcripts to ARCHIVE_BASE_URL.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

// NewClient creates an archive client.
func NewClient(baseURL string, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

type sessionArtifacts struct {
	SessionID  string      `json:"session_id"`
	ArchivedAt time.Time   `json:"archived_at"`
	Transcript []wire.Chat `json:"transcript"`
	Whiteboard []wire.Draw `json:"whiteboard"`
}

// ArchiveSession uploads the session transcript and final board state.
// Runs in its own goroutine so room teardown never blocks on the network.
func (c *Client) ArchiveSession(ctx context.Context, sessionID string, transcript []wire.Chat, board []wire.Draw) {
	payload := sessionArtifacts{
		SessionID:  sessionID,
		ArchivedAt: time.Now().UTC(),
		Transcript: transcript,
		Whiteboard: board,
	}
	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			c.log.Error("archive marshal", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/sessions/"+sessionID+"/archive", bytes.NewReader(body))
		if err != nil {
			c.log.Error("archive request", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Warn("archive upload failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			c.log.Warn("archive upload rejected",
				zap.String("session_id", sessionID),
				zap.Int("status", resp.StatusCode))
			return
		}
		c.log.Info("session archived",
			zap.String("session_id", sessionID),
			zap.Int("messages", len(transcript)),
			zap.Int("draw_events", len(board)))
	}()
}
