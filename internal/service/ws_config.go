package service

import "fmt"

// WSConfig holds the WebSocket URL base returned in API responses.
type WSConfig struct {
	BaseURL string
}

// WSURL returns the event channel URL (e.g. wss://host/ws). The session
// itself is joined over the channel with join_session.
func (c *WSConfig) WSURL(string) string {
	if c == nil || c.BaseURL == "" {
		return "/ws"
	}
	base := c.BaseURL
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return fmt.Sprintf("%s/ws", base)
}
