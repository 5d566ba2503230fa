package client

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// Conn is one established duplex connection carrying wire envelopes.
type Conn interface {
	ReadEnvelope() (wire.Envelope, error)
	WriteEnvelope(wire.Envelope) error
	Close() error
}

// Transport dials connections. The channel manager knows nothing about
// WebSockets; tests substitute a fake transport to feed synthetic event
// sequences and inject transport loss.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WSTransport is the gorilla/websocket transport.
type WSTransport struct {
	// DialTimeout bounds each connection attempt. Zero means 10s.
	DialTimeout time.Duration
}

// Dial connects to the endpoint (ws:// or wss://).
func (t *WSTransport) Dial(ctx context.Context, endpoint string) (Conn, error) {
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadEnvelope() (wire.Envelope, error) {
	var env wire.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return wire.Envelope{}, err
	}
	return env, nil
}

func (c *wsConn) WriteEnvelope(env wire.Envelope) error {
	return c.conn.WriteJSON(env)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
