package hub

import (
	"sync"
	"time"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// Conn is the subset of *websocket.Conn the hub needs; tests substitute
// fakes to feed synthetic event sequences.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Peer represents one participant's connection in a session room.
type Peer struct {
	SessionID string
	UserID    string
	UserName  string
	Role      wire.Role
	Conn      Conn
	Send      chan []byte

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
}

// queue enqueues raw bytes for the write pump without blocking. It reports
// false when the peer is closed or its buffer is full.
func (p *Peer) queue(raw []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.Send <- raw:
		return true
	default:
		return false
	}
}

// Close shuts the send channel exactly once. The write pump drains what
// is still queued and closes the connection when it exits; the read pump
// unblocks on that close.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.Send)
	p.mu.Unlock()
}

// Touch records activity on the connection. Heartbeats and any inbound
// event reset the liveness clock.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

// LastSeen returns the time of the most recent inbound activity.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Participant returns the wire-level participant record for this peer.
func (p *Peer) Participant() wire.Participant {
	return wire.Participant{UserID: p.UserID, UserName: p.UserName, Role: p.Role}
}
