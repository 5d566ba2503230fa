package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// State is the channel connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// LinkQuality is the heartbeat-derived link health indicator.
type LinkQuality string

const (
	LinkGood LinkQuality = "good"
	LinkPoor LinkQuality = "poor"
)

// StateChange is published on the channel's state stream on every
// transition, so dependents react without polling.
type StateChange struct {
	State   State
	Attempt int // reconnection attempt number, 0 outside Reconnecting
	Quality LinkQuality
	Err     error // terminal error when State is StateFailed
}

// Connectivity errors. Domain errors arriving over the channel are a
// different taxonomy and are never retried.
var (
	ErrNotConnected     = errors.New("channel not connected")
	ErrAlreadyConnected = errors.New("channel already connecting or connected")
	ErrReconnectFailed  = errors.New("reconnect attempts exhausted; manual retry required")
)

// ChannelOptions tunes reconnection and liveness. Zero values take the
// production defaults.
type ChannelOptions struct {
	BaseDelay         time.Duration // first reconnect delay (default 1s)
	Multiplier        float64       // backoff multiplier (default 1.5)
	MaxDelay          time.Duration // backoff cap (default 30s)
	MaxAttempts       int           // reconnect attempts before Failed (default 10)
	HeartbeatInterval time.Duration // heartbeat period while connected (default 5s)
}

func (o ChannelOptions) withDefaults() ChannelOptions {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.Multiplier <= 1 {
		o.Multiplier = 1.5
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	return o
}

// Channel owns one persistent duplex event connection: explicit state
// machine, exponential-backoff reconnection and heartbeat liveness.
// Incoming events are delivered sequentially on a single dispatch
// goroutine, so handlers never race each other.
type Channel struct {
	opts      ChannelOptions
	transport Transport
	log       *zap.Logger

	mu       sync.Mutex
	state    State
	quality  LinkQuality
	conn     Conn
	endpoint string
	gen      int // connection generation; stale goroutines check it and exit
	missed   int // heartbeats sent since the last ack

	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	events     chan wire.Envelope

	wmu sync.Mutex // serializes writes to conn

	states *stream[StateChange]

	hmu      sync.RWMutex
	handlers map[string][]func(wire.Envelope)
}

// NewChannel creates a channel manager. A nil logger is replaced with a
// nop logger.
func NewChannel(transport Transport, opts ChannelOptions, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		opts:      opts.withDefaults(),
		transport: transport,
		log:       log,
		state:     StateDisconnected,
		quality:   LinkGood,
		states:    newStream[StateChange](),
		handlers:  make(map[string][]func(wire.Envelope)),
	}
}

// States subscribes to connection state transitions.
func (c *Channel) States() (<-chan StateChange, func()) {
	return c.states.Subscribe()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler for an event kind. Handlers run sequentially on
// the dispatch goroutine.
func (c *Channel) On(event string, fn func(wire.Envelope)) {
	c.hmu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.hmu.Unlock()
}

// Connect starts the connection lifecycle toward endpoint. It returns
// immediately; progress is observable on the state stream. Only
// Disconnected and Failed channels may connect (Failed requires this
// manual retry).
func (c *Channel) Connect(ctx context.Context, endpoint string) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.lifeCancel != nil {
		// A retry after Failed releases the previous lifecycle.
		c.lifeCancel()
	}
	c.endpoint = endpoint
	c.missed = 0
	c.quality = LinkGood
	c.lifeCtx, c.lifeCancel = context.WithCancel(ctx)
	c.events = make(chan wire.Envelope, 256)
	c.setStateLocked(StateConnecting, 0, nil)
	lifeCtx, events := c.lifeCtx, c.events
	c.mu.Unlock()

	go c.dispatchLoop(lifeCtx, events)
	go func() {
		conn, err := c.transport.Dial(lifeCtx, endpoint)
		if err != nil {
			c.log.Warn("initial dial failed", zap.Error(err))
			c.reconnectLoop(lifeCtx)
			return
		}
		c.establish(lifeCtx, conn)
	}()
	return nil
}

// Disconnect tears the channel down from any state and cancels every
// session-scoped activity transitively.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.lifeCancel != nil {
		c.lifeCancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.missed = 0
	c.setStateLocked(StateDisconnected, 0, nil)
	c.mu.Unlock()
}

// Send marshals and writes one event. It fails fast with ErrNotConnected
// while the channel is anything but Connected; reconnection is the
// channel's own business, never the caller's.
func (c *Channel) Send(event string, data interface{}) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	env, err := wire.NewEnvelope(event, data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.WriteEnvelope(env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// establish promotes a dialed connection to Connected and starts its
// read and heartbeat loops.
func (c *Channel) establish(lifeCtx context.Context, conn Conn) {
	c.mu.Lock()
	if lifeCtx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.missed = 0
	c.quality = LinkGood
	c.setStateLocked(StateConnected, 0, nil)
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	go c.heartbeatLoop(lifeCtx, gen, conn)
}

func (c *Channel) readLoop(gen int, conn Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			c.lostConnection(gen, err)
			return
		}
		if env.Event == wire.EventHeartbeatAck {
			c.ackHeartbeat(gen)
			continue
		}
		c.mu.Lock()
		lifeCtx, events := c.lifeCtx, c.events
		c.mu.Unlock()
		select {
		case events <- env:
		case <-lifeCtx.Done():
			return
		}
	}
}

// dispatchLoop delivers received events sequentially to handlers: the
// client's single logical event loop.
func (c *Channel) dispatchLoop(lifeCtx context.Context, events chan wire.Envelope) {
	for {
		select {
		case <-lifeCtx.Done():
			return
		case env := <-events:
			c.hmu.RLock()
			fns := c.handlers[env.Event]
			c.hmu.RUnlock()
			for _, fn := range fns {
				fn(env)
			}
		}
	}
}

// heartbeatLoop emits a heartbeat every interval and tracks missed acks.
// Three consecutive misses downgrade the reported link quality; six force
// a reconnect cycle even though the transport never reported a loss —
// the transport cannot detect a silently-dead connection on its own.
func (c *Channel) heartbeatLoop(lifeCtx context.Context, gen int, conn Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lifeCtx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.gen != gen || c.state != StateConnected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.wmu.Lock()
		err := conn.WriteEnvelope(wire.Envelope{Event: wire.EventHeartbeat})
		c.wmu.Unlock()
		if err != nil {
			c.lostConnection(gen, err)
			return
		}

		// A heartbeat counts as missed only once it is on the wire; the
		// ack handler resets the counter.
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.missed++
		missed := c.missed
		if missed == 3 && c.quality != LinkPoor {
			c.quality = LinkPoor
			c.publishLocked(StateChange{State: StateConnected, Quality: LinkPoor})
			c.log.Warn("link quality degraded", zap.Int("missed_heartbeats", missed))
		}
		c.mu.Unlock()

		if missed >= 6 {
			c.log.Warn("heartbeat acks missing, forcing reconnect",
				zap.Int("missed_heartbeats", missed))
			c.lostConnection(gen, errors.New("heartbeat liveness lost"))
			return
		}
	}
}

func (c *Channel) ackHeartbeat(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.missed = 0
	if c.quality == LinkPoor {
		c.quality = LinkGood
		c.publishLocked(StateChange{State: StateConnected, Quality: LinkGood})
	}
}

// lostConnection handles transport loss (read error, write error or
// heartbeat starvation) exactly once per connection generation.
func (c *Channel) lostConnection(gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
	lifeCtx := c.lifeCtx
	c.setStateLocked(StateReconnecting, 0, nil)
	c.mu.Unlock()

	c.log.Warn("transport lost, reconnecting", zap.Error(cause))
	go c.reconnectLoop(lifeCtx)
}

// reconnectLoop runs the backoff cycle: base delay 1s, multiplier 1.5,
// capped at 30s, at most MaxAttempts attempts, then Failed.
func (c *Channel) reconnectLoop(lifeCtx context.Context) {
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		c.mu.Lock()
		if lifeCtx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateReconnecting, attempt, nil)
		endpoint := c.endpoint
		c.mu.Unlock()

		timer := time.NewTimer(c.backoff(attempt))
		select {
		case <-lifeCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.transport.Dial(lifeCtx, endpoint)
		if err != nil {
			c.log.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		c.establish(lifeCtx, conn)
		return
	}

	c.mu.Lock()
	if lifeCtx.Err() == nil {
		c.setStateLocked(StateFailed, c.opts.MaxAttempts, ErrReconnectFailed)
	}
	c.mu.Unlock()
}

// backoff returns the delay preceding the given attempt (1-based).
func (c *Channel) backoff(attempt int) time.Duration {
	d := float64(c.opts.BaseDelay) * math.Pow(c.opts.Multiplier, float64(attempt-1))
	if d > float64(c.opts.MaxDelay) {
		return c.opts.MaxDelay
	}
	return time.Duration(d)
}

func (c *Channel) setStateLocked(s State, attempt int, err error) {
	c.state = s
	c.publishLocked(StateChange{State: s, Attempt: attempt, Quality: c.quality, Err: err})
}

func (c *Channel) publishLocked(sc StateChange) {
	if sc.Quality == "" {
		sc.Quality = c.quality
	}
	c.states.publish(sc)
	c.log.Debug("channel state",
		zap.String("state", sc.State.String()),
		zap.Int("attempt", sc.Attempt),
		zap.String("quality", string(sc.Quality)))
}
