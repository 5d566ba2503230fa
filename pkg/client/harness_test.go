package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// scriptConn is a scriptable connection: the test plays the server by
// pushing envelopes into in and reading the client's writes from out.
type scriptConn struct {
	in   chan wire.Envelope
	out  chan wire.Envelope
	done chan struct{}
	once sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		in:   make(chan wire.Envelope, 64),
		out:  make(chan wire.Envelope, 64),
		done: make(chan struct{}),
	}
}

func (c *scriptConn) ReadEnvelope() (wire.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.done:
		return wire.Envelope{}, errors.New("connection closed")
	}
}

func (c *scriptConn) WriteEnvelope(env wire.Envelope) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.out <- env:
		return nil
	}
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// push plays a server-sent event.
func (c *scriptConn) push(t *testing.T, event string, data interface{}) {
	t.Helper()
	env, err := wire.NewEnvelope(event, data)
	require.NoError(t, err)
	select {
	case c.in <- env:
	case <-time.After(2 * time.Second):
		t.Fatalf("push %s: read loop not draining", event)
	}
}

// fakeTransport hands out script connections and can be told to fail.
type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	dials   int
	conns   chan *scriptConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *scriptConn, 8)}
}

func (ft *fakeTransport) Dial(_ context.Context, _ string) (Conn, error) {
	ft.mu.Lock()
	ft.dials++
	err := ft.dialErr
	ft.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := newScriptConn()
	select {
	case ft.conns <- c:
	default:
	}
	return c, nil
}

func (ft *fakeTransport) failDials(err error) {
	ft.mu.Lock()
	ft.dialErr = err
	ft.mu.Unlock()
}

func (ft *fakeTransport) dialCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.dials
}

// nextConn waits for the transport to hand a connection to the channel.
func (ft *fakeTransport) nextConn(t *testing.T) *scriptConn {
	t.Helper()
	select {
	case c := <-ft.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no dial happened")
		return nil
	}
}

// fastOpts keeps reconnect timing out of the test's way; the heartbeat is
// effectively disabled unless a test tunes it down.
func fastOpts() ChannelOptions {
	return ChannelOptions{
		BaseDelay:         time.Millisecond,
		Multiplier:        1.5,
		MaxDelay:          5 * time.Millisecond,
		MaxAttempts:       3,
		HeartbeatInterval: time.Minute,
	}
}

// connected dials a channel through the fake transport and waits for
// Connected.
func connected(t *testing.T, opts ChannelOptions) (*Channel, *scriptConn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ch := NewChannel(ft, opts, zap.NewNop())
	require.NoError(t, ch.Connect(context.Background(), "ws://test/ws"))
	conn := ft.nextConn(t)
	waitForState(t, ch, StateConnected)
	t.Cleanup(ch.Disconnect)
	return ch, conn, ft
}

func waitForState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want },
		2*time.Second, time.Millisecond,
		"waiting for state %s, still %s", want, ch.State())
}

// expectEvent reads the next non-heartbeat write off the wire and asserts
// its event name.
func expectEvent(t *testing.T, conn *scriptConn, event string) wire.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-conn.out:
			if env.Event == wire.EventHeartbeat {
				continue
			}
			require.Equal(t, event, env.Event)
			return env
		case <-deadline:
			t.Fatalf("no %s written to the wire", event)
			return wire.Envelope{}
		}
	}
}

// drainOut discards everything currently buffered on the wire.
func drainOut(conn *scriptConn) {
	for {
		select {
		case <-conn.out:
		default:
			return
		}
	}
}

// expectSilence asserts no non-heartbeat write happens for the window.
func expectSilence(t *testing.T, conn *scriptConn, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case env := <-conn.out:
			if env.Event == wire.EventHeartbeat {
				continue
			}
			t.Fatalf("unexpected %s written to the wire", env.Event)
		case <-deadline:
			return
		}
	}
}

// joinAs drives a full join handshake against the scripted server: the
// roster handed back contains self plus the given others.
func joinAs(t *testing.T, ch *Channel, conn *scriptConn, sess *Session, sessionID string, self wire.Participant, others ...wire.Participant) {
	t.Helper()
	errc := make(chan error, 1)
	rosterParts := append(append([]wire.Participant{}, others...), self)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := sess.Join(ctx, sessionID, self)
		errc <- err
	}()
	expectEvent(t, conn, wire.EventJoinSession)
	conn.push(t, wire.EventRosterSnapshot, wire.Roster{SessionID: sessionID, Participants: rosterParts})
	require.NoError(t, <-errc)
}
