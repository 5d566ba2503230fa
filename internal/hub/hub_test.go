package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

type fakeConn struct{}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }
func (c *fakeConn) Close() error                   { return nil }

// exclusiveConn flags overlapping WriteMessage calls; the websocket
// transport permits a single writer.
type exclusiveConn struct {
	writing  int32
	overlaps int32
	closed   int32
}

func (c *exclusiveConn) WriteMessage(int, []byte) error {
	if !atomic.CompareAndSwapInt32(&c.writing, 0, 1) {
		atomic.AddInt32(&c.overlaps, 1)
		return nil
	}
	time.Sleep(50 * time.Microsecond)
	atomic.StoreInt32(&c.writing, 0)
	return nil
}

func (c *exclusiveConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return New(Options{DrawHistoryCap: 100}, zap.NewNop())
}

// drain empties a peer's send buffer into decoded envelopes.
func drain(t *testing.T, p *Peer) []wire.Envelope {
	t.Helper()
	var out []wire.Envelope
	for {
		select {
		case raw, ok := <-p.Send:
			if !ok {
				return out
			}
			var env wire.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func envelope(t *testing.T, event string, data interface{}) wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(event, data)
	require.NoError(t, err)
	return env
}

func join(t *testing.T, h *Hub, sessionID, userID, userName string, role wire.Role) *Peer {
	t.Helper()
	p := h.NewPeer(&fakeConn{})
	h.HandleEvent(p, envelope(t, wire.EventJoinSession, wire.Join{
		SessionID: sessionID,
		UserID:    userID,
		UserName:  userName,
		Role:      role,
	}))
	require.Equal(t, sessionID, p.SessionID, "join was rejected")
	return p
}

func TestHeartbeatAckWithoutJoin(t *testing.T) {
	h := newTestHub(t)
	p := h.NewPeer(&fakeConn{})

	h.HandleEvent(p, envelope(t, wire.EventHeartbeat, nil))

	got := drain(t, p)
	require.Len(t, got, 1)
	assert.Equal(t, wire.EventHeartbeatAck, got[0].Event)
}

func TestJoinUnknownSession(t *testing.T) {
	h := newTestHub(t)
	p := h.NewPeer(&fakeConn{})

	h.HandleEvent(p, envelope(t, wire.EventJoinSession, wire.Join{
		SessionID: "nope", UserID: "u1", UserName: "U", Role: wire.RoleStudent,
	}))

	got := drain(t, p)
	require.Len(t, got, 1)
	require.Equal(t, wire.EventError, got[0].Event)
	var we wire.Error
	require.NoError(t, json.Unmarshal(got[0].Data, &we))
	assert.Equal(t, wire.ErrCodeUnknownSession, we.Code)
	assert.Empty(t, p.SessionID)
}

func TestJoinSnapshotPrecedesLiveEvents(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	drain(t, teacher)

	h.HandleEvent(teacher, envelope(t, wire.EventDrawUpdate, wire.Draw{
		Type: wire.DrawTypePath, Points: []wire.Point{{X: 0.1, Y: 0.1}, {X: 0.5, Y: 0.5}},
	}))
	h.HandleEvent(teacher, envelope(t, wire.EventDrawUpdate, wire.Draw{
		Type: wire.DrawTypePath, Points: []wire.Point{{X: 0.2, Y: 0.2}, {X: 0.9, Y: 0.9}},
	}))

	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	got := drain(t, student)
	require.GreaterOrEqual(t, len(got), 2)

	// Roster snapshot first, whiteboard history second; both before any
	// live broadcast reaches the late joiner.
	assert.Equal(t, wire.EventRosterSnapshot, got[0].Event)
	var roster wire.Roster
	require.NoError(t, json.Unmarshal(got[0].Data, &roster))
	require.Len(t, roster.Participants, 2)
	assert.Equal(t, "t1", roster.Participants[0].UserID)
	assert.Equal(t, "u1", roster.Participants[1].UserID)

	assert.Equal(t, wire.EventDrawHistory, got[1].Event)
	var hist wire.DrawHistory
	require.NoError(t, json.Unmarshal(got[1].Data, &hist))
	assert.Len(t, hist.Events, 2)
}

func TestJoinBroadcastsPresence(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	drain(t, teacher)

	join(t, h, "s1", "u1", "Asha", wire.RoleStudent)

	got := drain(t, teacher)
	require.NotEmpty(t, got)
	assert.Equal(t, wire.EventUserJoined, got[0].Event)
	var pres wire.Presence
	require.NoError(t, json.Unmarshal(got[0].Data, &pres))
	assert.Equal(t, "u1", pres.UserID)
	assert.Equal(t, wire.RoleStudent, pres.Role)
}

func TestReconnectReplacesWithoutLeaveBroadcast(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	first := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, teacher)

	// Same user joins again on a new connection (reconnect after a dead
	// transport the server has not noticed yet).
	second := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)

	roster, err := h.Roster("s1")
	require.NoError(t, err)
	assert.Len(t, roster.Participants, 2, "reconnect must not duplicate the roster entry")

	for _, env := range drain(t, teacher) {
		assert.NotEqual(t, wire.EventUserLeft, env.Event, "reconnect must not look like a departure")
	}

	// The stale peer's send queue is shut and its eventual drop is a no-op.
	assert.False(t, first.queue([]byte("{}")), "stale peer must not accept writes")
	h.DropPeer(first)
	assert.Equal(t, 2, h.PeerCount("s1"))
	assert.Equal(t, "s1", second.SessionID)
}

func TestLeaveBroadcastAndRoomTeardown(t *testing.T) {
	archiver := &captureArchiver{}
	h := newTestHub(t)
	h.SetArchiver(archiver)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, teacher)

	h.HandleEvent(student, envelope(t, wire.EventLeaveSession, wire.Leave{SessionID: "s1", UserID: "u1"}))

	got := drain(t, teacher)
	require.NotEmpty(t, got)
	assert.Equal(t, wire.EventUserLeft, got[0].Event)
	assert.Empty(t, student.SessionID, "channel stays open but membership is gone")

	// Last participant out destroys the room and hands it to the archive.
	h.HandleEvent(teacher, envelope(t, wire.EventLeaveSession, wire.Leave{SessionID: "s1", UserID: "t1"}))
	assert.Equal(t, 0, h.PeerCount("s1"))
	require.Len(t, archiver.sessions, 1)
	assert.Equal(t, "s1", archiver.sessions[0])
	assert.NotEmpty(t, archiver.transcripts[0], "timeline includes the session-start marker")
}

type captureArchiver struct {
	sessions    []string
	transcripts [][]wire.Chat
	boards      [][]wire.Draw
}

func (a *captureArchiver) ArchiveSession(_ context.Context, sessionID string, transcript []wire.Chat, board []wire.Draw) {
	a.sessions = append(a.sessions, sessionID)
	a.transcripts = append(a.transcripts, transcript)
	a.boards = append(a.boards, board)
}

func TestChatEchoesToSender(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, teacher)
	drain(t, student)

	h.HandleEvent(student, envelope(t, wire.EventChatMessage, wire.Chat{ID: "m1", Body: "hello"}))

	for _, p := range []*Peer{teacher, student} {
		got := drain(t, p)
		require.NotEmpty(t, got)
		var msg wire.Chat
		require.NoError(t, json.Unmarshal(got[0].Data, &msg))
		assert.Equal(t, wire.EventChatMessage, got[0].Event)
		assert.Equal(t, "m1", msg.ID)
		// Identity always comes from the registered peer, never the payload.
		assert.Equal(t, "u1", msg.UserID)
		assert.Equal(t, "Asha", msg.UserName)
		assert.Equal(t, wire.ChatKindText, msg.Kind)
		assert.False(t, msg.Timestamp.IsZero())
	}
}

func TestFirstVoteWins(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	s1 := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	s2 := join(t, h, "s1", "u2", "Ben", wire.RoleStudent)
	s3 := join(t, h, "s1", "u3", "Chitra", wire.RoleStudent)

	h.HandleEvent(teacher, envelope(t, wire.EventNewPoll, wire.Poll{
		PollID: "p1", Question: "2+2?", Options: []string{"A", "B"},
	}))
	for _, p := range []*Peer{teacher, s1, s2, s3} {
		drain(t, p)
	}

	h.HandleEvent(s1, envelope(t, wire.EventPollVote, wire.PollVote{PollID: "p1", Response: "A"}))
	h.HandleEvent(s2, envelope(t, wire.EventPollVote, wire.PollVote{PollID: "p1", Response: "A"}))
	h.HandleEvent(s3, envelope(t, wire.EventPollVote, wire.PollVote{PollID: "p1", Response: "B"}))
	drain(t, teacher)
	drain(t, s1)

	// A repeated vote changes nothing; only the repeat voter hears back.
	h.HandleEvent(s1, envelope(t, wire.EventPollVote, wire.PollVote{PollID: "p1", Response: "B"}))

	repeat := drain(t, s1)
	require.Len(t, repeat, 1)
	require.Equal(t, wire.EventPollResults, repeat[0].Event)
	var res wire.PollResults
	require.NoError(t, json.Unmarshal(repeat[0].Data, &res))
	assert.Equal(t, map[string]int{"A": 2, "B": 1}, res.Tally)

	assert.Empty(t, drain(t, teacher), "repeat vote must not rebroadcast results")
}

func TestVoteRejectsUnknownOption(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	s1 := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	h.HandleEvent(teacher, envelope(t, wire.EventNewPoll, wire.Poll{
		PollID: "p1", Question: "2+2?", Options: []string{"A", "B"},
	}))
	drain(t, s1)

	h.HandleEvent(s1, envelope(t, wire.EventPollVote, wire.PollVote{PollID: "p1", Response: "C"}))
	h.HandleEvent(s1, envelope(t, wire.EventPollVote, wire.PollVote{PollID: "p1", Response: "A"}))
	drain(t, teacher)

	got := drain(t, s1)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, wire.EventPollResults, last.Event)
	var res wire.PollResults
	require.NoError(t, json.Unmarshal(last.Data, &res))
	assert.Equal(t, map[string]int{"A": 1, "B": 0}, res.Tally, "invalid option must not consume the vote")
}

func TestTeacherOnlyEvents(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, student)

	tests := []struct {
		name  string
		event string
		data  interface{}
	}{
		{"draw", wire.EventDrawUpdate, wire.Draw{Type: wire.DrawTypePath, Points: []wire.Point{{X: 0, Y: 0}}}},
		{"poll", wire.EventNewPoll, wire.Poll{Question: "q", Options: []string{"A", "B"}}},
		{"share", wire.EventShared, wire.Shared{URL: "https://x/slides.pdf", Type: "pdf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.HandleEvent(student, envelope(t, tt.event, tt.data))
			got := drain(t, student)
			require.Len(t, got, 1)
			require.Equal(t, wire.EventError, got[0].Event)
			var we wire.Error
			require.NoError(t, json.Unmarshal(got[0].Data, &we))
			assert.Equal(t, wire.ErrCodeNotTeacher, we.Code)
		})
	}
}

func TestClearTruncatesDrawHistory(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)

	for i := 0; i < 3; i++ {
		h.HandleEvent(teacher, envelope(t, wire.EventDrawUpdate, wire.Draw{
			Type: wire.DrawTypePath, Points: []wire.Point{{X: 0.1, Y: 0.1}},
		}))
	}
	h.HandleEvent(teacher, envelope(t, wire.EventDrawUpdate, wire.Draw{Type: wire.DrawTypeClear}))

	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	got := drain(t, student)
	require.GreaterOrEqual(t, len(got), 2)
	var hist wire.DrawHistory
	require.NoError(t, json.Unmarshal(got[1].Data, &hist))
	require.Len(t, hist.Events, 1, "clear leaves only the clear marker")
	assert.Equal(t, wire.DrawTypeClear, hist.Events[0].Type)
}

func TestSignalRelay(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, teacher)
	drain(t, student)

	payload := json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
	h.HandleEvent(student, envelope(t, wire.EventOffer, wire.Signal{
		TargetID: "t1",
		// Forged sender identity must be overwritten by the relay.
		FromUserID: "someone-else",
		Payload:    payload,
	}))

	got := drain(t, teacher)
	require.Len(t, got, 1)
	require.Equal(t, wire.EventOffer, got[0].Event)
	var sig wire.Signal
	require.NoError(t, json.Unmarshal(got[0].Data, &sig))
	assert.Equal(t, "u1", sig.FromUserID)
	assert.Equal(t, "s1", sig.SessionID)
	assert.JSONEq(t, string(payload), string(sig.Payload), "relay must not inspect or rewrite the payload")

	assert.Empty(t, drain(t, student), "relay is point to point")
}

func TestSignalToStaleTargetReportsDeliveryFailure(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, student)

	h.HandleEvent(student, envelope(t, wire.EventICECandidate, wire.Signal{
		TargetID: "gone", Payload: json.RawMessage(`{}`),
	}))

	got := drain(t, student)
	require.Len(t, got, 1)
	require.Equal(t, wire.EventDeliveryFailure, got[0].Event)
	var df wire.DeliveryFailure
	require.NoError(t, json.Unmarshal(got[0].Data, &df))
	assert.Equal(t, wire.EventICECandidate, df.Event)
	assert.Equal(t, "gone", df.TargetID)
}

func TestQualityReportForwardedToTeacher(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, teacher)

	h.HandleEvent(student, envelope(t, wire.EventQualityReport, wire.QualityReport{
		Score: 55, Jitter: 0.02, Lost: 10, RTT: 0.2, Bandwidth: 300_000,
	}))

	got := drain(t, teacher)
	require.Len(t, got, 1)
	require.Equal(t, wire.EventQualityReport, got[0].Event)
	var q wire.QualityReport
	require.NoError(t, json.Unmarshal(got[0].Data, &q))
	assert.Equal(t, "u1", q.UserID)
	assert.Equal(t, 55, q.Score)
}

func TestCloseRoomEndsSession(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, student)

	h.CloseRoom("s1")

	got := drain(t, student)
	require.GreaterOrEqual(t, len(got), 2)

	// The end-of-session marker lands on the shared timeline before the
	// terminal event.
	marker := got[len(got)-2]
	require.Equal(t, wire.EventChatMessage, marker.Event)
	var msg wire.Chat
	require.NoError(t, json.Unmarshal(marker.Data, &msg))
	assert.Equal(t, wire.ChatKindSystem, msg.Kind)
	assert.Equal(t, "session ended", msg.Body)

	assert.Equal(t, wire.EventSessionEnded, got[len(got)-1].Event)
	assert.False(t, student.queue([]byte("{}")), "send queue shut after session_ended")
	assert.Equal(t, 0, h.PeerCount("s1"))
}

func TestCloseRoomWritesViaSendQueue(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)

	conn := &exclusiveConn{}
	student := h.NewPeer(conn)
	h.HandleEvent(student, envelope(t, wire.EventJoinSession, wire.Join{
		SessionID: "s1", UserID: "u1", UserName: "Asha", Role: wire.RoleStudent,
	}))
	require.Equal(t, "s1", student.SessionID)

	// Stand-in for the handler's write pump: the only goroutine allowed
	// to touch the connection. It drains the queue, session_ended
	// included, then closes the connection.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for raw := range student.Send {
			_ = conn.WriteMessage(websocket.TextMessage, raw)
		}
		_ = conn.Close()
	}()

	// Chat broadcasts keep the pump busy while the room shuts down.
	chatDone := make(chan struct{})
	go func() {
		defer close(chatDone)
		for i := 0; i < 50; i++ {
			h.HandleEvent(teacher, envelope(t, wire.EventChatMessage, wire.Chat{Body: "x"}))
		}
	}()

	h.CloseRoom("s1")
	<-chatDone
	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
		t.Fatal("write pump never finished draining")
	}

	assert.Zero(t, atomic.LoadInt32(&conn.overlaps),
		"only the write pump may write to the connection")
	assert.Equal(t, int32(1), atomic.LoadInt32(&conn.closed))
}

func TestTeacherJoinAnnouncesSessionStart(t *testing.T) {
	h := newTestHub(t)
	h.OpenRoom("s1", "t1")
	student := join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, student)

	join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)

	var events []string
	for _, env := range drain(t, student) {
		events = append(events, env.Event)
	}
	assert.Contains(t, events, wire.EventSessionStarted,
		"students who connected early learn the lecture went live")
	assert.Contains(t, events, wire.EventUserJoined)
}

func TestLivenessSweepRemovesStalePeers(t *testing.T) {
	h := New(Options{LivenessTimeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, zap.NewNop())
	h.OpenRoom("s1", "t1")
	teacher := join(t, h, "s1", "t1", "Prof", wire.RoleTeacher)
	join(t, h, "s1", "u1", "Asha", wire.RoleStudent)
	drain(t, teacher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	// The teacher keeps heartbeating; the student goes silent. Timeout
	// removal goes through the normal leave path, so the teacher must
	// see a user_left for the swept student.
	var sawLeft bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !sawLeft {
		h.HandleEvent(teacher, envelope(t, wire.EventHeartbeat, nil))
		for _, env := range drain(t, teacher) {
			if env.Event == wire.EventUserLeft {
				sawLeft = true
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, sawLeft, "silent peer should be swept via leave")
	assert.Equal(t, 1, h.PeerCount("s1"))
}
