package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

func newChatHarness(t *testing.T, self wire.Participant) (*scriptConn, *Session, *Chat) {
	t.Helper()
	ch, conn, _ := connected(t, fastOpts())
	sess := NewSession(ch, zap.NewNop())
	chat := NewChat(ch, sess, zap.NewNop())
	joinAs(t, ch, conn, sess, "s1", self)
	return conn, sess, chat
}

func TestSendRequiresMembership(t *testing.T) {
	ch, _, _ := connected(t, fastOpts())
	sess := NewSession(ch, zap.NewNop())
	chat := NewChat(ch, sess, zap.NewNop())

	_, err := chat.Send("hello")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestSendTracksDeliveryThroughEcho(t *testing.T) {
	conn, _, chat := newChatHarness(t, selfStudent)
	messages, cancel := chat.Messages()
	defer cancel()

	sent, err := chat.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, DeliverySending, sent.Status)
	assert.NotEmpty(t, sent.ID)

	// Optimistic append is visible immediately.
	first := nextMessage(t, messages)
	assert.Equal(t, DeliverySending, first.Status)
	assert.Equal(t, "hello", first.Body)

	// The server broadcast includes the sender; the echo doubles as the
	// delivery acknowledgement.
	env := expectEvent(t, conn, wire.EventChatMessage)
	var onWire wire.Chat
	require.NoError(t, unmarshalData(env, &onWire))
	onWire.Timestamp = time.Now().UTC()
	conn.push(t, wire.EventChatMessage, onWire)

	acked := nextMessage(t, messages)
	assert.Equal(t, sent.ID, acked.ID)
	assert.Equal(t, DeliverySent, acked.Status)

	timeline := chat.Timeline()
	require.Len(t, timeline, 1)
	assert.Equal(t, DeliverySent, timeline[0].Status)
}

func TestIncomingMessagesAppend(t *testing.T) {
	conn, _, chat := newChatHarness(t, selfStudent)
	messages, cancel := chat.Messages()
	defer cancel()

	conn.push(t, wire.EventChatMessage, wire.Chat{
		ID: "m-remote", SessionID: "s1", UserID: "u2", UserName: "Ben",
		Role: wire.RoleStudent, Kind: wire.ChatKindText, Body: "hi all",
		Timestamp: time.Now().UTC(),
	})
	conn.push(t, wire.EventChatMessage, wire.Chat{
		ID: "m-system", SessionID: "s1", Kind: wire.ChatKindSystem,
		Body: "Ben joined the session", Timestamp: time.Now().UTC(),
	})

	got := nextMessage(t, messages)
	assert.Equal(t, "hi all", got.Body)
	assert.Equal(t, DeliverySent, got.Status)

	// System notices share the timeline with user text.
	got = nextMessage(t, messages)
	assert.Equal(t, wire.ChatKindSystem, got.Kind)
	assert.Len(t, chat.Timeline(), 2)
}

func TestCreatePollRequiresTeacher(t *testing.T) {
	_, _, chat := newChatHarness(t, selfStudent)

	_, err := chat.CreatePoll("2+2?", []string{"3", "4"})
	assert.ErrorIs(t, err, ErrNotTeacher)
}

func TestCreatePollAnnounces(t *testing.T) {
	teacher := wire.Participant{UserID: "t1", UserName: "Prof", Role: wire.RoleTeacher}
	conn, _, chat := newChatHarness(t, teacher)
	polls, cancel := chat.Polls()
	defer cancel()

	created, err := chat.CreatePoll("2+2?", []string{"3", "4"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.PollID)

	env := expectEvent(t, conn, wire.EventNewPoll)
	var onWire wire.Poll
	require.NoError(t, unmarshalData(env, &onWire))
	assert.Equal(t, created.PollID, onWire.PollID)

	// The server broadcast reaches every participant, author included.
	conn.push(t, wire.EventNewPoll, onWire)
	select {
	case p := <-polls:
		assert.Equal(t, "2+2?", p.Question)
	case <-time.After(2 * time.Second):
		t.Fatal("poll announcement not published")
	}
}

func TestVoteIsFirstVoteWins(t *testing.T) {
	conn, _, chat := newChatHarness(t, selfStudent)

	require.NoError(t, chat.Vote("p1", "4"))
	expectEvent(t, conn, wire.EventPollVote)

	assert.ErrorIs(t, chat.Vote("p1", "3"), ErrAlreadyVoted)
	expectSilence(t, conn, 50*time.Millisecond)

	resp, ok := chat.VotedFor("p1")
	require.True(t, ok)
	assert.Equal(t, "4", resp)

	// A different poll is a fresh decision.
	require.NoError(t, chat.Vote("p2", "yes"))
	expectEvent(t, conn, wire.EventPollVote)
}

func TestFailedVoteSendAllowsRetry(t *testing.T) {
	ch, conn, _ := connected(t, fastOpts())
	sess := NewSession(ch, zap.NewNop())
	chat := NewChat(ch, sess, zap.NewNop())
	joinAs(t, ch, conn, sess, "s1", selfStudent)

	ch.Disconnect()
	err := chat.Vote("p1", "4")
	require.ErrorIs(t, err, ErrNotConnected)

	// The vote never left, so it must not count as cast.
	_, ok := chat.VotedFor("p1")
	assert.False(t, ok)
}

func TestPollResultsPublished(t *testing.T) {
	conn, _, chat := newChatHarness(t, selfStudent)
	results, cancel := chat.Results()
	defer cancel()

	conn.push(t, wire.EventPollResults, wire.PollResults{
		PollID: "p1", Tally: map[string]int{"3": 1, "4": 2},
	})

	select {
	case res := <-results:
		assert.Equal(t, "p1", res.PollID)
		assert.Equal(t, 2, res.Tally["4"])
	case <-time.After(2 * time.Second):
		t.Fatal("results not published")
	}
}

func TestTimelineResetsOnLeave(t *testing.T) {
	conn, sess, chat := newChatHarness(t, selfStudent)
	_, err := chat.Send("hello")
	require.NoError(t, err)
	expectEvent(t, conn, wire.EventChatMessage)
	require.NoError(t, chat.Vote("p1", "4"))
	expectEvent(t, conn, wire.EventPollVote)

	require.NoError(t, sess.Leave())

	assert.Empty(t, chat.Timeline())
	_, ok := chat.VotedFor("p1")
	assert.False(t, ok)
}

func nextMessage(t *testing.T, messages <-chan ChatMessage) ChatMessage {
	t.Helper()
	select {
	case m := <-messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no chat message published")
		return ChatMessage{}
	}
}
