package client

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// DeliveryStatus tracks a locally sent chat message through the server
// echo: sending until the broadcast comes back, then sent. Failed means
// the write itself was rejected.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// ChatMessage is a chat entry as kept in the local timeline. Status is
// meaningful only for messages this participant sent; everything
// received from others is implicitly delivered.
type ChatMessage struct {
	wire.Chat
	Status DeliveryStatus
}

var (
	// ErrAlreadyVoted reports a repeated vote on the same poll. The
	// server enforces first-vote-wins too; this is the local fast path.
	ErrAlreadyVoted = errors.New("already voted on this poll")
	// ErrNotTeacher rejects teacher-only actions from students.
	ErrNotTeacher = errors.New("action requires teacher role")
)

// Chat multiplexes the session message bus: text chat with delivery
// tracking, teacher polls and live tallies.
type Chat struct {
	ch   *Channel
	sess *Session
	log  *zap.Logger

	mu       sync.Mutex
	timeline []ChatMessage
	byID     map[string]int
	voted    map[string]string

	messages *stream[ChatMessage]
	polls    *stream[wire.Poll]
	results  *stream[wire.PollResults]
}

// NewChat wires the message bus onto a connected channel and session.
func NewChat(ch *Channel, sess *Session, log *zap.Logger) *Chat {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Chat{
		ch:       ch,
		sess:     sess,
		log:      log,
		byID:     make(map[string]int),
		voted:    make(map[string]string),
		messages: newStream[ChatMessage](),
		polls:    newStream[wire.Poll](),
		results:  newStream[wire.PollResults](),
	}
	ch.On(wire.EventChatMessage, c.handleMessage)
	ch.On(wire.EventNewPoll, c.handleNewPoll)
	ch.On(wire.EventPollResults, c.handleResults)
	sess.OnLeave(c.reset)
	return c
}

// Messages subscribes to timeline updates. A message appears twice for
// the local sender: once as sending, once as sent when the echo lands.
func (c *Chat) Messages() (<-chan ChatMessage, func()) { return c.messages.Subscribe() }

// Polls subscribes to new poll announcements.
func (c *Chat) Polls() (<-chan wire.Poll, func()) { return c.polls.Subscribe() }

// Results subscribes to poll tally broadcasts.
func (c *Chat) Results() (<-chan wire.PollResults, func()) { return c.results.Subscribe() }

// Timeline returns a copy of the message history, oldest first.
func (c *Chat) Timeline() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.timeline))
	copy(out, c.timeline)
	return out
}

// Send appends the message optimistically and ships it. The returned
// message carries the generated id; its status flips to sent when the
// server echoes the broadcast back.
func (c *Chat) Send(body string) (ChatMessage, error) {
	self := c.sess.Self()
	msg := ChatMessage{
		Chat: wire.Chat{
			ID:        uuid.NewString(),
			SessionID: c.sess.ID(),
			UserID:    self.UserID,
			UserName:  self.UserName,
			Role:      self.Role,
			Kind:      wire.ChatKindText,
			Body:      body,
			Timestamp: time.Now().UTC(),
		},
		Status: DeliverySending,
	}
	if msg.SessionID == "" {
		return ChatMessage{}, ErrNotJoined
	}

	c.append(msg)
	if err := c.ch.Send(wire.EventChatMessage, msg.Chat); err != nil {
		c.setStatus(msg.ID, DeliveryFailed)
		msg.Status = DeliveryFailed
		return msg, err
	}
	return msg, nil
}

// CreatePoll announces a poll to the session. Teacher only; the server
// rejects anyone else, so students fail fast here.
func (c *Chat) CreatePoll(question string, options []string) (wire.Poll, error) {
	if c.sess.Self().Role != wire.RoleTeacher {
		return wire.Poll{}, ErrNotTeacher
	}
	poll := wire.Poll{
		PollID:   uuid.NewString(),
		Question: question,
		Options:  options,
	}
	if err := c.ch.Send(wire.EventNewPoll, poll); err != nil {
		return wire.Poll{}, err
	}
	return poll, nil
}

// Vote submits a response to a poll. The first response per poll wins;
// repeats fail locally with ErrAlreadyVoted without reaching the server.
func (c *Chat) Vote(pollID, response string) error {
	c.mu.Lock()
	if _, ok := c.voted[pollID]; ok {
		c.mu.Unlock()
		return ErrAlreadyVoted
	}
	c.voted[pollID] = response
	c.mu.Unlock()

	err := c.ch.Send(wire.EventPollVote, wire.PollVote{PollID: pollID, Response: response})
	if err != nil {
		c.mu.Lock()
		delete(c.voted, pollID)
		c.mu.Unlock()
	}
	return err
}

// VotedFor returns the recorded response for a poll, if any.
func (c *Chat) VotedFor(pollID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.voted[pollID]
	return resp, ok
}

func (c *Chat) handleMessage(env wire.Envelope) {
	var msg wire.Chat
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		c.log.Warn("malformed chat_message", zap.Error(err))
		return
	}

	c.mu.Lock()
	if i, ok := c.byID[msg.ID]; ok {
		// Server echo of our own message: the broadcast doubles as the
		// delivery acknowledgement.
		c.timeline[i].Chat = msg
		c.timeline[i].Status = DeliverySent
		ack := c.timeline[i]
		c.mu.Unlock()
		c.messages.publish(ack)
		return
	}
	c.mu.Unlock()

	c.append(ChatMessage{Chat: msg, Status: DeliverySent})
}

func (c *Chat) handleNewPoll(env wire.Envelope) {
	var poll wire.Poll
	if err := json.Unmarshal(env.Data, &poll); err != nil {
		c.log.Warn("malformed new_poll", zap.Error(err))
		return
	}
	c.polls.publish(poll)
}

func (c *Chat) handleResults(env wire.Envelope) {
	var res wire.PollResults
	if err := json.Unmarshal(env.Data, &res); err != nil {
		c.log.Warn("malformed poll_results", zap.Error(err))
		return
	}
	c.results.publish(res)
}

func (c *Chat) append(msg ChatMessage) {
	c.mu.Lock()
	c.byID[msg.ID] = len(c.timeline)
	c.timeline = append(c.timeline, msg)
	c.mu.Unlock()
	c.messages.publish(msg)
}

func (c *Chat) setStatus(id string, status DeliveryStatus) {
	c.mu.Lock()
	if i, ok := c.byID[id]; ok {
		c.timeline[i].Status = status
	}
	c.mu.Unlock()
}

func (c *Chat) reset() {
	c.mu.Lock()
	c.timeline = nil
	c.byID = make(map[string]int)
	c.voted = make(map[string]string)
	c.mu.Unlock()
}
