package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saivats/Digi-Kul-sub000/pkg/wire"
)

// livePoll tracks an in-session poll: options, and one vote per voter
// (first vote wins, later votes are discarded).
type livePoll struct {
	poll  wire.Poll
	votes map[string]string // voterID -> option
}

func (lp *livePoll) tally() map[string]int {
	t := make(map[string]int, len(lp.poll.Options))
	for _, o := range lp.poll.Options {
		t[o] = 0
	}
	for _, o := range lp.votes {
		t[o]++
	}
	return t
}

// room is the authoritative state of one live session: roster, whiteboard
// history, live polls and the chat timeline. All fields are guarded by mu;
// broadcasts copy the peer set before writing so the lock is never held
// across a channel send.
type room struct {
	sessionID string
	teacherID string

	mu       sync.RWMutex
	peers    map[string]*Peer // userID -> peer
	joinSeq  []string         // userIDs in join order, for ordered rosters
	draws    []wire.Draw
	drawCap  int
	polls    map[string]*livePoll
	timeline []wire.Chat
}

func newRoom(sessionID, teacherID string, drawCap int) *room {
	return &room{
		sessionID: sessionID,
		teacherID: teacherID,
		peers:     make(map[string]*Peer),
		drawCap:   drawCap,
		polls:     make(map[string]*livePoll),
	}
}

// add inserts a peer into the roster. A reconnecting participant replaces
// its stale entry; the replaced peer is returned so the caller can close it.
func (r *room) add(p *Peer) (replaced *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.peers[p.UserID]; ok {
		replaced = old
	} else {
		r.joinSeq = append(r.joinSeq, p.UserID)
	}
	r.peers[p.UserID] = p
	return replaced
}

// remove deletes a peer from the roster. It reports whether the given
// peer instance was the current one (a reconnect may have replaced it).
func (r *room) remove(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.peers[p.UserID]
	if !ok || cur != p {
		return false
	}
	delete(r.peers, p.UserID)
	for i, id := range r.joinSeq {
		if id == p.UserID {
			r.joinSeq = append(r.joinSeq[:i], r.joinSeq[i+1:]...)
			break
		}
	}
	return true
}

func (r *room) peer(userID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[userID]
	return p, ok
}

func (r *room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers) == 0
}

// roster returns participants in join order.
func (r *room) roster() wire.Roster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	parts := make([]wire.Participant, 0, len(r.joinSeq))
	for _, id := range r.joinSeq {
		if p, ok := r.peers[id]; ok {
			parts = append(parts, p.Participant())
		}
	}
	return wire.Roster{SessionID: r.sessionID, Participants: parts}
}

// snapshotPeers copies the current peer set, optionally excluding one user.
func (r *room) snapshotPeers(exclude string) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == exclude {
			continue
		}
		out = append(out, p)
	}
	return out
}

// stalePeers returns peers whose last activity predates the deadline.
func (r *room) stalePeers(deadline time.Time) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Peer
	for _, p := range r.peers {
		if p.LastSeen().Before(deadline) {
			out = append(out, p)
		}
	}
	return out
}

// appendDraw appends a whiteboard event. A clear truncates the history to
// just the clear marker so late joiners replay from a blank board.
func (r *room) appendDraw(d wire.Draw) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.Type == wire.DrawTypeClear {
		r.draws = r.draws[:0]
	}
	r.draws = append(r.draws, d)
	if r.drawCap > 0 && len(r.draws) > r.drawCap {
		r.draws = r.draws[len(r.draws)-r.drawCap:]
	}
}

func (r *room) drawHistory() wire.DrawHistory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make([]wire.Draw, len(r.draws))
	copy(events, r.draws)
	return wire.DrawHistory{SessionID: r.sessionID, Events: events}
}

// openPoll registers a live poll.
func (r *room) openPoll(p wire.Poll) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.polls[p.PollID]; ok {
		return
	}
	r.polls[p.PollID] = &livePoll{poll: p, votes: make(map[string]string)}
}

// vote records a voter's response; the first vote wins and later votes
// are rejected. Returns the updated tally and whether the vote counted.
func (r *room) vote(pollID, voterID, option string) (map[string]int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lp, ok := r.polls[pollID]
	if !ok {
		return nil, false
	}
	if _, voted := lp.votes[voterID]; voted {
		return lp.tally(), false
	}
	valid := false
	for _, o := range lp.poll.Options {
		if o == option {
			valid = true
			break
		}
	}
	if !valid {
		return lp.tally(), false
	}
	lp.votes[voterID] = option
	return lp.tally(), true
}

// appendChat records a message on the session timeline (for the archive).
func (r *room) appendChat(c wire.Chat) {
	r.mu.Lock()
	r.timeline = append(r.timeline, c)
	r.mu.Unlock()
}

func (r *room) transcript() []wire.Chat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.Chat, len(r.timeline))
	copy(out, r.timeline)
	return out
}

// systemChat builds a synthetic system message for the unified timeline.
func systemChat(sessionID, body, kind string) wire.Chat {
	return wire.Chat{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
}
