package room

import "sort"

// Ledger holds the active votes of one room and a running net score per track.
// It is not safe for concurrent use; the owning room serializes access.
type Ledger struct {
	votes  map[string]map[string]Vote // trackID -> userID -> vote
	scores map[string]int
	active map[string]int // userID -> active vote count
}

func NewLedger() *Ledger {
	return &Ledger{
		votes:  make(map[string]map[string]Vote),
		scores: make(map[string]int),
		active: make(map[string]int),
	}
}

func contribution(t VoteType, weight int) int {
	switch t {
	case Upvote:
		return weight
	case Downvote:
		return -weight
	default:
		return 0
	}
}

// Cast records v, replacing any prior vote by the same user on the same track.
// It returns the score delta and the replaced vote, if any.
func (l *Ledger) Cast(v Vote) (int, *Vote) {
	if v.Weight <= 0 {
		v.Weight = 1
	}
	byUser, ok := l.votes[v.TrackID]
	if !ok {
		byUser = make(map[string]Vote)
		l.votes[v.TrackID] = byUser
	}

	var prev *Vote
	delta := contribution(v.Type, v.Weight)
	if old, ok := byUser[v.UserID]; ok {
		o := old
		prev = &o
		delta -= contribution(old.Type, old.Weight)
	} else {
		l.active[v.UserID]++
	}

	byUser[v.UserID] = v
	l.scores[v.TrackID] += delta
	return delta, prev
}

// Remove clears the vote of userID on trackID and frees one budget unit.
func (l *Ledger) Remove(trackID, userID string) (Vote, bool) {
	byUser, ok := l.votes[trackID]
	if !ok {
		return Vote{}, false
	}
	old, ok := byUser[userID]
	if !ok {
		return Vote{}, false
	}
	delete(byUser, userID)
	if len(byUser) == 0 {
		delete(l.votes, trackID)
	}
	l.scores[trackID] -= contribution(old.Type, old.Weight)
	if l.scores[trackID] == 0 && len(byUser) == 0 {
		delete(l.scores, trackID)
	}
	l.active[userID]--
	if l.active[userID] <= 0 {
		delete(l.active, userID)
	}
	return old, true
}

// RemoveAllForUser drops every active vote held by userID.
func (l *Ledger) RemoveAllForUser(userID string) []Vote {
	var removed []Vote
	for _, trackID := range l.trackIDs() {
		if v, ok := l.Remove(trackID, userID); ok {
			removed = append(removed, v)
		}
	}
	return removed
}

// RemoveTrack drops every vote on trackID.
func (l *Ledger) RemoveTrack(trackID string) []Vote {
	byUser := l.votes[trackID]
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	removed := make([]Vote, 0, len(users))
	for _, u := range users {
		if v, ok := l.Remove(trackID, u); ok {
			removed = append(removed, v)
		}
	}
	return removed
}

func (l *Ledger) NetScore(trackID string) int { return l.scores[trackID] }

func (l *Ledger) ActiveVotes(userID string) int { return l.active[userID] }

func (l *Ledger) Get(trackID, userID string) (Vote, bool) {
	v, ok := l.votes[trackID][userID]
	return v, ok
}

// Votes returns all active votes ordered by track then user.
func (l *Ledger) Votes() []Vote {
	var out []Vote
	for _, trackID := range l.trackIDs() {
		byUser := l.votes[trackID]
		users := make([]string, 0, len(byUser))
		for u := range byUser {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			out = append(out, byUser[u])
		}
	}
	return out
}

func (l *Ledger) Clone() *Ledger {
	out := NewLedger()
	for trackID, byUser := range l.votes {
		m := make(map[string]Vote, len(byUser))
		for u, v := range byUser {
			m[u] = v
		}
		out.votes[trackID] = m
	}
	for k, v := range l.scores {
		out.scores[k] = v
	}
	for k, v := range l.active {
		out.active[k] = v
	}
	return out
}

func (l *Ledger) trackIDs() []string {
	ids := make([]string, 0, len(l.votes))
	for id := range l.votes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
