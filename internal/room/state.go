package room

import (
	"context"
	"sort"
	"time"
)

// State is the authoritative view of one room. It is not safe for concurrent
// use: every mutation for a room must go through that room's single writer.
type State struct {
	Room Room

	tracks       map[string]Track
	insertion    map[string]int
	nextIndex    int
	ledger       *Ledger
	playback     PlaybackState
	failed       map[string]struct{}
	participants map[string]Participant
	seq          uint64
}

func NewState(rm Room) *State {
	return &State{
		Room:         rm,
		tracks:       make(map[string]Track),
		insertion:    make(map[string]int),
		ledger:       NewLedger(),
		playback:     PlaybackState{RoomID: rm.ID, Status: StatusStopped, Volume: 100},
		failed:       make(map[string]struct{}),
		participants: make(map[string]Participant),
	}
}

// FromSnapshot rebuilds a state. Vote scores are recomputed from the vote list.
func FromSnapshot(snap Snapshot) *State {
	s := NewState(snap.Room.clone())
	for _, t := range snap.Tracks {
		s.insertion[t.ID] = t.InsertionIndex
		if t.InsertionIndex >= s.nextIndex {
			s.nextIndex = t.InsertionIndex + 1
		}
		if t.Status != TrackRemoved {
			s.tracks[t.ID] = t
		}
	}
	for _, v := range snap.Votes {
		s.ledger.Cast(v)
	}
	s.playback = snap.Playback
	if s.playback.RoomID == "" {
		s.playback.RoomID = snap.Room.ID
	}
	if s.playback.Status == "" {
		s.playback.Status = StatusStopped
	}
	for _, p := range snap.Participants {
		s.participants[p.UserID] = p
	}
	for _, id := range snap.Failed {
		s.failed[id] = struct{}{}
	}
	s.seq = snap.Seq
	return s
}

func (s *State) Snapshot() Snapshot {
	failed := make([]string, 0, len(s.failed))
	for id := range s.failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	return Snapshot{
		Room:         s.Room.clone(),
		Tracks:       s.Tracks(),
		Votes:        s.ledger.Votes(),
		Playback:     s.playback,
		Participants: s.Participants(),
		Failed:       failed,
		Seq:          s.seq,
	}
}

// Clone returns a deep copy used for rollback.
func (s *State) Clone() *State {
	out := &State{
		Room:         s.Room.clone(),
		tracks:       make(map[string]Track, len(s.tracks)),
		insertion:    make(map[string]int, len(s.insertion)),
		nextIndex:    s.nextIndex,
		ledger:       s.ledger.Clone(),
		playback:     s.playback,
		failed:       make(map[string]struct{}, len(s.failed)),
		participants: make(map[string]Participant, len(s.participants)),
		seq:          s.seq,
	}
	for k, v := range s.tracks {
		out.tracks[k] = v
	}
	for k, v := range s.insertion {
		out.insertion[k] = v
	}
	for k := range s.failed {
		out.failed[k] = struct{}{}
	}
	for k, v := range s.participants {
		out.participants[k] = v
	}
	return out
}

func (s *State) Seq() uint64 { return s.seq }

// NextSeq advances the per-room sequence number stamped on broadcasts.
func (s *State) NextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *State) Playback() PlaybackState { return s.playback }

func (s *State) Ledger() *Ledger { return s.ledger }

// Actor builds the permission identity for userID.
func (s *State) Actor(userID string) Actor {
	a := Actor{UserID: userID, Role: s.Room.RoleOf(userID)}
	if p, ok := s.participants[userID]; ok {
		a.Joined = true
		a.Location = p.location
	}
	return a
}

// ---- membership ----

// Join adds userID to the session. Private rooms require an invitation.
func (s *State) Join(userID, displayName string, loc *Coordinates, now time.Time) (Participant, error) {
	if userID == "" {
		return Participant{}, invalidArg("user id is required")
	}
	role := s.Room.RoleOf(userID)
	if s.Room.Visibility == VisibilityPrivate && role == RoleNone {
		return Participant{}, &PermissionError{Action: ActionJoin, Reason: "room is private, invite required"}
	}
	if role == RoleNone {
		role = RoleParticipant
	}
	p, ok := s.participants[userID]
	if !ok {
		p = Participant{UserID: userID, JoinedAt: now}
	}
	p.Role = role
	if displayName != "" {
		p.DisplayName = displayName
	}
	if loc != nil {
		l := *loc
		p.location = &l
	}
	s.participants[userID] = p
	return p, nil
}

// UpdateLocation records the last known coordinates of a joined participant.
func (s *State) UpdateLocation(userID string, loc Coordinates) {
	if p, ok := s.participants[userID]; ok {
		p.location = &loc
		s.participants[userID] = p
	}
}

// Leave removes userID from the session and cascades removal of their votes.
func (s *State) Leave(userID string) (bool, []Vote) {
	_, ok := s.participants[userID]
	delete(s.participants, userID)
	removed := s.ledger.RemoveAllForUser(userID)
	return ok, removed
}

func (s *State) SetParticipants(ps []Participant) {
	s.participants = make(map[string]Participant, len(ps))
	for _, p := range ps {
		s.participants[p.UserID] = p
	}
}

// Participants returns the joined participants ordered by join time.
func (s *State) Participants() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *State) HasParticipants() bool { return len(s.participants) > 0 }

// ---- tracks ----

// AddTrack inserts or re-queues t. The insertion index is assigned once per
// track id for the lifetime of the room.
func (s *State) AddTrack(t Track) (Track, error) {
	if t.ID == "" {
		return Track{}, invalidArg("track id is required")
	}
	if idx, ok := s.insertion[t.ID]; ok {
		t.InsertionIndex = idx
	} else {
		t.InsertionIndex = s.nextIndex
		s.insertion[t.ID] = s.nextIndex
		s.nextIndex++
	}
	if t.ID == s.playback.CurrentTrackID {
		t.Status = TrackPlaying
	} else {
		t.Status = TrackQueued
	}
	s.tracks[t.ID] = t
	s.clearFailed()
	return t, nil
}

// RestoreTrack inserts t keeping the insertion index it was given by the
// authoritative room, so replicas order ties the same way.
func (s *State) RestoreTrack(t Track) (Track, error) {
	if t.ID == "" {
		return Track{}, invalidArg("track id is required")
	}
	s.insertion[t.ID] = t.InsertionIndex
	if t.InsertionIndex >= s.nextIndex {
		s.nextIndex = t.InsertionIndex + 1
	}
	return s.AddTrack(t)
}

// RemoveTrack drops a track and every vote on it. The caller decides what
// happens to playback when the current track is removed.
func (s *State) RemoveTrack(trackID string) (Track, []Vote, error) {
	t, ok := s.tracks[trackID]
	if !ok {
		return Track{}, nil, ErrInvalidTrack
	}
	delete(s.tracks, trackID)
	removed := s.ledger.RemoveTrack(trackID)
	s.clearFailed()
	return t, removed, nil
}

func (s *State) Track(id string) (Track, bool) {
	t, ok := s.tracks[id]
	return t, ok
}

// Tracks returns all tracks of the room by insertion index.
func (s *State) Tracks() []Track {
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertionIndex < out[j].InsertionIndex })
	return out
}

func (s *State) NetScore(trackID string) int { return s.ledger.NetScore(trackID) }

func (s *State) Order() []Track {
	return Order(s.Tracks(), s.ledger.NetScore, s.playback.CurrentTrackID)
}

func (s *State) OrderIDs() []string {
	order := s.Order()
	ids := make([]string, len(order))
	for i, t := range order {
		ids[i] = t.ID
	}
	return ids
}

// ---- votes ----

// CastVote validates and records a vote by actor a. Unknown or played tracks
// and the current track are rejected before permission and budget checks.
func (s *State) CastVote(ctx context.Context, eval *Evaluator, a Actor, trackID string, vt VoteType, weight int, now time.Time) (Vote, int, error) {
	if vt != Upvote && vt != Downvote {
		return Vote{}, 0, invalidArg("unknown vote type %q", vt)
	}
	if err := s.votable(trackID); err != nil {
		return Vote{}, 0, err
	}
	if err := eval.Authorize(ctx, ActionVote, &s.Room, a); err != nil {
		return Vote{}, 0, err
	}
	if _, exists := s.ledger.Get(trackID, a.UserID); !exists {
		if err := CheckVoteBudget(&s.Room, s.ledger.ActiveVotes(a.UserID)); err != nil {
			return Vote{}, 0, err
		}
	}
	if weight <= 0 {
		weight = 1
	}
	v := Vote{RoomID: s.Room.ID, TrackID: trackID, UserID: a.UserID, Type: vt, Weight: weight, CreatedAt: now}
	delta := s.ApplyVote(v)
	return v, delta, nil
}

// ApplyVote records v without checks.
func (s *State) ApplyVote(v Vote) int {
	delta, _ := s.ledger.Cast(v)
	return delta
}

func (s *State) RemoveVote(trackID, userID string) (Vote, bool) {
	return s.ledger.Remove(trackID, userID)
}

func (s *State) votable(trackID string) error {
	t, ok := s.tracks[trackID]
	if !ok || t.Status == TrackPlayed {
		return ErrInvalidTrack
	}
	if trackID == s.playback.CurrentTrackID {
		return ErrCurrentTrack
	}
	return nil
}

func (s *State) clearFailed() {
	if len(s.failed) > 0 {
		s.failed = make(map[string]struct{})
	}
}
