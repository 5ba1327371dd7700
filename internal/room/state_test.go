package room

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRoom(maxVotes int) *State {
	return NewState(Room{ID: "r1", OwnerID: "owner", Kind: KindPlaylist, License: LicenseOpen, Visibility: VisibilityPublic, MaxVotesPerUser: maxVotes})
}

func mustJoin(t *testing.T, s *State, users ...string) {
	t.Helper()
	for _, u := range users {
		_, err := s.Join(u, u, nil, base)
		require.NoError(t, err)
	}
}

func mustAdd(t *testing.T, s *State, tracks ...Track) {
	t.Helper()
	for _, tr := range tracks {
		_, err := s.AddTrack(tr)
		require.NoError(t, err)
	}
}

func TestCastVoteScenarios(t *testing.T) {
	ctx := context.Background()
	eval := &Evaluator{}

	t.Run("upvote then downvote reorders", func(t *testing.T) {
		s := openRoom(0)
		mustJoin(t, s, "a", "b", "c", "d")
		mustAdd(t, s, track("t1", 1), track("t2", 2))

		_, d, err := s.CastVote(ctx, eval, s.Actor("a"), "t1", Upvote, 1, base)
		require.NoError(t, err)
		assert.Equal(t, 1, d)
		_, _, err = s.CastVote(ctx, eval, s.Actor("b"), "t1", Downvote, 1, base)
		require.NoError(t, err)
		assert.Equal(t, 0, s.NetScore("t1"))

		for _, u := range []string{"c", "d"} {
			_, _, err = s.CastVote(ctx, eval, s.Actor(u), "t2", Upvote, 1, base)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, s.NetScore("t2"))
		assert.Equal(t, []string{"t2", "t1"}, s.OrderIDs())
	})

	t.Run("invited room rejects outsiders", func(t *testing.T) {
		s := NewState(Room{ID: "r1", OwnerID: "owner", Kind: KindEvent, License: LicenseInvited, Visibility: VisibilityPublic})
		mustJoin(t, s, "stranger")
		mustAdd(t, s, track("t1", 1))

		_, _, err := s.CastVote(ctx, eval, s.Actor("stranger"), "t1", Upvote, 1, base)
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Equal(t, 0, s.NetScore("t1"))
	})

	t.Run("current track cannot be voted and stays first", func(t *testing.T) {
		s := openRoom(0)
		mustJoin(t, s, "a")
		mustAdd(t, s, track("t1", 1), track("t2", 2), track("t3", 3))
		_, err := s.Play("owner", "t2", nil, base)
		require.NoError(t, err)

		_, _, err = s.CastVote(ctx, eval, s.Actor("a"), "t2", Upvote, 1, base)
		assert.ErrorIs(t, err, ErrInvalidTrack)
		assert.ErrorIs(t, err, ErrCurrentTrack)

		_, _, err = s.CastVote(ctx, eval, s.Actor("a"), "t3", Upvote, 1, base)
		require.NoError(t, err)
		assert.Equal(t, []string{"t2", "t3", "t1"}, s.OrderIDs())
	})

	t.Run("unknown track", func(t *testing.T) {
		s := openRoom(0)
		mustJoin(t, s, "a")
		_, _, err := s.CastVote(ctx, eval, s.Actor("a"), "nope", Upvote, 1, base)
		assert.ErrorIs(t, err, ErrInvalidTrack)
	})

	t.Run("unknown vote type", func(t *testing.T) {
		s := openRoom(0)
		mustJoin(t, s, "a")
		mustAdd(t, s, track("t1", 1))
		_, _, err := s.CastVote(ctx, eval, s.Actor("a"), "t1", "sideways", 1, base)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestVoteBudget(t *testing.T) {
	ctx := context.Background()
	eval := &Evaluator{}

	t.Run("limited", func(t *testing.T) {
		s := openRoom(2)
		mustJoin(t, s, "a")
		mustAdd(t, s, track("t1", 1), track("t2", 2), track("t3", 3))

		_, _, err := s.CastVote(ctx, eval, s.Actor("a"), "t1", Upvote, 1, base)
		require.NoError(t, err)
		_, _, err = s.CastVote(ctx, eval, s.Actor("a"), "t2", Upvote, 1, base)
		require.NoError(t, err)
		_, _, err = s.CastVote(ctx, eval, s.Actor("a"), "t3", Upvote, 1, base)
		assert.ErrorIs(t, err, ErrVoteBudgetExceeded)

		// switching does not need budget
		_, d, err := s.CastVote(ctx, eval, s.Actor("a"), "t1", Downvote, 1, base)
		require.NoError(t, err)
		assert.Equal(t, -2, d)

		// removing frees budget immediately
		_, ok := s.RemoveVote("t2", "a")
		require.True(t, ok)
		_, _, err = s.CastVote(ctx, eval, s.Actor("a"), "t3", Upvote, 1, base)
		assert.NoError(t, err)
	})

	t.Run("unlimited", func(t *testing.T) {
		s := openRoom(0)
		mustJoin(t, s, "a")
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("t%03d", i)
			mustAdd(t, s, track(id, i))
			_, _, err := s.CastVote(ctx, eval, s.Actor("a"), id, Upvote, 1, base)
			require.NoError(t, err)
		}
		assert.Equal(t, 200, s.Ledger().ActiveVotes("a"))
	})
}

func TestLeaveCascadesVotes(t *testing.T) {
	ctx := context.Background()
	eval := &Evaluator{}
	s := openRoom(0)
	mustJoin(t, s, "a", "b")
	mustAdd(t, s, track("t1", 1), track("t2", 2))

	_, _, err := s.CastVote(ctx, eval, s.Actor("a"), "t2", Upvote, 1, base)
	require.NoError(t, err)
	_, _, err = s.CastVote(ctx, eval, s.Actor("a"), "t1", Downvote, 1, base)
	require.NoError(t, err)
	_, _, err = s.CastVote(ctx, eval, s.Actor("b"), "t2", Upvote, 1, base)
	require.NoError(t, err)
	require.Equal(t, []string{"t2", "t1"}, s.OrderIDs())

	before1, before2 := s.NetScore("t1"), s.NetScore("t2")
	left, removed := s.Leave("a")
	assert.True(t, left)
	assert.Len(t, removed, 2)

	assert.Equal(t, before1+1, s.NetScore("t1"))
	assert.Equal(t, before2-1, s.NetScore("t2"))
	assert.Equal(t, 0, s.Ledger().ActiveVotes("a"))
	for _, v := range s.Ledger().Votes() {
		assert.NotEqual(t, "a", v.UserID)
	}
	assert.Len(t, s.Participants(), 1)
}

func TestJoin(t *testing.T) {
	t.Run("private room needs invitation", func(t *testing.T) {
		s := NewState(Room{ID: "r1", OwnerID: "o", License: LicenseOpen, Visibility: VisibilityPrivate, Members: map[string]Role{"m": RoleParticipant}})
		_, err := s.Join("x", "X", nil, base)
		var pErr *PermissionError
		assert.True(t, errors.As(err, &pErr))
		assert.Equal(t, ActionJoin, pErr.Action)

		p, err := s.Join("m", "M", nil, base)
		require.NoError(t, err)
		assert.Equal(t, RoleParticipant, p.Role)
	})

	t.Run("owner joins with owner role", func(t *testing.T) {
		s := openRoom(0)
		p, err := s.Join("owner", "", nil, base)
		require.NoError(t, err)
		assert.Equal(t, RoleOwner, p.Role)
		assert.True(t, s.Actor("owner").Joined)
	})

	t.Run("location is kept for the actor", func(t *testing.T) {
		s := openRoom(0)
		loc := &Coordinates{Lat: 1, Lng: 2}
		_, err := s.Join("a", "A", loc, base)
		require.NoError(t, err)
		loc.Lat = 99
		assert.Equal(t, 1.0, s.Actor("a").Location.Lat)

		s.UpdateLocation("a", Coordinates{Lat: 3, Lng: 4})
		assert.Equal(t, 3.0, s.Actor("a").Location.Lat)
	})

	t.Run("empty user", func(t *testing.T) {
		_, err := openRoom(0).Join("", "", nil, base)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestInsertionIndexIsPermanent(t *testing.T) {
	s := openRoom(0)
	mustAdd(t, s, track("t1", 1), track("t2", 2))
	t1, _ := s.Track("t1")
	assert.Equal(t, 0, t1.InsertionIndex)

	_, _, err := s.RemoveTrack("t1")
	require.NoError(t, err)
	mustAdd(t, s, track("t3", 3))
	readded, err := s.AddTrack(track("t1", 1))
	require.NoError(t, err)

	assert.Equal(t, 0, readded.InsertionIndex)
	t3, _ := s.Track("t3")
	assert.Equal(t, 2, t3.InsertionIndex)
}

func TestRemoveTrackDropsVotes(t *testing.T) {
	s := openRoom(0)
	mustAdd(t, s, track("t1", 1))
	s.ApplyVote(Vote{TrackID: "t1", UserID: "a", Type: Upvote, Weight: 1})

	_, removed, err := s.RemoveTrack("t1")
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.Equal(t, 0, s.Ledger().ActiveVotes("a"))

	_, _, err = s.RemoveTrack("t1")
	assert.ErrorIs(t, err, ErrInvalidTrack)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openRoom(3)
	mustJoin(t, s, "a")
	mustAdd(t, s, track("t1", 1), track("t2", 2))
	s.ApplyVote(Vote{TrackID: "t2", UserID: "a", Type: Upvote, Weight: 2})
	_, err := s.Play("owner", "t1", nil, base)
	require.NoError(t, err)
	s.MarkFailed("t9")
	s.NextSeq()

	restored := FromSnapshot(s.Snapshot())
	assert.Equal(t, s.OrderIDs(), restored.OrderIDs())
	assert.Equal(t, 2, restored.NetScore("t2"))
	assert.Equal(t, s.Playback(), restored.Playback())
	assert.True(t, restored.Failed("t9"))
	assert.Equal(t, uint64(1), restored.Seq())

	next, err := restored.AddTrack(track("t3", 3))
	require.NoError(t, err)
	assert.Equal(t, 2, next.InsertionIndex)
}

func TestCloneIsolation(t *testing.T) {
	s := openRoom(0)
	mustJoin(t, s, "a")
	mustAdd(t, s, track("t1", 1))
	snap := s.Clone()

	s.ApplyVote(Vote{TrackID: "t1", UserID: "a", Type: Upvote, Weight: 1})
	mustAdd(t, s, track("t2", 2))
	s.Leave("a")
	s.Room.Members = map[string]Role{"z": RoleAdmin}

	assert.Equal(t, 0, snap.NetScore("t1"))
	assert.Len(t, snap.Tracks(), 1)
	assert.Len(t, snap.Participants(), 1)
	assert.Equal(t, RoleNone, snap.Room.RoleOf("z"))
}

func TestRemovedTracksKeepTheirIndex(t *testing.T) {
	gone := track("t1", 1)
	gone.InsertionIndex = 0
	gone.Status = TrackRemoved
	live := track("t2", 2)
	live.InsertionIndex = 1
	live.Status = TrackQueued

	s := FromSnapshot(Snapshot{Room: Room{ID: "r1"}, Tracks: []Track{gone, live}})
	assert.Equal(t, []string{"t2"}, s.OrderIDs())

	readded, err := s.AddTrack(track("t1", 1))
	require.NoError(t, err)
	assert.Equal(t, 0, readded.InsertionIndex)
	fresh, err := s.AddTrack(track("t3", 3))
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.InsertionIndex)
}

func TestRestoreTrackKeepsGivenIndex(t *testing.T) {
	s := openRoom(0)
	mustAdd(t, s, track("t1", 1))

	remote := track("t9", 9)
	remote.InsertionIndex = 5
	got, err := s.RestoreTrack(remote)
	require.NoError(t, err)
	assert.Equal(t, 5, got.InsertionIndex)
	assert.Equal(t, TrackQueued, got.Status)

	next, err := s.AddTrack(track("t2", 2))
	require.NoError(t, err)
	assert.Equal(t, 6, next.InsertionIndex)
}
