package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/n0fish/musicroom-sync/internal/geo"
	"github.com/n0fish/musicroom-sync/internal/protocol"
	"github.com/n0fish/musicroom-sync/internal/room"
)

var t0 = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)

func testTracks() []room.Track {
	return []room.Track{
		{ID: "t1", Title: "One", PreviewRef: "p1", DurationMs: 1000, CreatedAt: t0, InsertionIndex: 0, Status: room.TrackQueued},
		{ID: "t2", Title: "Two", PreviewRef: "p2", DurationMs: 1000, CreatedAt: t0.Add(time.Minute), InsertionIndex: 1, Status: room.TrackQueued},
	}
}

type fixture struct {
	reg   *Registry
	store *MockStore
	pub   *MemoryPublisher
	clock *clock.Mock
}

func newFixture(t *testing.T, rm *room.Room) *fixture {
	t.Helper()
	store := new(MockStore)
	store.On("LoadRoom", mock.Anything, rm.ID).Return(rm, nil)
	store.On("ListTracks", mock.Anything, rm.ID).Return(testTracks(), nil)
	store.On("ListVotes", mock.Anything, rm.ID).Return([]room.Vote{}, nil)
	store.On("LoadPlayback", mock.Anything, rm.ID).Return(nil, nil)

	pub := &MemoryPublisher{}
	clk := clock.NewMock()
	clk.Set(t0.Add(time.Hour))
	reg := NewRegistry(store, pub, nil, clk, log.New(io.Discard), Options{})
	t.Cleanup(reg.Close)
	return &fixture{reg: reg, store: store, pub: pub, clock: clk}
}

func openRoom() *room.Room {
	return &room.Room{ID: "r1", OwnerID: "owner", Kind: room.KindPlaylist, License: room.LicenseOpen, Visibility: room.VisibilityPublic}
}

func env(t *testing.T, actor string, m protocol.Message) protocol.Envelope {
	t.Helper()
	e, err := protocol.NewEnvelope("r1", actor, m, t0)
	require.NoError(t, err)
	return e
}

func (f *fixture) send(t *testing.T, user string, m protocol.Message) (protocol.Message, error) {
	t.Helper()
	return f.reg.Dispatch(context.Background(), Identity{UserID: user, DisplayName: user}, env(t, user, m))
}

func (f *fixture) join(t *testing.T, users ...string) {
	t.Helper()
	for _, u := range users {
		_, err := f.send(t, u, protocol.JoinRoom{})
		require.NoError(t, err)
	}
}

func TestJoinRepliesWithSnapshot(t *testing.T) {
	f := newFixture(t, openRoom())

	reply, err := f.send(t, "alice", protocol.JoinRoom{DisplayName: "Alice"})
	require.NoError(t, err)
	rs, ok := reply.(protocol.RoomState)
	require.True(t, ok)
	assert.Len(t, rs.Snapshot.Tracks, 2)
	require.Len(t, rs.Snapshot.Participants, 1)
	assert.Equal(t, "Alice", rs.Snapshot.Participants[0].DisplayName)

	envs := f.pub.Envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, protocol.KindJoinRoom, envs[0].Type)
	assert.Equal(t, "alice", envs[0].ActorID)
	assert.Equal(t, protocol.KindCurrentParticipants, envs[1].Type)
	assert.Empty(t, envs[1].ActorID)
	assert.Equal(t, uint64(1), envs[0].Seq)
	assert.Equal(t, uint64(2), envs[1].Seq)
}

func TestVoteBroadcastsAndReorders(t *testing.T) {
	f := newFixture(t, openRoom())
	f.join(t, "alice")
	f.pub.Reset()
	f.store.On("CreateVote", mock.Anything, mock.AnythingOfType("room.Vote")).Return(nil)

	reply, err := f.send(t, "alice", protocol.Vote{TrackID: "t2", Type: room.Upvote})
	require.NoError(t, err)
	assert.Equal(t, protocol.Ack{}, reply)

	assert.Equal(t, []protocol.Kind{protocol.KindVote, protocol.KindTracksReordered}, f.pub.Kinds())
	msg, err := f.pub.Envelopes()[1].Decode()
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1"}, msg.(protocol.TracksReordered).Order)

	f.store.AssertCalled(t, "CreateVote", mock.Anything, mock.MatchedBy(func(v room.Vote) bool {
		return v.TrackID == "t2" && v.UserID == "alice" && v.Weight == 1
	}))
}

func TestBroadcastCarriesRequestID(t *testing.T) {
	f := newFixture(t, openRoom())
	f.join(t, "alice")
	f.pub.Reset()
	f.store.On("CreateVote", mock.Anything, mock.AnythingOfType("room.Vote")).Return(nil)

	e := env(t, "alice", protocol.Vote{TrackID: "t2", Type: room.Upvote})
	e.RequestID = "req-1"
	_, err := f.reg.Dispatch(context.Background(), Identity{UserID: "alice"}, e)
	require.NoError(t, err)

	envs := f.pub.Envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, "req-1", envs[0].RequestID)
	// derived summaries belong to nobody
	assert.Empty(t, envs[1].RequestID)
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	f := newFixture(t, openRoom())
	f.join(t, "alice")
	f.pub.Reset()
	f.store.On("CreateVote", mock.Anything, mock.Anything).Return(errors.New("connection reset"))

	_, err := f.send(t, "alice", protocol.Vote{TrackID: "t2", Type: room.Upvote})
	var pErr *room.PersistenceError
	require.True(t, errors.As(err, &pErr))
	assert.Equal(t, "vote", pErr.Op)
	assert.ErrorIs(t, err, room.ErrPersistence)
	assert.Empty(t, f.pub.Envelopes())

	snap, err := f.reg.Snapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, snap.Votes)
	assert.Equal(t, uint64(2), snap.Seq, "failed mutation must not consume a sequence number")
}

func TestPermissionDeniedIsNotPersisted(t *testing.T) {
	rm := openRoom()
	rm.License = room.LicenseInvited
	rm.Kind = room.KindEvent
	f := newFixture(t, rm)
	f.join(t, "mallory")

	_, err := f.send(t, "mallory", protocol.Vote{TrackID: "t1", Type: room.Upvote})
	assert.ErrorIs(t, err, room.ErrPermissionDenied)
	_, err = f.send(t, "mallory", protocol.Play{})
	assert.ErrorIs(t, err, room.ErrPermissionDenied)
	f.store.AssertNotCalled(t, "CreateVote", mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "UpdateRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestSeekIsCoalesced(t *testing.T) {
	f := newFixture(t, openRoom())
	f.store.On("SetTrackStatus", mock.Anything, "r1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("UpdateRoom", mock.Anything, "r1", mock.Anything).Return(nil)
	f.join(t, "owner")
	_, err := f.send(t, "owner", protocol.Play{TrackID: "t1"})
	require.NoError(t, err)
	f.pub.Reset()

	_, err = f.send(t, "owner", protocol.Seek{Time: 10})
	require.NoError(t, err)
	f.clock.Add(100 * time.Millisecond)
	_, err = f.send(t, "owner", protocol.Seek{Time: 42})
	require.NoError(t, err)
	assert.Empty(t, f.pub.Envelopes(), "nothing applied inside the window")

	f.clock.Add(400 * time.Millisecond)
	require.Eventually(t, func() bool { return len(f.pub.Envelopes()) == 1 }, time.Second, 5*time.Millisecond)
	f.clock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)

	envs := f.pub.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.KindSeek, envs[0].Type)
	assert.Equal(t, "owner", envs[0].ActorID)
	msg, err := envs[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, 42.0, msg.(protocol.Seek).Time)

	snap, err := f.reg.Snapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, snap.Playback.Position)
}

func TestSeekWithoutTrack(t *testing.T) {
	f := newFixture(t, openRoom())
	f.join(t, "owner")
	_, err := f.send(t, "owner", protocol.Seek{Time: 3})
	assert.ErrorIs(t, err, room.ErrInvalidArgument)
}

func TestPendingSeekDiesWithItsTrack(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		f := newFixture(t, openRoom())
		f.store.On("SetTrackStatus", mock.Anything, "r1", mock.Anything, mock.Anything).Return(nil)
		f.store.On("MarkPlayed", mock.Anything, "r1", mock.Anything).Return(nil)
		f.store.On("UpdateRoom", mock.Anything, "r1", mock.Anything).Return(nil)
		f.join(t, "owner")
		_, err := f.send(t, "owner", protocol.Play{TrackID: "t1"})
		require.NoError(t, err)
		_, err = f.send(t, "owner", protocol.Seek{Time: 200})
		require.NoError(t, err)
		f.clock.Add(100 * time.Millisecond)
		return f
	}
	noSeek := func(t *testing.T, f *fixture) {
		for _, e := range f.pub.Envelopes() {
			assert.NotEqual(t, protocol.KindSeek, e.Type)
		}
		snap, err := f.reg.Snapshot(context.Background(), "r1")
		require.NoError(t, err)
		assert.Equal(t, "t2", snap.Playback.CurrentTrackID)
		assert.Equal(t, 0.0, snap.Playback.Position)
	}

	t.Run("change-track cancels the window", func(t *testing.T) {
		f := setup(t)
		_, err := f.send(t, "owner", protocol.ChangeTrack{TrackID: "t2"})
		require.NoError(t, err)
		f.pub.Reset()

		f.clock.Add(400 * time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		noSeek(t, f)
	})

	t.Run("seek already fired when the track ended", func(t *testing.T) {
		f := setup(t)
		_, err := f.send(t, "owner", protocol.TrackEnded{TrackID: "t1"})
		require.NoError(t, err)
		f.pub.Reset()

		a, ok := f.reg.lookup("r1")
		require.True(t, ok)
		a.applySeek(200)
		noSeek(t, f)
	})
}

func TestLeaveCascadesAndUnloads(t *testing.T) {
	f := newFixture(t, openRoom())
	f.store.On("CreateVote", mock.Anything, mock.Anything).Return(nil)
	f.store.On("DeleteUserVotes", mock.Anything, "r1", mock.Anything).Return(nil)
	f.join(t, "alice", "bob")

	_, err := f.send(t, "alice", protocol.Vote{TrackID: "t2", Type: room.Upvote})
	require.NoError(t, err)
	_, err = f.send(t, "bob", protocol.Vote{TrackID: "t2", Type: room.Upvote})
	require.NoError(t, err)

	_, err = f.send(t, "alice", protocol.LeaveRoom{})
	require.NoError(t, err)
	f.store.AssertCalled(t, "DeleteUserVotes", mock.Anything, "r1", "alice")

	snap, err := f.reg.Snapshot(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, snap.Votes, 1)
	assert.Equal(t, "bob", snap.Votes[0].UserID)
	assert.Len(t, snap.Participants, 1)

	require.NoError(t, f.reg.Leave(context.Background(), "r1", "bob"))
	assert.Empty(t, f.reg.Rooms())

	// leaving an unloaded room is a no-op
	assert.NoError(t, f.reg.Leave(context.Background(), "r1", "bob"))
}

func TestTrackEndedAdvances(t *testing.T) {
	f := newFixture(t, openRoom())
	f.store.On("SetTrackStatus", mock.Anything, "r1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("MarkPlayed", mock.Anything, "r1", "t1").Return(nil)
	f.store.On("UpdateRoom", mock.Anything, "r1", mock.Anything).Return(nil)
	f.join(t, "owner")
	_, err := f.send(t, "owner", protocol.Play{})
	require.NoError(t, err)
	f.pub.Reset()

	_, err = f.send(t, "owner", protocol.TrackEnded{TrackID: "t1"})
	require.NoError(t, err)
	envs := f.pub.Envelopes()
	require.NotEmpty(t, envs)
	msg, err := envs[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.TrackEnded{TrackID: "t1", NextTrackID: "t2"}, msg)
	f.store.AssertCalled(t, "MarkPlayed", mock.Anything, "r1", "t1")
	f.store.AssertCalled(t, "SetTrackStatus", mock.Anything, "r1", "t2", room.TrackPlaying)

	// a second report of the same track is stale
	f.pub.Reset()
	_, err = f.send(t, "owner", protocol.TrackEnded{TrackID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, f.pub.Envelopes())
}

func TestTickerAdvancesOverdueTrack(t *testing.T) {
	f := newFixture(t, openRoom())
	f.store.On("SetTrackStatus", mock.Anything, "r1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("MarkPlayed", mock.Anything, "r1", "t1").Return(nil)
	f.store.On("UpdateRoom", mock.Anything, "r1", mock.Anything).Return(nil)
	f.join(t, "owner")
	_, err := f.send(t, "owner", protocol.Play{TrackID: "t1"})
	require.NoError(t, err)
	f.pub.Reset()

	f.reg.tick(context.Background())
	assert.Empty(t, f.pub.Envelopes(), "track still within its duration")

	f.clock.Add(5 * time.Second)
	f.reg.tick(context.Background())
	envs := f.pub.Envelopes()
	require.NotEmpty(t, envs)
	assert.Equal(t, protocol.KindTrackEnded, envs[0].Type)
	assert.Empty(t, envs[0].ActorID)

	snap, err := f.reg.Snapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "t2", snap.Playback.CurrentTrackID)
}

func TestTickerUnloadsIdleRoom(t *testing.T) {
	f := newFixture(t, openRoom())
	_, err := f.reg.Snapshot(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, f.reg.Rooms(), 1)

	f.reg.tick(context.Background())
	assert.Len(t, f.reg.Rooms(), 1)

	f.clock.Add(10 * time.Minute)
	f.reg.tick(context.Background())
	assert.Empty(t, f.reg.Rooms())
}

func TestConcurrentVotesAreSerialized(t *testing.T) {
	f := newFixture(t, openRoom())
	f.store.On("CreateVote", mock.Anything, mock.Anything).Return(nil)

	const n = 40
	users := make([]string, n)
	for i := range users {
		users[i] = fmt.Sprintf("user-%02d", i)
	}
	f.join(t, users...)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			_, err := f.send(t, u, protocol.Vote{TrackID: "t1", Type: room.Upvote})
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	snap, err := f.reg.Snapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, snap.Votes, n)

	seen := map[uint64]bool{}
	for _, e := range f.pub.Envelopes() {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
	}
}

func TestDispatchValidation(t *testing.T) {
	f := newFixture(t, openRoom())
	ctx := context.Background()

	_, err := f.reg.Dispatch(ctx, Identity{UserID: "a"}, protocol.Envelope{Type: protocol.KindVote})
	assert.ErrorIs(t, err, room.ErrInvalidArgument)

	_, err = f.reg.Dispatch(ctx, Identity{}, env(t, "", protocol.JoinRoom{}))
	assert.ErrorIs(t, err, room.ErrInvalidArgument)

	_, err = f.reg.Dispatch(ctx, Identity{UserID: "a"}, env(t, "a", protocol.TracksReordered{}))
	assert.ErrorIs(t, err, room.ErrInvalidArgument)

	_, err = f.reg.Dispatch(ctx, Identity{UserID: "a"}, protocol.Envelope{Type: protocol.KindVote, RoomID: "r1", Payload: []byte(`[]`)})
	assert.ErrorIs(t, err, room.ErrInvalidArgument)
}

func TestUnknownRoom(t *testing.T) {
	f := newFixture(t, openRoom())
	f.store.On("LoadRoom", mock.Anything, "nope").Return(nil, room.ErrRoomNotFound)

	_, err := f.reg.Dispatch(context.Background(), Identity{UserID: "a"}, protocol.Envelope{Type: protocol.KindJoinRoom, RoomID: "nope"})
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
	assert.Empty(t, f.reg.Rooms())
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t, openRoom())
	ctx := context.Background()
	f.store.On("CreateRoom", mock.Anything, mock.Anything).Return("new-id", nil)

	rm, err := f.reg.CreateRoom(ctx, "owner", room.Room{Kind: room.KindEvent})
	require.NoError(t, err)
	assert.Equal(t, "new-id", rm.ID)
	assert.Equal(t, room.LicenseOpen, rm.License)
	assert.Equal(t, "owner", rm.OwnerID)

	_, err = f.reg.CreateRoom(ctx, "owner", room.Room{License: room.LicenseLocationBased})
	assert.ErrorIs(t, err, room.ErrInvalidArgument)
	_, err = f.reg.CreateRoom(ctx, "owner", room.Room{MaxVotesPerUser: -1})
	assert.ErrorIs(t, err, room.ErrInvalidArgument)
	_, err = f.reg.CreateRoom(ctx, "", room.Room{})
	assert.ErrorIs(t, err, room.ErrInvalidArgument)
}

func TestAddMember(t *testing.T) {
	rm := openRoom()
	rm.License = room.LicenseInvited
	f := newFixture(t, rm)
	ctx := context.Background()
	f.store.On("AddMember", mock.Anything, "r1", "carol", room.RoleParticipant).Return(nil)
	f.store.On("CreateVote", mock.Anything, mock.Anything).Return(nil)

	err := f.reg.AddMember(ctx, "r1", "dave", "carol", "")
	assert.ErrorIs(t, err, room.ErrPermissionDenied)

	require.NoError(t, f.reg.AddMember(ctx, "r1", "owner", "carol", ""))
	f.join(t, "carol")
	_, err = f.send(t, "carol", protocol.Vote{TrackID: "t1", Type: room.Upvote})
	assert.NoError(t, err)

	err = f.reg.AddMember(ctx, "r1", "owner", "erin", room.RoleOwner)
	assert.ErrorIs(t, err, room.ErrInvalidArgument)
}

func TestVoteRefreshesLocation(t *testing.T) {
	rm := openRoom()
	rm.License = room.LicenseLocationBased
	rm.Geofence = &room.Geofence{Lat: 48.8566, Lng: 2.3522, RadiusM: 200}
	f := newFixture(t, rm)
	f.reg.Close()
	f.reg = NewRegistry(f.store, f.pub, geo.NewChecker(f.store, f.clock), f.clock, log.New(io.Discard), Options{})
	t.Cleanup(f.reg.Close)
	f.store.On("CreateVote", mock.Anything, mock.Anything).Return(nil)

	far := &room.Coordinates{Lat: 45.76, Lng: 4.83}
	_, err := f.send(t, "alice", protocol.JoinRoom{Location: far})
	require.NoError(t, err)

	_, err = f.send(t, "alice", protocol.Vote{TrackID: "t1", Type: room.Upvote})
	var locErr *room.LocationError
	require.ErrorAs(t, err, &locErr)
	assert.Equal(t, room.OutsideRadius, locErr.Reason)

	near := &room.Coordinates{Lat: 48.8567, Lng: 2.3522}
	_, err = f.send(t, "alice", protocol.Vote{TrackID: "t1", Type: room.Upvote, Location: near})
	require.NoError(t, err)

	// the position is kept for the next check
	_, err = f.send(t, "alice", protocol.Vote{TrackID: "t2", Type: room.Upvote})
	require.NoError(t, err)

	for _, e := range f.pub.Envelopes() {
		if e.Type != protocol.KindVote {
			continue
		}
		msg, err := e.Decode()
		require.NoError(t, err)
		assert.Nil(t, msg.(protocol.Vote).Location, "broadcast leaks the voter position")
	}
}
