package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"

	"github.com/n0fish/musicroom-sync/internal/protocol"
	"github.com/n0fish/musicroom-sync/internal/room"
)

type Options struct {
	SeekWindow   time.Duration
	TickInterval time.Duration
	// Grace is how long past its duration a track may run before the ticker advances it.
	Grace        time.Duration
	IdleTTL      time.Duration
	WriteTimeout time.Duration
	InboxSize    int
}

func (o *Options) withDefaults() {
	if o.SeekWindow <= 0 {
		o.SeekWindow = room.DefaultSeekWindow
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 500 * time.Millisecond
	}
	if o.Grace <= 0 {
		o.Grace = 2 * time.Second
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = 5 * time.Minute
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 64
	}
}

// Registry maps room ids to their actors, loading rooms from the store on first use.
type Registry struct {
	store Store
	pub   Publisher
	eval  *room.Evaluator
	clock clock.Clock
	log   *log.Logger
	opts  Options

	mu      sync.Mutex
	actors  map[string]*Actor
	loading map[string]*loadCall
	closed  bool
}

func NewRegistry(store Store, pub Publisher, geo room.GeoChecker, clk clock.Clock, logger *log.Logger, opts Options) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.Default()
	}
	opts.withDefaults()
	return &Registry{
		store:   store,
		pub:     pub,
		eval:    &room.Evaluator{Geo: geo},
		clock:   clk,
		log:     logger.With("component", "registry"),
		opts:    opts,
		actors:  make(map[string]*Actor),
		loading: make(map[string]*loadCall),
	}
}

var ErrClosed = errors.New("registry closed")

type loadCall struct {
	done chan struct{}
	a    *Actor
	err  error
}

// actor returns the live actor for roomID, loading it if needed. Concurrent
// callers for the same room share one load; other rooms are not blocked.
func (r *Registry) actor(ctx context.Context, roomID string) (*Actor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if a, ok := r.actors[roomID]; ok {
		if !a.stopped() {
			r.mu.Unlock()
			return a, nil
		}
		delete(r.actors, roomID)
	}
	if c, ok := r.loading[roomID]; ok {
		r.mu.Unlock()
		select {
		case <-c.done:
			return c.a, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &loadCall{done: make(chan struct{})}
	r.loading[roomID] = c
	r.mu.Unlock()

	st, err := r.load(ctx, roomID)

	r.mu.Lock()
	delete(r.loading, roomID)
	switch {
	case err != nil:
		c.err = err
	case r.closed:
		c.err = ErrClosed
	default:
		c.a = newActor(r, st)
		r.actors[roomID] = c.a
		r.log.Debug("room loaded", "room", roomID, "tracks", len(st.Tracks()))
	}
	r.mu.Unlock()
	close(c.done)
	return c.a, c.err
}

func (r *Registry) load(ctx context.Context, roomID string) (*room.State, error) {
	rm, err := r.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	tracks, err := r.store.ListTracks(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list tracks %s: %w", roomID, err)
	}
	votes, err := r.store.ListVotes(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list votes %s: %w", roomID, err)
	}
	pb, err := r.store.LoadPlayback(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load playback %s: %w", roomID, err)
	}
	snap := room.Snapshot{Room: *rm, Tracks: tracks, Votes: votes}
	if pb != nil {
		snap.Playback = *pb
	} else {
		snap.Playback = room.PlaybackState{RoomID: roomID, Status: room.StatusStopped, Volume: 100}
	}
	return room.FromSnapshot(snap), nil
}

// withActor runs fn against the room's actor, retrying once if the actor was
// evicted between lookup and use.
func (r *Registry) withActor(ctx context.Context, roomID string, fn func(a *Actor) error) error {
	for attempt := 0; ; attempt++ {
		a, err := r.actor(ctx, roomID)
		if err != nil {
			return err
		}
		err = fn(a)
		if errors.Is(err, errActorStopped) && attempt == 0 {
			continue
		}
		return err
	}
}

// Dispatch routes one client frame to its room and returns the reply for the
// sender: a room-state snapshot for joins, an ack otherwise.
func (r *Registry) Dispatch(ctx context.Context, id Identity, env protocol.Envelope) (protocol.Message, error) {
	if env.RoomID == "" {
		return nil, fmt.Errorf("%w: roomId is required", room.ErrInvalidArgument)
	}
	if id.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", room.ErrInvalidArgument)
	}
	if !protocol.IsRequest(env.Type) {
		return nil, fmt.Errorf("%w: %q is not a client message", room.ErrInvalidArgument, env.Type)
	}
	msg, err := env.Decode()
	if err != nil {
		return nil, errors.Join(room.ErrInvalidArgument, err)
	}

	if _, ok := msg.(protocol.LeaveRoom); ok {
		return protocol.Ack{}, r.Leave(ctx, env.RoomID, id.UserID)
	}
	ctx = withRequestID(ctx, env.RequestID)

	var reply protocol.Message = protocol.Ack{}
	err = r.withActor(ctx, env.RoomID, func(a *Actor) error {
		switch m := msg.(type) {
		case protocol.JoinRoom:
			snap, err := a.join(ctx, id, m)
			if err != nil {
				return err
			}
			reply = protocol.RoomState{Snapshot: snap}
			return nil
		case protocol.Vote:
			return a.vote(ctx, id.UserID, m)
		case protocol.RemoveVote:
			return a.removeVote(ctx, id.UserID, m)
		case protocol.AddTrack:
			return a.addTrack(ctx, id.UserID, m)
		case protocol.RemoveTrack:
			return a.removeTrack(ctx, id.UserID, m)
		case protocol.Play:
			return a.play(ctx, id.UserID, m)
		case protocol.Pause:
			return a.pause(ctx, id.UserID, m)
		case protocol.Seek:
			return a.requestSeek(ctx, id.UserID, m)
		case protocol.ChangeTrack:
			return a.changeTrack(ctx, id.UserID, m)
		case protocol.SetVolume:
			return a.setVolume(ctx, id.UserID, m)
		case protocol.TrackEnded:
			return a.trackEnded(ctx, id.UserID, m)
		case protocol.TrackFailed:
			return a.trackFailed(ctx, id.UserID, m)
		default:
			return fmt.Errorf("%w: unsupported message %s", room.ErrInvalidArgument, msg.Kind())
		}
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// Leave removes userID from a loaded room. The room's actor is torn down once
// the last participant has left. Unknown rooms are ignored.
func (r *Registry) Leave(ctx context.Context, roomID, userID string) error {
	a, ok := r.lookup(roomID)
	if !ok {
		return nil
	}
	err := a.leave(ctx, userID)
	if errors.Is(err, errActorStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	r.retire(ctx, roomID, a, func(s *room.State, _ time.Time) bool {
		return !s.HasParticipants()
	})
	return nil
}

// retire stops and unregisters a when cond holds on its state.
func (r *Registry) retire(ctx context.Context, roomID string, a *Actor, cond func(*room.State, time.Time) bool) bool {
	retired, err := a.retireIf(ctx, cond)
	if err != nil || !retired {
		return false
	}
	r.mu.Lock()
	if r.actors[roomID] == a {
		delete(r.actors, roomID)
	}
	r.mu.Unlock()
	r.log.Debug("room unloaded", "room", roomID)
	return true
}

// Snapshot returns the full state of a room.
func (r *Registry) Snapshot(ctx context.Context, roomID string) (room.Snapshot, error) {
	var snap room.Snapshot
	err := r.withActor(ctx, roomID, func(a *Actor) error {
		var err error
		snap, err = a.snapshot(ctx)
		return err
	})
	return snap, err
}

// CreateRoom validates and stores a new room owned by ownerID.
func (r *Registry) CreateRoom(ctx context.Context, ownerID string, rm room.Room) (room.Room, error) {
	if ownerID == "" {
		return room.Room{}, fmt.Errorf("%w: owner is required", room.ErrInvalidArgument)
	}
	rm.OwnerID = ownerID
	if rm.Kind == "" {
		rm.Kind = room.KindPlaylist
	}
	if rm.License == "" {
		rm.License = room.LicenseOpen
	}
	if rm.Visibility == "" {
		rm.Visibility = room.VisibilityPublic
	}
	switch rm.Kind {
	case room.KindPlaylist, room.KindEvent:
	default:
		return room.Room{}, fmt.Errorf("%w: unknown room kind %q", room.ErrInvalidArgument, rm.Kind)
	}
	switch rm.License {
	case room.LicenseOpen, room.LicenseInvited:
	case room.LicenseLocationBased:
		if rm.Geofence == nil || rm.Geofence.RadiusM <= 0 {
			return room.Room{}, fmt.Errorf("%w: location_based rooms need a geofence", room.ErrInvalidArgument)
		}
	default:
		return room.Room{}, fmt.Errorf("%w: unknown license %q", room.ErrInvalidArgument, rm.License)
	}
	if rm.MaxVotesPerUser < 0 {
		return room.Room{}, fmt.Errorf("%w: maxVotesPerUser must not be negative", room.ErrInvalidArgument)
	}
	if rm.Window != nil {
		if err := room.ValidateWindow(*rm.Window, r.clock.Now()); err != nil {
			return room.Room{}, err
		}
	}

	id, err := r.store.CreateRoom(ctx, &rm)
	if err != nil {
		return room.Room{}, &room.PersistenceError{Op: "create room", Err: err}
	}
	rm.ID = id
	return rm, nil
}

// AddMember invites userID. Only the owner or an admin may invite.
func (r *Registry) AddMember(ctx context.Context, roomID, by, userID string, role room.Role) error {
	if userID == "" {
		return fmt.Errorf("%w: user is required", room.ErrInvalidArgument)
	}
	switch role {
	case room.RoleAdmin, room.RoleParticipant:
	case "":
		role = room.RoleParticipant
	default:
		return fmt.Errorf("%w: cannot grant role %q", room.ErrInvalidArgument, role)
	}

	return r.withActor(ctx, roomID, func(a *Actor) error {
		return a.do(ctx, func() error {
			rm := &a.state.Room
			if rl := rm.RoleOf(by); rl != room.RoleOwner && rl != room.RoleAdmin {
				return &room.PermissionError{Action: "invite", Reason: "only the owner or an admin can invite"}
			}
			if err := r.store.AddMember(ctx, roomID, userID, role); err != nil {
				return &room.PersistenceError{Op: "add member", Err: err}
			}
			if rm.Members == nil {
				rm.Members = make(map[string]room.Role)
			}
			rm.Members[userID] = role
			return nil
		})
	})
}

// Rooms lists the ids of the loaded rooms.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.actors))
	for id := range r.actors {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) lookup(roomID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[roomID]
	return a, ok
}

// Close stops every actor. Further calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, a := range r.actors {
		a.stop()
		delete(r.actors, id)
	}
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
