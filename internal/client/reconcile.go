package client

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/n0fish/musicroom-sync/internal/protocol"
	"github.com/n0fish/musicroom-sync/internal/room"
)

// DefaultErrorWindow is how long a rejected request stays visible through Err.
const DefaultErrorWindow = 5 * time.Second

// optimisticGeo lets location_based rooms through locally; the server runs the real check.
type optimisticGeo struct{}

func (optimisticGeo) CheckLocationPermission(context.Context, string, room.Coordinates) (room.LocationResult, error) {
	return room.LocationResult{Allowed: true}, nil
}

type pendingOp struct {
	requestID string
	kind      protocol.Kind
	at        time.Time
	apply     func(s *room.State, now time.Time) error
}

// Reconciler keeps the local projection of one room. The confirmed state only
// moves on server frames; the view is the confirmed state with every pending
// local request replayed on top. Rolling a request back is rebuilding the view
// without it.
type Reconciler struct {
	roomID string
	self   string
	clock  clock.Clock
	log    *log.Logger
	eval   *room.Evaluator
	window time.Duration

	mu        sync.Mutex
	confirmed *room.State
	view      *room.State
	baseSeq   uint64
	seen      map[string]uint64
	pending   []*pendingOp
	drift     int
	lastErr   error
	errTimer  *clock.Timer

	onChange []func(room.Snapshot)
	onError  []func(error)
}

func NewReconciler(roomID, self string, clk clock.Clock, logger *log.Logger) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	st := room.NewState(room.Room{ID: roomID})
	return &Reconciler{
		roomID:    roomID,
		self:      self,
		clock:     clk,
		log:       logger.With("room", roomID, "user", self),
		eval:      &room.Evaluator{Geo: optimisticGeo{}},
		window:    DefaultErrorWindow,
		confirmed: st,
		view:      st.Clone(),
		seen:      make(map[string]uint64),
	}
}

// OnChange registers fn to receive the view after every change.
func (r *Reconciler) OnChange(fn func(room.Snapshot)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// OnError registers fn to be told once about every rejected request.
func (r *Reconciler) OnError(fn func(error)) {
	r.mu.Lock()
	r.onError = append(r.onError, fn)
	r.mu.Unlock()
}

// Apply validates msg against the view and applies it optimistically under
// requestID. It returns the message to send, which may have been completed
// (a new track gets its id here). Validation errors are returned as is and
// nothing is recorded.
func (r *Reconciler) Apply(requestID string, msg protocol.Message) (protocol.Message, error) {
	r.mu.Lock()
	now := r.clock.Now()
	msg, op, err := r.prepare(msg)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	next := r.view.Clone()
	if err := op(next, now); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.view = next
	r.pending = append(r.pending, &pendingOp{requestID: requestID, kind: msg.Kind(), at: now, apply: op})
	notify := r.changed()
	r.mu.Unlock()

	notify()
	return msg, nil
}

// Fail rolls back requestID as if the server had rejected it with err.
func (r *Reconciler) Fail(requestID string, err error) {
	r.mu.Lock()
	notify := r.rollback(requestID, err)
	r.mu.Unlock()
	notify()
}

// Handle merges one frame from the server.
func (r *Reconciler) Handle(env protocol.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.log.Warn("undecodable frame", "type", env.Type, "err", err)
		return
	}

	r.mu.Lock()
	var notify func()
	switch m := msg.(type) {
	case protocol.Ack:
		r.ack(env.RequestID)
		notify = func() {}
	case protocol.Error:
		notify = r.rollback(env.RequestID, m.Err())
	case protocol.RoomState:
		notify = r.replace(env, m.Snapshot)
	default:
		notify = r.merge(env, msg)
	}
	r.mu.Unlock()
	notify()
}

// ack promotes a request the server accepted without an echo reaching us first.
func (r *Reconciler) ack(requestID string) {
	op := r.take(requestID)
	if op == nil {
		return
	}
	r.promote(op, op.at)
}

func (r *Reconciler) rollback(requestID string, cause error) func() {
	op := r.take(requestID)
	if op != nil {
		r.rebuild()
		cause = fmt.Errorf("%s rejected: %w", op.kind, cause)
	}
	r.log.Warn("request failed", "request", requestID, "err", cause)

	r.lastErr = cause
	if r.errTimer != nil {
		r.errTimer.Stop()
	}
	r.errTimer = r.clock.AfterFunc(r.window, func() {
		r.mu.Lock()
		if r.lastErr == cause {
			r.lastErr = nil
		}
		r.mu.Unlock()
	})

	errFns := slices.Clone(r.onError)
	notify := func() {}
	if op != nil {
		notify = r.changed()
	}
	return func() {
		notify()
		for _, fn := range errFns {
			fn(cause)
		}
	}
}

func (r *Reconciler) replace(env protocol.Envelope, snap room.Snapshot) func() {
	r.confirmed = room.FromSnapshot(snap)
	r.baseSeq = max(env.Seq, snap.Seq)
	r.seen = make(map[string]uint64)
	r.rebuild()
	return r.changed()
}

func (r *Reconciler) merge(env protocol.Envelope, msg protocol.Message) func() {
	key := entityKey(env.ActorID, msg)
	echo := env.ActorID != "" && env.ActorID == r.self

	if env.Seq != 0 {
		if env.Seq <= r.baseSeq || env.Seq <= r.seen[key] {
			// the snapshot already holds it; drop a request it confirms
			if echo && r.take(env.RequestID) != nil {
				r.rebuild()
				return r.changed()
			}
			return func() {}
		}
		r.seen[key] = env.Seq
	}

	if echo {
		// the echo carries what the server stored; it replaces the pending op
		if r.take(env.RequestID) != nil {
			r.applyRemote(env, msg)
			r.rebuild()
		}
		return func() {}
	}

	r.applyRemote(env, msg)
	r.rebuild()
	return r.changed()
}

func (r *Reconciler) applyRemote(env protocol.Envelope, msg protocol.Message) {
	s := r.confirmed
	by, at := env.ActorID, env.Timestamp
	var err error
	switch m := msg.(type) {
	case protocol.JoinRoom:
		_, err = s.Join(by, m.DisplayName, m.Location, at)
	case protocol.LeaveRoom:
		s.Leave(by)
	case protocol.CurrentParticipants:
		s.SetParticipants(m.Participants)
	case protocol.Vote:
		s.ApplyVote(room.Vote{RoomID: r.roomID, TrackID: m.TrackID, UserID: by, Type: m.Type, Weight: m.Weight, CreatedAt: at})
	case protocol.RemoveVote:
		s.RemoveVote(m.TrackID, by)
	case protocol.TrackAdded:
		_, err = s.RestoreTrack(m.Track)
	case protocol.TrackRemoved:
		_, _, err = s.RemoveTrack(m.TrackID)
	case protocol.TracksReordered:
		if local := s.OrderIDs(); !slices.Equal(local, m.Order) {
			r.drift++
			r.log.Debug("order differs from server", "local", local, "server", m.Order)
		}
	case protocol.Play:
		_, err = s.Play(by, m.TrackID, m.StartTime, at)
	case protocol.Pause:
		_, err = s.Pause(by, m.CurrentTime, at)
	case protocol.Seek:
		_, err = s.ApplySeek(by, m.Time, at)
	case protocol.ChangeTrack:
		_, err = s.ChangeTrack(by, m.TrackID, m.Index, at)
	case protocol.SetVolume:
		_, err = s.SetVolume(by, m.Volume, at)
	case protocol.TrackEnded:
		s.AdvanceTo(by, m.TrackID, m.NextTrackID, at)
	case protocol.TrackFailed:
		s.MarkFailed(m.TrackID)
		if s.Playback().CurrentTrackID == m.TrackID {
			s.AdvanceTo(by, m.TrackID, m.NextTrackID, at)
		}
	default:
		r.log.Debug("ignoring frame", "type", env.Type)
	}
	if err != nil {
		r.log.Debug("remote update not applied", "type", env.Type, "seq", env.Seq, "err", err)
	}
}

// promote folds an accepted request into the confirmed state.
func (r *Reconciler) promote(op *pendingOp, at time.Time) {
	if err := op.apply(r.confirmed, at); err != nil {
		r.log.Debug("accepted request no longer applies", "type", op.kind, "err", err)
	}
	r.rebuild()
}

// rebuild recomputes the view from the confirmed state and pending requests.
func (r *Reconciler) rebuild() {
	view := r.confirmed.Clone()
	for _, op := range r.pending {
		if err := op.apply(view, op.at); err != nil {
			r.log.Debug("pending request skipped", "request", op.requestID, "type", op.kind, "err", err)
		}
	}
	r.view = view
}

func (r *Reconciler) take(requestID string) *pendingOp {
	if requestID == "" {
		return nil
	}
	for i, op := range r.pending {
		if op.requestID == requestID {
			r.pending = slices.Delete(r.pending, i, i+1)
			return op
		}
	}
	return nil
}

func (r *Reconciler) changed() func() {
	if len(r.onChange) == 0 {
		return func() {}
	}
	snap := r.view.Snapshot()
	fns := slices.Clone(r.onChange)
	return func() {
		for _, fn := range fns {
			fn(snap)
		}
	}
}

// DropPending forgets requests whose replies can no longer arrive, e.g. after
// the connection was replaced. The next room-state is authoritative for them.
func (r *Reconciler) DropPending() {
	r.mu.Lock()
	r.pending = nil
	r.rebuild()
	notify := r.changed()
	r.mu.Unlock()
	notify()
}

// Err returns the last rejection until the error window has passed.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Reconciler) View() room.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Snapshot()
}

func (r *Reconciler) Order() []room.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Order()
}

func (r *Reconciler) NetScore(trackID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.NetScore(trackID)
}

func (r *Reconciler) Playback() room.PlaybackState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Playback()
}

func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Drift counts tracks-reordered frames that disagreed with the local order.
func (r *Reconciler) Drift() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drift
}

// prepare turns a request into the local operation that mirrors what the
// server will do with it.
func (r *Reconciler) prepare(msg protocol.Message) (protocol.Message, func(*room.State, time.Time) error, error) {
	ctx := context.Background()
	self := r.self
	control := func(s *room.State) error {
		return r.eval.Authorize(ctx, room.ActionControl, &s.Room, r.actor(s))
	}

	switch m := msg.(type) {
	case protocol.Vote:
		return m, func(s *room.State, now time.Time) error {
			if m.Location != nil {
				s.UpdateLocation(self, *m.Location)
			}
			_, _, err := s.CastVote(ctx, r.eval, r.actor(s), m.TrackID, m.Type, m.Weight, now)
			return err
		}, nil

	case protocol.RemoveVote:
		return m, func(s *room.State, _ time.Time) error {
			s.RemoveVote(m.TrackID, self)
			return nil
		}, nil

	case protocol.AddTrack:
		if m.Track.ID == "" {
			m.Track.ID = uuid.NewString()
		}
		if m.Track.CreatedAt.IsZero() {
			m.Track.CreatedAt = r.clock.Now().UTC()
		}
		m.Track.AddedBy = self
		t := m.Track
		return m, func(s *room.State, _ time.Time) error {
			if err := r.eval.Authorize(ctx, room.ActionAddTrack, &s.Room, r.actor(s)); err != nil {
				return err
			}
			_, err := s.AddTrack(t)
			return err
		}, nil

	case protocol.RemoveTrack:
		return m, func(s *room.State, now time.Time) error {
			if err := r.eval.Authorize(ctx, room.ActionAddTrack, &s.Room, r.actor(s)); err != nil {
				return err
			}
			wasCurrent := s.Playback().CurrentTrackID == m.TrackID
			if _, _, err := s.RemoveTrack(m.TrackID); err != nil {
				return err
			}
			if wasCurrent {
				next, _ := s.NextEligible(m.TrackID)
				s.AdvanceTo(self, m.TrackID, next.ID, now)
			}
			return nil
		}, nil

	case protocol.Play:
		return m, func(s *room.State, now time.Time) error {
			if err := control(s); err != nil {
				return err
			}
			_, err := s.Play(self, m.TrackID, m.StartTime, now)
			return err
		}, nil

	case protocol.Pause:
		return m, func(s *room.State, now time.Time) error {
			if err := control(s); err != nil {
				return err
			}
			_, err := s.Pause(self, m.CurrentTime, now)
			return err
		}, nil

	case protocol.Seek:
		return m, func(s *room.State, now time.Time) error {
			if err := control(s); err != nil {
				return err
			}
			_, err := s.ApplySeek(self, m.Time, now)
			return err
		}, nil

	case protocol.ChangeTrack:
		return m, func(s *room.State, now time.Time) error {
			if err := control(s); err != nil {
				return err
			}
			_, err := s.ChangeTrack(self, m.TrackID, m.Index, now)
			return err
		}, nil

	case protocol.SetVolume:
		return m, func(s *room.State, now time.Time) error {
			if err := control(s); err != nil {
				return err
			}
			_, err := s.SetVolume(self, m.Volume, now)
			return err
		}, nil

	case protocol.TrackEnded:
		return m, func(s *room.State, now time.Time) error {
			if err := control(s); err != nil {
				return err
			}
			s.TrackEnded(self, m.TrackID, now)
			return nil
		}, nil

	case protocol.TrackFailed:
		return m, func(s *room.State, now time.Time) error {
			if err := control(s); err != nil {
				return err
			}
			s.TrackFailed(self, m.TrackID, now)
			return nil
		}, nil
	}
	return nil, nil, fmt.Errorf("%w: %s is not a local mutation", room.ErrInvalidArgument, msg.Kind())
}

// actor is the local identity for optimistic checks. Location gates are left
// to the server, so a missing position never fails locally.
func (r *Reconciler) actor(s *room.State) room.Actor {
	a := s.Actor(r.self)
	if a.Location == nil {
		a.Location = &room.Coordinates{}
	}
	return a
}

// entityKey names what msg changes, for last-writer-wins by sequence number.
func entityKey(actorID string, msg protocol.Message) string {
	switch m := msg.(type) {
	case protocol.Vote:
		return "vote:" + m.TrackID + ":" + actorID
	case protocol.RemoveVote:
		return "vote:" + m.TrackID + ":" + actorID
	case protocol.TrackAdded:
		return "track:" + m.Track.ID
	case protocol.TrackRemoved:
		return "track:" + m.TrackID
	case protocol.TracksReordered:
		return "order"
	case protocol.JoinRoom, protocol.LeaveRoom, protocol.CurrentParticipants:
		return "participants"
	default:
		return "playback"
	}
}
