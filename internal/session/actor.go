package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/n0fish/musicroom-sync/internal/protocol"
	"github.com/n0fish/musicroom-sync/internal/room"
)

var errActorStopped = errors.New("room actor stopped")

// Identity is the authenticated caller of a room operation.
type Identity struct {
	UserID      string
	DisplayName string
}

// outcome is what a successful mutation must persist and broadcast.
type outcome struct {
	persist   func(ctx context.Context) error
	broadcast []protocol.Message
	// summaries are published without an actor so every client applies them
	summaries []protocol.Message
	// by overrides the caller as the author of broadcast
	by string
}

// Actor owns one room. All reads and writes of its state happen on the
// actor goroutine, in the order they were queued.
type Actor struct {
	roomID string
	reg    *Registry
	log    *log.Logger

	state      *room.State
	seek       *room.SeekThrottle
	seekBy     string
	seekTrack  string
	lastActive time.Time

	inbox    chan func()
	done     chan struct{}
	once     sync.Once
	stopping bool
}

func newActor(reg *Registry, st *room.State) *Actor {
	a := &Actor{
		roomID:     st.Room.ID,
		reg:        reg,
		log:        reg.log.With("room", st.Room.ID),
		state:      st,
		lastActive: reg.clock.Now(),
		inbox:      make(chan func(), reg.opts.InboxSize),
		done:       make(chan struct{}),
	}
	a.seek = room.NewSeekThrottle(reg.clock, reg.opts.SeekWindow, a.applySeek)
	go a.run()
	return a
}

func (a *Actor) run() {
	for {
		select {
		case fn := <-a.inbox:
			fn()
			if a.stopping {
				a.stop()
				return
			}
		case <-a.done:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for its result.
func (a *Actor) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	job := func() { errCh <- fn() }

	select {
	case a.inbox <- job:
	case <-a.done:
		return errActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-a.done:
		select {
		case err := <-errCh:
			return err
		default:
			return errActorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop tears the actor down. Queued jobs that have not started are dropped
// and their callers get errActorStopped.
func (a *Actor) stop() {
	a.seek.Stop()
	a.once.Do(func() { close(a.done) })
}

func (a *Actor) stopped() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// retireIf stops the actor after the current job when cond holds on its state.
func (a *Actor) retireIf(ctx context.Context, cond func(s *room.State, lastActive time.Time) bool) (bool, error) {
	var retired bool
	err := a.do(ctx, func() error {
		if cond(a.state, a.lastActive) {
			a.stopping = true
			retired = true
		}
		return nil
	})
	return retired, err
}

// mutate applies fn to the room state, persists its outcome and broadcasts it.
// Any failure restores the state captured before fn ran.
func (a *Actor) mutate(ctx context.Context, op, by string, fn func(s *room.State, now time.Time) (*outcome, error)) error {
	return a.do(ctx, func() error {
		now := a.reg.clock.Now()
		before := a.state.Clone()
		orderBefore := before.OrderIDs()

		out, err := fn(a.state, now)
		if err != nil {
			a.state = before
			return err
		}
		if out == nil {
			return nil
		}
		if out.persist != nil {
			if err := out.persist(ctx); err != nil {
				a.state = before
				a.log.Error("persist failed, state rolled back", "op", op, "user", by, "err", err)
				return &room.PersistenceError{Op: op, Err: err}
			}
		}

		a.lastActive = now
		if before.Playback().CurrentTrackID != a.state.Playback().CurrentTrackID {
			// a pending seek belongs to the track that was playing
			a.seek.Stop()
		}
		if out.by != "" {
			by = out.by
		}
		reqID := requestIDFrom(ctx)
		for _, m := range out.broadcast {
			a.publish(ctx, by, reqID, m, now)
		}
		for _, m := range out.summaries {
			a.publish(ctx, "", "", m, now)
		}
		if order := a.state.OrderIDs(); !slices.Equal(order, orderBefore) {
			a.publish(ctx, "", "", protocol.TracksReordered{Order: order}, now)
		}
		return nil
	})
}

// publish stamps the next room sequence number on m. requestID links a
// broadcast to the request that caused it so the sender can match its echo.
func (a *Actor) publish(ctx context.Context, by, requestID string, m protocol.Message, now time.Time) {
	env, err := protocol.NewEnvelope(a.roomID, by, m, now)
	if err != nil {
		a.log.Error("encode broadcast", "type", m.Kind(), "err", err)
		return
	}
	env.Seq = a.state.NextSeq()
	env.RequestID = requestID
	if err := a.reg.pub.Publish(context.WithoutCancel(ctx), env); err != nil {
		a.log.Warn("publish failed", "type", env.Type, "seq", env.Seq, "err", err)
	}
}

func (a *Actor) authorize(ctx context.Context, action room.Action, s *room.State, userID string) error {
	return a.reg.eval.Authorize(ctx, action, &s.Room, s.Actor(userID))
}

func (a *Actor) join(ctx context.Context, id Identity, m protocol.JoinRoom) (room.Snapshot, error) {
	var snap room.Snapshot
	err := a.mutate(ctx, "join", id.UserID, func(s *room.State, now time.Time) (*outcome, error) {
		name := m.DisplayName
		if name == "" {
			name = id.DisplayName
		}
		if _, err := s.Join(id.UserID, name, m.Location, now); err != nil {
			return nil, err
		}
		return &outcome{
			broadcast: []protocol.Message{protocol.JoinRoom{DisplayName: name}},
			summaries: []protocol.Message{protocol.CurrentParticipants{Participants: s.Participants()}},
		}, nil
	})
	if err != nil {
		return snap, err
	}
	err = a.do(ctx, func() error {
		snap = a.state.Snapshot()
		return nil
	})
	return snap, err
}

// leave removes the user and its votes.
func (a *Actor) leave(ctx context.Context, userID string) error {
	return a.mutate(ctx, "leave", userID, func(s *room.State, now time.Time) (*outcome, error) {
		present, removed := s.Leave(userID)
		if !present && len(removed) == 0 {
			return nil, nil
		}
		out := &outcome{
			broadcast: []protocol.Message{protocol.LeaveRoom{}},
			summaries: []protocol.Message{protocol.CurrentParticipants{Participants: s.Participants()}},
		}
		if len(removed) > 0 {
			out.persist = func(ctx context.Context) error {
				return a.reg.store.DeleteUserVotes(ctx, a.roomID, userID)
			}
		}
		return out, nil
	})
}

func (a *Actor) vote(ctx context.Context, userID string, m protocol.Vote) error {
	return a.mutate(ctx, "vote", userID, func(s *room.State, now time.Time) (*outcome, error) {
		if m.Location != nil {
			s.UpdateLocation(userID, *m.Location)
		}
		v, _, err := s.CastVote(ctx, a.reg.eval, s.Actor(userID), m.TrackID, m.Type, m.Weight, now)
		if err != nil {
			return nil, err
		}
		return &outcome{
			persist:   func(ctx context.Context) error { return a.reg.store.CreateVote(ctx, v) },
			broadcast: []protocol.Message{protocol.Vote{TrackID: v.TrackID, Type: v.Type, Weight: v.Weight}},
		}, nil
	})
}

func (a *Actor) removeVote(ctx context.Context, userID string, m protocol.RemoveVote) error {
	return a.mutate(ctx, "remove-vote", userID, func(s *room.State, now time.Time) (*outcome, error) {
		if _, ok := s.RemoveVote(m.TrackID, userID); !ok {
			return nil, nil
		}
		return &outcome{
			persist: func(ctx context.Context) error {
				return a.reg.store.DeleteVote(ctx, a.roomID, m.TrackID, userID)
			},
			broadcast: []protocol.Message{protocol.RemoveVote{TrackID: m.TrackID}},
		}, nil
	})
}

func (a *Actor) addTrack(ctx context.Context, userID string, m protocol.AddTrack) error {
	return a.mutate(ctx, "add-track", userID, func(s *room.State, now time.Time) (*outcome, error) {
		if err := a.authorize(ctx, room.ActionAddTrack, s, userID); err != nil {
			return nil, err
		}
		t := m.Track
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.AddedBy = userID
		added, err := s.AddTrack(t)
		if err != nil {
			return nil, err
		}
		return &outcome{
			persist:   func(ctx context.Context) error { return a.reg.store.AddTrack(ctx, a.roomID, added) },
			broadcast: []protocol.Message{protocol.TrackAdded{Track: added}},
		}, nil
	})
}

func (a *Actor) removeTrack(ctx context.Context, userID string, m protocol.RemoveTrack) error {
	return a.mutate(ctx, "remove-track", userID, func(s *room.State, now time.Time) (*outcome, error) {
		if err := a.authorize(ctx, room.ActionAddTrack, s, userID); err != nil {
			return nil, err
		}
		prev := trackStatuses(s)
		wasCurrent := s.Playback().CurrentTrackID == m.TrackID
		if _, _, err := s.RemoveTrack(m.TrackID); err != nil {
			return nil, err
		}
		out := &outcome{broadcast: []protocol.Message{protocol.TrackRemoved{TrackID: m.TrackID}}}
		if wasCurrent {
			next, _ := s.NextEligible(m.TrackID)
			adv := s.AdvanceTo(userID, m.TrackID, next.ID, now)
			out.summaries = append(out.summaries, protocol.TrackEnded{TrackID: m.TrackID, NextTrackID: adv.NextID})
		}
		out.persist = func(ctx context.Context) error {
			if err := a.reg.store.RemoveTrack(ctx, a.roomID, m.TrackID); err != nil {
				return err
			}
			if !wasCurrent {
				return nil
			}
			return a.persistPlayback(s, prev)(ctx)
		}
		return out, nil
	})
}

// control runs a playback command after the control permission check.
func (a *Actor) control(ctx context.Context, op, userID string, fn func(s *room.State, now time.Time) (protocol.Message, error)) error {
	return a.mutate(ctx, op, userID, func(s *room.State, now time.Time) (*outcome, error) {
		if err := a.authorize(ctx, room.ActionControl, s, userID); err != nil {
			return nil, err
		}
		prev := trackStatuses(s)
		msg, err := fn(s, now)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			return nil, nil
		}
		return &outcome{
			persist:   a.persistPlayback(s, prev),
			broadcast: []protocol.Message{msg},
		}, nil
	})
}

func (a *Actor) play(ctx context.Context, userID string, m protocol.Play) error {
	return a.control(ctx, "play", userID, func(s *room.State, now time.Time) (protocol.Message, error) {
		p, err := s.Play(userID, m.TrackID, m.StartTime, now)
		if err != nil {
			return nil, err
		}
		pos := p.Position
		return protocol.Play{TrackID: p.CurrentTrackID, StartTime: &pos}, nil
	})
}

func (a *Actor) pause(ctx context.Context, userID string, m protocol.Pause) error {
	return a.control(ctx, "pause", userID, func(s *room.State, now time.Time) (protocol.Message, error) {
		p, err := s.Pause(userID, m.CurrentTime, now)
		if err != nil {
			return nil, err
		}
		pos := p.Position
		return protocol.Pause{CurrentTime: &pos}, nil
	})
}

func (a *Actor) changeTrack(ctx context.Context, userID string, m protocol.ChangeTrack) error {
	return a.control(ctx, "change-track", userID, func(s *room.State, now time.Time) (protocol.Message, error) {
		p, err := s.ChangeTrack(userID, m.TrackID, m.Index, now)
		if err != nil {
			return nil, err
		}
		return protocol.ChangeTrack{TrackID: p.CurrentTrackID}, nil
	})
}

func (a *Actor) setVolume(ctx context.Context, userID string, m protocol.SetVolume) error {
	return a.control(ctx, "set-volume", userID, func(s *room.State, now time.Time) (protocol.Message, error) {
		p, err := s.SetVolume(userID, m.Volume, now)
		if err != nil {
			return nil, err
		}
		return protocol.SetVolume{Volume: p.Volume}, nil
	})
}

func (a *Actor) trackEnded(ctx context.Context, userID string, m protocol.TrackEnded) error {
	return a.control(ctx, "track-ended", userID, func(s *room.State, now time.Time) (protocol.Message, error) {
		adv := s.TrackEnded(userID, m.TrackID, now)
		if adv.Stale {
			return nil, nil
		}
		return protocol.TrackEnded{TrackID: adv.EndedID, NextTrackID: adv.NextID}, nil
	})
}

func (a *Actor) trackFailed(ctx context.Context, userID string, m protocol.TrackFailed) error {
	return a.control(ctx, "track-failed", userID, func(s *room.State, now time.Time) (protocol.Message, error) {
		adv := s.TrackFailed(userID, m.TrackID, now)
		return protocol.TrackFailed{TrackID: m.TrackID, NextTrackID: adv.NextID}, nil
	})
}

// requestSeek checks permission and hands the time to the throttle. The seek
// itself is applied and broadcast when the throttle window closes.
func (a *Actor) requestSeek(ctx context.Context, userID string, m protocol.Seek) error {
	return a.do(ctx, func() error {
		s := a.state
		if err := a.authorize(ctx, room.ActionControl, s, userID); err != nil {
			return err
		}
		if s.Playback().CurrentTrackID == "" {
			return fmt.Errorf("%w: nothing is playing", room.ErrInvalidArgument)
		}
		if m.Time < 0 {
			return fmt.Errorf("%w: seek time must not be negative", room.ErrInvalidArgument)
		}
		a.seekBy = userID
		a.seekTrack = s.Playback().CurrentTrackID
		a.seek.Request(m.Time)
		return nil
	})
}

func (a *Actor) applySeek(t float64) {
	ctx, cancel := context.WithTimeout(context.Background(), a.reg.opts.WriteTimeout)
	defer cancel()
	err := a.mutate(ctx, "seek", "", func(s *room.State, now time.Time) (*outcome, error) {
		by := a.seekBy
		if s.Playback().CurrentTrackID != a.seekTrack {
			a.log.Debug("seek outlived its track", "track", a.seekTrack, "time", t)
			return nil, nil
		}
		if _, err := s.ApplySeek(by, t, now); err != nil {
			return nil, err
		}
		out := &outcome{
			persist: func(ctx context.Context) error {
				return a.reg.store.UpdateRoom(ctx, a.roomID, PlaybackUpdates(s.Playback()))
			},
			broadcast: []protocol.Message{protocol.Seek{Time: t}},
		}
		out.by = by
		return out, nil
	})
	if err != nil && !errors.Is(err, errActorStopped) {
		a.log.Warn("deferred seek dropped", "time", t, "err", err)
	}
}

// advanceOverdue moves past a track that ran over its duration without any
// client reporting its end.
func (a *Actor) advanceOverdue(ctx context.Context, grace time.Duration) error {
	return a.mutate(ctx, "auto-advance", "", func(s *room.State, now time.Time) (*outcome, error) {
		if !s.Overdue(now, grace) {
			return nil, nil
		}
		prev := trackStatuses(s)
		ended := s.Playback().CurrentTrackID
		adv := s.TrackEnded("", ended, now)
		a.log.Info("auto-advancing finished track", "track", ended, "next", adv.NextID)
		return &outcome{
			persist:   a.persistPlayback(s, prev),
			summaries: []protocol.Message{protocol.TrackEnded{TrackID: adv.EndedID, NextTrackID: adv.NextID}},
		}, nil
	})
}

func (a *Actor) snapshot(ctx context.Context) (room.Snapshot, error) {
	var snap room.Snapshot
	err := a.do(ctx, func() error {
		snap = a.state.Snapshot()
		return nil
	})
	return snap, err
}

func trackStatuses(s *room.State) map[string]string {
	out := make(map[string]string)
	for _, t := range s.Tracks() {
		out[t.ID] = t.Status
	}
	return out
}

// persistPlayback writes every track whose status changed and then the playback row.
func (a *Actor) persistPlayback(s *room.State, prev map[string]string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for _, t := range s.Tracks() {
			if prev[t.ID] == t.Status {
				continue
			}
			var err error
			if t.Status == room.TrackPlayed {
				err = a.reg.store.MarkPlayed(ctx, a.roomID, t.ID)
			} else {
				err = a.reg.store.SetTrackStatus(ctx, a.roomID, t.ID, t.Status)
			}
			if err != nil {
				return err
			}
		}
		return a.reg.store.UpdateRoom(ctx, a.roomID, PlaybackUpdates(s.Playback()))
	}
}
