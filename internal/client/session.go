package client

import (
	"context"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/n0fish/musicroom-sync/internal/protocol"
	"github.com/n0fish/musicroom-sync/internal/room"
)

type SessionOptions struct {
	URL         string
	RoomID      string
	UserID      string
	DisplayName string
	Location    *room.Coordinates
	Creds       CredentialSource

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *log.Logger

	// OnConnState observes the underlying channel.
	OnConnState func(ConnState, error)
}

// RoomSession is one subscription to one room: a Channel feeding a
// Reconciler. Every (re)connect joins the room again and the room-state reply
// replaces the local projection.
type RoomSession struct {
	roomID      string
	userID      string
	displayName string
	location    *room.Coordinates
	clock       clock.Clock
	log         *log.Logger

	ch  *Channel
	rec *Reconciler
	obs func(ConnState, error)
}

func NewRoomSession(opts SessionOptions) *RoomSession {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	s := &RoomSession{
		roomID:      opts.RoomID,
		userID:      opts.UserID,
		displayName: opts.DisplayName,
		location:    opts.Location,
		clock:       opts.Clock,
		log:         opts.Logger.With("room", opts.RoomID),
		obs:         opts.OnConnState,
	}
	s.rec = NewReconciler(opts.RoomID, opts.UserID, opts.Clock, opts.Logger)
	s.ch = NewChannel(ChannelOptions{
		URL:       opts.URL,
		RoomID:    opts.RoomID,
		Creds:     opts.Creds,
		Dialer:    opts.Dialer,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		OnMessage: s.rec.Handle,
		OnState:   s.connState,
	})
	return s
}

// Open connects and joins the room.
func (s *RoomSession) Open(ctx context.Context) error {
	return s.ch.Connect(ctx)
}

func (s *RoomSession) connState(st ConnState, err error) {
	if st == StateOpen {
		s.rec.DropPending()
		if err := s.join(); err != nil {
			s.log.Warn("join after connect", "err", err)
		}
	}
	if s.obs != nil {
		s.obs(st, err)
	}
}

func (s *RoomSession) join() error {
	env, err := protocol.NewEnvelope(s.roomID, s.userID, protocol.JoinRoom{DisplayName: s.displayName, Location: s.location}, s.clock.Now())
	if err != nil {
		return err
	}
	env.RequestID = uuid.NewString()
	return s.ch.Send(env)
}

// Do applies msg locally and sends it. Validation errors come back
// synchronously; a send failure rolls the local change back.
func (s *RoomSession) Do(msg protocol.Message) error {
	reqID := uuid.NewString()
	out, err := s.rec.Apply(reqID, msg)
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(s.roomID, s.userID, out, s.clock.Now())
	if err != nil {
		s.rec.Fail(reqID, err)
		return err
	}
	env.RequestID = reqID
	if err := s.ch.Send(env); err != nil {
		s.rec.Fail(reqID, err)
		return err
	}
	return nil
}

// Vote sends the position the session was opened with, if any.
func (s *RoomSession) Vote(trackID string, vt room.VoteType) error {
	return s.Do(protocol.Vote{TrackID: trackID, Type: vt, Weight: 1, Location: s.location})
}

// VoteFrom votes with a fresh position, which the room keeps for later checks.
func (s *RoomSession) VoteFrom(trackID string, vt room.VoteType, loc room.Coordinates) error {
	return s.Do(protocol.Vote{TrackID: trackID, Type: vt, Weight: 1, Location: &loc})
}

func (s *RoomSession) RemoveVote(trackID string) error {
	return s.Do(protocol.RemoveVote{TrackID: trackID})
}

func (s *RoomSession) AddTrack(t room.Track) error {
	return s.Do(protocol.AddTrack{Track: t})
}

func (s *RoomSession) RemoveTrack(trackID string) error {
	return s.Do(protocol.RemoveTrack{TrackID: trackID})
}

func (s *RoomSession) Play(trackID string) error {
	return s.Do(protocol.Play{TrackID: trackID})
}

func (s *RoomSession) Pause() error {
	return s.Do(protocol.Pause{})
}

func (s *RoomSession) Seek(t float64) error {
	return s.Do(protocol.Seek{Time: t})
}

func (s *RoomSession) SetVolume(v int) error {
	return s.Do(protocol.SetVolume{Volume: v})
}

func (s *RoomSession) TrackEnded(trackID string) error {
	return s.Do(protocol.TrackEnded{TrackID: trackID})
}

func (s *RoomSession) Reconciler() *Reconciler { return s.rec }

func (s *RoomSession) Channel() *Channel { return s.ch }

// Leave cancels pending reconnects and sends a best-effort leave-room.
// It returns without waiting for the notice.
func (s *RoomSession) Leave() {
	s.ch.Leave(s.userID)
}
