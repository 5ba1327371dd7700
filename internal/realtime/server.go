package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/n0fish/musicroom-sync/internal/auth"
	"github.com/n0fish/musicroom-sync/internal/protocol"
	"github.com/n0fish/musicroom-sync/internal/room"
	"github.com/n0fish/musicroom-sync/internal/session"
)

// Rooms is the session side the server drives.
type Rooms interface {
	Dispatch(ctx context.Context, id session.Identity, env protocol.Envelope) (protocol.Message, error)
	Leave(ctx context.Context, roomID, userID string) error
	Snapshot(ctx context.Context, roomID string) (room.Snapshot, error)
	CreateRoom(ctx context.Context, ownerID string, rm room.Room) (room.Room, error)
	AddMember(ctx context.Context, roomID, by, userID string, role room.Role) error
}

type ServerOptions struct {
	// AllowedOrigins is checked against the Origin header on upgrade; "*" allows any.
	AllowedOrigins  []string
	RateLimit       rate.Limit
	RateBurst       int
	DispatchTimeout time.Duration
}

type Server struct {
	hub      *Hub
	rooms    Rooms
	verifier *auth.Verifier
	clock    clock.Clock
	log      *log.Logger
	opts     ServerOptions
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, rooms Rooms, verifier *auth.Verifier, clk clock.Clock, logger *log.Logger, opts ServerOptions) *Server {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.Default()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 2 * int(opts.RateLimit)
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 10 * time.Second
	}
	s := &Server{
		hub:      hub,
		rooms:    rooms,
		verifier: verifier,
		clock:    clk,
		log:      logger.With("component", "realtime"),
		opts:     opts,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Router builds the chi router. The websocket route authenticates itself so
// that browsers can pass the token as a query parameter.
func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware(writeError))
		r.Post("/rooms", s.handleCreateRoom)
		r.Get("/rooms/{id}/state", s.handleRoomState)
		r.Post("/rooms/{id}/members", s.handleAddMember)
	})
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "musicroom-sync",
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room query parameter is required")
		return
	}
	claims, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", "err", err)
		return
	}

	limiter := rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst)
	c := newClient(s.hub, conn, roomID, claims.UserID, claims.DisplayName, limiter, s.log)
	if err := s.hub.add(c); err != nil {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(s.handleFrame)
}

// handleFrame decodes one client frame, runs it against the room and replies
// to the sender only, echoing the request id.
func (s *Server) handleFrame(c *Client, data []byte) {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		s.reply(c, "", protocol.ErrorFrom(errors.Join(room.ErrInvalidArgument, err)))
		return
	}
	if !c.limiter.Allow() {
		s.reply(c, env.RequestID, protocol.ErrorFrom(protocol.ErrRateLimited))
		return
	}
	if env.RoomID == "" {
		env.RoomID = c.roomID
	}
	if env.RoomID != c.roomID {
		s.reply(c, env.RequestID, protocol.Error{Code: protocol.CodeInvalidArgument, Message: "connection is bound to another room"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DispatchTimeout)
	defer cancel()
	msg, err := s.rooms.Dispatch(ctx, session.Identity{UserID: c.userID, DisplayName: c.displayName}, env)
	if err != nil {
		frame := protocol.ErrorFrom(err)
		if frame.Code == protocol.CodeInternal || frame.Code == protocol.CodePersistenceFailure {
			c.log.Error("dispatch", "type", env.Type, "err", err)
		}
		s.reply(c, env.RequestID, frame)
		return
	}
	s.reply(c, env.RequestID, msg)
}

func (s *Server) reply(c *Client, requestID string, msg protocol.Message) {
	env, err := protocol.NewEnvelope(c.roomID, "", msg, s.clock.Now())
	if err != nil {
		c.log.Error("encode reply", "type", msg.Kind(), "err", err)
		return
	}
	env.RequestID = requestID
	if st, ok := msg.(protocol.RoomState); ok {
		env.Seq = st.Snapshot.Seq
	}
	data, err := env.Marshal()
	if err != nil {
		c.log.Error("encode reply", "type", msg.Kind(), "err", err)
		return
	}
	s.hub.send(c, data)
}

// OnLeave is the hub callback that removes a disconnected user from its room.
func (s *Server) OnLeave(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DispatchTimeout)
	defer cancel()
	if err := s.rooms.Leave(ctx, roomID, userID); err != nil {
		s.log.Warn("leave on disconnect", "room", roomID, "user", userID, "err", err)
	}
}

type createRoomRequest struct {
	ID              string           `json:"id"`
	Kind            room.Kind        `json:"kind"`
	License         room.License     `json:"license"`
	Visibility      room.Visibility  `json:"visibility"`
	Geofence        *room.Geofence   `json:"geofence"`
	Window          *room.TimeWindow `json:"window"`
	MaxVotesPerUser int              `json:"maxVotesPerUser"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rm, err := s.rooms.CreateRoom(r.Context(), claims.UserID, room.Room{
		ID:              req.ID,
		Kind:            req.Kind,
		License:         req.License,
		Visibility:      req.Visibility,
		Geofence:        req.Geofence,
		Window:          req.Window,
		MaxVotesPerUser: req.MaxVotesPerUser,
	})
	if err != nil {
		writeRoomError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rm)
}

func (s *Server) handleRoomState(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	snap, err := s.rooms.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRoomError(w, err)
		return
	}
	if snap.Room.Visibility == room.VisibilityPrivate && snap.Room.RoleOf(claims.UserID) == room.RoleNone {
		writeError(w, http.StatusForbidden, "room is private, invite required")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type addMemberRequest struct {
	UserID string    `json:"userId"`
	Role   room.Role `json:"role"`
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.rooms.AddMember(r.Context(), chi.URLParam(r, "id"), claims.UserID, req.UserID, req.Role); err != nil {
		writeRoomError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
