package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/n0fish/musicroom-sync/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

var ErrHubStopped = errors.New("realtime: hub stopped")

type roomFrame struct {
	roomID string
	data   []byte
}

type directFrame struct {
	client *Client
	data   []byte
}

// Hub owns the connected clients of this instance, grouped by room, and fans
// frames out to them. Slow clients are dropped rather than blocking the room.
type Hub struct {
	rooms   map[string]map[*Client]bool
	roomsMu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan roomFrame
	direct     chan directFrame
	done       chan struct{}

	// onLeave runs when the last connection of a user in a room goes away.
	onLeave func(roomID, userID string)
	log     *log.Logger
}

func NewHub(logger *log.Logger, onLeave func(roomID, userID string)) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomFrame, 256),
		direct:     make(chan directFrame, 256),
		done:       make(chan struct{}),
		onLeave:    onLeave,
		log:        logger.With("component", "hub"),
	}
}

// Run processes hub events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.roomsMu.Lock()
			for id, clients := range h.rooms {
				for c := range clients {
					close(c.send)
				}
				delete(h.rooms, id)
			}
			h.roomsMu.Unlock()
			return

		case c := <-h.register:
			h.roomsMu.Lock()
			if h.rooms[c.roomID] == nil {
				h.rooms[c.roomID] = make(map[*Client]bool)
			}
			h.rooms[c.roomID][c] = true
			h.roomsMu.Unlock()
			h.log.Debug("client registered", "room", c.roomID, "user", c.userID)

		case c := <-h.unregister:
			h.remove(c)

		case f := <-h.broadcast:
			h.roomsMu.RLock()
			var slow []*Client
			for c := range h.rooms[f.roomID] {
				select {
				case c.send <- f.data:
				default:
					slow = append(slow, c)
				}
			}
			h.roomsMu.RUnlock()
			for _, c := range slow {
				h.log.Warn("dropping slow client", "room", c.roomID, "user", c.userID)
				h.remove(c)
			}

		case f := <-h.direct:
			h.roomsMu.RLock()
			ok := h.rooms[f.client.roomID][f.client]
			h.roomsMu.RUnlock()
			if !ok {
				continue
			}
			select {
			case f.client.send <- f.data:
			default:
				h.remove(f.client)
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.roomsMu.Lock()
	clients := h.rooms[c.roomID]
	if _, ok := clients[c]; !ok {
		h.roomsMu.Unlock()
		return
	}
	delete(clients, c)
	close(c.send)
	stillHere := false
	for other := range clients {
		if other.userID == c.userID {
			stillHere = true
			break
		}
	}
	if len(clients) == 0 {
		delete(h.rooms, c.roomID)
	}
	h.roomsMu.Unlock()

	h.log.Debug("client unregistered", "room", c.roomID, "user", c.userID)
	if !stillHere && h.onLeave != nil {
		go h.onLeave(c.roomID, c.userID)
	}
}

// Publish delivers env to every local client of its room.
func (h *Hub) Publish(ctx context.Context, env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	return h.Deliver(ctx, env.RoomID, data)
}

// Deliver fans an already encoded frame out to a room.
func (h *Hub) Deliver(ctx context.Context, roomID string, data []byte) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- roomFrame{roomID: roomID, data: data}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) send(c *Client, data []byte) {
	select {
	case h.direct <- directFrame{client: c, data: data}:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Clients counts the local connections in roomID.
func (h *Hub) Clients(roomID string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[roomID])
}
