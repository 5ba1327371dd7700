package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/n0fish/musicroom-sync/internal/protocol"
)

const (
	DefaultMaxAttempts    = 5
	DefaultBackoffStep    = time.Second
	DefaultAuthFailureCap = 3
	DefaultLeaveTimeout   = 2 * time.Second

	writeWait   = 10 * time.Second
	dialTimeout = 10 * time.Second
)

// CredentialSource hands out the token used for the websocket handshake.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
	// OnAuthRejected is called after the server refused the credential.
	OnAuthRejected()
}

type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateOpen         ConnState = "open"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

type ChannelOptions struct {
	URL    string // websocket endpoint, e.g. ws://localhost:3004/ws
	RoomID string
	Creds  CredentialSource

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *log.Logger

	MaxAttempts    int
	BackoffStep    time.Duration
	AuthFailureCap int
	LeaveTimeout   time.Duration

	// OnMessage receives every decoded frame, on the read goroutine.
	OnMessage func(protocol.Envelope)
	// OnState is told about connection changes; err is set for StateFailed.
	OnState func(state ConnState, err error)
}

// Channel is one room subscription over a websocket. It reconnects with a
// linear backoff after a lost connection and stops dialing once the server
// rejected the credential too many times.
type Channel struct {
	opts  ChannelOptions
	clock clock.Clock
	log   *log.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	state        ConnState
	attempts     int
	authFailures int
	timer        *clock.Timer
	closed       bool
	// dialing is closed when the handshake in flight finishes; dialErr is its result
	dialing chan struct{}
	dialErr error

	writeMu sync.Mutex
}

func NewChannel(opts ChannelOptions) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: dialTimeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = DefaultBackoffStep
	}
	if opts.AuthFailureCap <= 0 {
		opts.AuthFailureCap = DefaultAuthFailureCap
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = DefaultLeaveTimeout
	}
	return &Channel{
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.With("room", opts.RoomID),
		state: StateIdle,
	}
}

// Connect opens the connection. Once AuthFailureCap authentication failures
// have been counted it returns ErrReauthenticate without dialing. A Connect
// that finds a handshake in flight waits for it instead of dialing again.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.authFailures >= c.opts.AuthFailureCap:
		c.mu.Unlock()
		return ErrReauthenticate
	case c.conn != nil:
		c.mu.Unlock()
		return nil
	case c.dialing != nil:
		wait := c.dialing
		c.mu.Unlock()
		return c.await(ctx, wait)
	}
	c.attempts = 0
	c.stopTimer()
	c.dialing = make(chan struct{})
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Channel) await(ctx context.Context, wait <-chan struct{}) error {
	select {
	case <-wait:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	return c.dialErr
}

// dial runs one handshake. The caller must have set c.dialing under c.mu.
func (c *Channel) dial(ctx context.Context) (err error) {
	defer func() {
		c.mu.Lock()
		c.dialErr = err
		close(c.dialing)
		c.dialing = nil
		c.mu.Unlock()
	}()

	token, err := c.opts.Creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	if token == "" {
		return ErrNoCredential
	}

	target, err := c.endpoint()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.opts.Dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if isAuthError(err, resp) {
			c.mu.Lock()
			c.authFailures++
			n := c.authFailures
			c.mu.Unlock()
			c.opts.Creds.OnAuthRejected()
			c.log.Warn("credential rejected", "failures", n, "cap", c.opts.AuthFailureCap)
			return fmt.Errorf("%w (%d/%d)", ErrAuthentication, n, c.opts.AuthFailureCap)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	case c.conn != nil:
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.attempts = 0
	c.authFailures = 0
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Info("connected")
	c.notify(StateOpen, nil)
	go c.readLoop(conn)
	return nil
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("%w: bad url: %v", ErrTransport, err)
	}
	q := u.Query()
	q.Set("room", c.opts.RoomID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			c.log.Warn("dropping frame", "err", err)
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(env)
		}
	}
}

// lost handles the end of conn. Deliberate closes are not reconnected.
func (c *Channel) lost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	c.log.Warn("connection lost", "err", cause)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.timer != nil {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.opts.MaxAttempts {
		c.state = StateFailed
		n := c.attempts
		c.mu.Unlock()
		c.log.Error("giving up reconnecting", "attempts", n)
		c.notify(StateFailed, fmt.Errorf("%w: gave up after %d attempts", ErrTransport, n))
		return
	}
	c.attempts++
	delay := time.Duration(c.attempts) * c.opts.BackoffStep
	c.timer = c.clock.AfterFunc(delay, c.reconnect)
	c.state = StateReconnecting
	n := c.attempts
	c.mu.Unlock()

	c.log.Info("reconnect scheduled", "attempt", n, "delay", delay)
	c.notify(StateReconnecting, nil)
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.conn != nil || c.dialing != nil {
		// closed, or a Connect call got there first
		c.mu.Unlock()
		return
	}
	if c.authFailures >= c.opts.AuthFailureCap {
		c.mu.Unlock()
		c.fail(ErrReauthenticate)
		return
	}
	c.dialing = make(chan struct{})
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	err := c.dial(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrNoCredential), errors.Is(err, ErrClosed):
		c.fail(err)
	default:
		c.log.Warn("reconnect failed", "err", err)
		c.scheduleReconnect()
	}
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.mu.Unlock()
	c.notify(StateFailed, err)
}

func (c *Channel) notify(s ConnState, err error) {
	if c.opts.OnState != nil {
		c.opts.OnState(s, err)
	}
}

// stopTimer must be called with c.mu held.
func (c *Channel) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Send writes one envelope. It fails with ErrTransport while disconnected.
func (c *Channel) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// Leave cancels any pending reconnect and closes the channel. The leave-room
// notice is sent in the background within LeaveTimeout; Leave never waits for it.
func (c *Channel) Leave(actorID string) {
	conn := c.shutdown()
	if conn == nil {
		return
	}
	env, err := protocol.NewEnvelope(c.opts.RoomID, actorID, protocol.LeaveRoom{}, c.clock.Now())
	if err != nil {
		conn.Close()
		return
	}
	data, _ := env.Marshal()
	deadline := time.Now().Add(c.opts.LeaveTimeout)
	go func() {
		c.writeMu.Lock()
		conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug("leave notice not delivered", "err", err)
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}()
}

// Close shuts the channel without a leave notice.
func (c *Channel) Close() error {
	if conn := c.shutdown(); conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Channel) shutdown() *websocket.Conn {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimer()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()
	c.notify(StateClosed, nil)
	return conn
}

func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnects tried since the last successful connect.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) AuthFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authFailures
}
