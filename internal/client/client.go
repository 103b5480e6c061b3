// Package client implements the agent-side relay session: one outbound
// WebSocket per instance, authenticated with the instance secret, over
// which CDP commands are dispatched and correlated by numeric id.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skybridge-dev/skybridge/internal/protocol"
)

// State is the connection lifecycle phase visible to callers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Defaults mirroring the session's tuning knobs.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultCommandTimeout    = 20 * time.Second
	DefaultReconnectMinDelay = time.Second
	DefaultReconnectMaxDelay = 15 * time.Second
	DefaultMaxReconnects     = 10
	DefaultMaxPending        = 256
)

// Errors surfaced by the session. The HTTP boundary classifies them by
// message text, so the wording here is part of the contract.
var (
	ErrConnectionClosed = errors.New("relay connection closed")
	ErrCommandTimeout   = errors.New("cdp command timed out")
	ErrConnectTimeout   = errors.New("relay connect timed out")
	ErrTooManyPending   = errors.New("too many pending cdp commands")
)

// Config holds connection parameters for the relay.
type Config struct {
	// RelayURL is the relay base WebSocket URL, e.g. "wss://relay.example.com".
	// The instance id is appended as a path segment.
	RelayURL string

	InstanceID     string
	InstanceSecret string

	ConnectTimeout time.Duration // auth_success deadline, default 10s
	CommandTimeout time.Duration // per-command default, default 20s

	ReconnectMinDelay time.Duration // default 1s
	ReconnectMaxDelay time.Duration // default 15s
	MaxReconnects     int           // default 10
	DisableReconnect  bool

	// MaxPending bounds the in-flight command map.
	MaxPending int

	Logger *slog.Logger
}

func (c *Config) fill() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.ReconnectMinDelay <= 0 {
		c.ReconnectMinDelay = DefaultReconnectMinDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "relay-client")
	}
}

type outcome struct {
	result json.RawMessage
	err    error
}

// pendingCommand lives from send until the first of: a matching
// result/error frame, a timeout, or a connection-closed failure.
type pendingCommand struct {
	id     uint32
	method string
	timer  *time.Timer
	done   chan outcome // buffered; settled exactly once
}

// connectAttempt is the shared future for an in-flight Connect.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// ResultObserver sees every cdp_result/cdp_error frame, independent of
// whether the frame also settles a pending command.
type ResultObserver func(f protocol.Frame)

// EventObserver sees every cdp_event frame forwarded from the extension.
type EventObserver func(method string, params json.RawMessage)

// Client is the agent-side relay session.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	sock    *websocket.Conn
	writeMu sync.Mutex

	state         State
	authenticated bool
	extensionUp   bool

	attempt   *connectAttempt
	suspended bool // set by Disconnect: no auto-reconnect until Connect

	reconnectTimer    *time.Timer
	reconnectAttempts int

	// nextID is monotonic across reconnects so late frames from a dead
	// socket can never collide with a fresh command's id.
	nextID  uint32
	pending map[uint32]*pendingCommand

	nextObserver    int
	resultObservers map[int]ResultObserver
	eventObservers  map[int]EventObserver
}

// New creates a relay client. No socket is opened until Connect or the
// first SendCDPCommand.
func New(cfg Config) *Client {
	cfg.fill()
	return &Client{
		cfg:             cfg,
		logger:          cfg.Logger.With("instance", cfg.InstanceID),
		state:           StateDisconnected,
		pending:         make(map[uint32]*pendingCommand),
		resultObservers: make(map[int]ResultObserver),
		eventObservers:  make(map[int]EventObserver),
	}
}

// ConnectionState returns the current lifecycle phase.
func (c *Client) ConnectionState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsExtensionConnected reports the last known peer presence. It is
// informational only and never gates SendCDPCommand.
func (c *Client) IsExtensionConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extensionUp
}

// OnCDPResult registers an observer for result/error frames. The
// returned function unsubscribes it.
func (c *Client) OnCDPResult(fn ResultObserver) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.resultObservers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.resultObservers, id)
		c.mu.Unlock()
	}
}

// OnCDPEvent registers an observer for forwarded extension events. The
// returned function unsubscribes it.
func (c *Client) OnCDPEvent(fn EventObserver) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.eventObservers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.eventObservers, id)
		c.mu.Unlock()
	}
}

// Connect establishes and authenticates the session. Idempotent: while
// one handshake is in flight every caller shares its outcome, and an
// already-authenticated session returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected && c.authenticated {
		c.mu.Unlock()
		return nil
	}
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	c.attempt = a
	c.suspended = false
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	a.err = err
	c.attempt = nil
	if err != nil {
		c.state = StateDisconnected
		c.authenticated = false
	}
	c.mu.Unlock()
	close(a.done)
	return err
}

// dial opens the socket, sends the auth frame, and waits for
// auth_success within ConnectTimeout. Handshake failures reject the
// attempt directly; the reconnect policy never fires here.
func (c *Client) dial(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s", c.cfg.RelayURL, c.cfg.InstanceID)
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	sock, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("relay dial: %w", err)
	}

	auth := protocol.Frame{
		Type:  protocol.TypeAuth,
		Role:  protocol.RoleAgent,
		Token: c.cfg.InstanceSecret,
	}
	if err := sock.WriteJSON(auth); err != nil {
		sock.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	// Drain greeting and keepalives until the auth verdict arrives.
	sock.SetReadDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	for {
		var f protocol.Frame
		if err := sock.ReadJSON(&f); err != nil {
			sock.Close()
			if netTimeout(err) {
				return ErrConnectTimeout
			}
			return fmt.Errorf("read auth response: %w", err)
		}

		switch f.Type {
		case protocol.TypeAuthSuccess:
			sock.SetReadDeadline(time.Time{})
			c.mu.Lock()
			if c.suspended {
				// Disconnect raced the handshake; honor it.
				c.mu.Unlock()
				sock.Close()
				return ErrConnectionClosed
			}
			c.sock = sock
			c.state = StateConnected
			c.authenticated = true
			c.reconnectAttempts = 0
			c.mu.Unlock()
			c.logger.Info("authenticated", "instance", f.InstanceID)
			go c.readLoop(sock)
			return nil

		case protocol.TypeAuthError:
			sock.Close()
			return fmt.Errorf("relay auth failed: %s", f.Error)

		case protocol.TypeAuthRequired, protocol.TypePing, protocol.TypePeerStatus,
			protocol.TypePeerConnected, protocol.TypePeerDisconnected:
			// Pre-auth chatter, keep waiting.

		default:
			// Unexpected but harmless during the handshake.
		}
	}
}

// Disconnect tears the session down and stops reconnection until the
// next Connect. Every pending command fails with a connection-closed
// error. Never blocks.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.suspended = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	sock := c.sock
	c.sock = nil
	c.state = StateDisconnected
	c.authenticated = false
	c.extensionUp = false
	drained := c.drainPendingLocked()
	c.mu.Unlock()

	settleAll(drained, ErrConnectionClosed)
	if sock != nil {
		sock.Close()
	}
}

// drainPendingLocked empties the pending map and stops every timer.
// Caller holds c.mu; settlement happens outside the lock.
func (c *Client) drainPendingLocked() []*pendingCommand {
	if len(c.pending) == 0 {
		return nil
	}
	drained := make([]*pendingCommand, 0, len(c.pending))
	for id, pc := range c.pending {
		pc.timer.Stop()
		drained = append(drained, pc)
		delete(c.pending, id)
	}
	return drained
}

func settleAll(cmds []*pendingCommand, err error) {
	for _, pc := range cmds {
		pc.done <- outcome{err: err}
	}
}

func netTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
