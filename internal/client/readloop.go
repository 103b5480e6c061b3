package client

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skybridge-dev/skybridge/internal/protocol"
)

// readLoop consumes frames from one socket until it dies, then hands
// off to the disconnect path. Each dial spawns its own loop; the sock
// argument pins the loop to its socket so a stale loop can never tear
// down a fresh session.
func (c *Client) readLoop(sock *websocket.Conn) {
	for {
		var f protocol.Frame
		if err := sock.ReadJSON(&f); err != nil {
			c.handleDisconnect(sock, err)
			return
		}
		c.handleFrame(sock, f)
	}
}

func (c *Client) handleFrame(sock *websocket.Conn, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeCDPResult:
		c.notifyResult(f)
		c.settle(f.ID, outcome{result: f.Result})

	case protocol.TypeCDPError:
		c.notifyResult(f)
		c.settle(f.ID, outcome{err: fmt.Errorf("cdp error: %s", f.Error)})

	case protocol.TypeCDPEvent:
		c.mu.Lock()
		observers := make([]EventObserver, 0, len(c.eventObservers))
		for _, fn := range c.eventObservers {
			observers = append(observers, fn)
		}
		c.mu.Unlock()
		for _, fn := range observers {
			fn(f.Method, f.Params)
		}

	case protocol.TypePeerStatus:
		if f.Extension != nil {
			c.setExtensionUp(*f.Extension)
		}

	case protocol.TypePeerConnected:
		if f.Role == protocol.RoleExtension {
			c.setExtensionUp(true)
		}

	case protocol.TypePeerDisconnected:
		if f.Role == protocol.RoleExtension {
			c.setExtensionUp(false)
		}

	case protocol.TypePing:
		c.writeMu.Lock()
		sock.WriteJSON(protocol.Frame{Type: protocol.TypePong})
		c.writeMu.Unlock()

	case protocol.TypePong:
		// Keepalive answer.

	case protocol.TypeError:
		// Relay-level errors carry no command id, so no single command
		// can claim them: fail everything in flight.
		c.logger.Warn("relay error frame", "error", f.Error)
		c.mu.Lock()
		drained := c.drainPendingLocked()
		c.mu.Unlock()
		settleAll(drained, fmt.Errorf("relay error: %s", f.Error))

	default:
		c.logger.Debug("unhandled frame", "type", f.Type)
	}
}

func (c *Client) notifyResult(f protocol.Frame) {
	c.mu.Lock()
	observers := make([]ResultObserver, 0, len(c.resultObservers))
	for _, fn := range c.resultObservers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(f)
	}
}

func (c *Client) setExtensionUp(up bool) {
	c.mu.Lock()
	c.extensionUp = up
	c.mu.Unlock()
}

// handleDisconnect drains pending commands and, if the drop happened
// after authentication, arms the reconnect policy.
func (c *Client) handleDisconnect(sock *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.sock != sock {
		// A stale read loop from an already-replaced socket.
		c.mu.Unlock()
		return
	}
	wasAuthenticated := c.authenticated
	c.sock = nil
	c.state = StateDisconnected
	c.authenticated = false
	c.extensionUp = false
	drained := c.drainPendingLocked()
	retry := wasAuthenticated && !c.suspended && !c.cfg.DisableReconnect
	c.mu.Unlock()

	sock.Close()
	settleAll(drained, ErrConnectionClosed)

	if retry {
		c.logger.Warn("connection lost", "error", cause)
		c.scheduleReconnect()
	}
}

// backoffDelay computes the delay before retry attempt (0-based):
// min(minDelay * 2^attempt, maxDelay).
func backoffDelay(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	d := minDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// scheduleReconnect arms the next retry timer. The attempt counter only
// resets on a successful auth_success, so flapping sessions walk the
// full backoff curve.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.suspended || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.cfg.MaxReconnects {
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxReconnects)
		return
	}
	attempt := c.reconnectAttempts
	c.reconnectAttempts++
	delay := backoffDelay(attempt, c.cfg.ReconnectMinDelay, c.cfg.ReconnectMaxDelay)
	c.logger.Info("reconnecting", "attempt", attempt+1, "delay", delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		suspended := c.suspended
		c.mu.Unlock()
		if suspended {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("reconnect failed", "error", err)
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()
}
