// Package relay implements the rendezvous server pairing one automation
// agent with one browser extension per instance. Both sides dial out to
// the relay; the room keyed by instance id authenticates each socket and
// forwards CDP traffic between the two roles.
package relay

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/skybridge-dev/skybridge/internal/protocol"
)

// conn is one authenticated-or-pending socket inside a room.
type conn struct {
	id   string
	sock *websocket.Conn
	role string
	// writeMu serializes writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex
}

func (c *conn) send(f protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteJSON(f)
}

// Room is the per-instance scope holding that instance's connections.
// Created lazily on first connection; purely in-memory, so a relay
// restart drops every room and peers must reconnect.
type Room struct {
	instanceID string
	logger     *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

func newRoom(instanceID string, logger *slog.Logger) *Room {
	return &Room{
		instanceID: instanceID,
		logger:     logger.With("instance", instanceID),
		conns:      make(map[string]*conn),
	}
}

// InstanceID returns the room's identity.
func (r *Room) InstanceID() string { return r.instanceID }

// track registers a connection that has not authenticated yet. Tracked
// connections keep the room alive so it cannot be garbage-collected
// out from under a socket that is still mid-handshake; they route
// nothing and notify nobody until announce.
func (r *Room) track(c *conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

// announce marks a tracked connection authenticated and notifies the
// other role. The connection's role must be set by the caller.
func (r *Room) announce(c *conn) {
	r.logger.Info("peer joined", "role", c.role, "conn", c.id)
	r.broadcastExcept(c.id, otherRole(c.role), protocol.Frame{
		Type: protocol.TypePeerConnected,
		Role: c.role,
	})
}

// remove drops a connection and notifies the other role. Connections
// that never authenticated have no role and notify nobody.
func (r *Room) remove(c *conn) {
	r.mu.Lock()
	_, present := r.conns[c.id]
	delete(r.conns, c.id)
	r.mu.Unlock()

	if !present || c.role == "" {
		return
	}
	r.logger.Info("peer left", "role", c.role, "conn", c.id)
	r.broadcastExcept(c.id, otherRole(c.role), protocol.Frame{
		Type: protocol.TypePeerDisconnected,
		Role: c.role,
	})
}

// roleConnected reports whether any connection with the role is present.
func (r *Room) roleConnected(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if c.role == role {
			return true
		}
	}
	return false
}

// empty reports whether the room holds no connections at all.
func (r *Room) empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns) == 0
}

// broadcastExcept sends f to every other connection with the given role.
// Returns the number of peers reached.
func (r *Room) broadcastExcept(senderID, role string, f protocol.Frame) int {
	r.mu.RLock()
	targets := make([]*conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id != senderID && c.role == role {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(f); err != nil {
			r.logger.Warn("forward failed", "conn", c.id, "error", err)
		}
	}
	return len(targets)
}

// route applies the routing policy for one frame from an authenticated
// connection.
func (r *Room) route(sender *conn, f protocol.Frame) {
	switch f.Type {
	case protocol.TypeCDP:
		// Commands flow agent → extension. With no extension present the
		// command would silently vanish, so answer the sender directly.
		if n := r.broadcastExcept(sender.id, protocol.RoleExtension, f); n == 0 {
			sender.send(protocol.CDPError(f.ID, "extension not connected"))
		}

	case protocol.TypeCDPResult, protocol.TypeCDPEvent, protocol.TypeCDPError:
		// Results and events flow extension → agent.
		r.broadcastExcept(sender.id, protocol.RoleAgent, f)

	case protocol.TypePing:
		sender.send(protocol.Frame{Type: protocol.TypePong})

	case protocol.TypePong:
		// Keepalive answer, nothing to route.

	default:
		sender.send(protocol.Frame{Type: protocol.TypeError, Error: "unknown message type"})
	}
}

func otherRole(role string) string {
	if role == protocol.RoleAgent {
		return protocol.RoleExtension
	}
	return protocol.RoleAgent
}
