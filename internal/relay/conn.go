package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skybridge-dev/skybridge/internal/protocol"
)

// serveConn runs one socket from greeting to close. The first frame must
// be auth; everything after that goes through the room's routing policy.
func (s *Server) serveConn(ctx context.Context, room *Room, c *conn) {
	defer func() {
		room.remove(c)
		c.sock.Close()
		s.dropIfEmpty(room)
	}()

	c.send(protocol.Frame{Type: protocol.TypeAuthRequired})

	readWindow := s.pingInterval * readDeadlineSlack
	c.sock.SetReadDeadline(time.Now().Add(readWindow))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(readWindow))
		return nil
	})

	stopPing := s.startPing(c)
	defer stopPing()

	authenticated := false
	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(readWindow))

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			// Malformed JSON is dropped without an error frame; noise on
			// this port is not worth answering.
			continue
		}

		if !authenticated {
			if f.Type != protocol.TypeAuth {
				c.send(protocol.AuthError("not authenticated"))
				return
			}
			if err := s.authenticate(ctx, room, c, f); err != nil {
				c.send(protocol.AuthError(err.Error()))
				return
			}
			authenticated = true
			continue
		}

		room.route(c, f)
	}
}

// authenticate resolves the auth frame's credential against the room's
// identity and, on success, records the connection in the room.
func (s *Server) authenticate(ctx context.Context, room *Room, c *conn, f protocol.Frame) error {
	role := f.Role
	if role == "" {
		role = protocol.RoleExtension
	}

	var (
		instanceID string
		err        error
	)
	switch role {
	case protocol.RoleAgent:
		// Agents authenticate with the long-lived instance secret so a
		// headless machine can rejoin indefinitely without a fresh token.
		instanceID, err = s.validator.ResolveSecret(ctx, f.Token, room.instanceID)
	default:
		// Anything that is not an agent authenticates as an extension.
		role = protocol.RoleExtension
		instanceID, err = s.validator.ResolveToken(ctx, f.Token, room.instanceID)
	}
	if err != nil {
		s.logger.Warn("auth rejected", "instance", room.instanceID, "role", role, "error", err)
		return err
	}

	c.role = role
	if err := c.send(protocol.Frame{Type: protocol.TypeAuthSuccess, InstanceID: instanceID}); err != nil {
		return err
	}
	room.announce(c)

	// Snapshot of the counterpart's presence right after auth, so a new
	// agent knows whether its extension is already there.
	c.send(protocol.PeerStatus(room.roleConnected(protocol.RoleExtension)))
	return nil
}

// startPing keeps the socket alive with transport-level pings, the same
// maintenance loop the room expects peers to survive.
func (s *Server) startPing(c *conn) func() {
	ticker := time.NewTicker(s.pingInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.sock.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
