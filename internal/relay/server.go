package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/skybridge-dev/skybridge/internal/instance"
	"github.com/skybridge-dev/skybridge/internal/protocol"
)

const (
	defaultPingInterval = 30 * time.Second
	readDeadlineSlack   = 2 // read deadline = pingInterval * slack

	// connectBurst bounds how fast one instance may open sockets.
	connectRate  = rate.Limit(1) // sustained: 1 connect/sec per instance
	connectBurst = 10
)

// Server owns every room in the process and terminates the relay
// WebSocket endpoint at /{instanceId}.
type Server struct {
	validator *instance.Validator
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	pingInterval time.Duration

	mu       sync.Mutex
	rooms    map[string]*Room
	limiters map[string]*rate.Limiter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithPingInterval overrides the keepalive ping interval.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) { s.pingInterval = d }
}

// NewServer creates a relay server using the validator to resolve
// credentials.
func NewServer(validator *instance.Validator, opts ...ServerOption) *Server {
	s := &Server{
		validator:    validator,
		logger:       slog.Default().With("component", "relay"),
		pingInterval: defaultPingInterval,
		rooms:        make(map[string]*Room),
		limiters:     make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Both roles dial out with credentials; the auth frame is
				// the trust boundary, not the Origin header.
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the relay's HTTP surface: health, room status, and
// the WebSocket endpoint keyed by instance id.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/api/v1/instances/{instanceID}/relay", s.HandleRoomStatus)
	r.HandleFunc("/{instanceID}", s.HandleWS)
	return r
}

// RoomStatus describes which roles are currently connected.
type RoomStatus struct {
	InstanceID string `json:"instanceId"`
	Agent      bool   `json:"agent"`
	Extension  bool   `json:"extension"`
}

// Status reports role presence for an instance without creating a room.
func (s *Server) Status(instanceID string) RoomStatus {
	st := RoomStatus{InstanceID: instanceID}
	s.mu.Lock()
	room := s.rooms[instanceID]
	s.mu.Unlock()
	if room != nil {
		st.Agent = room.roleConnected(protocol.RoleAgent)
		st.Extension = room.roleConnected(protocol.RoleExtension)
	}
	return st
}

// HandleRoomStatus serves the role-presence snapshot for one instance.
func (s *Server) HandleRoomStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Status(chi.URLParam(r, "instanceID"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// HandleWS upgrades the request and runs the connection lifecycle:
// unauthenticated → authenticated → closed.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if instanceID == "" {
		http.Error(w, "instance id required", http.StatusBadRequest)
		return
	}

	if !s.limiter(instanceID).Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "instance", instanceID, "error", err)
		return
	}

	// Runs for the connection's lifetime; returning would cancel the
	// request context the auth lookups run under.
	c := &conn{id: uuid.NewString(), sock: sock}
	room := s.join(instanceID, c)
	s.serveConn(r.Context(), room, c)
}

// join resolves the instance's room and tracks the connection in it as
// one atomic step. Tracking under the registry lock closes the window
// where dropIfEmpty could delete the room between resolution and
// registration, which would strand the connection in an orphaned room.
func (s *Server) join(instanceID string, c *conn) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[instanceID]
	if !ok {
		room = newRoom(instanceID, s.logger)
		s.rooms[instanceID] = room
	}
	room.track(c)
	return room
}

func (s *Server) limiter(instanceID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[instanceID]
	if !ok {
		lim = rate.NewLimiter(connectRate, connectBurst)
		s.limiters[instanceID] = lim
	}
	return lim
}

// dropIfEmpty garbage-collects a room once its last connection leaves,
// counting connections that are still mid-handshake. The instance's
// rate limiter goes with it once fully replenished; dropping it earlier
// would hand the next connect cycle a fresh burst budget.
func (s *Server) dropIfEmpty(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !room.empty() || s.rooms[room.instanceID] != room {
		return
	}
	delete(s.rooms, room.instanceID)
	if lim, ok := s.limiters[room.instanceID]; ok && lim.Tokens() >= connectBurst {
		delete(s.limiters, room.instanceID)
	}
}
