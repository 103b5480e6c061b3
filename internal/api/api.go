// Package api is the HTTP command boundary: one synchronous POST per
// CDP command, authenticated by instance secret, executed over the
// shared relay client for that instance.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/skybridge-dev/skybridge/internal/client"
	"github.com/skybridge-dev/skybridge/internal/httputil"
	"github.com/skybridge-dev/skybridge/internal/instance"
	"github.com/skybridge-dev/skybridge/internal/registry"
)

// SecretHeader carries the caller's instance secret.
const SecretHeader = "X-Instance-Secret"

// Caller-overridable command timeout bounds, in milliseconds.
const (
	minTimeoutMs = 100
	maxTimeoutMs = 120000
)

// Handler serves the command boundary routes.
type Handler struct {
	store   instance.Store
	clients *registry.Registry
	logger  *slog.Logger
}

// NewHandler creates the command boundary over the given store and
// client registry.
func NewHandler(store instance.Store, clients *registry.Registry) *Handler {
	return &Handler{
		store:   store,
		clients: clients,
		logger:  slog.Default().With("component", "api"),
	}
}

// Routes mounts the boundary's routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/v1/cdp/command", h.handleCommand)
}

type commandRequest struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int            `json:"timeoutMs,omitempty"`
}

type commandResponse struct {
	OK        bool   `json:"ok"`
	RequestID string `json:"requestId"`
	Method    string `json:"method,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	fail := func(status int, msg string) {
		httputil.WriteJSON(w, status, commandResponse{
			OK:        false,
			RequestID: requestID,
			Error:     msg,
		})
	}

	secret := r.Header.Get(SecretHeader)
	if secret == "" {
		fail(http.StatusUnauthorized, "missing "+SecretHeader+" header")
		return
	}

	var req commandRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		fail(http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		fail(http.StatusBadRequest, "method is required")
		return
	}
	if req.TimeoutMs != 0 && (req.TimeoutMs < minTimeoutMs || req.TimeoutMs > maxTimeoutMs) {
		fail(http.StatusBadRequest, "timeoutMs out of range")
		return
	}

	// Resolve the instance before touching the relay: a bad credential
	// must never open a socket.
	inst, err := h.store.BySecret(r.Context(), secret)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			fail(http.StatusForbidden, "unknown instance secret")
			return
		}
		h.logger.Error("instance lookup failed", "error", err)
		fail(http.StatusInternalServerError, "instance lookup failed")
		return
	}

	var opts []client.CommandOption
	if req.TimeoutMs != 0 {
		opts = append(opts, client.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}

	cl := h.clients.Get(inst.ID, secret)
	result, err := cl.SendCDPCommand(r.Context(), req.Method, req.Params, opts...)
	if err != nil {
		h.logger.Warn("cdp command failed",
			"instance", inst.ID, "method", req.Method, "request", requestID, "error", err)
		fail(statusForError(err), err.Error())
		return
	}

	httputil.OkJSON(w, commandResponse{
		OK:        true,
		RequestID: requestID,
		Method:    req.Method,
		Result:    result,
	})
}

// statusForError maps relay failures onto HTTP statuses by error text,
// the only classification that survives the wire.
func statusForError(err error) int {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "extension not connected"):
		return http.StatusConflict
	case strings.Contains(msg, "timed out"):
		return http.StatusGatewayTimeout
	case strings.Contains(msg, "auth"):
		return http.StatusUnauthorized
	case strings.Contains(msg, "socket"), strings.Contains(msg, "connection"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
