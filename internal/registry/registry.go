// Package registry caches one long-lived relay client per instance so
// short-lived HTTP handlers can amortize the authentication handshake
// across many requests.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/skybridge-dev/skybridge/internal/client"
)

// DefaultTTL is how long an idle entry survives between Get calls.
const DefaultTTL = 10 * time.Minute

// RelayClient is the subset of the relay client the registry manages.
type RelayClient interface {
	SendCDPCommand(ctx context.Context, method string, params any, opts ...client.CommandOption) (json.RawMessage, error)
	Disconnect()
}

// Factory builds a client for an (instance, secret) pair.
type Factory func(instanceID, instanceSecret string) RelayClient

type key struct {
	instanceID string
	secret     string
}

type entry struct {
	client   RelayClient
	lastUsed time.Time
}

// Registry is the process-wide client cache. One instance is owned by
// the HTTP server and injected into handlers; there is no package-level
// singleton so tests can build isolated registries.
type Registry struct {
	factory Factory
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[key]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the idle eviction window.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry that builds clients with the given factory.
func New(factory Factory, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default().With("component", "client-registry"),
		entries: make(map[key]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the cached client for (instanceID, secret), building one
// if absent. Each call also sweeps idle entries and evicts any client
// for the same instance under a superseded secret, so rotated
// credentials never leak an authenticated socket.
func (r *Registry) Get(instanceID, instanceSecret string) RelayClient {
	now := r.now()
	k := key{instanceID: instanceID, secret: instanceSecret}

	r.mu.Lock()
	r.sweepLocked(now)

	if e, ok := r.entries[k]; ok {
		e.lastUsed = now
		r.mu.Unlock()
		return e.client
	}

	// Secret rotation: drop any entry for this instance under another
	// secret before inserting the replacement.
	for ek, e := range r.entries {
		if ek.instanceID == instanceID && ek.secret != instanceSecret {
			r.logger.Info("evicting client with superseded secret", "instance", instanceID)
			delete(r.entries, ek)
			go e.client.Disconnect()
		}
	}

	cl := r.factory(instanceID, instanceSecret)
	r.entries[k] = &entry{client: cl, lastUsed: now}
	r.mu.Unlock()
	return cl
}

// Len returns the number of cached clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close disconnects and drops every cached client.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for k, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, k)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.client.Disconnect()
	}
}

// sweepLocked evicts entries idle past the TTL. Runs opportunistically
// under every Get; there is no background timer to manage.
func (r *Registry) sweepLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastUsed) > r.ttl {
			r.logger.Info("evicting idle client", "instance", k.instanceID, "idle", now.Sub(e.lastUsed))
			delete(r.entries, k)
			go e.client.Disconnect()
		}
	}
}
