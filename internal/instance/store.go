// Package instance provides the relay's view of the instance registry:
// the records mapping an instance id to its long-lived secret. The
// relay consumes this only to answer "does this credential map to a
// valid instance?"; provisioning, billing, and the dashboard live
// elsewhere and are not modeled here.
package instance

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no instance matches the given key.
var ErrNotFound = errors.New("instance not found")

// Instance is a provisioned remote machine record.
type Instance struct {
	ID        string
	Secret    string
	Name      string
	CreatedAt time.Time
}

// Store looks up instance records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Lookup returns the instance with the given id.
	Lookup(ctx context.Context, id string) (Instance, error)

	// BySecret returns the instance whose current secret matches.
	BySecret(ctx context.Context, secret string) (Instance, error)
}
