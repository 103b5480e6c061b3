package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skybridge-dev/skybridge/internal/token"
)

// Auth failures surfaced to the relay room.
var (
	ErrMissingCredential = errors.New("auth failed: missing token")
	ErrWrongInstance     = errors.New("auth failed: token not valid for this instance")
	ErrUnknownSecret     = errors.New("auth failed: unknown instance secret")
)

// Validator resolves relay credentials to instance ids. The extension
// role presents a short-lived signed token; the agent role presents the
// instance's long-lived secret.
type Validator struct {
	store Store
	codec *token.Codec
	now   func() time.Time
}

// NewValidator creates a validator over the given store and token codec.
func NewValidator(store Store, codec *token.Codec) *Validator {
	return &Validator{store: store, codec: codec, now: time.Now}
}

// Codec exposes the token codec, for minting tokens in tooling.
func (v *Validator) Codec() *token.Codec { return v.codec }

// ResolveToken validates a relay token against roomID. The token's
// embedded instance id must equal the room's identity: a valid
// signature for instance A is still rejected in room B.
func (v *Validator) ResolveToken(ctx context.Context, tok, roomID string) (string, error) {
	if tok == "" {
		return "", ErrMissingCredential
	}
	claims, err := v.codec.Validate(tok, v.now())
	if err != nil {
		return "", fmt.Errorf("auth failed: %w", err)
	}
	if claims.InstanceID != roomID {
		return "", ErrWrongInstance
	}
	if _, err := v.store.Lookup(ctx, claims.InstanceID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrWrongInstance
		}
		return "", fmt.Errorf("instance lookup: %w", err)
	}
	return claims.InstanceID, nil
}

// ResolveSecret validates a long-lived instance secret against roomID.
func (v *Validator) ResolveSecret(ctx context.Context, secret, roomID string) (string, error) {
	if secret == "" {
		return "", ErrMissingCredential
	}
	inst, err := v.store.BySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrUnknownSecret
		}
		return "", fmt.Errorf("instance lookup: %w", err)
	}
	if inst.ID != roomID {
		return "", ErrWrongInstance
	}
	return inst.ID, nil
}
