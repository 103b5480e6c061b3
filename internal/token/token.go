// Package token implements the stateless relay authorization token.
//
// A token binds a bearer to one instance id for a limited window:
//
//	"sbr_" + base64url(instanceId ":" expiresAtMillis ":" signature)
//
// where signature is the first 16 base64url characters of
// HMAC-SHA256(secret, instanceId ":" expiresAtMillis). Tokens carry no
// server-side state: no storage, no revocation before expiry.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Prefix is the fixed production token prefix.
const Prefix = "sbr_"

// DevPrefix maps directly to a synthetic instance id without any
// signature check. Only honored when the codec was built with
// AllowDevTokens; serve refuses to enable it outside dev mode.
const DevPrefix = "sbr_dev_"

// Validity is the default window from issuance to expiry.
const Validity = 30 * time.Minute

// signatureLen is the number of base64url characters kept from the MAC.
const signatureLen = 16

// Validation failure modes. Each invalid input maps to exactly one of
// these; Validate never panics on malformed input.
var (
	ErrInvalidFormat    = errors.New("invalid token format")
	ErrDecodeFailed     = errors.New("token decode failed")
	ErrInvalidStructure = errors.New("invalid token structure")
	ErrInvalidExpiry    = errors.New("invalid token expiry")
	ErrExpired          = errors.New("token expired")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// Claims is the payload recovered from a valid token.
type Claims struct {
	InstanceID string
	ExpiresAt  time.Time
}

// Codec signs and verifies relay tokens with a single HMAC secret.
type Codec struct {
	secret         []byte
	validity       time.Duration
	allowDevTokens bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithValidity overrides the default token validity window.
func WithValidity(d time.Duration) Option {
	return func(c *Codec) { c.validity = d }
}

// WithDevTokens enables the dev bypass prefix. Never for production.
func WithDevTokens() Option {
	return func(c *Codec) { c.allowDevTokens = true }
}

// NewCodec creates a codec signing with the given secret.
func NewCodec(secret string, opts ...Option) *Codec {
	c := &Codec{
		secret:   []byte(secret),
		validity: Validity,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate mints a token for instanceID expiring validity after now.
// Deterministic given now; performs no I/O.
func (c *Codec) Generate(instanceID string, now time.Time) string {
	expiresAt := now.Add(c.validity).UnixMilli()
	payload := instanceID + ":" + strconv.FormatInt(expiresAt, 10)
	sig := c.sign(payload)
	return Prefix + base64.RawURLEncoding.EncodeToString([]byte(payload+":"+sig))
}

// Validate checks a token against now and returns its claims.
// All failure paths return one of the package error values.
func (c *Codec) Validate(tok string, now time.Time) (Claims, error) {
	if c.allowDevTokens && strings.HasPrefix(tok, DevPrefix) {
		id := strings.TrimPrefix(tok, DevPrefix)
		if id == "" {
			return Claims{}, ErrInvalidStructure
		}
		return Claims{InstanceID: id, ExpiresAt: now.Add(c.validity)}, nil
	}

	if !strings.HasPrefix(tok, Prefix) {
		return Claims{}, ErrInvalidFormat
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(tok, Prefix))
	if err != nil {
		return Claims{}, ErrDecodeFailed
	}

	// Signature and expiry are popped from the tail so instance ids may
	// themselves contain colons.
	parts := strings.Split(string(raw), ":")
	if len(parts) < 3 {
		return Claims{}, ErrInvalidStructure
	}
	sig := parts[len(parts)-1]
	expiryStr := parts[len(parts)-2]
	instanceID := strings.Join(parts[:len(parts)-2], ":")

	expiresAt, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil || expiresAt <= 0 {
		return Claims{}, ErrInvalidExpiry
	}

	if now.UnixMilli() > expiresAt {
		return Claims{}, ErrExpired
	}

	expected := c.sign(instanceID + ":" + expiryStr)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return Claims{}, ErrInvalidSignature
	}

	return Claims{
		InstanceID: instanceID,
		ExpiresAt:  time.UnixMilli(expiresAt),
	}, nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	sum := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return sum[:signatureLen]
}
