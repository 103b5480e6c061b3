// Package protocol defines the JSON frames exchanged over the relay
// WebSocket. One frame type per message; unset fields are omitted on
// the wire. Both the room and the agent client speak this vocabulary.
package protocol

import "encoding/json"

// Roles a connection can authenticate as.
const (
	RoleExtension = "extension"
	RoleAgent     = "agent"
)

// Frame type constants (the "type" field).
const (
	TypeAuth             = "auth"
	TypeAuthRequired     = "auth_required"
	TypeAuthSuccess      = "auth_success"
	TypeAuthError        = "auth_error"
	TypeCDP              = "cdp"
	TypeCDPResult        = "cdp_result"
	TypeCDPError         = "cdp_error"
	TypeCDPEvent         = "cdp_event"
	TypePeerStatus       = "peer_status"
	TypePeerConnected    = "peer_connected"
	TypePeerDisconnected = "peer_disconnected"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeError            = "error"
)

// Frame is a single relay message. The set of populated fields depends
// on Type:
//
//	auth:               Token, Role (defaults to extension if empty)
//	auth_success:       InstanceID
//	auth_error, error:  Error
//	cdp:                ID, Method, Params
//	cdp_result:         ID, Result
//	cdp_error:          ID, Error
//	cdp_event:          Method, Params
//	peer_status:        Extension
//	peer_connected,
//	peer_disconnected:  Role
type Frame struct {
	Type       string          `json:"type"`
	Role       string          `json:"role,omitempty"`
	Token      string          `json:"token,omitempty"`
	ID         uint32          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	InstanceID string          `json:"instanceId,omitempty"`
	Extension  *bool           `json:"extension,omitempty"`
}

// AuthError builds an auth_error frame.
func AuthError(msg string) Frame {
	return Frame{Type: TypeAuthError, Error: msg}
}

// CDPError builds a cdp_error frame correlated to a command id.
func CDPError(id uint32, msg string) Frame {
	return Frame{Type: TypeCDPError, ID: id, Error: msg}
}

// PeerStatus builds a peer_status snapshot frame.
func PeerStatus(extensionConnected bool) Frame {
	return Frame{Type: TypePeerStatus, Extension: &extensionConnected}
}
