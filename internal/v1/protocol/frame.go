// Package protocol defines the JSON wire frames exchanged over the
// signaling WebSocket and the helpers used to classify inbound frames.
package protocol

import "encoding/json"

// Inbound is the generic shape of a client-to-server frame, lenient enough
// to carry join/leave/auth-response/custom payloads. Fields unused by a
// given frame type are left zero.
type Inbound struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Address   string          `json:"address,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// AuthChallenge is sent immediately after upgrade when the handshake
// engine is in play.
type AuthChallenge struct {
	Type    string `json:"type"`
	Method  string `json:"method"`
	Token   string `json:"token"`
	Message string `json:"message"`
	Expiry  int64  `json:"expiry"`
}

// AuthSuccess confirms a completed handshake.
type AuthSuccess struct {
	Type     string `json:"type"`
	Address  string `json:"address"`
	ClientID string `json:"clientId"`
}

// AuthFailed precedes the 4001 close of a failed handshake.
type AuthFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorFrame carries a policy or protocol error that does not terminate
// the connection.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewAuthChallenge builds the auth-challenge frame.
func NewAuthChallenge(token, message string, expiry int64) AuthChallenge {
	return AuthChallenge{Type: "auth-challenge", Method: "ethereum-handshake", Token: token, Message: message, Expiry: expiry}
}

// NewAuthSuccess builds the auth-success frame.
func NewAuthSuccess(address, clientID string) AuthSuccess {
	return AuthSuccess{Type: "auth-success", Address: address, ClientID: clientID}
}

// NewAuthFailed builds the auth-failed frame.
func NewAuthFailed(reason string) AuthFailed {
	return AuthFailed{Type: "auth-failed", Reason: reason}
}

// NewError builds a {type:"error"} frame.
func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: message}
}

// MustMarshal serializes a frame value, panicking on failure. All frame
// types above are plain structs with no cyclic or unsupported fields, so
// marshaling cannot fail in practice; this keeps call sites free of dead
// error-handling branches.
func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("protocol: frame failed to marshal: " + err.Error())
	}
	return b
}

// MessageType derives the routing message type for a raw inbound frame:
// the parsed "type" field, or "custom" when the payload does not parse as
// a JSON object or carries no type.
func MessageType(raw []byte) (msgType string, parsed Inbound, isJSON bool) {
	var p Inbound
	if err := json.Unmarshal(raw, &p); err != nil {
		return "custom", Inbound{}, false
	}
	if p.Type == "" {
		return "custom", p, true
	}
	return p.Type, p, true
}
