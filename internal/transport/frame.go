// Package transport carries chatq frames over a WebSocket connection.
//
// Every frame is a JSON object {type, id, event, csrf, payload}. After the
// upgrade the server sends exactly one handshake frame, "authenticated" or
// "auth_error". Operations go out as "emit" frames whose id is the client
// operation id, and come back as "ack" frames carrying the same id.
package transport

import (
	"encoding/json"
	"errors"
)

// Frame types.
const (
	FrameAuthenticated = "authenticated"
	FrameAuthError     = "auth_error"
	FrameEmit          = "emit"
	FrameAck           = "ack"
)

// Rejection codes a server may put in a negative ack.
const (
	CodeValidation   = "validation"
	CodeCSRFInvalid  = "csrf_invalid"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

var (
	// ErrUnauthorized is returned when the server rejects the credentials,
	// either with HTTP 401 on upgrade or with an auth_error frame.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrAckTimeout is returned when no ack arrives before the deadline.
	ErrAckTimeout = errors.New("transport: ack timeout")
)

// Frame is the unit exchanged on the wire.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	CSRF    string          `json:"csrf,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handshake is the payload of an authenticated or auth_error frame.
type Handshake struct {
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Ack is the payload of an ack frame. OperationID echoes the id of the emit
// frame it answers.
type Ack struct {
	OperationID string `json:"operation_id"`
	ServerID    string `json:"server_id,omitempty"`
	OK          bool   `json:"ok"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Request is one outbound operation.
type Request struct {
	Event     string
	ID        string
	CSRFToken string
	Payload   json.RawMessage
}
