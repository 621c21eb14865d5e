// Package wire defines the JSON event contract spoken over the WebSocket.
// Every frame, in both directions, is an Envelope with a typed payload.
package wire

import "encoding/json"

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> server events.
const (
	EventInitiate = "session:initiate"
	EventRinging  = "session:ringing"
	EventAccept   = "session:accept"
	EventReject   = "session:reject"
	EventCancel   = "session:cancel"
	EventEnd      = "session:end"
)

// Server -> client events.
const (
	EventCreated         = "session:created"
	EventIncoming        = "session:incoming"
	EventStateChanged    = "session:stateChanged"
	EventPresenceChanged = "presence:changed"
	EventError           = "error"
)

// EventSignal flows in both directions; the server adds fromUserId on the
// way out.
const EventSignal = "session:signal"

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadRequest    = "bad_request"
	CodeAuthError     = "auth_error"
	CodeConflict      = "conflict"
	CodeUnreachable   = "unreachable"
	CodeInvalidState  = "invalid_state"
	CodeNotAuthorized = "not_authorized"
	CodeForbidden     = "forbidden"
)

type InitiatePayload struct {
	CalleeID string `json:"calleeId"`
	CallKind string `json:"callKind"`
}

type CreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type IncomingPayload struct {
	SessionID string `json:"sessionId"`
	CallerID  string `json:"callerId"`
	CallKind  string `json:"callKind"`
}

// SessionRefPayload is the shared shape of ringing/accept/reject/cancel/end.
type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type StateChangedPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type SignalPayload struct {
	SessionID  string          `json:"sessionId"`
	FromUserID string          `json:"fromUserId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type PresenceChangedPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Event     string `json:"event,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}
