package session

import "errors"

// Error taxonomy surfaced to clients as structured replies. The router maps
// these to wire error codes; none of them is allowed to escape the
// coordinator boundary.
var (
	ErrNotFound      = errors.New("session not found")
	ErrConflict      = errors.New("an active session already exists for this pair")
	ErrUnreachable   = errors.New("target user has no live connection")
	ErrInvalidState  = errors.New("session is not in an eligible state for this operation")
	ErrNotAuthorized = errors.New("user is not a participant of this session")
)
