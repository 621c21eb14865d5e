package session

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a call session. Values are part of the
// wire contract; keep them stable.
type Status string

const (
	StatusCalling   Status = "calling"
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
)

// Kind distinguishes audio-only from video calls. The coordinator never
// inspects media payloads; the kind only drives capability checks and is
// echoed to the callee.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindAudio:
		return KindAudio, true
	case KindVideo:
		return KindVideo, true
	}
	return "", false
}

// EndReason explains how a session reached the terminal state.
type EndReason string

const (
	ReasonHangup           EndReason = "hangup"
	ReasonRejected         EndReason = "rejected"
	ReasonCancelled        EndReason = "cancelled"
	ReasonTimeout          EndReason = "timeout"
	ReasonUnreachable      EndReason = "unreachable"
	ReasonPeerDisconnected EndReason = "peerDisconnected"
	ReasonShutdown         EndReason = "shutdown"
)

// Session is one call attempt between an ordered pair of users. All mutation
// goes through the Manager; the per-session mutex serializes transitions so
// two concurrent accepts cannot both win.
type Session struct {
	ID       string
	CallerID string
	CalleeID string
	Kind     Kind

	mu        sync.Mutex
	status    Status
	reason    EndReason
	startedAt time.Time
	endedAt   time.Time

	// Which busy-count increments this session owns, so terminate releases
	// exactly what was taken.
	callerBusy bool
	calleeBusy bool

	ringTimer *time.Timer
}

// Info is an immutable snapshot of a session's state.
type Info struct {
	ID        string
	CallerID  string
	CalleeID  string
	Kind      Kind
	Status    Status
	Reason    EndReason
	StartedAt time.Time
	EndedAt   time.Time
}

// Participant reports whether userID is one of the two parties.
func (s *Session) Participant(userID string) bool {
	return userID == s.CallerID || userID == s.CalleeID
}

// Other returns the opposite party for a given participant.
func (s *Session) Other(userID string) string {
	if userID == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// Snapshot returns a consistent copy of the session's mutable state.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Info {
	return Info{
		ID:        s.ID,
		CallerID:  s.CallerID,
		CalleeID:  s.CalleeID,
		Kind:      s.Kind,
		Status:    s.status,
		Reason:    s.reason,
		StartedAt: s.startedAt,
		EndedAt:   s.endedAt,
	}
}

// pairKey identifies the unordered pair of participants.
type pairKey struct {
	a, b string
}

func newPairKey(x, y string) pairKey {
	if x < y {
		return pairKey{a: x, b: y}
	}
	return pairKey{a: y, b: x}
}
