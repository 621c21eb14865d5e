package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/pkg/presence"
	"github.com/voxwire/voxwire/pkg/wire"
)

// Deliverer pushes an event to a user's live connection. A false return
// means the recipient is unreachable; it is never a fatal condition.
type Deliverer interface {
	Deliver(userID string, event string, payload any) bool
}

// Presence is the slice of the presence registry the manager needs.
type Presence interface {
	Status(userID string) presence.Status
	IncrementBusy(userID string)
	DecrementBusy(userID string)
}

type Config struct {
	RingTimeout time.Duration
}

// Manager owns every call session and is the only component allowed to
// mutate one. Transitions for a single session are serialized by the
// session's own mutex; the manager mutex guards only the lookup indexes, so
// unrelated sessions never contend.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	pairs    map[pairKey]string
	byUser   map[string]map[string]*Session

	presence    Presence
	deliver     Deliverer
	ringTimeout time.Duration
	logger      *slog.Logger
}

func NewManager(logger *slog.Logger, pres Presence, deliver Deliverer, cfg Config) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 45 * time.Second
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		pairs:       make(map[pairKey]string),
		byUser:      make(map[string]map[string]*Session),
		presence:    pres,
		deliver:     deliver,
		ringTimeout: cfg.RingTimeout,
		logger:      logger.With(slog.String("component", "session_manager")),
	}
}

// Get returns the session for an id, terminal ones included.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Initiate creates a new session in the calling state and notifies the
// callee. It fails with ErrConflict when the pair already has an active
// session, and with ErrUnreachable when the callee is offline or the
// incoming notification cannot be delivered. In the latter case the session
// is created, immediately terminated with reason unreachable, and the caller
// is notified, so the attempt still shows up as an explicit terminal event.
func (m *Manager) Initiate(callerID, calleeID string, kind Kind) (Info, error) {
	if callerID == calleeID {
		return Info{}, ErrInvalidState
	}
	if m.presence.Status(calleeID) == presence.StatusOffline {
		return Info{}, ErrUnreachable
	}

	s := &Session{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      kind,
		status:    StatusCalling,
		startedAt: time.Now(),
	}
	key := newPairKey(callerID, calleeID)

	m.mu.Lock()
	if _, exists := m.pairs[key]; exists {
		m.mu.Unlock()
		return Info{}, ErrConflict
	}
	m.sessions[s.ID] = s
	m.pairs[key] = s.ID
	m.indexUserLocked(callerID, s)
	m.indexUserLocked(calleeID, s)
	// Busy hold and ring timer are armed before the manager lock is
	// released: no other goroutine can reach this session yet, so a racing
	// terminate cannot observe it without them.
	s.callerBusy = true
	m.presence.IncrementBusy(callerID)
	sessionID := s.ID
	s.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.expireRing(sessionID)
	})
	m.mu.Unlock()

	m.logger.Info("Session initiated",
		slog.String("sessionID", s.ID),
		slog.String("callerID", callerID),
		slog.String("calleeID", calleeID),
		slog.String("kind", string(kind)),
	)

	delivered := m.deliver.Deliver(calleeID, wire.EventIncoming, wire.IncomingPayload{
		SessionID: s.ID,
		CallerID:  callerID,
		CallKind:  string(kind),
	})
	if !delivered {
		s.mu.Lock()
		info := m.terminateLocked(s, ReasonUnreachable)
		s.mu.Unlock()
		m.notifyState(callerID, info)
		return info, ErrUnreachable
	}

	return s.Snapshot(), nil
}

// MarkRinging transitions calling -> ringing once the callee's client has
// acknowledged the incoming event. Duplicate or late acks are no-ops.
func (m *Manager) MarkRinging(sessionID, calleeID string) (Info, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Info{}, err
	}
	if calleeID != s.CalleeID {
		return Info{}, ErrNotAuthorized
	}

	s.mu.Lock()
	if s.status != StatusCalling {
		info := s.snapshotLocked()
		s.mu.Unlock()
		return info, nil
	}
	s.status = StatusRinging
	info := s.snapshotLocked()
	s.mu.Unlock()

	m.notifyState(s.CallerID, info)
	return info, nil
}

// Accept transitions calling/ringing -> connected. Only the callee may
// accept. Accepting an already-terminal or already-connected session is an
// idempotent no-op returning the current state.
func (m *Manager) Accept(sessionID, calleeID string) (Info, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Info{}, err
	}
	if calleeID != s.CalleeID {
		return Info{}, ErrNotAuthorized
	}

	s.mu.Lock()
	switch s.status {
	case StatusEnded, StatusConnected:
		info := s.snapshotLocked()
		s.mu.Unlock()
		return info, nil
	}

	s.status = StatusConnected
	s.stopRingTimerLocked()
	m.presence.IncrementBusy(calleeID)
	s.calleeBusy = true
	info := s.snapshotLocked()
	s.mu.Unlock()

	m.logger.Info("Session connected", slog.String("sessionID", s.ID))
	m.notifyState(s.CallerID, info)
	return info, nil
}

// Reject is the callee declining a calling/ringing session.
func (m *Manager) Reject(sessionID, calleeID string) (Info, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Info{}, err
	}
	if calleeID != s.CalleeID {
		return Info{}, ErrNotAuthorized
	}

	s.mu.Lock()
	if s.status == StatusEnded {
		info := s.snapshotLocked()
		s.mu.Unlock()
		return info, nil
	}
	if s.status == StatusConnected {
		s.mu.Unlock()
		return Info{}, ErrInvalidState
	}
	info := m.terminateLocked(s, ReasonRejected)
	s.mu.Unlock()

	m.notifyState(s.CallerID, info)
	return info, nil
}

// Cancel is the caller withdrawing a calling/ringing session.
func (m *Manager) Cancel(sessionID, callerID string) (Info, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Info{}, err
	}
	if callerID != s.CallerID {
		return Info{}, ErrNotAuthorized
	}

	s.mu.Lock()
	if s.status == StatusEnded {
		info := s.snapshotLocked()
		s.mu.Unlock()
		return info, nil
	}
	if s.status == StatusConnected {
		s.mu.Unlock()
		return Info{}, ErrInvalidState
	}
	info := m.terminateLocked(s, ReasonCancelled)
	s.mu.Unlock()

	m.notifyState(s.CalleeID, info)
	return info, nil
}

// End is a user-initiated hangup, valid from any non-terminal state. Ending
// an already-ended session is an idempotent no-op.
func (m *Manager) End(sessionID, requesterID string) (Info, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Info{}, err
	}
	if !s.Participant(requesterID) {
		return Info{}, ErrNotAuthorized
	}

	s.mu.Lock()
	if s.status == StatusEnded {
		info := s.snapshotLocked()
		s.mu.Unlock()
		return info, nil
	}
	info := m.terminateLocked(s, ReasonHangup)
	s.mu.Unlock()

	m.notifyState(s.Other(requesterID), info)
	return info, nil
}

// ForceEnd is the system-triggered terminal transition (disconnect,
// shutdown). Both parties are notified with the given reason.
func (m *Manager) ForceEnd(sessionID string, reason EndReason) (Info, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Info{}, err
	}

	s.mu.Lock()
	if s.status == StatusEnded {
		info := s.snapshotLocked()
		s.mu.Unlock()
		return info, nil
	}
	info := m.terminateLocked(s, reason)
	s.mu.Unlock()

	m.notifyState(s.CallerID, info)
	m.notifyState(s.CalleeID, info)
	return info, nil
}

// EndAllForUser force-ends every non-terminal session a user participates
// in. Called by the gateway when the user's connection is destroyed.
func (m *Manager) EndAllForUser(userID string, reason EndReason) {
	m.mu.RLock()
	active := make([]*Session, 0, len(m.byUser[userID]))
	for _, s := range m.byUser[userID] {
		active = append(active, s)
	}
	m.mu.RUnlock()

	for _, s := range active {
		if _, err := m.ForceEnd(s.ID, reason); err != nil {
			m.logger.Warn("Failed to force-end session on disconnect",
				slog.String("sessionID", s.ID), slog.Any("error", err))
		}
	}
}

// EndAll force-ends every active session, used during graceful shutdown.
func (m *Manager) EndAll(reason EndReason) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.pairs))
	for _, id := range m.pairs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if _, err := m.ForceEnd(id, reason); err != nil {
			m.logger.Warn("Failed to force-end session on shutdown",
				slog.String("sessionID", id), slog.Any("error", err))
		}
	}
}

// expireRing fires when the ring timer elapses. The state is re-checked
// under the session lock so a timer racing a concurrent accept is a no-op.
func (m *Manager) expireRing(sessionID string) {
	s, err := m.Get(sessionID)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.status != StatusCalling && s.status != StatusRinging {
		s.mu.Unlock()
		return
	}
	info := m.terminateLocked(s, ReasonTimeout)
	s.mu.Unlock()

	m.logger.Info("Session ring timeout", slog.String("sessionID", sessionID))
	m.notifyState(s.CallerID, info)
	m.notifyState(s.CalleeID, info)
}

// terminateLocked moves the session to ended, releases its busy-count
// holds, and drops it from the active indexes. The terminal record stays in
// the sessions map as history. Caller must hold s.mu.
func (m *Manager) terminateLocked(s *Session, reason EndReason) Info {
	s.status = StatusEnded
	s.reason = reason
	s.endedAt = time.Now()
	s.stopRingTimerLocked()

	if s.callerBusy {
		m.presence.DecrementBusy(s.CallerID)
		s.callerBusy = false
	}
	if s.calleeBusy {
		m.presence.DecrementBusy(s.CalleeID)
		s.calleeBusy = false
	}

	m.mu.Lock()
	delete(m.pairs, newPairKey(s.CallerID, s.CalleeID))
	m.unindexUserLocked(s.CallerID, s.ID)
	m.unindexUserLocked(s.CalleeID, s.ID)
	m.mu.Unlock()

	m.logger.Info("Session ended",
		slog.String("sessionID", s.ID),
		slog.String("reason", string(reason)),
	)
	return s.snapshotLocked()
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (m *Manager) notifyState(userID string, info Info) {
	payload := wire.StateChangedPayload{
		SessionID: info.ID,
		Status:    string(info.Status),
		Reason:    string(info.Reason),
	}
	if !m.deliver.Deliver(userID, wire.EventStateChanged, payload) {
		m.logger.Debug("State change notification undeliverable",
			slog.String("userID", userID), slog.String("sessionID", info.ID))
	}
}

func (m *Manager) indexUserLocked(userID string, s *Session) {
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Session)
	}
	m.byUser[userID][s.ID] = s
}

func (m *Manager) unindexUserLocked(userID, sessionID string) {
	delete(m.byUser[userID], sessionID)
	if len(m.byUser[userID]) == 0 {
		delete(m.byUser, userID)
	}
}
