package presence

import (
	"log/slog"
	"sync"
)

// Status is a user's coarse availability, derived from connection state and
// the number of sessions they are busy in. It is never set directly.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Callback is invoked after a user's derived status changes.
type Callback func(userID string, status Status)

type entry struct {
	connected bool
	busyCount int
}

// Registry tracks per-user presence. Status is recomputed from the underlying
// counters on every mutation; subscribers are only notified when the derived
// value actually changes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	subMu  sync.RWMutex
	subs   map[string]map[uint64]Callback
	nextID uint64

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		subs:    make(map[string]map[uint64]Callback),
		logger:  logger.With(slog.String("component", "presence_registry")),
	}
}

func (e *entry) status() Status {
	switch {
	case !e.connected:
		return StatusOffline
	case e.busyCount > 0:
		return StatusBusy
	default:
		return StatusOnline
	}
}

// SetOnline marks the user as having a live connection.
func (r *Registry) SetOnline(userID string) {
	r.mutate(userID, func(e *entry) {
		e.connected = true
	})
}

// SetOffline marks the user as having no live connection. The busy count is
// reset too: with no connection there is no session the user can still hold.
func (r *Registry) SetOffline(userID string) {
	r.mutate(userID, func(e *entry) {
		e.connected = false
		e.busyCount = 0
	})
}

func (r *Registry) IncrementBusy(userID string) {
	r.mutate(userID, func(e *entry) {
		e.busyCount++
	})
}

// DecrementBusy lowers the user's busy count, flooring at zero.
func (r *Registry) DecrementBusy(userID string) {
	r.mutate(userID, func(e *entry) {
		if e.busyCount > 0 {
			e.busyCount--
		}
	})
}

// Status returns the derived status for a user. Unknown users are offline.
func (r *Registry) Status(userID string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	if !ok {
		return StatusOffline
	}
	return e.status()
}

// Subscribe registers a callback for changes to one user's derived status and
// returns an unsubscribe function.
func (r *Registry) Subscribe(userID string, fn Callback) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.nextID++
	id := r.nextID
	if r.subs[userID] == nil {
		r.subs[userID] = make(map[uint64]Callback)
	}
	r.subs[userID][id] = fn

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs[userID], id)
		if len(r.subs[userID]) == 0 {
			delete(r.subs, userID)
		}
	}
}

// mutate applies fn to the user's entry and fans out a notification if the
// derived status changed. Callbacks run outside the entries lock.
func (r *Registry) mutate(userID string, fn func(*entry)) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{}
		r.entries[userID] = e
	}
	before := e.status()
	fn(e)
	after := e.status()
	// Drop entries that carry no state, for memory hygiene.
	if !e.connected && e.busyCount == 0 {
		delete(r.entries, userID)
	}
	r.mu.Unlock()

	if before == after {
		return
	}
	r.logger.Debug("Presence changed", slog.String("userID", userID), slog.String("status", string(after)))
	r.notify(userID, after)
}

func (r *Registry) notify(userID string, status Status) {
	r.subMu.RLock()
	callbacks := make([]Callback, 0, len(r.subs[userID]))
	for _, fn := range r.subs[userID] {
		callbacks = append(callbacks, fn)
	}
	r.subMu.RUnlock()

	for _, fn := range callbacks {
		fn(userID, status)
	}
}
