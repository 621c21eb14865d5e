package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/voxwire/voxwire/pkg/presence"
	"github.com/voxwire/voxwire/pkg/transport"
	"github.com/voxwire/voxwire/pkg/wire"
)

// ErrSuperseded is the close reason handed to a connection that was
// replaced by a newer one from the same user.
var ErrSuperseded = errors.New("connection superseded by a newer one")

type handle struct {
	conn        *transport.Connection
	ip          string
	unsubscribe func()
}

// Gateway maintains at most one live transport handle per authenticated
// user and is the single delivery path for every outbound event. All other
// components talk to users exclusively through Deliver.
type Gateway struct {
	mu      sync.RWMutex
	handles map[string]*handle   // userID -> live handle
	owners  map[uuid.UUID]string // connID -> userID, live handles only

	presence *presence.Registry
	contacts ContactSource
	logger   *slog.Logger

	// Invoked after a user's connection is destroyed, wired to the session
	// manager's disconnect cascade.
	onUserDisconnect func(userID string)
}

func New(logger *slog.Logger, pres *presence.Registry, contacts ContactSource) *Gateway {
	if contacts == nil {
		contacts = NoContacts{}
	}
	return &Gateway{
		handles:  make(map[string]*handle),
		owners:   make(map[uuid.UUID]string),
		presence: pres,
		contacts: contacts,
		logger:   logger.With(slog.String("component", "gateway")),
	}
}

// SetOnUserDisconnect wires the disconnect cascade. Must be called before
// the first Register.
func (g *Gateway) SetOnUserDisconnect(fn func(userID string)) {
	g.onUserDisconnect = fn
}

// Register binds a transport connection to a user. A prior live handle for
// the same user is superseded: it is removed from the routing tables first
// and then closed, so its close callback cannot tear down the new handle.
func (g *Gateway) Register(userID, ip string, conn *transport.Connection) {
	unsub := g.presence.Subscribe(userID, g.fanOutPresence)

	g.mu.Lock()
	old := g.handles[userID]
	if old != nil {
		delete(g.owners, old.conn.ID())
		old.unsubscribe()
	}
	g.handles[userID] = &handle{conn: conn, ip: ip, unsubscribe: unsub}
	g.owners[conn.ID()] = userID
	g.mu.Unlock()

	if old != nil {
		g.logger.Info("Superseding previous connection",
			slog.String("userID", userID),
			slog.String("oldConnID", old.conn.ID().String()),
		)
		old.conn.Close(ErrSuperseded)
	}

	g.presence.SetOnline(userID)
	g.logger.Info("User connection registered",
		slog.String("userID", userID),
		slog.String("connID", conn.ID().String()),
	)
}

// HandleClose is the transport close callback. Close events from handles
// that were already superseded are ignored; only the owner of the live
// handle triggers the offline cascade.
func (g *Gateway) HandleClose(connID uuid.UUID, err error) {
	g.mu.Lock()
	userID, ok := g.owners[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.owners, connID)
	var unsub func()
	if h := g.handles[userID]; h != nil {
		unsub = h.unsubscribe
		delete(g.handles, userID)
	}
	g.mu.Unlock()

	g.logger.Info("User connection destroyed",
		slog.String("userID", userID),
		slog.String("connID", connID.String()),
		slog.Any("reason", err),
	)

	// Going offline must reach the contacts, so the presence subscription is
	// only dropped after the offline transition has fanned out.
	g.presence.SetOffline(userID)
	if g.onUserDisconnect != nil {
		g.onUserDisconnect(userID)
	}
	if unsub != nil {
		unsub()
	}
}

// Deliver sends one event to a user's live connection. It returns false,
// never an error, when the user has no handle or the send fails; callers
// must treat that as "recipient unreachable".
func (g *Gateway) Deliver(userID string, event string, payload any) bool {
	g.mu.RLock()
	h := g.handles[userID]
	g.mu.RUnlock()
	if h == nil {
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("Failed to marshal outbound payload",
			slog.String("event", event), slog.Any("error", err))
		return false
	}
	frame, err := json.Marshal(wire.Envelope{Event: event, Payload: raw})
	if err != nil {
		g.logger.Error("Failed to marshal outbound envelope",
			slog.String("event", event), slog.Any("error", err))
		return false
	}
	return h.conn.Send(frame)
}

// IsConnected reports whether the user currently has a live handle.
func (g *Gateway) IsConnected(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.handles[userID] != nil
}

// ConnectionCountByIP counts live handles registered from one remote IP,
// for the pre-upgrade connection limiter.
func (g *Gateway) ConnectionCountByIP(ip string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	for _, h := range g.handles {
		if h.ip == ip {
			count++
		}
	}
	return count
}

// CloseAll force-closes every live handle, used during graceful shutdown.
func (g *Gateway) CloseAll(reason error) {
	g.mu.RLock()
	conns := make([]*transport.Connection, 0, len(g.handles))
	for _, h := range g.handles {
		conns = append(conns, h.conn)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.Close(reason)
	}
}

// fanOutPresence pushes a presence change to every contact interested in
// the user. The contact list is owned by an external collaborator.
func (g *Gateway) fanOutPresence(userID string, status presence.Status) {
	payload := wire.PresenceChangedPayload{UserID: userID, Status: string(status)}
	for _, contactID := range g.contacts.Contacts(userID) {
		g.Deliver(contactID, wire.EventPresenceChanged, payload)
	}
}
