// Package relay forwards opaque signaling payloads between the two parties
// of a live session. Payloads are never inspected, so any media-negotiation
// shape (offers, answers, ICE candidates) passes through unchanged.
package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/voxwire/voxwire/pkg/session"
	"github.com/voxwire/voxwire/pkg/wire"
)

type Deliverer interface {
	Deliver(userID string, event string, payload any) bool
}

type Config struct {
	// AllowEarlySignal permits relaying while the session is still in
	// calling/ringing, for early-offer negotiation patterns.
	AllowEarlySignal bool
}

type Relay struct {
	sessions *session.Manager
	deliver  Deliverer
	config   Config
	logger   *slog.Logger
}

func New(logger *slog.Logger, sessions *session.Manager, deliver Deliverer, cfg Config) *Relay {
	return &Relay{
		sessions: sessions,
		deliver:  deliver,
		config:   cfg,
		logger:   logger.With(slog.String("component", "signal_relay")),
	}
}

// Result reports whether a hop reached the peer. Delivered=false is
// non-fatal: a transient delivery miss must not end a connected call, so the
// relay only tells the sender and leaves termination to the session
// manager's disconnect hook.
type Result struct {
	Delivered bool
}

// Forward relays one payload to the other participant of the session.
// Non-participants are rejected with ErrNotAuthorized; terminal sessions
// with ErrInvalidState. Late payloads against an ended session are dropped,
// never queued.
func (r *Relay) Forward(sessionID, fromUserID string, payload json.RawMessage) (Result, error) {
	s, err := r.sessions.Get(sessionID)
	if err != nil {
		return Result{}, err
	}
	if !s.Participant(fromUserID) {
		// Possible abuse signal: someone is probing session ids.
		r.logger.Warn("Relay attempt by non-participant",
			slog.String("sessionID", sessionID),
			slog.String("fromUserID", fromUserID),
		)
		return Result{}, session.ErrNotAuthorized
	}

	switch s.Snapshot().Status {
	case session.StatusEnded:
		return Result{}, session.ErrInvalidState
	case session.StatusCalling, session.StatusRinging:
		if !r.config.AllowEarlySignal {
			return Result{}, session.ErrInvalidState
		}
	}

	toUserID := s.Other(fromUserID)
	delivered := r.deliver.Deliver(toUserID, wire.EventSignal, wire.SignalPayload{
		SessionID:  sessionID,
		FromUserID: fromUserID,
		Payload:    payload,
	})
	if !delivered {
		r.logger.Debug("Signal payload undeliverable",
			slog.String("sessionID", sessionID),
			slog.String("toUserID", toUserID),
		)
	}
	return Result{Delivered: delivered}, nil
}
