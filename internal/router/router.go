package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/voxwire/voxwire/internal/relay"
	"github.com/voxwire/voxwire/pkg/config"
	"github.com/voxwire/voxwire/pkg/session"
	"github.com/voxwire/voxwire/pkg/transport"
	"github.com/voxwire/voxwire/pkg/wire"
)

// HandlerFunc processes one decoded client frame.
type HandlerFunc func(hctx *Context, payload json.RawMessage)

// Router dispatches inbound frames to the handler registered for their
// event name and converts every failure into a structured error reply.
// Nothing a client sends may crash the coordinator or leak across sessions.
type Router struct {
	sessions *session.Manager
	relay    *relay.Relay
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

func New(logger *slog.Logger, sessions *session.Manager, sigRelay *relay.Relay) *Router {
	r := &Router{
		sessions: sessions,
		relay:    sigRelay,
		handlers: make(map[string]HandlerFunc),
		logger:   logger.With(slog.String("component", "event_router")),
	}
	r.register(wire.EventInitiate, r.handleInitiate)
	r.register(wire.EventRinging, r.handleRinging)
	r.register(wire.EventAccept, r.handleAccept)
	r.register(wire.EventReject, r.handleReject)
	r.register(wire.EventCancel, r.handleCancel)
	r.register(wire.EventEnd, r.handleEnd)
	r.register(wire.EventSignal, r.handleSignal)
	return r
}

func (r *Router) register(event string, fn HandlerFunc) {
	if _, exists := r.handlers[event]; exists {
		panic("event handler already registered: " + event)
	}
	r.handlers[event] = fn
}

// Handler returns the transport message callback for one authenticated
// connection, with the user identity bound at registration time.
func (r *Router) Handler(userID string, caps config.Capability, conn *transport.Connection) transport.MessageHandler {
	logger := r.logger.With(slog.String("userID", userID))
	return func(_ context.Context, _ uuid.UUID, msg []byte) {
		event := gjson.GetBytes(msg, "event")
		if !event.Exists() || event.String() == "" {
			r.writeError(conn, wire.CodeBadRequest, "frame is missing the event field", "", "")
			return
		}

		hctx := &Context{
			UserID:       userID,
			Capabilities: caps,
			Conn:         conn,
			Logger:       logger,
		}

		fn, ok := r.handlers[event.String()]
		if !ok {
			logger.Warn("Received unknown event", slog.String("event", event.String()))
			r.writeError(conn, wire.CodeBadRequest, "unknown event", event.String(), "")
			return
		}

		payload := gjson.GetBytes(msg, "payload")
		fn(hctx, json.RawMessage(payload.Raw))
	}
}

func (r *Router) handleInitiate(hctx *Context, payload json.RawMessage) {
	var req wire.InitiatePayload
	if err := json.Unmarshal(payload, &req); err != nil || req.CalleeID == "" {
		r.writeError(hctx.Conn, wire.CodeBadRequest, "initiate requires calleeId and callKind", wire.EventInitiate, "")
		return
	}
	kind, ok := session.ParseKind(req.CallKind)
	if !ok {
		r.writeError(hctx.Conn, wire.CodeBadRequest, "unknown callKind", wire.EventInitiate, "")
		return
	}

	required := config.CapCallAudio
	if kind == session.KindVideo {
		required = config.CapCallVideo
	}
	if !hctx.Capabilities.Has(required) {
		r.writeError(hctx.Conn, wire.CodeForbidden, "missing capability for this call kind", wire.EventInitiate, "")
		return
	}

	info, err := r.sessions.Initiate(hctx.UserID, req.CalleeID, kind)
	if err != nil {
		r.writeSessionError(hctx, err, wire.EventInitiate, info.ID)
		return
	}
	r.write(hctx.Conn, wire.EventCreated, wire.CreatedPayload{SessionID: info.ID})
}

func (r *Router) handleRinging(hctx *Context, payload json.RawMessage) {
	sessionID, ok := r.sessionRef(hctx, payload, wire.EventRinging)
	if !ok {
		return
	}
	if _, err := r.sessions.MarkRinging(sessionID, hctx.UserID); err != nil {
		r.writeSessionError(hctx, err, wire.EventRinging, sessionID)
	}
}

func (r *Router) handleAccept(hctx *Context, payload json.RawMessage) {
	r.handleTransition(hctx, payload, wire.EventAccept, r.sessions.Accept)
}

func (r *Router) handleReject(hctx *Context, payload json.RawMessage) {
	r.handleTransition(hctx, payload, wire.EventReject, r.sessions.Reject)
}

func (r *Router) handleCancel(hctx *Context, payload json.RawMessage) {
	r.handleTransition(hctx, payload, wire.EventCancel, r.sessions.Cancel)
}

func (r *Router) handleEnd(hctx *Context, payload json.RawMessage) {
	r.handleTransition(hctx, payload, wire.EventEnd, r.sessions.End)
}

// handleTransition runs one session transition and echoes the resulting
// state back to the requester, so retried idempotent operations always get
// the current status as their answer.
func (r *Router) handleTransition(hctx *Context, payload json.RawMessage, event string, op func(sessionID, userID string) (session.Info, error)) {
	sessionID, ok := r.sessionRef(hctx, payload, event)
	if !ok {
		return
	}
	info, err := op(sessionID, hctx.UserID)
	if err != nil {
		r.writeSessionError(hctx, err, event, sessionID)
		return
	}
	r.write(hctx.Conn, wire.EventStateChanged, wire.StateChangedPayload{
		SessionID: info.ID,
		Status:    string(info.Status),
		Reason:    string(info.Reason),
	})
}

func (r *Router) handleSignal(hctx *Context, payload json.RawMessage) {
	var req wire.SignalPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.SessionID == "" {
		r.writeError(hctx.Conn, wire.CodeBadRequest, "signal requires sessionId and payload", wire.EventSignal, "")
		return
	}

	result, err := r.relay.Forward(req.SessionID, hctx.UserID, req.Payload)
	switch {
	case errors.Is(err, session.ErrInvalidState):
		// Late payload against an ended session: drop, never queue.
		hctx.Logger.Debug("Dropping signal for terminal session", slog.String("sessionID", req.SessionID))
		return
	case err != nil:
		r.writeSessionError(hctx, err, wire.EventSignal, req.SessionID)
		return
	}
	if !result.Delivered {
		r.writeError(hctx.Conn, wire.CodeUnreachable, "peer unreachable, signal not delivered", wire.EventSignal, req.SessionID)
	}
}

func (r *Router) sessionRef(hctx *Context, payload json.RawMessage, event string) (string, bool) {
	var ref wire.SessionRefPayload
	if err := json.Unmarshal(payload, &ref); err != nil || ref.SessionID == "" {
		r.writeError(hctx.Conn, wire.CodeBadRequest, "missing sessionId", event, "")
		return "", false
	}
	return ref.SessionID, true
}

func (r *Router) writeSessionError(hctx *Context, err error, event, sessionID string) {
	var code, msg string
	switch {
	case errors.Is(err, session.ErrConflict):
		code, msg = wire.CodeConflict, "an active session already exists for this pair"
	case errors.Is(err, session.ErrUnreachable):
		code, msg = wire.CodeUnreachable, "target user is unreachable"
	case errors.Is(err, session.ErrInvalidState):
		code, msg = wire.CodeInvalidState, "session is not in an eligible state"
	case errors.Is(err, session.ErrNotAuthorized):
		hctx.Logger.Warn("Operation by non-participant rejected",
			slog.String("event", event), slog.String("sessionID", sessionID))
		code, msg = wire.CodeNotAuthorized, "not a participant of this session"
	case errors.Is(err, session.ErrNotFound):
		code, msg = wire.CodeBadRequest, "unknown session"
	default:
		hctx.Logger.Error("Unexpected session error",
			slog.String("event", event), slog.Any("error", err))
		code, msg = wire.CodeBadRequest, "request failed"
	}
	r.writeError(hctx.Conn, code, msg, event, sessionID)
}

func (r *Router) write(conn *transport.Connection, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to marshal reply payload", slog.String("event", event), slog.Any("error", err))
		return
	}
	frame, err := json.Marshal(wire.Envelope{Event: event, Payload: raw})
	if err != nil {
		r.logger.Error("Failed to marshal reply envelope", slog.String("event", event), slog.Any("error", err))
		return
	}
	conn.Send(frame)
}

func (r *Router) writeError(conn *transport.Connection, code, message, event, sessionID string) {
	r.write(conn, wire.EventError, wire.ErrorPayload{
		Code:      code,
		Message:   message,
		Event:     event,
		SessionID: sessionID,
	})
}
