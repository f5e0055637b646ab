// Package router dispatches inbound socket events to their handlers and owns
// the reply, broadcast and relay paths as well as disconnect cleanup.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/a-essam23/vibemap/internal/metrics"
	"github.com/a-essam23/vibemap/pkg/presence"
	"github.com/a-essam23/vibemap/pkg/ratelimit"
	"github.com/a-essam23/vibemap/pkg/state"
	"github.com/a-essam23/vibemap/pkg/vibelog"
)

var (
	errRateLimited   = errors.New("rate limited")
	errMissingTarget = errors.New("relay target not connected")
)

// validationError carries a reason that is safe to send to the client.
type validationError struct {
	err error
}

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

func invalid(err error) error {
	if err == nil {
		return nil
	}
	return &validationError{err: err}
}

type Options struct {
	PresenceKey  string
	RadiusMeters float64
	// NotifyRateLimited sends an error reply for denied events instead of
	// dropping them silently.
	NotifyRateLimited bool
	// NotifyMissingTarget sends an error reply when a relay target is not
	// connected.
	NotifyMissingTarget bool
	// Now defaults to time.Now.
	Now func() time.Time
}

type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	presence     presence.Store
	vibes        vibelog.Store
	locLimiter   *ratelimit.Limiter
	vibeLimiter  *ratelimit.Limiter
	opts         Options
	handlers     map[string]HandlerFunc
}

func New(logger *slog.Logger, stateManager state.Manager, presenceStore presence.Store, vibes vibelog.Store, locLimiter, vibeLimiter *ratelimit.Limiter, opts Options) *EventRouter {
	if opts.PresenceKey == "" {
		opts.PresenceKey = presence.DefaultKey
	}
	if opts.RadiusMeters <= 0 {
		opts.RadiusMeters = presence.DefaultRadiusMeters
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: stateManager,
		presence:     presenceStore,
		vibes:        vibes,
		locLimiter:   locLimiter,
		vibeLimiter:  vibeLimiter,
		opts:         opts,
		handlers:     make(map[string]HandlerFunc),
	}
	r.Register(EventUpdateLocation, r.handleUpdateLocation)
	r.Register(EventSetVibe, r.handleSetVibe)
	r.Register(EventJoinVideoRoom, r.handleJoinRoom)
	r.Register(EventLeaveVideoRoom, r.handleLeaveRoom)
	r.Register(EventRTCOffer, r.relay("offer"))
	r.Register(EventRTCAnswer, r.relay("answer"))
	r.Register(EventRTCIceCandidate, r.relay("candidate"))
	return r
}

// Register binds a handler to an event name. Registering a name twice panics.
func (r *EventRouter) Register(event string, fn HandlerFunc) {
	if _, exists := r.handlers[event]; exists {
		panic(fmt.Sprintf("handler already registered: %s", event))
	}
	r.handlers[event] = fn
}

// HandleMessage decodes and dispatches one inbound frame. It never panics and
// never returns an error; failures are answered on the connection or logged.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.stateManager.GetConnection(connID)
	if !ok || conn.State() != state.Connected {
		metrics.EventsDropped.WithLabelValues("", metrics.ReasonNotConnected).Inc()
		r.logger.Debug("Dropping frame from inactive connection", slog.String("connID", connID.String()))
		return
	}

	var clientMsg ClientMessage
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Handler panicked",
				slog.String("event", clientMsg.Event),
				slog.String("connID", connID.String()),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			r.reply(conn, EventError, ErrorPayload{Event: clientMsg.Event, Message: MsgInternal})
		}
	}()

	if err := json.Unmarshal(msg, &clientMsg); err != nil || clientMsg.Event == "" {
		metrics.EventsDropped.WithLabelValues("", metrics.ReasonMalformed).Inc()
		r.logger.Debug("Failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		clientMsg = ClientMessage{}
		r.reply(conn, EventError, ErrorPayload{Event: "", Message: MsgMalformed})
		return
	}

	handler, ok := r.handlers[clientMsg.Event]
	if !ok {
		metrics.EventsDropped.WithLabelValues("unknown", metrics.ReasonUnknownEvent).Inc()
		r.logger.Debug("Received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
		r.reply(conn, EventError, ErrorPayload{Event: clientMsg.Event, Message: MsgUnknownEvent})
		return
	}
	metrics.EventsReceived.WithLabelValues(clientMsg.Event).Inc()

	// Store calls outlive the connection: a client leaving or a shutdown
	// closing the socket lets an in-flight write finish. The store timeout
	// still bounds them.
	cargo := &Cargo{
		Ctx:     context.WithoutCancel(ctx),
		Conn:    conn,
		Event:   clientMsg.Event,
		Payload: clientMsg.Payload,
		Logger:  r.logger.With(slog.String("event", clientMsg.Event), slog.String("connID", connID.String())),
	}
	if err := handler(cargo); err != nil {
		r.fail(cargo, err)
	}
}

// fail maps a handler error to what the caller is told.
func (r *EventRouter) fail(c *Cargo, err error) {
	var vErr *validationError
	switch {
	case errors.As(err, &vErr):
		metrics.EventsDropped.WithLabelValues(c.Event, metrics.ReasonInvalid).Inc()
		c.Logger.Debug("Rejected invalid payload", slog.Any("error", err))
		r.reply(c.Conn, EventError, ErrorPayload{Event: c.Event, Message: vErr.Error()})
	case errors.Is(err, errRateLimited):
		metrics.EventsDropped.WithLabelValues(c.Event, metrics.ReasonRateLimited).Inc()
		if r.opts.NotifyRateLimited {
			r.reply(c.Conn, EventError, ErrorPayload{Event: c.Event, Message: MsgRateLimited})
		}
	case errors.Is(err, errMissingTarget):
		metrics.EventsDropped.WithLabelValues(c.Event, metrics.ReasonMissingTarget).Inc()
		if r.opts.NotifyMissingTarget {
			r.reply(c.Conn, EventError, ErrorPayload{Event: c.Event, Message: MsgTargetNotFound})
		}
	default:
		metrics.EventsDropped.WithLabelValues(c.Event, metrics.ReasonStoreError).Inc()
		c.Logger.Error("Event handler failed", slog.Any("error", err))
		r.reply(c.Conn, EventError, ErrorPayload{Event: c.Event, Message: MsgInternal})
	}
}

// HandleDisconnect purges the connection: its room memberships, with a
// user_left_call to whoever remains, and its limiter windows. Calling it again
// for the same id does nothing.
func (r *EventRouter) HandleDisconnect(connID uuid.UUID) {
	key := connID.String()
	rooms, err := r.stateManager.DeregisterConnection(connID)
	switch {
	case err == nil:
		for roomID, remaining := range rooms {
			r.sendAll(remaining, EventUserLeftCall, UserPayload{UserID: key})
			r.logger.Debug("Connection left room on disconnect", slog.String("connID", key), slog.String("roomID", roomID))
		}
		r.logger.Info("Connection cleaned up", slog.String("connID", key), slog.Int("rooms", len(rooms)))
	case !errors.Is(err, state.ErrConnectionNotFound):
		r.logger.Error("Failed to deregister connection", slog.String("connID", key), slog.Any("error", err))
	}
	r.locLimiter.Remove(key)
	r.vibeLimiter.Remove(key)
}
