// Package resilience bounds datastore calls with a per-call timeout and a
// circuit breaker, so a slow or failing store degrades into fast errors.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/a-essam23/vibemap/internal/metrics"
	"github.com/a-essam23/vibemap/pkg/presence"
	"github.com/a-essam23/vibemap/pkg/vibelog"
)

// ErrUnavailable is returned while a breaker is open or saturated.
var ErrUnavailable = errors.New("store temporarily unavailable")

type Settings struct {
	// Timeout bounds every call; 0 disables it.
	Timeout time.Duration
	// MaxFailures consecutive failures open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before a trial call.
	OpenTimeout time.Duration
}

func newBreaker[T any](name string, s Settings, logger *slog.Logger) *gobreaker.CircuitBreaker[T] {
	maxFailures := s.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		IsSuccessful: func(err error) bool {
			var rerr *requestError
			return err == nil || errors.As(err, &rerr)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// requestError marks a failure caused by the caller rather than the store:
// the caller's own context ended, or the store refused the input. The breaker
// does not count these, so one client cannot trip it for everyone.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, presence.ErrInvalidCoordinates) {
		return &requestError{err: err}
	}
	return err
}

// call runs fn under the breaker with the call timeout applied and records
// latency and failures.
func call[T any](ctx context.Context, cb *gobreaker.CircuitBreaker[T], s Settings, store, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	res, err := cb.Execute(func() (T, error) {
		callCtx := ctx
		if s.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, s.Timeout)
			defer cancel()
		}
		res, err := fn(callCtx)
		return res, classify(ctx, err)
	})
	metrics.StoreDuration.WithLabelValues(store, op).Observe(time.Since(start).Seconds())

	var rerr *requestError
	switch {
	case err == nil:
	case errors.As(err, &rerr):
		return res, rerr.err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.StoreErrors.WithLabelValues(store, op).Inc()
		return res, ErrUnavailable
	default:
		metrics.StoreErrors.WithLabelValues(store, op).Inc()
	}
	return res, err
}

// Presence guards a presence.Store.
type Presence struct {
	next     presence.Store
	settings Settings
	cb       *gobreaker.CircuitBreaker[[]string]
}

var _ presence.Store = (*Presence)(nil)

func NewPresence(next presence.Store, s Settings, logger *slog.Logger) *Presence {
	return &Presence{
		next:     next,
		settings: s,
		cb:       newBreaker[[]string]("presence", s, logger),
	}
}

func (p *Presence) Upsert(ctx context.Context, key, member string, lat, lng float64) error {
	_, err := call(ctx, p.cb, p.settings, "presence", "upsert", func(ctx context.Context) ([]string, error) {
		return nil, p.next.Upsert(ctx, key, member, lat, lng)
	})
	return err
}

func (p *Presence) SearchRadius(ctx context.Context, key string, lat, lng, radiusMeters float64) ([]string, error) {
	return call(ctx, p.cb, p.settings, "presence", "search_radius", func(ctx context.Context) ([]string, error) {
		return p.next.SearchRadius(ctx, key, lat, lng, radiusMeters)
	})
}

// VibeLog guards a vibelog.Store.
type VibeLog struct {
	next     vibelog.Store
	settings Settings
	cb       *gobreaker.CircuitBreaker[struct{}]
}

var _ vibelog.Store = (*VibeLog)(nil)

func NewVibeLog(next vibelog.Store, s Settings, logger *slog.Logger) *VibeLog {
	return &VibeLog{
		next:     next,
		settings: s,
		cb:       newBreaker[struct{}]("vibelog", s, logger),
	}
}

func (v *VibeLog) Append(ctx context.Context, ev vibelog.Event) error {
	_, err := call(ctx, v.cb, v.settings, "vibelog", "append", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, v.next.Append(ctx, ev)
	})
	return err
}
