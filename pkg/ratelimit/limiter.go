// Package ratelimit provides per-key fixed-window admission control.
//
// A window opens on the first admission check for a key and lasts for the
// configured period; once it has expired the next check starts a new window
// with the count reset. Expired windows are only reset lazily, there is no
// background timer.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule is a ceiling of Limit admissions per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

// ParseRule parses the "N/unit" notation, e.g. "2/s", "10/m" or "100/h".
func ParseRule(s string) (Rule, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Rule{}, fmt.Errorf("invalid rate limit format: %q", s)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return Rule{}, fmt.Errorf("invalid rate limit count: %q", parts[0])
	}

	var window time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		return Rule{}, fmt.Errorf("invalid rate limit duration unit: %q", parts[1])
	}
	return Rule{Limit: limit, Window: window}, nil
}

type window struct {
	count   int
	expires time.Time
}

// Limiter tracks one window per key. It is safe for concurrent use.
type Limiter struct {
	rule    Rule
	now     func() time.Time
	mu      sync.Mutex
	windows map[string]*window
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(rule Rule, opts ...Option) *Limiter {
	l := &Limiter{
		rule:    rule,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether one more event for key is admitted. Exactly
// rule.Limit calls succeed per window.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.expires) {
		l.windows[key] = &window{count: 1, expires: now.Add(l.rule.Window)}
		return true
	}
	if w.count < l.rule.Limit {
		w.count++
		return true
	}
	return false
}

// Remove forgets key. Removing an unknown key is a no-op.
func (l *Limiter) Remove(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Len returns the number of keys currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) Rule() Rule {
	return l.rule
}
