package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kroypata/checkout/internal/platform/auth"
)

// startLimiter caps session starts per caller within a fixed window. Each start creates a
// server-side orchestrator, so anonymous callers are keyed by client address.
type startLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]startWindow
}

type startWindow struct {
	count int
	reset time.Time
}

func newStartLimiter(limit int, window time.Duration, clock func() time.Time) *startLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &startLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]startWindow),
	}
}

// allow reports whether the caller may start another session and, if not, when to retry.
func (l *startLimiter) allow(r *http.Request) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key := callerKey(r)
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		l.windows[key] = startWindow{count: 1, reset: now.Add(l.window)}
		l.pruneLocked(now)
		return true, 0
	}
	if w.count >= l.limit {
		return false, w.reset.Sub(now)
	}
	w.count++
	l.windows[key] = w
	return true, 0
}

func (l *startLimiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}

func callerKey(r *http.Request) string {
	if state := auth.StateFromContext(r.Context()); state.Authenticated {
		return "user:" + state.UserID
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}
