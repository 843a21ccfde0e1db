package server

import (
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"
)

const (
	defaultRateLimit = 25
	healthRateLimit  = 1000
	rateWindow       = time.Minute
)

// rateLimiter is a fixed-window counter per caller key. Windows reset on the
// minute boundary of first sight, which is coarse but cheap and good enough
// for an abuse backstop.
type rateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindowState
	now       func() time.Time
	lastSweep time.Time
}

type rateWindowState struct {
	start time.Time
	count int
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: map[string]*rateWindowState{}, now: time.Now}
}

func (l *rateLimiter) allow(key string, limit int) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= rateWindow {
		for k, w := range l.windows {
			if now.Sub(w.start) >= rateWindow {
				delete(l.windows, k)
			}
		}
		l.lastSweep = now
	}
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= rateWindow {
		l.windows[key] = &rateWindowState{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= limit
}

// callerKey prefers the authenticated principal, falling back to the remote
// address so unauthenticated floods are still bounded.
func callerKey(r *http.Request) string {
	if p, ok := principalFromContext(r.Context()); ok && p.UserID != "" {
		return "user:" + p.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func newRateLimitMiddleware(basePath string) func(http.Handler) http.Handler {
	limiter := newRateLimiter()
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if basePath != "" && !strings.HasPrefix(r.URL.Path, basePath) {
				next.ServeHTTP(w, r)
				return
			}
			// One budget per caller across the whole API surface; health
			// probes get their own, larger bucket.
			limit := defaultRateLimit
			key := callerKey(r)
			if r.URL.Path == healthPath {
				limit = healthRateLimit
				key = "health|" + key
			}
			if !limiter.allow(key, limit) {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
