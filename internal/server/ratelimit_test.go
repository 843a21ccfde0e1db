package server

import (
	"net/http"
	"testing"
	"time"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter()
	l.now = func() time.Time { return clock }

	for i := 0; i < defaultRateLimit; i++ {
		if !l.allow("user:u1", defaultRateLimit) {
			t.Fatalf("request %d within budget was denied", i+1)
		}
	}
	if l.allow("user:u1", defaultRateLimit) {
		t.Fatal("request over budget was allowed")
	}
	if !l.allow("user:u2", defaultRateLimit) {
		t.Fatal("another caller must have an independent budget")
	}

	clock = clock.Add(rateWindow)
	if !l.allow("user:u1", defaultRateLimit) {
		t.Fatal("budget must reset after the window rolls over")
	}
}

func TestRateLimiterEvictsStaleWindows(t *testing.T) {
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newRateLimiter()
	l.now = func() time.Time { return clock }

	for _, key := range []string{"user:u1", "user:u2", "ip:10.0.0.1"} {
		l.allow(key, defaultRateLimit)
	}
	clock = clock.Add(2 * rateWindow)
	l.allow("user:u3", defaultRateLimit)

	l.mu.Lock()
	n := len(l.windows)
	l.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected only the live window to remain, got %d", n)
	}
}

func TestRateLimitSharedAcrossEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	headers := authHeader(t)

	for i := 0; i < defaultRateLimit; i++ {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflow-statuses", nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d status %d: %s", i+1, res.StatusCode, string(data))
		}
	}
	// The budget is per caller, not per endpoint, so a different route is
	// refused once the caller's window is spent.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/par-status/PAR-001/history", nil, headers)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over budget, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %s", env.Error.Code)
	}
}
