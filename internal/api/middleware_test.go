package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

func newManualLimiter(rps, burst int) (*rateLimiter, *manualClock) {
	clk := &manualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(rps, burst)
	rl.now = clk.Now
	rl.lastSweep = clk.now
	return rl, clk
}

func TestResolveClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sys/health", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := resolveClientIP(req, false); got != "10.0.0.7" {
		t.Errorf("untrusted: expected remote host 10.0.0.7, got %q", got)
	}
	if got := resolveClientIP(req, true); got != "203.0.113.9" {
		t.Errorf("trusted: expected first hop 203.0.113.9, got %q", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := resolveClientIP(req, true); got != "10.0.0.7" {
		t.Errorf("trusted without header: expected remote host, got %q", got)
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.RateLimit = 1
	srv.cfg.RateBurst = 2
	handler := srv.BuildRouter()

	codes := make([]int, 0, 3)
	for _, fwd := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/sys/health", nil)
		req.RemoteAddr = "192.0.2.10:4000"
		req.Header.Set("X-Forwarded-For", fwd)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("rotating X-Forwarded-For must not reset the bucket, got codes %v", codes)
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl, clk := newManualLimiter(1, 2)

	if !rl.allow("a") || !rl.allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if rl.allow("a") {
		t.Error("expected third request to be limited")
	}
	clk.now = clk.now.Add(time.Second)
	if !rl.allow("a") {
		t.Error("expected one token after a second")
	}
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	rl, clk := newManualLimiter(10, 20)

	for _, ip := range []string{"a", "b", "c"} {
		rl.allow(ip)
	}
	if len(rl.buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(rl.buckets))
	}

	clk.now = clk.now.Add(sweepInterval)
	rl.allow("d")
	if len(rl.buckets) != 1 {
		t.Errorf("expected idle buckets evicted, %d remain", len(rl.buckets))
	}
	if _, ok := rl.buckets["d"]; !ok {
		t.Error("expected the active client's bucket to remain")
	}
}
