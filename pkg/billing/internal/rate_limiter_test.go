package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func fixedClock(t time.Time) (func() time.Time, func(time.Duration)) {
	now := t
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	clock, advance := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter.now = clock

	for i := 0; i < 3; i++ {
		if ok, _ := limiter.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, wait := limiter.Allow("10.0.0.1")
	if ok {
		t.Fatal("fourth request should be throttled")
	}
	if wait != 20*time.Second {
		t.Errorf("wait = %v, want 20s", wait)
	}
	if ok, _ := limiter.Allow("10.0.0.2"); !ok {
		t.Fatal("other IPs have their own bucket")
	}

	advance(20 * time.Second)
	if ok, _ := limiter.Allow("10.0.0.1"); !ok {
		t.Fatal("a refilled token should be available")
	}
	if ok, _ := limiter.Allow("10.0.0.1"); ok {
		t.Fatal("only one token refills in 20s")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	for _, limiter := range []*RateLimiter{NewRateLimiter(0, time.Minute), NewRateLimiter(10, 0)} {
		for i := 0; i < 1000; i++ {
			if ok, _ := limiter.Allow("10.0.0.1"); !ok {
				t.Fatal("disabled limiter must allow everything")
			}
		}
		if len(limiter.clients) != 0 {
			t.Errorf("disabled limiter should not track IPs, got %d", len(limiter.clients))
		}
	}
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)
	clock, advance := fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter.now = clock

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")
	advance(30 * time.Second)
	limiter.Allow("10.0.0.2")
	advance(45 * time.Second)
	limiter.Allow("10.0.0.3")

	if _, ok := limiter.clients["10.0.0.1"]; ok {
		t.Error("client idle for a window should be forgotten")
	}
	if _, ok := limiter.clients["10.0.0.2"]; !ok {
		t.Error("recently seen client should be kept")
	}
	if len(limiter.clients) != 2 {
		t.Errorf("clients = %d, want 2", len(limiter.clients))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", http.NoBody)
	req.RemoteAddr = "203.0.113.7:51234"
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: got %d", first.Code)
	}

	// Same client from another source port shares the bucket.
	second := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/payment/webhook", http.NoBody)
	req.RemoteAddr = "203.0.113.7:51235"
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", second.Code)
	}
	if got := second.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "remote addr", want: "198.51.100.1"},
		{name: "first forwarded hop", headers: map[string]string{"X-Forwarded-For": " 203.0.113.9 , 10.0.0.1"}, want: "203.0.113.9"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "192.0.2.4"}, want: "192.0.2.4"},
		{name: "empty forwarded hop", headers: map[string]string{"X-Forwarded-For": " ,10.0.0.1"}, want: "198.51.100.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			req.RemoteAddr = "198.51.100.1:4000"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
