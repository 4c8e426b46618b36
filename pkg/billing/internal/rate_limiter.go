package internal

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles webhook deliveries per client IP. Each client gets a
// token bucket of limit tokens refilled evenly over window. Providers retry
// throttled deliveries, so throttling never loses an event.
type RateLimiter struct {
	refill rate.Limit
	burst  int
	idle   time.Duration
	now    func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	nextSweep time.Time
}

type client struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows bursts of limit deliveries per IP, refilled over
// window. A non-positive limit or window disables throttling.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		burst:   limit,
		idle:    window,
		now:     time.Now,
		clients: make(map[string]*client),
	}
	if limit > 0 && window > 0 {
		rl.refill = rate.Every(window / time.Duration(limit))
	}
	return rl
}

// Allow takes a token from ip's bucket. When the bucket is empty it returns
// false and the time until the next token.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	if rl.refill == 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if !now.Before(rl.nextSweep) {
		rl.sweep(now)
		rl.nextSweep = now.Add(rl.idle)
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{bucket: rate.NewLimiter(rl.refill, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now

	res := c.bucket.ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// sweep forgets clients idle for a whole window; their buckets are full again.
func (rl *RateLimiter) sweep(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) >= rl.idle {
			delete(rl.clients, ip)
		}
	}
}

// Middleware answers throttled requests with 429 and Retry-After.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Allow(ClientIP(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating client of r: the first X-Forwarded-For
// hop, then X-Real-IP, then the host of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
