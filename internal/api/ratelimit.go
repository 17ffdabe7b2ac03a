package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DeleteRateLimiter throttles destructive requests per client address with a
// token bucket per client.
type DeleteRateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	burst     int
	every     time.Duration
	idle      time.Duration
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewDeleteRateLimiter allows burst requests at once per client, then one
// more every refill interval.
func NewDeleteRateLimiter(burst int, refill time.Duration) *DeleteRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &DeleteRateLimiter{
		clients: make(map[string]*clientBucket),
		burst:   burst,
		every:   refill,
		// A bucket idle this long has refilled completely, so dropping it
		// is the same as keeping it.
		idle:      time.Duration(burst) * refill,
		lastSweep: time.Now(),
	}
}

func (l *DeleteRateLimiter) limiter(client string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	return b.limiter
}

// sweep drops buckets idle for longer than a full refill. Callers hold mu.
func (l *DeleteRateLimiter) sweep(now time.Time) {
	for client, b := range l.clients {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.clients, client)
		}
	}
	l.lastSweep = now
}

// Allow reports whether client may make another request now.
func (l *DeleteRateLimiter) Allow(client string) bool {
	now := time.Now()
	return l.limiter(client, now).AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429 Problem Details.
// Clients are told apart by host, so new connections from one address share
// a bucket.
func (l *DeleteRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientHost(r.RemoteAddr)) {
			w.Header().Set("Retry-After", retryAfterSeconds(l.every))
			WriteProblem(w, r, http.StatusTooManyRequests, "Delete rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientHost strips the port from a remote address. Addresses without one,
// such as those set by middleware.RealIP, are returned as is.
func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
