package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time

	rate  rate.Limit
	burst int
	ttl   time.Duration
}

func newClientLimiter(requests int, window, ttl time.Duration) *clientLimiter {
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		rate:     rate.Every(window / time.Duration(requests)),
		burst:    requests,
		ttl:      ttl,
	}
}

// cleanup drops buckets of clients idle for longer than the TTL until ctx ends.
func (l *clientLimiter) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.prune(now)
		}
	}
}

func (l *clientLimiter) prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, seen := range l.lastSeen {
		if now.Sub(seen) > l.ttl {
			delete(l.limiters, client)
			delete(l.lastSeen, client)
		}
	}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.limiters[client]
	if !ok {
		bucket = rate.NewLimiter(l.rate, l.burst)
		l.limiters[client] = bucket
	}
	l.lastSeen[client] = time.Now()
	return bucket.Allow()
}

// clientIP returns the host part of the request's remote address. The API is
// served locally, so forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *clientLimiter) middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.allow(ip) {
				logger.WarnContext(r.Context(), "rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"method", r.Method)
				writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests. Try again later.", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
