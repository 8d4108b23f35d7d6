package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	operator "github.com/aiop/operator"
)

const (
	cleanupInterval = 5 * time.Minute
	idleTimeout     = 1 * time.Hour
)

// PerAddressLimiter enforces a token-bucket limit keyed by remote address —
// a single-tier simplification of correlator's InMemoryRateLimiter (which
// also tiers by authenticated plugin id; /ask has no such concept), kept on
// the same golang.org/x/time/rate primitive.
type PerAddressLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rps     rate.Limit
	burst   int
	done    chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewPerAddressLimiter builds a limiter allowing rps requests/second per
// remote address, with burst capacity 2x rps, and starts its idle-entry
// cleanup goroutine. Call Close when done.
func NewPerAddressLimiter(rps float64) *PerAddressLimiter {
	l := &PerAddressLimiter{
		entries: make(map[string]*limiterEntry),
		rps:     rate.Limit(rps),
		burst:   int(rps * 2),
		done:    make(chan struct{}),
	}
	if l.burst < 1 {
		l.burst = 1
	}

	go l.cleanupLoop()
	return l
}

// Close stops the cleanup goroutine.
func (l *PerAddressLimiter) Close() {
	close(l.done)
}

// Allow reports whether a request from addr should proceed.
func (l *PerAddressLimiter) Allow(addr string) bool {
	l.mu.Lock()
	entry, ok := l.entries[addr]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[addr] = entry
	}
	entry.lastAccess = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

func (l *PerAddressLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

func (l *PerAddressLimiter) cleanup() {
	cutoff := time.Now().Add(-idleTimeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, entry := range l.entries {
		if entry.lastAccess.Before(cutoff) {
			delete(l.entries, addr)
		}
	}
}

// RateLimit returns middleware that rejects requests exceeding limiter's
// per-remote-address rate with 429.
func RateLimit(limiter *PerAddressLimiter, logger operator.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := remoteAddrHost(r.RemoteAddr)

			if !limiter.Allow(addr) {
				logger.Warn("rate limit exceeded", "remote_addr", addr, "run_id", GetRunID(r.Context()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func remoteAddrHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
