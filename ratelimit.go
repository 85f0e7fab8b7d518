package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRatePerSecond = 10
	defaultRateBurst     = 20
	defaultRateMaxIPs    = 10000
	rateLimiterIdleTTL   = 10 * time.Minute
)

type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimiter provides per-client-IP token bucket limiting for the OAuth
// endpoints. Idle entries are evicted once maxEntries is reached.
type rateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*rateLimiterEntry
	rate       rate.Limit
	burst      int
	maxEntries int
}

func newRateLimiter(requestsPerSecond float64, burst, maxEntries int) *rateLimiter {
	return &rateLimiter{
		limiters:   make(map[string]*rateLimiterEntry),
		rate:       rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
	}
}

// Allow checks if a request from the given identifier is allowed.
func (rl *rateLimiter) Allow(identifier string) bool {
	if rl == nil {
		return true
	}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[identifier]
	if !ok {
		if rl.maxEntries > 0 && len(rl.limiters) >= rl.maxEntries {
			rl.evictLocked(now)
		}
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[identifier] = entry
	}
	entry.lastAccess = now
	return entry.limiter.Allow()
}

// evictLocked drops idle entries, or the least recently used one if none is idle.
func (rl *rateLimiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	evicted := false
	for k, e := range rl.limiters {
		if now.Sub(e.lastAccess) > rateLimiterIdleTTL {
			delete(rl.limiters, k)
			evicted = true
			continue
		}
		if oldestKey == "" || e.lastAccess.Before(oldest) {
			oldestKey, oldest = k, e.lastAccess
		}
	}
	if !evicted && oldestKey != "" {
		delete(rl.limiters, oldestKey)
	}
}

// clientIP returns the remote address host. Forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
