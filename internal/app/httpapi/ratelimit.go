package httpapi

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("rate limit exceeded")

// rateLimiter keeps one token bucket per caller, keyed by address when
// authenticated and by remote host otherwise.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= 1024 {
			rl.cleanupLocked(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// cleanupLocked drops buckets that have not been used recently.
func (rl *rateLimiter) cleanupLocked(now time.Time) {
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rl.idle {
			delete(rl.limiters, key)
		}
	}
}

func (rl *rateLimiter) handler(next http.Handler) http.Handler {
	if rl == nil || rl.rate <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(rateKey(r), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateKey(r *http.Request) string {
	if caller, ok := CallerFrom(r.Context()); ok {
		return address.Uint160ToString(caller)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
