package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds write traffic per caller.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller. Idle buckets are swept
// on access once they have been unused for idleTTL.
type RateLimiter struct {
	cfg      RateLimitConfig
	limiters map[string]*callerLimiter
	mu       sync.Mutex
	idleTTL  time.Duration
	swept    time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &RateLimiter{
		cfg:      cfg,
		limiters: make(map[string]*callerLimiter),
		idleTTL:  10 * time.Minute,
		swept:    time.Now(),
	}
}

func (rl *RateLimiter) allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.swept) > rl.idleTTL {
		for k, l := range rl.limiters {
			if now.Sub(l.lastSeen) > rl.idleTTL {
				delete(rl.limiters, k)
			}
		}
		rl.swept = now
	}

	l, ok := rl.limiters[key]
	if !ok {
		every := time.Minute / time.Duration(rl.cfg.RequestsPerMinute)
		l = &callerLimiter{limiter: rate.NewLimiter(rate.Every(every), rl.cfg.Burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = now
	allowed := l.limiter.Allow()
	return allowed, max(int(l.limiter.Tokens()), 0)
}

// Middleware answers 429 once a caller's bucket is empty. Requests without
// a caller are keyed by remote address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if c, ok := CallerFrom(r.Context()); ok {
			key = "user:" + c.UserID.String()
		}

		allowed, remaining := rl.allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			wait := (60 + rl.cfg.RequestsPerMinute - 1) / rl.cfg.RequestsPerMinute
			w.Header().Set("Retry-After", strconv.Itoa(wait))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
