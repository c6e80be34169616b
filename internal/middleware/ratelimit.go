package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxLimiters  = 10000
	limiterIdle  = 10 * time.Minute
	limitedError = `{"error":"rate_limited","message":"too many requests"}` + "\n"
)

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSet holds one token bucket per caller. Buckets idle longer than
// limiterIdle are swept once the set grows past maxLimiters.
type limiterSet struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	callers map[string]*callerLimiter
	now     func() time.Time
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if c, ok := s.callers[key]; ok {
		c.lastSeen = now
		return c.limiter
	}
	if len(s.callers) >= maxLimiters {
		for k, c := range s.callers {
			if now.Sub(c.lastSeen) > limiterIdle {
				delete(s.callers, k)
			}
		}
		if len(s.callers) >= maxLimiters {
			s.callers = make(map[string]*callerLimiter)
		}
	}
	c := &callerLimiter{limiter: rate.NewLimiter(s.every, s.burst), lastSeen: now}
	s.callers[key] = c
	return c.limiter
}

// RateLimit allows limit requests per period for each caller, keyed by the
// authenticated user id when present and the client IP otherwise. It must run
// after RealIP so the IP key is the real client.
func RateLimit(limit int, per time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	set := &limiterSet{
		every:   rate.Every(per / time.Duration(limit)),
		burst:   limit,
		callers: make(map[string]*callerLimiter),
		now:     time.Now,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserIDFromContext(r.Context())
			if key == "" {
				key = "ip:" + ClientIP(r)
			}
			limiter := set.get(key)
			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(limitedError))
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			next.ServeHTTP(w, r)
		})
	}
}
