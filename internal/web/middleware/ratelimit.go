package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleExpiry is how long an untouched client bucket is kept.
const idleExpiry = 10 * time.Minute

// RateLimiter keeps one token bucket per client. Authenticated requests are
// keyed by user id, anonymous ones by client IP.
type RateLimiter struct {
	every time.Duration
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

type client struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter allows perMinute requests per client, bursting up to the
// same amount. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		burst:   perMinute,
		now:     time.Now,
		clients: make(map[string]*client),
	}
	if perMinute > 0 {
		rl.every = time.Minute / time.Duration(perMinute)
	}
	return rl
}

// Allow consumes a token for key. When the bucket is empty it returns the
// wait until the next token.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.burst <= 0 {
		return true, 0
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweepLocked(now)
	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rate.Every(rl.every), rl.burst)}
		rl.clients[key] = c
	}
	c.seen = now

	res := c.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweepLocked drops idle buckets at most once per expiry window.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < idleExpiry {
		return
	}
	rl.lastSweep = now
	for key, c := range rl.clients {
		if now.Sub(c.seen) > idleExpiry {
			delete(rl.clients, key)
		}
	}
}

// Len reports the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware throttles requests, answering through onError with
// ErrRateLimited and a Retry-After header.
func (rl *RateLimiter) Middleware(onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := UserID(r.Context())
			if key == "" {
				key = "ip:" + clientIP(r)
			}
			if ok, wait := rl.Allow(key); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				onError(w, r, ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
