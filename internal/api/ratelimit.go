package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitConfig tunes the per-client limiter. loomd derives
// RequestsPerSecond and Burst from the rate_limit_per_min setting in
// loom.yaml; a nil config on the Server disables limiting entirely.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration // stale-bucket sweep cadence
}

// DefaultRateLimitConfig is the fallback when limiting is enabled
// without explicit numbers: 50 req/s with a burst of 100.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		CleanupInterval:   5 * time.Minute,
	}
}

// staleAfter is how long a client may be idle before its bucket is
// swept. Sweeping resets the client to a full burst.
const staleAfter = 10 * time.Minute

// bucket is one client's token bucket.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// verdict is the outcome of one admission check.
type verdict struct {
	allowed   bool
	remaining int
	limit     int
	retry     time.Duration // wait until a token frees up, zero when allowed
}

// RateLimiter admits requests per client IP using token buckets.
// A background goroutine sweeps idle buckets; call Stop to end it.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig

	stopOnce sync.Once
	stop     chan struct{}
}

// take refills the client's bucket for the elapsed time and spends one
// token if available.
func (rl *RateLimiter) take(client string) verdict {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[client]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.Burst), lastSeen: now}
		rl.buckets[client] = b
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.cfg.RequestsPerSecond
	if full := float64(rl.cfg.Burst); b.tokens > full {
		b.tokens = full
	}
	b.lastSeen = now

	v := verdict{limit: rl.cfg.Burst}
	if b.tokens >= 1 {
		b.tokens--
		v.allowed = true
		v.remaining = int(b.tokens)
		return v
	}
	if rl.cfg.RequestsPerSecond > 0 {
		v.retry = time.Duration((1 - b.tokens) / rl.cfg.RequestsPerSecond * float64(time.Second))
	}
	if v.retry < time.Second {
		v.retry = time.Second
	}
	return v
}

// sweep drops buckets idle past staleAfter until Stop is called.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter)
			rl.mu.Lock()
			for client, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, client)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop ends the sweep goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// clientKey identifies the caller for bucket lookup. A proxy-provided
// X-Real-Ip wins over the socket address.
func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// writeLimitHeaders reports the bucket state on every response so
// clients can pace themselves, plus Retry-After on a rejection.
func writeLimitHeaders(w http.ResponseWriter, v verdict) {
	w.Header().Set("RateLimit-Limit", strconv.Itoa(v.limit))
	w.Header().Set("RateLimit-Remaining", strconv.Itoa(v.remaining))
	if !v.allowed {
		secs := int64((v.retry + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}

// RateLimit builds the limiter and its middleware. Rejections are 429
// with the RESOURCE_EXHAUSTED error code.
func RateLimit(cfg RateLimitConfig) (*RateLimiter, func(http.Handler) http.Handler) {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
	go rl.sweep()

	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := rl.take(clientKey(r))
			writeLimitHeaders(w, v)
			if !v.allowed {
				errorJSON(w, "rate limit exceeded", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	return rl, mw
}
