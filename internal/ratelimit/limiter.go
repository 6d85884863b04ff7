// Package ratelimit provides a per-key token-bucket limiter for the trigger
// endpoints, so a misbehaving client cannot flood the planner with ad-hoc
// executions.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RequestsPerSecond float64
	Burst             int

	// MaxKeys bounds the limiter map; oldest entries are evicted past it
	MaxKeys int

	// TTL is how long an idle key's limiter is kept
	TTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             10,
		MaxKeys:           10000,
		TTL:               10 * time.Minute,
	}
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter hands out one token bucket per key and evicts idle buckets.
type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	entries     map[string]*entry
	lastCleanup time.Time
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:         cfg,
		entries:     make(map[string]*entry),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether the key may proceed right now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) > l.cfg.TTL || len(l.entries) > l.cfg.MaxKeys {
		l.cleanup()
	}

	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.entries[key] = e
	}
	e.lastUsed = time.Now()
	return e.limiter.Allow()
}

func (l *Limiter) cleanup() {
	cutoff := time.Now().Add(-l.cfg.TTL)
	for key, e := range l.entries {
		if e.lastUsed.Before(cutoff) {
			delete(l.entries, key)
		}
	}
	l.lastCleanup = time.Now()
}

// IPKey extracts the client address without the port.
func IPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429. Keys default to the
// client IP.
func Middleware(l *Limiter, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = IPKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFn(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
