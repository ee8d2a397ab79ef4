package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter allows limit requests per window per client address.
type RateLimiter struct {
	attempts    map[string][]time.Time
	mu          sync.Mutex
	limit       int
	window      time.Duration
	stopCleanup chan struct{}
}

// NewRateLimiter creates a rate limiter and starts a background goroutine
// to drop stale entries.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		attempts:    make(map[string][]time.Time),
		limit:       limit,
		window:      window,
		stopCleanup: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-rl.stopCleanup:
				return
			}
		}
	}()

	return rl
}

// Stop terminates the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	select {
	case <-rl.stopCleanup:
	default:
		close(rl.stopCleanup)
	}
}

// Allow reports whether a request from addr is within the limit.
func (rl *RateLimiter) Allow(addr string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	valid := rl.attempts[addr][:0:0]
	for _, at := range rl.attempts[addr] {
		if at.After(cutoff) {
			valid = append(valid, at)
		}
	}
	if len(valid) >= rl.limit {
		rl.attempts[addr] = valid
		return false
	}
	rl.attempts[addr] = append(valid, now)
	return true
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	for addr, attempts := range rl.attempts {
		valid := attempts[:0:0]
		for _, at := range attempts {
			if at.After(cutoff) {
				valid = append(valid, at)
			}
		}
		if len(valid) == 0 {
			delete(rl.attempts, addr)
		} else {
			rl.attempts[addr] = valid
		}
	}
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			addr = r.RemoteAddr
		}
		if !rl.Allow(addr) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	}
}
