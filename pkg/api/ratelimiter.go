package api

import (
	"sync"
	"time"
)

// rateLimitState tracks request timestamps for one client IP.
type rateLimitState struct {
	requests []int64
}

// RateLimiter implements per-IP rate limiting with a sliding one-minute
// window. Idle IPs are dropped by a background cleanup pass.
type RateLimiter struct {
	limits            map[string]*rateLimitState
	maxRequestsPerMin int
	mu                sync.RWMutex
	cleanupInterval   time.Duration
	stopCleanup       chan struct{}
	stopOnce          sync.Once
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(maxRequestsPerMinute int) *RateLimiter {
	rl := &RateLimiter{
		limits:            make(map[string]*rateLimitState),
		maxRequestsPerMin: maxRequestsPerMinute,
		cleanupInterval:   5 * time.Minute,
		stopCleanup:       make(chan struct{}),
	}

	go rl.startCleanup()

	return rl
}

// CheckLimit reports whether a request from the given IP is allowed, and
// records it when it is.
func (rl *RateLimiter) CheckLimit(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()

	state, exists := rl.limits[ip]
	if !exists {
		state = &rateLimitState{}
		rl.limits[ip] = state
	}

	valid := state.requests[:0]
	for _, reqTime := range state.requests {
		if now-reqTime < 60000 {
			valid = append(valid, reqTime)
		}
	}
	state.requests = valid

	if len(state.requests) >= rl.maxRequestsPerMin {
		return false
	}

	state.requests = append(state.requests, now)
	return true
}

// RetryAfter returns the number of seconds until the oldest recorded request
// for the IP leaves the window.
func (rl *RateLimiter) RetryAfter(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	state, exists := rl.limits[ip]
	if !exists || len(state.requests) == 0 {
		return 0
	}

	now := time.Now().UnixMilli()
	oldest := state.requests[0]

	retryAfterMs := 60000 - (now - oldest)
	if retryAfterMs < 0 {
		return 0
	}

	return int((retryAfterMs + 999) / 1000)
}

func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now().UnixMilli()

	for ip, state := range rl.limits {
		valid := state.requests[:0]
		for _, reqTime := range state.requests {
			if now-reqTime < 60000 {
				valid = append(valid, reqTime)
			}
		}
		if len(valid) == 0 {
			delete(rl.limits, ip)
		} else {
			state.requests = valid
		}
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}
