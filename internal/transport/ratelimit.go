// Package transport provides the HTTP plumbing used to reach the YouTube
// Data API: API key injection, per-host pacing and upstream metrics.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Backoff values applied when the API answers 429.
const (
	InitialBackoff        = 1 * time.Second
	MaxBackoff            = 60 * time.Second
	BackoffMultiplier     = 2.0
	BackoffCooldownPeriod = 5 * time.Minute
	MinRPSMultiplier      = 0.25
)

// RateLimiterConfig defines rate limiting behavior.
type RateLimiterConfig struct {
	// DataAPIRPS is requests per second for the Data API hosts. 0 disables pacing.
	DataAPIRPS float64
	// CustomRates maps hosts to RPS values.
	CustomRates map[string]float64
	// EnableDynamicBackoff reduces a host's rate after 429 responses.
	EnableDynamicBackoff bool
}

// DefaultRateLimiterConfig returns conservative defaults for the Data API.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		DataAPIRPS:           5.0,
		CustomRates:          make(map[string]float64),
		EnableDynamicBackoff: true,
	}
}

// backoffState tracks rate limit backoff for a host.
type backoffState struct {
	currentBackoff    time.Duration
	lastError         time.Time
	consecutiveErrors int
	originalRPS       float64
	reducedRPS        float64
}

// RateLimiter manages per-host request pacing with token buckets.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	backoff  map[string]*backoffState
	config   RateLimiterConfig
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.CustomRates == nil {
		cfg.CustomRates = make(map[string]float64)
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		backoff:  make(map[string]*backoffState),
		config:   cfg,
	}
}

// Wait blocks until a request to u is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, u *url.URL) error {
	if rl == nil {
		return nil
	}
	limiter := rl.limiter(u.Hostname())
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (rl *RateLimiter) limiter(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rps := rl.rpsLocked(host)
	if rps <= 0 {
		return nil
	}
	if l, ok := rl.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rps), 1)
	rl.limiters[host] = l
	return l
}

func (rl *RateLimiter) rpsLocked(host string) float64 {
	if rps, ok := rl.config.CustomRates[host]; ok {
		return rps
	}
	return rl.config.DataAPIRPS
}

// SetCustomRate sets a rate for a specific host.
func (rl *RateLimiter) SetCustomRate(host string, rps float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.config.CustomRates[host] = rps
	delete(rl.limiters, host)
}

// RecordRateLimitError slows host down after a 429 and returns the
// recommended wait before the next request.
func (rl *RateLimiter) RecordRateLimitError(host string, retryAfter time.Duration) time.Duration {
	if rl == nil || !rl.config.EnableDynamicBackoff {
		if retryAfter > 0 {
			return retryAfter
		}
		return InitialBackoff
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.backoff[host]
	if !ok {
		state = &backoffState{
			currentBackoff: InitialBackoff,
			originalRPS:    rl.rpsLocked(host),
		}
		rl.backoff[host] = state
	}
	state.lastError = time.Now()
	state.consecutiveErrors++

	if state.consecutiveErrors > 1 {
		state.currentBackoff = min(time.Duration(float64(state.currentBackoff)*BackoffMultiplier), MaxBackoff)
	}
	if retryAfter > state.currentBackoff {
		state.currentBackoff = retryAfter
	}

	// 1 error: 75%, 2 errors: 50%, 3+ errors: 25%
	factor := 0.75
	switch {
	case state.consecutiveErrors >= 3:
		factor = MinRPSMultiplier
	case state.consecutiveErrors == 2:
		factor = 0.5
	}
	state.reducedRPS = state.originalRPS * factor
	if l, ok := rl.limiters[host]; ok && state.reducedRPS > 0 {
		l.SetLimit(rate.Limit(state.reducedRPS))
	}
	return state.currentBackoff
}

// RecordSuccess restores host's rate once the cooldown has passed.
func (rl *RateLimiter) RecordSuccess(host string) {
	if rl == nil || !rl.config.EnableDynamicBackoff {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.backoff[host]
	if !ok {
		return
	}
	if time.Since(state.lastError) > BackoffCooldownPeriod {
		if l, ok := rl.limiters[host]; ok && state.originalRPS > 0 {
			l.SetLimit(rate.Limit(state.originalRPS))
		}
		delete(rl.backoff, host)
		return
	}
	if state.consecutiveErrors > 0 {
		state.consecutiveErrors--
	}
}

// Limit returns the current rate for host, or 0 when unpaced.
func (rl *RateLimiter) Limit(host string) float64 {
	if rl == nil {
		return 0
	}
	l := rl.limiter(host)
	if l == nil {
		return 0
	}
	return float64(l.Limit())
}
