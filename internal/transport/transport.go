package transport

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"ytingest/telemetry"
)

// DefaultUserAgent identifies ytingest to the API.
const DefaultUserAgent = "ytingest/1.0"

// PoolConfig configures connection pooling for the base transport.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

// DefaultPoolConfig returns pooling defaults suited to a single API host.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewBaseTransport builds an *http.Transport from cfg.
func NewBaseTransport(cfg PoolConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// KeyTransport is an http.RoundTripper that signs requests with an API key,
// paces them through a RateLimiter and records upstream metrics. A nil
// Limiter or Breaker disables that stage.
type KeyTransport struct {
	Base      http.RoundTripper
	APIKey    string
	Limiter   *RateLimiter
	Breaker   *CircuitBreaker
	UserAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *KeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	host := req.URL.Hostname()
	if err := t.Breaker.Allow(host); err != nil {
		return nil, err
	}
	if err := t.Limiter.Wait(ctx, req.URL); err != nil {
		return nil, err
	}

	// RoundTrippers must not modify the caller's request.
	r := req.Clone(ctx)
	if t.APIKey != "" {
		q := r.URL.Query()
		q.Set("key", t.APIKey)
		r.URL.RawQuery = q.Encode()
	}
	ua := t.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", ua)
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	start := time.Now()
	resp, err := base.RoundTrip(r)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	telemetry.RecordUpstreamRequest(ctx, host, status, time.Since(start))
	if err != nil {
		// A canceled caller says nothing about the host.
		if ctx.Err() == nil {
			t.Breaker.RecordFailure(host)
		}
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		t.Breaker.RecordFailure(host)
	case resp.StatusCode == http.StatusTooManyRequests:
		t.Breaker.RecordSuccess(host)
		t.Limiter.RecordRateLimitError(host, retryAfter(resp))
	case resp.StatusCode < 400:
		t.Breaker.RecordSuccess(host)
		t.Limiter.RecordSuccess(host)
	default:
		t.Breaker.RecordSuccess(host)
	}
	return resp, nil
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
