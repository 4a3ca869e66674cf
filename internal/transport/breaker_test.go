package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: threshold, RecoveryTimeout: time.Minute})
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3)
	const host = "youtube.googleapis.com"

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow(host))
		cb.RecordFailure(host)
	}
	require.Equal(t, CircuitClosed, cb.State(host))

	cb.RecordFailure(host)
	require.Equal(t, CircuitOpen, cb.State(host))
	require.ErrorIs(t, cb.Allow(host), ErrCircuitOpen)
	require.NoError(t, cb.Allow("other.example"), "circuits are per host")
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(2)
	const host = "h"

	cb.RecordFailure(host)
	cb.RecordSuccess(host)
	cb.RecordFailure(host)
	require.Equal(t, CircuitClosed, cb.State(host))
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(1)
	const host = "h"

	cb.RecordFailure(host)
	require.ErrorIs(t, cb.Allow(host), ErrCircuitOpen)

	clock.t = clock.t.Add(time.Minute)
	require.Equal(t, CircuitHalfOpen, cb.State(host))
	require.NoError(t, cb.Allow(host), "one probe is allowed")
	require.ErrorIs(t, cb.Allow(host), ErrCircuitOpen, "second concurrent probe is refused")

	// Failed probe reopens.
	cb.RecordFailure(host)
	require.Equal(t, CircuitOpen, cb.State(host))

	clock.t = clock.t.Add(time.Minute)
	require.NoError(t, cb.Allow(host))
	cb.RecordSuccess(host)
	require.Equal(t, CircuitClosed, cb.State(host))
	require.NoError(t, cb.Allow(host))
}

func TestCircuitBreakerNil(t *testing.T) {
	var cb *CircuitBreaker
	require.NoError(t, cb.Allow("h"))
	cb.RecordFailure("h")
	cb.RecordSuccess("h")
	require.Equal(t, CircuitClosed, cb.State("h"))
}

func TestKeyTransportBreaker(t *testing.T) {
	status := http.StatusServiceUnavailable
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	client := &http.Client{Transport: &KeyTransport{APIKey: "k", Breaker: cb}}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}
	require.Equal(t, CircuitOpen, cb.State(u.Hostname()))

	_, err = client.Get(srv.URL)
	require.True(t, errors.Is(err, ErrCircuitOpen), "got %v", err)
	require.Equal(t, 2, calls, "open circuit must not reach the host")
}

func TestKeyTransportQuotaDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	client := &http.Client{Transport: &KeyTransport{APIKey: "k", Breaker: cb}}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}
	require.Equal(t, CircuitClosed, cb.State(u.Hostname()))
}
