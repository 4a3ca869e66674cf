package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("connect: connection refused")

func fastConfig(retries int) Config {
	return Config{
		MaxRetries:     retries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2,
	}
}

// flaky fails with errs in order, then succeeds.
func flaky(errs ...error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= len(errs) {
			return errs[calls-1]
		}
		return nil
	}, &calls
}

func TestDoRecoversFromTransientFailures(t *testing.T) {
	fn, calls := flaky(errRefused, errRefused)

	require.NoError(t, Do(context.Background(), fastConfig(3), nil, fn))
	assert.Equal(t, 3, *calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	fn, calls := flaky(errRefused, errRefused, errRefused, errRefused)

	err := Do(context.Background(), fastConfig(2), nil, fn)
	require.ErrorIs(t, err, errRefused)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, *calls, "one attempt plus two retries")
}

func TestDoZeroRetriesMakesOneAttempt(t *testing.T) {
	fn, calls := flaky(errRefused)

	require.Error(t, Do(context.Background(), fastConfig(0), nil, fn))
	assert.Equal(t, 1, *calls)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	authErr := errors.New("password authentication failed")
	fn, calls := flaky(errRefused, Permanent(authErr))

	err := Do(context.Background(), fastConfig(5), nil, fn)
	assert.Same(t, authErr, err, "the Permanent wrapper is removed")
	assert.Equal(t, 2, *calls)
}

func TestDoClassifierDecides(t *testing.T) {
	syntaxErr := errors.New("syntax error at or near")
	onlyRefused := func(err error) bool { return errors.Is(err, errRefused) }
	fn, calls := flaky(errRefused, syntaxErr)

	err := Do(context.Background(), fastConfig(5), onlyRefused, fn)
	assert.Equal(t, syntaxErr, err)
	assert.Equal(t, 2, *calls)
}

func TestDoStopsWhenContextEndsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 2}
	calls := 0

	err := Do(ctx, cfg, nil, func(context.Context) error {
		calls++
		cancel()
		return errRefused
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoDoesNotRetryContextErrors(t *testing.T) {
	fn, calls := flaky(context.DeadlineExceeded)

	err := Do(context.Background(), fastConfig(3), nil, fn)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, *calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errRefused))
	assert.False(t, IsRetryable(Permanent(errRefused)))
	assert.False(t, IsRetryable(context.Canceled))
	assert.Nil(t, Permanent(nil))
}

func TestJitterBounds(t *testing.T) {
	assert.Zero(t, jitter(time.Second, 0))
	for range 100 {
		j := jitter(time.Second, 0.2)
		assert.LessOrEqual(t, j.Abs(), 200*time.Millisecond)
	}
}
