package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRetriesUntilNonRetryable(t *testing.T) {
	l := New(Config{MinInterval: 0, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxAttempts: 5})

	calls := 0
	got, err := Execute(context.Background(), l, "newOrder", func(_ context.Context) (string, Outcome, error) {
		calls++
		if calls < 3 {
			return "", Outcome{Retryable: true}, nil
		}
		return "ok", Outcome{}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	l := New(Config{MinInterval: 0, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxAttempts: 3})

	calls := 0
	_, err := Execute(context.Background(), l, "newOrder", func(_ context.Context) (string, Outcome, error) {
		calls++
		return "", Outcome{Retryable: true}, nil
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteHonorsRetryAfter(t *testing.T) {
	l := New(Config{MinInterval: 0, BaseBackoff: time.Second, MaxBackoff: time.Minute, MaxAttempts: 3})

	start := time.Now()
	calls := 0
	_, err := Execute(context.Background(), l, "newOrder", func(_ context.Context) (string, Outcome, error) {
		calls++
		if calls == 1 {
			return "", Outcome{Retryable: true, HasRetryAfter: true, RetryAfter: 10 * time.Millisecond}, nil
		}
		return "ok", Outcome{}, nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestExecutePropagatesOperationError(t *testing.T) {
	l := New(DefaultConfig())
	_, err := Execute(context.Background(), l, "newOrder", func(_ context.Context) (string, Outcome, error) {
		return "", Outcome{}, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	l := New(Config{MinInterval: time.Hour, MaxAttempts: 3})

	// The gate admits the first request at once; it is the next one that has
	// to wait out MinInterval.
	_, err := Execute(context.Background(), l, "newOrder", func(_ context.Context) (string, Outcome, error) {
		return "ok", Outcome{}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = Execute(ctx, l, "newOrder", func(_ context.Context) (string, Outcome, error) {
		t.Fatal("operation should not run before the rate gate admits it")
		return "", Outcome{}, nil
	})
	require.Error(t, err)
}
