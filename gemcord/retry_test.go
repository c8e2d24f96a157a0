package gemcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func historyOfLength(n int) History {
	h := make(History, n)
	for i := range h {
		role := RoleUser
		if i%2 == 1 {
			role = RoleModel
		}
		h[i] = Turn{Role: role, Parts: []Part{{Text: fmt.Sprintf("turn %d", i)}}}
	}
	return h
}

func TestRetryPolicy_PrunesOnBlockedThenSucceeds(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(t.TempDir(), nil)
	store.Set("g", historyOfLength(6))

	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	result := policy.Run(
		context.Background(),
		func(_ context.Context, n int) error {
			if n < 3 {
				return fmt.Errorf("sending message: %w", ErrCandidateBlocked)
			}
			return nil
		},
		func(n int) bool { return store.PruneLast("g", n) },
	)

	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 2, result.Pruned)
	assert.Equal(t, historyOfLength(2), store.Get("g"))
}

func TestRetryPolicy_AlwaysFails(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(t.TempDir(), nil)
	store.Set("g", historyOfLength(4))

	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	calls := 0
	transient := errors.New("connection reset")
	result := policy.Run(
		context.Background(),
		func(_ context.Context, _ int) error {
			calls++
			return transient
		},
		func(n int) bool { return store.PruneLast("g", n) },
	)

	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, transient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 0, result.Pruned)
	assert.Equal(t, historyOfLength(4), store.Get("g"))
}

func TestRetryPolicy_AlwaysBlocked(t *testing.T) {
	t.Parallel()
	store := NewHistoryStore(t.TempDir(), nil)
	store.Set("g", historyOfLength(5))

	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}
	result := policy.Run(
		context.Background(),
		func(_ context.Context, _ int) error {
			return errors.New(legacyBlockedPrefix + " SAFETY")
		},
		func(n int) bool { return store.PruneLast("g", n) },
	)

	require.Error(t, result.Err)
	assert.Equal(t, 3, result.Attempts)
	// 5 -> 3 -> 1, the third prune has nothing to remove
	assert.Equal(t, 2, result.Pruned)
	assert.Equal(t, historyOfLength(1), store.Get("g"))
}

func TestRetryPolicy_BackoffRespectsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Minute}

	start := time.Now()
	result := policy.Run(
		ctx,
		func(_ context.Context, _ int) error {
			cancel()
			return errors.New("failed")
		},
		nil,
	)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestRetryPolicy_WaitsBetweenAttempts(t *testing.T) {
	t.Parallel()
	policy := RetryPolicy{MaxAttempts: 2, Backoff: 50 * time.Millisecond}

	var times []time.Time
	result := policy.Run(
		context.Background(),
		func(_ context.Context, _ int) error {
			times = append(times, time.Now())
			return errors.New("failed")
		},
		nil,
	)
	require.Len(t, times, 2)
	assert.Equal(t, 2, result.Attempts)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 50*time.Millisecond)
}

func TestIsContentBlocked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("timeout"), false},
		{ErrCandidateBlocked, true},
		{fmt.Errorf("wrapped: %w", ErrCandidateBlocked), true},
		{errors.New(legacyBlockedPrefix + " SAFETY"), true},
		{errors.New("Candidate was blocked due to RECITATION"), true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, isContentBlocked(tc.err), fmt.Sprint(tc.err))
	}
}

func TestRetryState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ATTEMPT", retryAttempt.String())
	assert.Equal(t, "BACKOFF", retryBackoff.String())
	assert.Equal(t, "DONE", retryDone.String())
}
