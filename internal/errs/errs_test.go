package errs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	err := NewDay(KindNotFound, "archive", day, "fetch_day", errors.New("HTTP 404"))

	msg := err.Error()
	assert.Contains(t, msg, "not_found")
	assert.Contains(t, msg, "archive")
	assert.Contains(t, msg, "2024-06-01")
	assert.Contains(t, msg, "HTTP 404")
}

func TestKindMatching(t *testing.T) {
	base := New(KindIntegrity, "cache", "load", errors.New("checksum mismatch"))
	wrapped := fmt.Errorf("loading day: %w", base)

	assert.Equal(t, KindIntegrity, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindIntegrity))
	assert.False(t, IsKind(wrapped, KindTransport))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindIntegrity}))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransport, "rest", "page", errors.New("conn reset"))))
	assert.True(t, Retryable(New(KindRateLimit, "rest", "page", errors.New("429"))))
	assert.False(t, Retryable(New(KindNotFound, "archive", "fetch", errors.New("404"))))
	assert.False(t, Retryable(New(KindValidation, "", "get", errors.New("bad symbol"))))
	assert.False(t, Retryable(errors.New("plain error")))
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	logger := slog.Default()
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), logger, policy, "test", func() error {
		calls++
		if calls < 3 {
			return New(KindTransport, "rest", "page", errors.New("transient"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	logger := slog.Default()
	policy := RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), logger, policy, "test", func() error {
		calls++
		return New(KindNotFound, "archive", "fetch", errors.New("404"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsKind(err, KindNotFound))
}

func TestRetryExhaustsBudget(t *testing.T) {
	logger := slog.Default()
	policy := RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	calls := 0
	err := Retry(context.Background(), logger, policy, "test", func() error {
		calls++
		return New(KindTransport, "rest", "page", errors.New("still down"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	logger := slog.Default()
	policy := RetryPolicy{MaxRetries: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, logger, policy, "test", func() error {
		return New(KindTransport, "rest", "page", errors.New("down"))
	})
	require.Error(t, err)
}

func TestIncompleteError(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	incomplete := &IncompleteError{
		Failures: []DayFailure{{
			Day: day,
			SourceErrors: map[string]error{
				"archive": errors.New("timeout"),
				"rest":    errors.New("503"),
			},
		}},
	}

	assert.Contains(t, incomplete.Error(), "2024-06-01")
	assert.True(t, errors.Is(incomplete, &Error{Kind: KindIncomplete}))
}
