// Package errs provides the typed error taxonomy for the failover pipeline
// along with retry helpers built on exponential backoff.
//
// Every failure surfaced to a caller carries a Kind, the source that
// produced it, and (for per-day failures) the UTC day it concerns. The
// orchestrator decides fall-through versus abort from the Kind alone.
package errs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind classifies an error for handling decisions.
type Kind string

const (
	// KindValidation covers bad symbol/interval/market/time inputs.
	// Fail fast, never retried, never falls through.
	KindValidation Kind = "validation"

	// KindTransport covers network and timeout failures. Recoverable by
	// retry within a source; falls through across sources in auto mode.
	KindTransport Kind = "transport"

	// KindNotFound marks a day genuinely absent from a source. Expected,
	// not retried, falls through.
	KindNotFound Kind = "not_found"

	// KindIntegrity covers checksum mismatches, schema mismatches, and
	// corrupt files. Demoted to a miss and recorded.
	KindIntegrity Kind = "integrity"

	// KindRateLimit marks a rate-limit response. Backed off within the source.
	KindRateLimit Kind = "rate_limit"

	// KindPolicy marks a caller-requested source that cannot serve.
	KindPolicy Kind = "policy"

	// KindIncomplete marks a request for which some day exhausted all sources.
	KindIncomplete Kind = "incomplete"
)

// Error is a classified failure with source and day context.
type Error struct {
	Kind   Kind
	Source string // "cache", "archive", "rest", or "" when not source-bound
	Day    time.Time
	Op     string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Source != "" {
		fmt.Fprintf(&b, " %s", e.Source)
	}
	if !e.Day.IsZero() {
		fmt.Fprintf(&b, " %s", e.Day.Format("2006-01-02"))
	}
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by Kind, or delegates to the chain.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return errors.Is(e.Err, target)
}

// New builds a classified error.
func New(kind Kind, source, op string, err error) *Error {
	return &Error{Kind: kind, Source: source, Op: op, Err: err}
}

// NewDay builds a classified error bound to a UTC day.
func NewDay(kind Kind, source string, day time.Time, op string, err error) *Error {
	return &Error{Kind: kind, Source: source, Day: day, Op: op, Err: err}
}

// KindOf extracts the Kind from an error chain, or "" if unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains a classified error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether an error may be retried within its source.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindRateLimit:
		return true
	case KindValidation, KindNotFound, KindIntegrity, KindPolicy, KindIncomplete:
		return false
	}
	// Unclassified: retry network-shaped errors only.
	var netErr net.Error
	return errors.As(err, &netErr)
}

// DayFailure records the last error per source for a single unresolved day.
type DayFailure struct {
	Day          time.Time
	SourceErrors map[string]error
}

func (f DayFailure) String() string {
	parts := make([]string, 0, len(f.SourceErrors))
	for src, err := range f.SourceErrors {
		parts = append(parts, fmt.Sprintf("%s: %v", src, err))
	}
	return fmt.Sprintf("%s (%s)", f.Day.Format("2006-01-02"), strings.Join(parts, "; "))
}

// IncompleteError names every day that exhausted all sources, with the
// last error seen from each, plus the days that did resolve before failure.
type IncompleteError struct {
	Failures []DayFailure
	Resolved []time.Time
}

// Error implements the error interface.
func (e *IncompleteError) Error() string {
	days := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		days[i] = f.String()
	}
	return fmt.Sprintf("all sources exhausted for %d day(s): %s", len(e.Failures), strings.Join(days, "; "))
}

// Is matches IncompleteError against the KindIncomplete sentinel.
func (e *IncompleteError) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == KindIncomplete
	}
	return false
}

// RetryPolicy bounds retry behavior for a source.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Retry runs fn with exponential backoff until it succeeds, returns a
// non-retryable error, or the retry budget is exhausted. Context
// cancellation aborts the wait immediately.
func Retry(ctx context.Context, logger *slog.Logger, policy RetryPolicy, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.MaxElapsedTime = 0

	var wrapped backoff.BackOff = backoff.WithMaxRetries(bo, uint64(policy.MaxRetries))
	wrapped = backoff.WithContext(wrapped, ctx)

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			err := fn()
			if err == nil {
				return nil
			}
			if !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		wrapped,
		func(err error, wait time.Duration) {
			logger.Warn("operation failed, retrying",
				"op", op,
				"attempt", attempt,
				"retry_in", wait,
				"error", err)
		},
	)
}
