// Package retry provides the failure taxonomy and bounded exponential
// backoff used by the sync engine, the reconciler, and the retrieval
// pipeline. Failures fall into two classes: transient (provider timeouts,
// rate limits, 5xx) which are retried, and permanent (malformed records,
// unembeddable text) which are not.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config controls the backoff behaviour of [Do].
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to 3 if zero.
	MaxAttempts int
	// InitialDelay is the delay before the second attempt.
	// Defaults to 500ms if zero.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt delay. Defaults to 10s if zero.
	MaxDelay time.Duration
}

// DefaultConfig returns the retry policy used for embedding and completion
// provider calls: three attempts with exponential backoff capped at 10s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// transientError marks an error as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// permanentError marks an error as not worth retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient wraps err so that [IsTransient] reports true.
// Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent wraps err so that [Do] gives up immediately.
// Returns nil if err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was explicitly marked permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// transientPatterns groups error substrings by category, matched
// case-insensitively against err.Error().
//
// String matching is used because the LLM and embedding provider clients do
// not expose typed errors for transient failures.
var transientPatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// IsTransient reports whether err should trigger a retry. Errors explicitly
// wrapped with [Transient] always qualify; errors wrapped with [Permanent]
// never do; anything else is classified by message pattern.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if IsPermanent(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, group := range transientPatterns {
		for _, pat := range group {
			if strings.Contains(msg, pat) {
				return true
			}
		}
	}
	return false
}

// Do invokes fn up to cfg.MaxAttempts times, sleeping with exponential
// backoff between attempts. It stops early when fn succeeds, when the error
// is not transient, or when ctx is cancelled. The last error is returned
// wrapped with the attempt count.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: cancelled before attempt %d: %w", attempt, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry: cancelled during backoff: %w", ctx.Err())
		case <-time.After(delay):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", cfg.MaxAttempts, lastErr)
}
