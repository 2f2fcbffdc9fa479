package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

var ErrRetryExhausted = errors.New("provider retries exhausted")

// RateLimitError is returned when the provider answered 429 and the limit
// is not worth (or no longer worth) retrying.
type RateLimitError struct {
	Kind       model.RateLimitKind
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit (%s): %s, retry after %s", e.Kind, e.Reason, e.RetryAfter)
}

// Retryable reports whether waiting RetryAfter can help at all.
func (e *RateLimitError) Retryable() bool {
	return e.Kind != model.QuotaExhausted
}

// TransientError is a timeout or connection failure.
type TransientError struct {
	Timeout bool
	Err     error
}

func (e *TransientError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider timeout: %v", e.Err)
	}
	return fmt.Sprintf("provider connection error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is any non-429 error status. It is never retried here.
type PermanentError struct {
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.Status, e.Body)
}
