// Package retry holds the escalating-timeout policy applied to every remote
// call: per-attempt timeouts that double up to a ceiling, an attempt budget,
// a jittered pause for throttling, and the classification of failures into
// what the caller should do next.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/gdrive"
)

// Defaults for the timeout schedule and attempt budget.
const (
	DefaultBaseTimeout = 7 * time.Second
	DefaultMaxTimeout  = 60 * time.Second
	DefaultMaxAttempts = 7

	basePause      = 1 * time.Second
	maxPause       = 32 * time.Second
	pauseFactor    = 2.0
	jitterFraction = 0.25
)

// Policy is the timeout schedule and attempt budget for one unit of work.
type Policy struct {
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
	MaxAttempts int
}

// DefaultPolicy returns 7s doubling to a 60s plateau, 7 attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseTimeout: DefaultBaseTimeout,
		MaxTimeout:  DefaultMaxTimeout,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate rejects schedules that could never make progress.
func (p Policy) Validate() error {
	var errs []error

	if p.BaseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("retry: base timeout must be positive, got %s", p.BaseTimeout))
	}

	if p.MaxTimeout < p.BaseTimeout {
		errs = append(errs, fmt.Errorf("retry: max timeout %s is below base timeout %s", p.MaxTimeout, p.BaseTimeout))
	}

	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts))
	}

	return errors.Join(errs...)
}

// Timeout returns the deadline for the given zero-based attempt:
// min(base * 2^attempt, max).
func (p Policy) Timeout(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.BaseTimeout) * math.Pow(2, float64(attempt))
	if d > float64(p.MaxTimeout) {
		return p.MaxTimeout
	}

	return time.Duration(d)
}

// Pause returns the wait before retrying a throttled or failed attempt:
// exponential from one second, capped, with ±25% jitter.
func Pause(attempt int) time.Duration {
	backoff := float64(basePause) * math.Pow(pauseFactor, float64(attempt))
	if backoff > float64(maxPause) {
		backoff = float64(maxPause)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Class tells the caller how to react to a failed attempt.
type Class int

// Failure classes.
const (
	// Transient failures (5xx, 429, network) are retried after a pause.
	Transient Class = iota
	// Timeout means the attempt ran out of time; retry with a longer one.
	Timeout
	// Credential means the credential is exhausted or revoked; retire it
	// and retry with another.
	Credential
	// Access means the credential cannot see the resource (403/404);
	// rotate and retry while other credentials remain.
	Access
	// Permanent failures are not retried.
	Permanent
	// Canceled means the caller gave up; stop without recording a failure.
	Canceled
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Timeout:
		return "timeout"
	case Credential:
		return "credential"
	case Access:
		return "access"
	case Permanent:
		return "permanent"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Classify maps the error of one attempt to a Class. parent is the context
// the unit runs under (not the per-attempt one): when it is done, the
// failure is a cancellation regardless of err.
func Classify(parent context.Context, err error) Class {
	if parent.Err() != nil {
		return Canceled
	}

	var netErr net.Error

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, credential.ErrNoCredentials):
		return Permanent
	case errors.Is(err, gdrive.ErrUnauthorized),
		errors.Is(err, gdrive.ErrQuotaExceeded),
		gdrive.IsTokenError(err):
		return Credential
	case errors.Is(err, gdrive.ErrForbidden),
		errors.Is(err, gdrive.ErrNotFound):
		return Access
	case errors.Is(err, gdrive.ErrBadRequest):
		return Permanent
	case errors.Is(err, gdrive.ErrThrottled),
		errors.Is(err, gdrive.ErrServerError):
		return Transient
	case errors.As(err, &netErr) && netErr.Timeout():
		return Timeout
	default:
		return Transient
	}
}

// AbandonedError reports a unit that exhausted its retries or hit a
// permanent failure.
type AbandonedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("retry: %s abandoned after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *AbandonedError) Unwrap() error {
	return e.Err
}
