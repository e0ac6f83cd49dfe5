package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/gdrive"
)

func TestPolicy_TimeoutSchedule(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()

	want := []time.Duration{
		7 * time.Second,
		14 * time.Second,
		28 * time.Second,
		56 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	for attempt, w := range want {
		assert.Equal(t, w, p.Timeout(attempt), "attempt %d", attempt)
	}

	assert.Equal(t, 7*time.Second, p.Timeout(-1))
	assert.Equal(t, 60*time.Second, p.Timeout(500))
}

func TestPolicy_TimeoutNeverDecreases(t *testing.T) {
	t.Parallel()

	p := Policy{BaseTimeout: 300 * time.Millisecond, MaxTimeout: 5 * time.Second, MaxAttempts: 20}

	prev := time.Duration(0)
	for attempt := range 20 {
		d := p.Timeout(attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxTimeout)
		prev = d
	}
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultPolicy().Validate())

	err := Policy{BaseTimeout: 0, MaxTimeout: -1, MaxAttempts: 0}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base timeout")
	assert.Contains(t, err.Error(), "max timeout")
	assert.Contains(t, err.Error(), "max attempts")
}

func TestPause_JitterBounds(t *testing.T) {
	t.Parallel()

	for attempt := range 10 {
		base := float64(time.Second) * float64(int(1)<<attempt)
		if base > float64(maxPause) {
			base = float64(maxPause)
		}

		for range 20 {
			d := Pause(attempt)
			assert.GreaterOrEqual(t, float64(d), base*0.75)
			assert.LessOrEqual(t, float64(d), base*1.25)
		}
	}
}

func TestSleep_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func apiErr(status int, sentinel error) error {
	return fmt.Errorf("gdrive: op: %w", &gdrive.APIError{StatusCode: status, Err: sentinel})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), Timeout},
		{"net timeout", timeoutErr{}, Timeout},
		{"unauthorized", apiErr(401, gdrive.ErrUnauthorized), Credential},
		{"quota", apiErr(403, gdrive.ErrQuotaExceeded), Credential},
		{"token", fmt.Errorf("x: %w", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}), Credential},
		{"forbidden", apiErr(403, gdrive.ErrForbidden), Access},
		{"not found", apiErr(404, gdrive.ErrNotFound), Access},
		{"bad request", apiErr(400, gdrive.ErrBadRequest), Permanent},
		{"throttled", apiErr(429, gdrive.ErrThrottled), Transient},
		{"server", apiErr(503, gdrive.ErrServerError), Transient},
		{"no credentials", credential.ErrNoCredentials, Permanent},
		{"unknown", errors.New("connection reset by peer"), Transient},
		{"canceled", context.Canceled, Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Classify(context.Background(), tt.err))
		})
	}
}

func TestClassify_ParentDoneWins(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, Canceled, Classify(ctx, context.DeadlineExceeded))
	assert.Equal(t, "canceled", Canceled.String())
}

func TestAbandonedError(t *testing.T) {
	t.Parallel()

	err := &AbandonedError{Op: "copy f1", Attempts: 7, Err: gdrive.ErrServerError}

	assert.ErrorIs(t, err, gdrive.ErrServerError)
	assert.Contains(t, err.Error(), "copy f1 abandoned after 7 attempt(s)")
}
