// Package pool runs units of remote work under a concurrency cap, applying
// the retry policy and credential rotation to every attempt. A unit holds a
// slot only while an attempt is in flight; a timed-out attempt gives its slot
// back and queues again with a longer deadline.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/retry"
)

// DefaultLimit is the default number of concurrent attempts.
const DefaultLimit = 20

// Kind names the remote operation a unit performs.
type Kind string

// Unit kinds.
const (
	KindList         Kind = "list"
	KindGet          Kind = "get"
	KindCreateFolder Kind = "create-folder"
	KindCopyFile     Kind = "copy-file"
)

// Scope selects whether the concurrency cap is shared by the whole engine
// or applied to each task separately.
type Scope string

// Pool scopes.
const (
	ScopeGlobal Scope = "global"
	ScopeTask   Scope = "task"
)

// Unit is one remote call, retried as a whole. Run must be safe to repeat:
// it is invoked once per attempt with a fresh credential and a context
// carrying that attempt's deadline.
type Unit struct {
	Kind   Kind
	TaskID int64
	Target string // id of the item the unit acts on, for logs
	Name   string // display name, for logs
	// Root marks units that touch the task's root resource; an access
	// failure there retires the credential.
	Root bool
	Run  func(ctx context.Context, cred *credential.Credential) error
}

func (u *Unit) op() string {
	return fmt.Sprintf("%s %s", u.Kind, u.Target)
}

// Config sizes the pool.
type Config struct {
	Limit             int
	Scope             Scope
	Policy            retry.Policy
	RequestsPerSecond float64 // 0 disables the rate cap
}

// Stats are cumulative counters since the pool was created.
type Stats struct {
	InFlight  int64
	Attempts  int64
	Succeeded int64
	Retried   int64
	TimedOut  int64
	Abandoned int64
}

// Pool executes units. Safe for concurrent use.
type Pool struct {
	cfg     Config
	rotator *credential.Rotator
	limiter *rate.Limiter
	logger  *slog.Logger

	global *semaphore.Weighted

	mu      sync.Mutex
	perTask map[int64]*semaphore.Weighted

	inFlight  atomic.Int64
	attempts  atomic.Int64
	succeeded atomic.Int64
	retried   atomic.Int64
	timedOut  atomic.Int64
	abandoned atomic.Int64

	// sleepFunc waits between transient retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a pool drawing credentials from rotator.
func New(cfg Config, rotator *credential.Rotator, logger *slog.Logger) *Pool {
	if cfg.Limit < 1 {
		cfg.Limit = DefaultLimit
	}

	if cfg.Scope == "" {
		cfg.Scope = ScopeGlobal
	}

	p := &Pool{
		cfg:       cfg,
		rotator:   rotator,
		logger:    logger,
		global:    semaphore.NewWeighted(int64(cfg.Limit)),
		perTask:   make(map[int64]*semaphore.Weighted),
		sleepFunc: retry.Sleep,
	}

	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return p
}

// Limit returns the configured concurrency cap.
func (p *Pool) Limit() int {
	return p.cfg.Limit
}

// Do runs u until it succeeds, is abandoned, or ctx is done. An abandoned
// unit returns *retry.AbandonedError; a canceled one returns ctx's error.
func (p *Pool) Do(ctx context.Context, u Unit) error {
	var lastErr error

	// timeouts counts timed-out attempts; only they lengthen the deadline.
	timeouts := 0

	for attempt := range p.cfg.Policy.MaxAttempts {
		if attempt > 0 {
			p.retried.Add(1)
		}

		cred, err := p.attempt(ctx, &u, p.cfg.Policy.Timeout(timeouts))
		if err == nil {
			p.succeeded.Add(1)
			return nil
		}

		lastErr = err

		var pe *panicError
		if errors.As(err, &pe) {
			return p.abandon(&u, attempt+1, err)
		}

		class := retry.Classify(ctx, err)

		p.logger.Debug("attempt failed",
			slog.String("op", string(u.Kind)),
			slog.Int64("task_id", u.TaskID),
			slog.String("target", u.Target),
			slog.String("name", u.Name),
			slog.Int("attempt", attempt+1),
			slog.Duration("timeout", p.cfg.Policy.Timeout(timeouts)),
			slog.String("credential", credName(cred)),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)

		switch class {
		case retry.Canceled:
			if ctx.Err() == nil {
				return p.abandon(&u, attempt+1, err)
			}

			return fmt.Errorf("pool: %s: %w", u.op(), context.Cause(ctx))
		case retry.Permanent:
			return p.abandon(&u, attempt+1, err)
		case retry.Timeout:
			p.timedOut.Add(1)
			timeouts++
		case retry.Credential:
			if p.rotator.Valid() <= 1 {
				// The last credential stays; later units may still succeed.
				return p.abandon(&u, attempt+1, err)
			}

			if cred != nil {
				p.rotator.Invalidate(cred, err.Error())
			}
		case retry.Access:
			if p.rotator.Valid() <= 1 {
				// No other credential could see it either.
				return p.abandon(&u, attempt+1, err)
			}

			if u.Root && cred != nil {
				p.rotator.Invalidate(cred, "cannot access task root: "+err.Error())
			}
		case retry.Transient:
			if sleepErr := p.sleepFunc(ctx, retry.Pause(attempt)); sleepErr != nil {
				return fmt.Errorf("pool: %s: %w", u.op(), sleepErr)
			}
		}
	}

	return p.abandon(&u, p.cfg.Policy.MaxAttempts, lastErr)
}

// attempt acquires a slot, picks a credential, and runs one try of u under
// timeout. The slot is released before returning.
func (p *Pool) attempt(ctx context.Context, u *Unit, timeout time.Duration) (*credential.Credential, error) {
	sem := p.semaphore(u.TaskID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	cred, err := p.rotator.Next()
	if err != nil {
		return nil, err
	}

	p.attempts.Add(1)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return cred, p.safeRun(actx, u, cred)
}

// safeRun recovers a panicking unit so one bad item cannot take down the
// process.
func (p *Pool) safeRun(ctx context.Context, u *Unit, cred *credential.Credential) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool: panic in unit",
				slog.String("op", string(u.Kind)),
				slog.String("target", u.Target),
				slog.Any("panic", r),
			)

			err = &panicError{value: r}
		}
	}()

	return u.Run(ctx, cred)
}

func (p *Pool) abandon(u *Unit, attempts int, err error) error {
	p.abandoned.Add(1)

	p.logger.Warn("unit abandoned",
		slog.String("op", string(u.Kind)),
		slog.Int64("task_id", u.TaskID),
		slog.String("target", u.Target),
		slog.String("name", u.Name),
		slog.Int("attempts", attempts),
		slog.String("error", errString(err)),
	)

	return &retry.AbandonedError{Op: u.op(), Attempts: attempts, Err: err}
}

// semaphore returns the slot pool that governs taskID.
func (p *Pool) semaphore(taskID int64) *semaphore.Weighted {
	if p.cfg.Scope != ScopeTask {
		return p.global
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sem, ok := p.perTask[taskID]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.cfg.Limit))
		p.perTask[taskID] = sem
	}

	return sem
}

// Forget drops the per-task slot pool of a task that no longer runs.
func (p *Pool) Forget(taskID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.perTask, taskID)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		InFlight:  p.inFlight.Load(),
		Attempts:  p.attempts.Load(),
		Succeeded: p.succeeded.Load(),
		Retried:   p.retried.Load(),
		TimedOut:  p.timedOut.Load(),
		Abandoned: p.abandoned.Load(),
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("pool: panic: %v", e.value)
}

func credName(c *credential.Credential) string {
	if c == nil {
		return ""
	}

	return c.Name()
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
