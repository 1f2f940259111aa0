package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/iac"
)

var tracer = otel.Tracer("iacgen/orchestrator")

// State is a step of the executor state machine.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateThrottled State = "throttled"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempt runs one try of a unit.
type Attempt func(ctx context.Context) (*iac.ArtifactSet, error)

// Execution is the outcome of Execute. Err is an *iac.ExecutionError when
// State is StateFailed.
type Execution struct {
	Set   *iac.ArtifactSet
	State State
	Retry iac.RetryState
	Err   error
}

// Executor retries an attempt while the generative service throttles and
// fails fast on anything else.
type Executor struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       Sleeper
	jitter      func() time.Duration
	log         logr.Logger
}

func NewExecutor(cfg config.RetryConfig, log logr.Logger) *Executor {
	return &Executor{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		sleep:       SleepContext,
		jitter:      func() time.Duration { return time.Duration(rand.Int63n(int64(time.Second))) },
		log:         log.WithName("executor"),
	}
}

// SetSleeper replaces the wait between attempts.
func (e *Executor) SetSleeper(s Sleeper) {
	e.sleep = s
}

// SetJitter replaces the random part of the backoff.
func (e *Executor) SetJitter(j func() time.Duration) {
	e.jitter = j
}

// Delay returns the wait after the given zero-based attempt was throttled:
// base*2^attempt plus jitter, capped at the configured maximum.
func (e *Executor) Delay(attempt int) time.Duration {
	d := e.baseDelay
	for i := 0; i < attempt && d < e.maxDelay; i++ {
		d *= 2
	}
	if e.jitter != nil {
		d += e.jitter()
	}
	if e.maxDelay > 0 && d > e.maxDelay {
		d = e.maxDelay
	}
	return d
}

// Execute drives fn through the state machine. It makes at most maxAttempts
// attempts and honors ctx cancellation both during an attempt and while
// backing off.
func (e *Executor) Execute(ctx context.Context, unitID string, fn Attempt) Execution {
	ctx, span := tracer.Start(ctx, "executor.execute")
	defer span.End()
	span.SetAttributes(attribute.String("executor.unit", unitID))

	log := e.log.WithValues("unit", unitID)
	ex := Execution{State: StatePending, Retry: iac.RetryState{MaxAttempts: e.maxAttempts}}

	fail := func(err error, cancelled bool, reason string) Execution {
		ex.State = StateFailed
		ex.Retry.LastError = err
		ex.Err = &iac.ExecutionError{UnitID: unitID, Attempts: ex.Retry.Attempt, Cancelled: cancelled, Err: err}
		span.RecordError(ex.Err)
		span.SetStatus(codes.Error, reason)
		span.SetAttributes(attribute.Int("executor.attempts", ex.Retry.Attempt))
		RecordExecutorOutcome(ex.State, reason)
		return ex
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err, true, "cancelled")
		}

		ex.State = StateRunning
		ex.Retry.Attempt++
		set, err := fn(ctx)
		if err == nil {
			ex.State = StateSucceeded
			ex.Set = set
			span.SetAttributes(attribute.Int("executor.attempts", ex.Retry.Attempt))
			RecordExecutorOutcome(ex.State, "none")
			return ex
		}
		ex.Set = set

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return fail(err, true, "cancelled")
		}
		if !iac.IsThrottle(err) {
			log.Info("Unit failed", "attempt", ex.Retry.Attempt, "error", err.Error())
			return fail(err, false, "fatal")
		}

		ex.State = StateThrottled
		ex.Retry.LastError = err
		if ex.Retry.Attempt >= e.maxAttempts {
			log.Info("Giving up after repeated throttling", "attempts", ex.Retry.Attempt)
			return fail(err, false, "exhausted")
		}

		delay := e.Delay(ex.Retry.Attempt - 1)
		RecordRetry()
		span.AddEvent("throttled")
		log.Info("Generative service throttled, backing off", "attempt", ex.Retry.Attempt, "delay", delay.String())
		if err := e.sleep(ctx, delay); err != nil {
			return fail(err, true, "cancelled")
		}
	}
}
