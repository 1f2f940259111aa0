package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/iac"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestExecutor(maxAttempts int) (*Executor, *recordingSleeper) {
	e := NewExecutor(config.RetryConfig{MaxAttempts: maxAttempts, BaseDelay: time.Second, MaxDelay: time.Minute}, logr.Discard())
	s := &recordingSleeper{}
	e.SetSleeper(s.sleep)
	e.SetJitter(func() time.Duration { return 0 })
	return e, s
}

var errThrottled = &iac.ThrottleError{Err: errors.New("429 too many requests")}

func TestExecute_SucceedsFirstTry(t *testing.T) {
	e, s := newTestExecutor(5)
	set := &iac.ArtifactSet{Termination: "success"}

	ex := e.Execute(context.Background(), "unit", func(ctx context.Context) (*iac.ArtifactSet, error) {
		return set, nil
	})
	require.NoError(t, ex.Err)
	assert.Equal(t, StateSucceeded, ex.State)
	assert.Equal(t, 1, ex.Retry.Attempt)
	assert.Same(t, set, ex.Set)
	assert.Empty(t, s.delays)
}

func TestExecute_RetriesThrottleThenSucceeds(t *testing.T) {
	e, s := newTestExecutor(5)
	calls := 0

	ex := e.Execute(context.Background(), "unit", func(ctx context.Context) (*iac.ArtifactSet, error) {
		calls++
		if calls < 3 {
			return nil, errThrottled
		}
		return &iac.ArtifactSet{}, nil
	})
	require.NoError(t, ex.Err)
	assert.Equal(t, StateSucceeded, ex.State)
	assert.Equal(t, 3, ex.Retry.Attempt)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, s.delays)
}

func TestExecute_AttemptBound(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 5} {
		e, s := newTestExecutor(maxAttempts)
		calls := 0

		ex := e.Execute(context.Background(), "unit-x", func(ctx context.Context) (*iac.ArtifactSet, error) {
			calls++
			return nil, errThrottled
		})
		assert.Equal(t, maxAttempts, calls)
		assert.Equal(t, StateFailed, ex.State)
		assert.Len(t, s.delays, maxAttempts-1)

		var execErr *iac.ExecutionError
		require.ErrorAs(t, ex.Err, &execErr)
		assert.Equal(t, "unit-x", execErr.UnitID)
		assert.Equal(t, maxAttempts, execErr.Attempts)
		assert.False(t, execErr.Cancelled)
		assert.True(t, iac.IsThrottle(ex.Err))
	}
}

func TestExecute_BackoffDoubles(t *testing.T) {
	e, s := newTestExecutor(5)
	e.Execute(context.Background(), "unit", func(ctx context.Context) (*iac.ArtifactSet, error) {
		return nil, errThrottled
	})
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, s.delays)
}

func TestExecute_FailsFastOnFatalError(t *testing.T) {
	e, s := newTestExecutor(5)
	calls := 0
	fatal := &iac.FatalServiceError{Err: errors.New("invalid api key")}

	ex := e.Execute(context.Background(), "unit", func(ctx context.Context) (*iac.ArtifactSet, error) {
		calls++
		return nil, fatal
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateFailed, ex.State)
	assert.Empty(t, s.delays)
	assert.ErrorIs(t, ex.Err, fatal)
}

func TestExecute_CancelledWhileBackingOff(t *testing.T) {
	e, _ := newTestExecutor(5)
	ctx, cancel := context.WithCancel(context.Background())
	e.SetSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	ex := e.Execute(ctx, "unit", func(ctx context.Context) (*iac.ArtifactSet, error) {
		return nil, errThrottled
	})
	var execErr *iac.ExecutionError
	require.ErrorAs(t, ex.Err, &execErr)
	assert.True(t, execErr.Cancelled)
	assert.Equal(t, 1, execErr.Attempts)
}

func TestExecute_CancelledDuringAttempt(t *testing.T) {
	e, _ := newTestExecutor(5)
	ctx, cancel := context.WithCancel(context.Background())

	ex := e.Execute(ctx, "unit", func(ctx context.Context) (*iac.ArtifactSet, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var execErr *iac.ExecutionError
	require.ErrorAs(t, ex.Err, &execErr)
	assert.True(t, execErr.Cancelled)
	assert.ErrorIs(t, ex.Err, context.Canceled)
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	e, _ := newTestExecutor(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	ex := e.Execute(ctx, "unit", func(ctx context.Context) (*iac.ArtifactSet, error) {
		called = true
		return nil, nil
	})
	assert.False(t, called)
	assert.Equal(t, StateFailed, ex.State)
	assert.Equal(t, 0, ex.Retry.Attempt)
}

func TestExecutor_DelayCapAndJitter(t *testing.T) {
	e := NewExecutor(config.RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, logr.Discard())
	e.SetJitter(func() time.Duration { return 500 * time.Millisecond })

	assert.Equal(t, 1500*time.Millisecond, e.Delay(0))
	assert.Equal(t, 4500*time.Millisecond, e.Delay(2))
	assert.Equal(t, 5*time.Second, e.Delay(3))
	assert.Equal(t, 5*time.Second, e.Delay(40))

	e.SetJitter(func() time.Duration { return 0 })
	for i := 0; i < 100; i++ {
		assert.LessOrEqual(t, e.Delay(i), 5*time.Second)
	}
}
