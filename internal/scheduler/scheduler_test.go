package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/llmos/internal/config"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Enabled:      true,
		DeferMinutes: 5,
		DailyBudget:  3,
		MaxRegistry:  100,
		MinInterval:  time.Minute,
	}
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(testConfig(), t.TempDir())
	t.Cleanup(s.Close)
	return s
}

func okTask(id string) Definition {
	return Definition{
		ID:              id,
		Name:            id,
		DefaultInterval: time.Hour,
		Handler: func(context.Context, *Context) (Result, error) {
			return Result{Success: true, Stats: map[string]any{"ran": true}}, nil
		},
	}
}

func TestRunNow_RecordsSuccess(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	s.Register(okTask("ok"))

	result, err := s.RunNow("ok")
	require.NoError(t, err)
	assert.True(t, result.Success)

	view, err := s.Get("ok")
	require.NoError(t, err)
	assert.Equal(t, 1, view.State.RunCount)
	assert.Equal(t, 1, view.State.SuccessCount)
	assert.Zero(t, view.State.ConsecutiveErrors)
	assert.Len(t, view.State.History, 1)
}

func TestRunNow_UnknownTask(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	_, err := s.RunNow("nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestCircuitBreaker_TripsAfterThreeFailures(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	s.Register(Definition{
		ID:              "flaky",
		Name:            "flaky",
		DefaultInterval: time.Hour,
		Handler: func(context.Context, *Context) (Result, error) {
			return Result{}, errors.New("boom")
		},
	})
	require.NoError(t, s.Enable("flaky", 0))

	for range 3 {
		_, err := s.RunNow("flaky")
		require.NoError(t, err) // handler errors are captured, not surfaced
	}

	view, err := s.Get("flaky")
	require.NoError(t, err)
	assert.Equal(t, 3, view.State.ConsecutiveErrors)
	assert.False(t, view.State.Enabled)
	assert.Equal(t, "circuit-breaker", view.State.DisabledReason)
	assert.Equal(t, "boom", view.State.LastError)
}

func TestCircuitBreaker_ResetAndReenable(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	var fail atomic.Bool
	fail.Store(true)
	s.Register(Definition{
		ID:              "recovering",
		Name:            "recovering",
		DefaultInterval: time.Hour,
		Handler: func(context.Context, *Context) (Result, error) {
			if fail.Load() {
				return Result{}, errors.New("boom")
			}
			return Result{Success: true}, nil
		},
	})
	require.NoError(t, s.Enable("recovering", 0))

	for range 3 {
		_, _ = s.RunNow("recovering")
	}

	require.NoError(t, s.ResetCircuitBreaker("recovering"))
	view, _ := s.Get("recovering")
	assert.Empty(t, view.State.DisabledReason)
	assert.Zero(t, view.State.ConsecutiveErrors)

	fail.Store(false)
	require.NoError(t, s.Enable("recovering", 0))
	result, err := s.RunNow("recovering")
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestHandlerPanic_IsCaptured(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	s.Register(Definition{
		ID:              "panicky",
		Name:            "panicky",
		DefaultInterval: time.Hour,
		Handler: func(context.Context, *Context) (Result, error) {
			panic("oops")
		},
	})

	result, err := s.RunNow("panicky")
	require.NoError(t, err)
	assert.Contains(t, result.Error, "panicked")

	view, _ := s.Get("panicky")
	assert.Equal(t, 1, view.State.ErrorCount)
}

func TestConcurrencyLock_SingleHandlerAtATime(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	var active, maxActive int32
	s.Register(Definition{
		ID:              "slow",
		Name:            "slow",
		DefaultInterval: time.Hour,
		Handler: func(context.Context, *Context) (Result, error) {
			cur := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return Result{Success: true}, nil
		},
	})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.RunNow("slow")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive), "handlers must serialize")
}

func TestDailyBudget_TrackedAndClamped(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	s.Register(Definition{
		ID:              "llm",
		Name:            "llm",
		RequiresLLM:     true,
		DefaultInterval: time.Hour,
		Handler: func(_ context.Context, tc *Context) (Result, error) {
			for tc.BudgetRemaining() > 0 {
				tc.TrackLLMCall()
			}
			return Result{Success: true}, nil
		},
	})

	_, err := s.RunNow("llm")
	require.NoError(t, err)

	remaining, err := s.CheckBudget("llm")
	require.NoError(t, err)
	assert.Zero(t, remaining)

	view, _ := s.Get("llm")
	assert.Equal(t, 3, view.State.LLMCallsToday)
	assert.Equal(t, time.Now().Format("2006-01-02"), view.State.LLMCallsDate)
}

func TestHistory_BoundedToTwenty(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	s.Register(okTask("busy"))

	for range 25 {
		_, err := s.RunNow("busy")
		require.NoError(t, err)
	}

	history, err := s.History("busy")
	require.NoError(t, err)
	assert.Len(t, history, 20)
}

func TestEnable_ClampsInterval(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	s.Register(okTask("fast"))
	require.NoError(t, s.Enable("fast", time.Second))

	view, _ := s.Get("fast")
	assert.Equal(t, time.Minute, view.State.Interval)
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	assert.False(t, s.Paused())
	s.Pause()
	assert.True(t, s.Paused())
	s.Resume()
	assert.False(t, s.Paused())
}

func TestStatePersistence_SurvivesRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s1 := New(testConfig(), dir)
	s1.Register(okTask("persisted"))
	require.NoError(t, s1.Enable("persisted", 5*time.Minute))
	_, err := s1.RunNow("persisted")
	require.NoError(t, err)
	s1.Close()

	s2 := New(testConfig(), dir)
	s2.Register(okTask("persisted"))
	defer s2.Close()

	view, err := s2.Get("persisted")
	require.NoError(t, err)
	assert.True(t, view.State.Enabled)
	assert.Equal(t, 1, view.State.RunCount)
	assert.Equal(t, 5*time.Minute, view.State.Interval)
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t)
	s.Register(okTask("a"))
	s.Register(okTask("b"))
	require.NoError(t, s.Enable("a", 0))
	_, err := s.RunNow("a")
	require.NoError(t, err)

	agg := s.Aggregate()
	assert.Equal(t, 2, agg.Tasks)
	assert.Equal(t, 1, agg.Enabled)
	assert.Equal(t, 1, agg.TotalRuns)
	assert.Equal(t, 1, agg.TotalSuccess)
}
