package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var testStart = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func TestTimerScheduler_RunsTaskAfterDelay(t *testing.T) {
	clk := clocktesting.NewFakeClock(testStart)
	ts := NewTimerScheduler(clk)
	defer ts.Shutdown()

	got := make(chan Task, 1)
	ts.Handle(TypeComplete, func(_ context.Context, task Task) error {
		got <- task
		return nil
	})

	require.NoError(t, ts.Schedule(context.Background(), CompleteTask("deposit", "c1"), 20*time.Second))
	assert.Equal(t, 1, ts.Pending())

	clk.Step(19 * time.Second)
	assert.Equal(t, 1, ts.Pending())
	select {
	case <-got:
		t.Fatal("task ran before its delay")
	default:
	}

	clk.Step(time.Second)
	select {
	case task := <-got:
		assert.Equal(t, CompleteTask("deposit", "c1"), task)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	require.Eventually(t, func() bool { return ts.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestTimerScheduler_UnknownTaskType(t *testing.T) {
	ts := NewTimerScheduler(nil)
	defer ts.Shutdown()

	err := ts.Schedule(context.Background(), DispatchTask("deposit"), 0)
	assert.Error(t, err)
}

func TestTimerScheduler_HandlerCanRescheduleItself(t *testing.T) {
	ts := NewTimerScheduler(nil)
	defer ts.Shutdown()

	var mu sync.Mutex
	runs := 0
	done := make(chan struct{})
	ts.Handle(TypeDispatch, func(ctx context.Context, task Task) error {
		mu.Lock()
		runs++
		n := runs
		mu.Unlock()
		if n == 100 {
			close(done)
			return nil
		}
		return ts.Schedule(ctx, task, 0)
	})

	require.NoError(t, ts.Schedule(context.Background(), DispatchTask("deposit"), 0))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not reach 100 runs")
	}
}

func TestTimerScheduler_ShutdownDropsPendingTasks(t *testing.T) {
	ts := NewTimerScheduler(clocktesting.NewFakeClock(testStart))

	ran := make(chan struct{}, 1)
	ts.Handle(TypeDispatch, func(context.Context, Task) error {
		ran <- struct{}{}
		return nil
	})
	require.NoError(t, ts.Schedule(context.Background(), DispatchTask("deposit"), time.Hour))
	assert.Equal(t, 1, ts.Pending())

	ts.Shutdown()

	assert.Equal(t, 0, ts.Pending())
	assert.ErrorIs(t, ts.Schedule(context.Background(), DispatchTask("deposit"), 0), ErrClosed)
	select {
	case <-ran:
		t.Fatal("pending task ran after shutdown")
	default:
	}
}

func TestTimerScheduler_EveryRunsUntilShutdown(t *testing.T) {
	clk := clocktesting.NewFakeClock(testStart)
	ts := NewTimerScheduler(clk)

	var mu sync.Mutex
	runs := 0
	ts.Handle(TypeOptimize, func(context.Context, Task) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	})
	countRuns := func() int {
		mu.Lock()
		defer mu.Unlock()
		return runs
	}

	require.NoError(t, ts.Every(time.Minute, OptimizeTask()))
	assert.Error(t, ts.Every(0, OptimizeTask()))

	clk.Step(59 * time.Second)
	assert.Never(t, func() bool { return countRuns() > 0 }, 20*time.Millisecond, time.Millisecond)

	for i := 1; i <= 3; i++ {
		clk.Step(time.Minute)
		want := i
		require.Eventually(t, func() bool { return countRuns() == want }, 2*time.Second, time.Millisecond)
	}

	ts.Shutdown()
	clk.Step(time.Minute)
	assert.Never(t, func() bool { return countRuns() != 3 }, 20*time.Millisecond, time.Millisecond)
	assert.ErrorIs(t, ts.Every(time.Second, OptimizeTask()), ErrClosed)
}
