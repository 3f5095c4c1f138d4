package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextup/nextup-estimation/internal/history"
	"github.com/nextup/nextup-estimation/internal/scheduler"
	"github.com/nextup/nextup-estimation/internal/store"
)

func TestInit_NormalisesCountersAndResumesDispatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetInProgressOnStart = true
	env := newTestEnv(t, cfg, fixedRand{f: 0.99})
	ctx := context.Background()

	require.NoError(t, env.store.SetValue(ctx, store.QueueLengthKey("deposit"), "garbage", 0))
	require.NoError(t, env.store.Set(ctx, store.InProgressKey("deposit"), 4))
	require.NoError(t, env.store.Set(ctx, store.QueueLengthKey("withdrawal"), -2))
	_, err := env.store.PushFront(ctx, store.QueueKey("deposit"), `{"id":"left-over"}`)
	require.NoError(t, err)

	require.NoError(t, env.sim.Init(ctx))

	assert.Equal(t, int64(0), env.counter(t, store.QueueLengthKey("deposit")))
	assert.Equal(t, int64(0), env.counter(t, store.InProgressKey("deposit")))
	assert.Equal(t, int64(0), env.counter(t, store.QueueLengthKey("withdrawal")))
	assert.Equal(t, []scheduledTask{{task: scheduler.DispatchTask("deposit"), delay: 0}}, env.sched.take())
}

func TestInit_KeepsInProgressByDefault(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0.99})
	ctx := context.Background()
	require.NoError(t, env.store.Set(ctx, store.InProgressKey("consultation"), 2))

	require.NoError(t, env.sim.Init(ctx))

	assert.Equal(t, int64(2), env.counter(t, store.InProgressKey("consultation")))
}

func TestQueueStatus(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0.99})
	ctx := context.Background()

	env.admit(t, "deposit")
	env.admit(t, "deposit")
	_, err := env.sim.DispatchNext(ctx, "deposit")
	require.NoError(t, err)

	status, err := env.sim.QueueStatus(ctx, "deposit")
	require.NoError(t, err)
	assert.Equal(t, &QueueStatus{
		ServiceType: "deposit",
		QueueLength: 1,
		InProgress:  1,
		Waiting:     1,
	}, status)

	_, err = env.sim.QueueStatus(ctx, "mortgage")
	assert.ErrorIs(t, err, ErrUnknownServiceType)
}

func TestReset_RemovesClientsAndCounters(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0.99})
	ctx := context.Background()

	a := env.admit(t, "consultation")
	b := env.admit(t, "consultation")
	require.NoError(t, env.store.PushFrontCapped(ctx, store.WaitTimesKey("consultation"), "4.00", 10))

	removed, err := env.sim.Reset(ctx, "consultation")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, key := range []string{store.ClientKey(a.ID), store.ClientKey(b.ID), store.ArrivalTimeKey(a.ID), store.ArrivalTimeKey("consultation")} {
		_, ok, err := env.store.GetValue(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
	length, err := env.sim.QueueLength(ctx, "consultation")
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
	waits, err := env.store.Len(ctx, store.WaitTimesKey("consultation"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), waits)
}

func TestReset_KeepsServiceSlotsOfClientsInService(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInProgress = 2
	env := newTestEnv(t, cfg, fixedRand{f: 0.99})
	ctx := context.Background()

	var serving []*Client
	for i := 0; i < 2; i++ {
		env.admit(t, "deposit")
		c, err := env.sim.DispatchNext(ctx, "deposit")
		require.NoError(t, err)
		require.NotNil(t, c)
		serving = append(serving, c)
	}
	env.admit(t, "deposit")

	removed, err := env.sim.Reset(ctx, "deposit")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(2), env.counter(t, store.InProgressKey("deposit")))

	// New arrivals wait until the clients already in service complete.
	for i := 0; i < 2; i++ {
		env.admit(t, "deposit")
		c, err := env.sim.DispatchNext(ctx, "deposit")
		require.NoError(t, err)
		assert.Nil(t, c)
	}
	assert.Equal(t, int64(2), env.counter(t, store.InProgressKey("deposit")))

	require.NoError(t, env.sim.Complete(ctx, "deposit", serving[0].ID))
	assert.Equal(t, int64(1), env.counter(t, store.InProgressKey("deposit")))
	c, err := env.sim.DispatchNext(ctx, "deposit")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(2), env.counter(t, store.InProgressKey("deposit")))
}

type stubReporter struct {
	report *history.Report
}

func (r stubReporter) Report(context.Context, string) (*history.Report, error) {
	return r.report, nil
}

func (r stubReporter) Recent(context.Context, string, uint) ([]history.Record, error) {
	return nil, nil
}

func TestOptimizeQueueLength(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0.99})
	ctx := context.Background()
	require.NoError(t, env.store.Set(ctx, store.QueueLengthKey("deposit"), 3))

	changed, err := env.sim.OptimizeQueueLength(ctx, stubReporter{}, "deposit")
	require.NoError(t, err)
	assert.False(t, changed)

	healthy := stubReporter{report: &history.Report{CompletedClients: 50, AbandonedClients: 5}}
	changed, err = env.sim.OptimizeQueueLength(ctx, healthy, "deposit")
	require.NoError(t, err)
	assert.False(t, changed)

	abandoning := stubReporter{report: &history.Report{CompletedClients: 50, AbandonedClients: 6}}
	changed, err = env.sim.OptimizeQueueLength(ctx, abandoning, "deposit")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(2), env.counter(t, store.QueueLengthKey("deposit")))
}

func TestScheduleOptimization(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0.99})
	ctx := context.Background()

	require.NoError(t, env.sim.ScheduleOptimization())
	assert.Empty(t, env.sched.periodic, "nothing to optimise without a reporter")

	abandoning := stubReporter{report: &history.Report{CompletedClients: 1, AbandonedClients: 1}}
	sim := New(DefaultConfig(), env.store, env.sched, WithClock(env.clock), WithReporter(abandoning))
	require.NoError(t, sim.ScheduleOptimization())
	require.Equal(t, []scheduledTask{{task: scheduler.OptimizeTask(), delay: time.Minute}}, env.sched.periodic)

	require.NoError(t, env.store.Set(ctx, store.QueueLengthKey("deposit"), 2))
	require.NoError(t, env.sched.run(ctx, scheduler.OptimizeTask()))
	assert.Equal(t, int64(1), env.counter(t, store.QueueLengthKey("deposit")))
	assert.Equal(t, int64(0), env.counter(t, store.QueueLengthKey("withdrawal")))
}

func TestSimulation_ServesEveryClientWithTimerScheduler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInProgress = 2
	cfg.MinuteDuration = 5 * time.Millisecond
	cfg.RedispatchDelay = time.Millisecond
	cfg.AbandonProbability = 0

	ts := scheduler.NewTimerScheduler(nil)
	t.Cleanup(ts.Shutdown)
	rec := &recordingRecorder{}
	s := store.NewMemoryStore(nil)
	sim := New(cfg, s, ts, WithRand(NewRand(11)), WithRecorder(rec))
	require.NoError(t, ts.Start())
	ctx := context.Background()

	const clients = 6
	var ids []string
	for i := 0; i < clients; i++ {
		c, err := sim.Admit(ctx, "deposit")
		require.NoError(t, err)
		require.Equal(t, StatusQueued, c.Status)
		ids = append(ids, c.ID)
	}

	require.Eventually(t, func() bool {
		return len(rec.withStatus(history.StatusCompleted)) == len(ids)
	}, 10*time.Second, 10*time.Millisecond)

	var completed []string
	for _, r := range rec.withStatus(history.StatusCompleted) {
		completed = append(completed, r.ClientID)
	}
	assert.ElementsMatch(t, ids, completed)

	status, err := sim.QueueStatus(ctx, "deposit")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.InProgress)
	assert.Equal(t, int64(0), status.Waiting)

	assert.True(t, sim.Estimator().CombinedEstimate(ctx, "deposit").Available)
}
