package simulation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextup/nextup-estimation/internal/history"
	"github.com/nextup/nextup-estimation/internal/scheduler"
	"github.com/nextup/nextup-estimation/internal/store"
)

func TestAdmit_EnqueuesAndTriggersDispatch(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0.99, n: 1})
	ctx := context.Background()

	c := env.admit(t, "deposit")

	assert.Equal(t, StatusQueued, c.Status)
	assert.Equal(t, int64(0), c.QueueLength)
	assert.Equal(t, 2.0, c.EstimatedWait)
	assert.Equal(t, int64(1), env.counter(t, store.QueueLengthKey("deposit")))

	entries, err := env.store.Range(ctx, store.QueueKey("deposit"), -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var queued Client
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &queued))
	assert.Equal(t, c.ID, queued.ID)

	for _, key := range []string{store.ClientKey(c.ID), store.ArrivalTimeKey(c.ID), store.ArrivalTimeKey("deposit")} {
		_, ok, err := env.store.GetValue(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	assert.Equal(t, []scheduledTask{{task: scheduler.DispatchTask("deposit"), delay: 0}}, env.sched.take())
}

func TestAdmit_NoDispatchWhileClientInService(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0.99})
	require.NoError(t, env.store.Set(context.Background(), store.InProgressKey("deposit"), 1))

	env.admit(t, "deposit")
	assert.Empty(t, env.sched.take())
}

func TestAdmit_Abandonment(t *testing.T) {
	// every draw is below the abandonment probability
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0})
	ctx := context.Background()

	first := env.admit(t, "withdrawal")
	require.Equal(t, StatusQueued, first.Status, "an empty queue is never abandoned")
	require.Equal(t, int64(1), env.counter(t, store.QueueLengthKey("withdrawal")))

	gone := env.admit(t, "withdrawal")
	assert.Equal(t, StatusAbandoned, gone.Status)
	assert.Equal(t, int64(1), gone.QueueLength)
	assert.Equal(t, int64(0), env.counter(t, store.QueueLengthKey("withdrawal")))

	waiting, err := env.store.Range(ctx, store.QueueKey("withdrawal"), -1)
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	var queued Client
	require.NoError(t, json.Unmarshal([]byte(waiting[0]), &queued))
	assert.Equal(t, first.ID, queued.ID)

	_, ok, err := env.store.GetValue(ctx, store.ClientKey(gone.ID))
	require.NoError(t, err)
	assert.False(t, ok)

	abandoned := env.recorder.withStatus(history.StatusAbandoned)
	require.Len(t, abandoned, 1)
	assert.Equal(t, gone.ID, abandoned[0].ClientID)

	// serve the remaining client; the abandoned one never completes
	dispatched, err := env.sim.DispatchNext(ctx, "withdrawal")
	require.NoError(t, err)
	require.NotNil(t, dispatched)
	require.NoError(t, env.sim.Complete(ctx, "withdrawal", dispatched.ID))
	require.NoError(t, env.sim.Complete(ctx, "withdrawal", gone.ID))
	for _, rec := range env.recorder.withStatus(history.StatusCompleted) {
		assert.NotEqual(t, gone.ID, rec.ClientID)
	}
	assert.Len(t, env.recorder.withStatus(history.StatusCompleted), 1)
}

func TestAdmit_MalformedQueueLengthCountsAsZero(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0})
	ctx := context.Background()
	require.NoError(t, env.store.SetValue(ctx, store.QueueLengthKey("deposit"), "NaN", 0))

	c := env.admit(t, "deposit")

	assert.Equal(t, StatusQueued, c.Status)
	assert.Equal(t, int64(0), c.QueueLength)
	assert.Equal(t, int64(1), env.counter(t, store.QueueLengthKey("deposit")))
}

func TestAdmit_UnknownServiceType(t *testing.T) {
	env := newTestEnv(t, DefaultConfig(), fixedRand{f: 0.99})

	_, err := env.sim.Admit(context.Background(), "mortgage")
	assert.ErrorIs(t, err, ErrUnknownServiceType)
}

func TestStartArrivalSimulation_IsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AbandonProbability = 0
	cfg.ArrivalTick = time.Millisecond
	cfg.MinArrivalSpacing = time.Millisecond
	for i := range cfg.ServiceTypes {
		cfg.ServiceTypes[i].ArrivalRate = 1
	}
	s := store.NewMemoryStore(nil)
	sim := New(cfg, s, newFakeScheduler(), WithRand(NewRand(3)), WithRecorder(&recordingRecorder{}))

	require.True(t, sim.StartArrivalSimulation())
	assert.False(t, sim.StartArrivalSimulation())
	assert.True(t, sim.Running())

	admitted := func() int64 {
		var total int64
		for _, name := range sim.ServiceTypes() {
			n, _ := s.Len(context.Background(), store.QueueKey(name))
			total += n
		}
		return total
	}
	require.Eventually(t, func() bool { return admitted() >= 3 }, 5*time.Second, 5*time.Millisecond)

	sim.StopArrivalSimulation()
	assert.False(t, sim.Running())
	assert.Equal(t, int64(0), sim.ActiveArrivals())

	stopped := admitted()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, admitted())

	require.True(t, sim.StartArrivalSimulation())
	sim.StopArrivalSimulation()
	sim.StopArrivalSimulation()
}
