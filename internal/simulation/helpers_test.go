package simulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/nextup/nextup-estimation/internal/history"
	"github.com/nextup/nextup-estimation/internal/scheduler"
	"github.com/nextup/nextup-estimation/internal/store"
)

var testStart = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type scheduledTask struct {
	task  scheduler.Task
	delay time.Duration
}

// fakeScheduler records scheduled tasks instead of running them.
type fakeScheduler struct {
	mu       sync.Mutex
	handlers map[string]scheduler.Handler
	tasks    []scheduledTask
	periodic []scheduledTask
	failures map[string]error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{handlers: make(map[string]scheduler.Handler)}
}

func (f *fakeScheduler) Handle(taskType string, h scheduler.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[taskType] = h
}

func (f *fakeScheduler) Schedule(_ context.Context, task scheduler.Task, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[task.Type]; err != nil {
		return err
	}
	f.tasks = append(f.tasks, scheduledTask{task: task, delay: delay})
	return nil
}

func (f *fakeScheduler) Every(interval time.Duration, task scheduler.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periodic = append(f.periodic, scheduledTask{task: task, delay: interval})
	return nil
}

func (f *fakeScheduler) Start() error { return nil }

// run invokes the registered handler for task synchronously.
func (f *fakeScheduler) run(ctx context.Context, task scheduler.Task) error {
	f.mu.Lock()
	h := f.handlers[task.Type]
	f.mu.Unlock()
	return h(ctx, task)
}

func (f *fakeScheduler) Shutdown() {}

// failOn makes every later Schedule of taskType return err.
func (f *fakeScheduler) failOn(taskType string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[string]error)
	}
	f.failures[taskType] = err
}

// cancelAwareStore fails queue and counter writes once their context is
// cancelled, the way a network backed store does.
type cancelAwareStore struct {
	*store.MemoryStore
}

func (s cancelAwareStore) DecrFloor(ctx context.Context, key string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	return s.MemoryStore.DecrFloor(ctx, key)
}

func (s cancelAwareStore) PushFront(ctx context.Context, key, value string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.MemoryStore.PushFront(ctx, key, value)
}

// take returns the tasks scheduled so far and forgets them.
func (f *fakeScheduler) take() []scheduledTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	tasks := f.tasks
	f.tasks = nil
	return tasks
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []history.Record
}

func (r *recordingRecorder) Record(_ context.Context, rec history.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingRecorder) all() []history.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Record(nil), r.records...)
}

func (r *recordingRecorder) withStatus(status string) []history.Record {
	var out []history.Record
	for _, rec := range r.all() {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

// fixedRand always returns the same draws.
type fixedRand struct {
	f float64
	n int
}

func (r fixedRand) Float64() float64 { return r.f }

func (r fixedRand) Intn(n int) int {
	if r.n >= n {
		return n - 1
	}
	return r.n
}

type testEnv struct {
	sim      *Simulation
	store    *store.MemoryStore
	sched    *fakeScheduler
	clock    *clocktesting.FakeClock
	recorder *recordingRecorder
}

func newTestEnv(t *testing.T, cfg Config, r Rand) *testEnv {
	t.Helper()
	clk := clocktesting.NewFakeClock(testStart)
	env := &testEnv{
		store:    store.NewMemoryStore(clk),
		sched:    newFakeScheduler(),
		clock:    clk,
		recorder: &recordingRecorder{},
	}
	env.sim = New(cfg, env.store, env.sched, WithClock(clk), WithRand(r), WithRecorder(env.recorder))
	return env
}

func (e *testEnv) counter(t *testing.T, key string) int64 {
	t.Helper()
	v, err := e.store.Get(context.Background(), key)
	require.NoError(t, err)
	return v
}

func (e *testEnv) admit(t *testing.T, serviceType string) *Client {
	t.Helper()
	c, err := e.sim.Admit(context.Background(), serviceType)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}
