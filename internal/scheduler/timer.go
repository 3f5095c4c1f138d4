package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var _ Scheduler = (*TimerScheduler)(nil)

// TimerScheduler runs tasks in-process on clock timers. Pending tasks are lost
// when the process exits.
type TimerScheduler struct {
	clock    clock.WithTickerAndDelayedExecution
	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[uint64]clock.Timer
	nextID   uint64
	closed   bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewTimerScheduler builds a scheduler driven by clk. A nil clk means the
// real clock.
func NewTimerScheduler(clk clock.WithTickerAndDelayedExecution) *TimerScheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		clock:    clk,
		handlers: make(map[string]Handler),
		timers:   make(map[uint64]clock.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (ts *TimerScheduler) Handle(taskType string, h Handler) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.handlers[taskType] = h
}

func (ts *TimerScheduler) Schedule(_ context.Context, task Task, delay time.Duration) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return ErrClosed
	}
	h, ok := ts.handlers[task.Type]
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", task.Type)
	}

	id := ts.nextID
	ts.nextID++
	ts.wg.Add(1)
	// Fake clocks fire callbacks while holding their own lock, so the handler
	// always runs on a fresh goroutine.
	ts.timers[id] = ts.clock.AfterFunc(delay, func() {
		go ts.fire(id, task, h)
	})
	return nil
}

func (ts *TimerScheduler) fire(id uint64, task Task, h Handler) {
	defer ts.wg.Done()
	// mu is held by Schedule until the timer is stored, so the delete below
	// never races the insert.
	ts.mu.Lock()
	delete(ts.timers, id)
	ts.mu.Unlock()

	if err := h(ts.ctx, task); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"task":        task.Type,
			"serviceType": task.ServiceType,
			"clientId":    task.ClientID,
		}).Error("task failed")
	}
}

func (ts *TimerScheduler) Every(interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for task %q", interval, task.Type)
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.closed {
		return ErrClosed
	}
	h, ok := ts.handlers[task.Type]
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", task.Type)
	}

	ticker := ts.clock.NewTicker(interval)
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ts.ctx.Done():
				return
			case <-ticker.C():
				if err := h(ts.ctx, task); err != nil {
					log.WithError(err).WithField("task", task.Type).Error("periodic task failed")
				}
			}
		}
	}()
	return nil
}

func (ts *TimerScheduler) Start() error {
	return nil
}

// Pending returns the number of scheduled tasks that have not fired yet.
func (ts *TimerScheduler) Pending() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}

func (ts *TimerScheduler) Shutdown() {
	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return
	}
	ts.closed = true
	for id, t := range ts.timers {
		if t.Stop() {
			ts.wg.Done()
		}
		delete(ts.timers, id)
	}
	ts.mu.Unlock()

	ts.cancel()
	ts.wg.Wait()
}
