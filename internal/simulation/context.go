package simulation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// SimulationContext owns the arrival generator's shared state: the cap on
// in-flight admission attempts and the time of the last arrival. Each
// Simulation has its own, so independent simulations never interfere.
type SimulationContext struct {
	clock      clock.Clock
	minSpacing time.Duration
	slots      *semaphore.Weighted
	active     atomic.Int64

	mu          sync.Mutex
	lastArrival time.Time
}

func NewSimulationContext(clk clock.Clock, maxActive int64, minSpacing time.Duration) *SimulationContext {
	if maxActive < 1 {
		maxActive = 1
	}
	return &SimulationContext{
		clock:      clk,
		minSpacing: minSpacing,
		slots:      semaphore.NewWeighted(maxActive),
	}
}

// AcquireArrival blocks until fewer than maxActive admission attempts are in
// flight or ctx is done.
func (sc *SimulationContext) AcquireArrival(ctx context.Context) error {
	if err := sc.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	sc.active.Add(1)
	return nil
}

func (sc *SimulationContext) ReleaseArrival() {
	sc.active.Add(-1)
	sc.slots.Release(1)
}

func (sc *SimulationContext) ActiveClients() int64 {
	return sc.active.Load()
}

// ReserveArrival claims the next arrival time, at least minSpacing after the
// previously claimed one, and sleeps until it is reached.
func (sc *SimulationContext) ReserveArrival(ctx context.Context) (time.Time, error) {
	sc.mu.Lock()
	now := sc.clock.Now()
	at := now
	if !sc.lastArrival.IsZero() {
		if earliest := sc.lastArrival.Add(sc.minSpacing); earliest.After(at) {
			at = earliest
		}
	}
	sc.lastArrival = at
	sc.mu.Unlock()

	if wait := at.Sub(now); wait > 0 {
		select {
		case <-sc.clock.After(wait):
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		}
	}
	return at, nil
}
