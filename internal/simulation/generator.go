package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nextup/nextup-estimation/internal/store"
)

// StartArrivalSimulation starts the arrival generator. It returns false when
// the generator is already running.
func (s *Simulation) StartArrivalSimulation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopGenerator != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopGenerator = cancel
	s.generatorDone = done
	go s.generate(ctx, done)

	log.WithField("serviceTypes", s.names).Info("arrival simulation started")
	return true
}

// StopArrivalSimulation stops the generator and waits for in-flight arrivals.
// Clients already admitted keep being served by the scheduler.
func (s *Simulation) StopArrivalSimulation() {
	s.mu.Lock()
	cancel, done := s.stopGenerator, s.generatorDone
	s.stopGenerator, s.generatorDone = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("arrival simulation stopped")
}

func (s *Simulation) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopGenerator != nil
}

// ActiveArrivals is the number of admission attempts currently in flight.
func (s *Simulation) ActiveArrivals() int64 {
	return s.arrivals.ActiveClients()
}

func (s *Simulation) generate(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := s.arrivals.AcquireArrival(ctx); err != nil {
			return
		}
		st := s.cfg.ServiceTypes[s.rand.Intn(len(s.cfg.ServiceTypes))]

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.arrivals.ReleaseArrival()
			s.arrive(ctx, st)
		}()
	}
}

// arrive waits a Poisson distributed number of ticks, respects the minimum
// spacing between arrivals and then admits one client.
func (s *Simulation) arrive(ctx context.Context, st ServiceType) {
	delay := time.Duration(Poisson(s.rand, st.ArrivalRate)) * s.cfg.ArrivalTick
	if delay > 0 {
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
	if _, err := s.arrivals.ReserveArrival(ctx); err != nil {
		return
	}
	if _, err := s.Admit(ctx, st.Name); err != nil {
		log.WithError(err).WithField("serviceType", st.Name).Error("admission failed")
	}
}

// Admit handles one arrival. With AbandonProbability, and only when clients
// are already waiting, the arrival abandons: the queue length drops by one and
// nothing is enqueued. Otherwise the client joins the back of the FIFO and a
// dispatch is triggered if nobody is in service.
func (s *Simulation) Admit(ctx context.Context, serviceType string) (*Client, error) {
	if _, err := s.serviceType(serviceType); err != nil {
		return nil, err
	}
	lengthKey := store.QueueLengthKey(serviceType)
	fields := log.Fields{"serviceType": serviceType}

	queueLength, err := s.store.Get(ctx, lengthKey)
	if errors.Is(err, store.ErrMalformed) {
		log.WithFields(fields).Warn("queue length is malformed, resetting to 0")
		queueLength = 0
		if err := s.store.Set(ctx, lengthKey, 0); err != nil {
			return nil, fmt.Errorf("reset queue length of %s: %w", serviceType, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read queue length of %s: %w", serviceType, err)
	}

	now := s.clock.Now()
	client := newClient(uuid.NewString(), serviceType, now, queueLength)
	fields["clientId"] = client.ID

	if queueLength > 0 && s.rand.Float64() < s.cfg.AbandonProbability {
		if err := client.transition(StatusAbandoned); err != nil {
			return nil, err
		}
		s.decrementQueueLength(ctx, serviceType)
		s.recordTerminal(ctx, client)
		s.metrics.Abandoned(serviceType)
		s.observe(ctx, serviceType)
		log.WithFields(fields).Info("client abandoned")
		return client, nil
	}

	client.EstimatedWait = s.CalculateWaitTime(float64(queueLength), serviceType)
	if err := s.enqueue(ctx, client); err != nil {
		return nil, err
	}
	s.metrics.Arrival(serviceType)
	s.observe(ctx, serviceType)
	log.WithFields(fields).WithField("estimatedWait", client.EstimatedWait).Info("client arrived")

	inProgress, err := s.store.Get(ctx, store.InProgressKey(serviceType))
	if err != nil && !errors.Is(err, store.ErrMalformed) {
		s.storeWarning("read_in_progress", err, fields)
		return client, nil
	}
	if inProgress <= 0 {
		s.scheduleDispatch(ctx, serviceType, 0)
	}
	return client, nil
}

func (s *Simulation) enqueue(ctx context.Context, c *Client) error {
	lengthKey := store.QueueLengthKey(c.ServiceType)
	if _, err := s.store.Incr(ctx, lengthKey); err != nil {
		return fmt.Errorf("increment queue length of %s: %w", c.ServiceType, err)
	}

	data, err := json.Marshal(c)
	if err != nil {
		s.decrementQueueLength(ctx, c.ServiceType)
		return err
	}
	fields := log.Fields{"serviceType": c.ServiceType, "clientId": c.ID}
	if err := s.store.SetValue(ctx, store.ClientKey(c.ID), string(data), s.cfg.ClientTTL); err != nil {
		s.storeWarning("save_client", err, fields)
	}
	arrival := store.FormatTimestamp(c.ArrivalTime)
	if err := s.store.SetValue(ctx, store.ArrivalTimeKey(c.ID), arrival, s.cfg.ClientTTL); err != nil {
		s.storeWarning("save_arrival_time", err, fields)
	}
	if err := s.store.SetValue(ctx, store.ArrivalTimeKey(c.ServiceType), arrival, 0); err != nil {
		s.storeWarning("save_arrival_time", err, fields)
	}

	if _, err := s.store.PushFront(ctx, store.QueueKey(c.ServiceType), string(data)); err != nil {
		s.decrementQueueLength(ctx, c.ServiceType)
		return fmt.Errorf("enqueue client %s: %w", c.ID, err)
	}
	return nil
}
