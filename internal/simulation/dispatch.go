package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nextup/nextup-estimation/internal/scheduler"
	"github.com/nextup/nextup-estimation/internal/store"
)

// CalculateWaitTime approximates the wait of a new arrival as one sampled base
// service time per client ahead plus its own.
func (s *Simulation) CalculateWaitTime(queueLength float64, serviceType string) float64 {
	st, err := s.serviceType(serviceType)
	if err != nil {
		log.WithError(err).Warn("cannot calculate wait time")
		return 0
	}
	if math.IsNaN(queueLength) || math.IsInf(queueLength, 0) || queueLength < 0 {
		log.WithFields(log.Fields{
			"serviceType": serviceType,
			"queueLength": queueLength,
		}).Warn("invalid queue length for wait time calculation")
		return 0
	}
	base := float64(uniformMinutes(s.rand, st))
	return base*queueLength + base
}

// DispatchNext moves the oldest waiting client into service. It returns nil
// without error when the service type is at its concurrency cap or nobody is
// waiting.
func (s *Simulation) DispatchNext(ctx context.Context, serviceType string) (*Client, error) {
	st, err := s.serviceType(serviceType)
	if err != nil {
		return nil, err
	}
	fields := log.Fields{"serviceType": serviceType}

	// The slot is reserved before popping so concurrent dispatchers can never
	// push in_progress past the cap.
	inProgress, reserved, err := s.store.IncrBelow(ctx, store.InProgressKey(serviceType), s.cfg.MaxInProgress)
	if err != nil {
		return nil, fmt.Errorf("reserve service slot for %s: %w", serviceType, err)
	}
	if !reserved {
		log.WithFields(fields).Debug("concurrency cap reached")
		return nil, nil
	}

	raw, ok, err := s.store.PopBack(ctx, store.QueueKey(serviceType))
	if err != nil {
		s.releaseSlot(ctx, serviceType)
		return nil, fmt.Errorf("pop next client for %s: %w", serviceType, err)
	}
	if !ok {
		s.releaseSlot(ctx, serviceType)
		// An arrival that saw the reserved slot skipped its own dispatch, so
		// look again once the slot is free.
		if waiting, err := s.store.Len(ctx, store.QueueKey(serviceType)); err == nil && waiting > 0 {
			s.scheduleDispatch(ctx, serviceType, 0)
		}
		log.WithFields(fields).Debug("no client waiting")
		return nil, nil
	}

	var client Client
	if err := json.Unmarshal([]byte(raw), &client); err != nil {
		s.releaseSlot(ctx, serviceType)
		s.decrementQueueLength(ctx, serviceType)
		s.scheduleDispatch(ctx, serviceType, s.cfg.RedispatchDelay)
		return nil, fmt.Errorf("dropping malformed queue entry for %s: %w", serviceType, err)
	}

	now := s.clock.Now()
	client.WaitTime = s.minutesSince(s.arrivalTime(ctx, &client))
	if err := client.transition(StatusInProgress); err != nil {
		s.releaseSlot(ctx, serviceType)
		s.decrementQueueLength(ctx, serviceType)
		return nil, err
	}
	client.ServiceStart = &now

	if err := s.store.PushFrontCapped(ctx, store.WaitTimesKey(serviceType), formatMinutes(client.WaitTime), s.cfg.WindowCap); err != nil {
		s.storeWarning("record_wait_time", err, fields)
	}
	s.decrementQueueLength(ctx, serviceType)
	if err := s.saveClient(ctx, &client); err != nil {
		s.storeWarning("save_client", err, log.Fields{"serviceType": serviceType, "clientId": client.ID})
	}

	serviceMinutes := uniformMinutes(s.rand, st)
	delay := time.Duration(serviceMinutes) * s.cfg.MinuteDuration
	if err := s.scheduler.Schedule(ctx, scheduler.CompleteTask(serviceType, client.ID), delay); err != nil {
		// Nothing would ever complete the client, so it is served on the spot
		// with its sampled service time.
		log.WithError(err).WithFields(log.Fields{
			"serviceType":    serviceType,
			"clientId":       client.ID,
			"serviceMinutes": serviceMinutes,
		}).Error("failed to schedule completion, completing inline")
		s.metrics.Dispatched(serviceType, client.WaitTime)
		if err := s.finish(ctx, &client, float64(serviceMinutes)); err != nil {
			return nil, fmt.Errorf("complete %s inline: %w", client.ID, err)
		}
		return &client, nil
	}

	s.metrics.Dispatched(serviceType, client.WaitTime)
	s.observe(ctx, serviceType)
	log.WithFields(log.Fields{
		"serviceType":    serviceType,
		"clientId":       client.ID,
		"waitMinutes":    formatMinutes(client.WaitTime),
		"serviceMinutes": serviceMinutes,
		"inProgress":     inProgress,
	}).Info("service started")
	return &client, nil
}

// arrivalTime prefers the stored arrival timestamp and falls back to the one
// carried by the queue entry.
func (s *Simulation) arrivalTime(ctx context.Context, c *Client) time.Time {
	raw, ok, err := s.store.GetValue(ctx, store.ArrivalTimeKey(c.ID))
	if err != nil || !ok {
		return c.ArrivalTime
	}
	at, err := store.ParseTimestamp(raw)
	if err != nil {
		log.WithError(err).WithField("clientId", c.ID).Warn("ignoring malformed arrival time")
		return c.ArrivalTime
	}
	return at
}

// releaseSlot and decrementQueueLength undo counter writes that already
// succeeded, so they must not be cut short by a cancelled ctx.
func (s *Simulation) releaseSlot(ctx context.Context, serviceType string) {
	ctx = context.WithoutCancel(ctx)
	if _, ok, err := s.store.DecrFloor(ctx, store.InProgressKey(serviceType)); err != nil {
		s.storeWarning("release_slot", err, log.Fields{"serviceType": serviceType})
	} else if !ok {
		log.WithField("serviceType", serviceType).Warn("in-progress count already at 0")
	}
}

func (s *Simulation) decrementQueueLength(ctx context.Context, serviceType string) {
	ctx = context.WithoutCancel(ctx)
	if _, ok, err := s.store.DecrFloor(ctx, store.QueueLengthKey(serviceType)); err != nil {
		s.storeWarning("decrement_queue_length", err, log.Fields{"serviceType": serviceType})
	} else if !ok {
		log.WithField("serviceType", serviceType).Warn("queue length already at 0")
	}
}

func (s *Simulation) scheduleDispatch(ctx context.Context, serviceType string, delay time.Duration) {
	if err := s.scheduler.Schedule(ctx, scheduler.DispatchTask(serviceType), delay); err != nil {
		log.WithError(err).WithField("serviceType", serviceType).Error("failed to schedule dispatch")
	}
}

func formatMinutes(m float64) string {
	return strconv.FormatFloat(m, 'f', 2, 64)
}
