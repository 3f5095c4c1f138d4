package simulation

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/nextup/nextup-estimation/internal/store"
)

// Complete finishes the service of a client: it records the time spent, emits
// the terminal event, frees the service slot and schedules the next dispatch
// after RedispatchDelay. Completing an already terminal client is a no-op.
func (s *Simulation) Complete(ctx context.Context, serviceType, clientID string) error {
	if _, err := s.serviceType(serviceType); err != nil {
		return err
	}
	fields := log.Fields{"serviceType": serviceType, "clientId": clientID}

	client, ok, err := s.loadClient(ctx, clientID)
	if err != nil || !ok {
		// The slot was taken at dispatch, so it is freed even when the record is gone.
		s.releaseSlot(ctx, serviceType)
		s.scheduleDispatch(ctx, serviceType, s.cfg.RedispatchDelay)
		if err != nil {
			return fmt.Errorf("load client %s: %w", clientID, err)
		}
		log.WithFields(fields).Warn("client record missing at completion")
		return nil
	}
	if client.Status.Terminal() {
		log.WithFields(fields).WithField("status", client.Status).Debug("client already terminal")
		return nil
	}

	var timeSpent float64
	if client.ServiceStart != nil {
		timeSpent = s.minutesSince(*client.ServiceStart)
	}
	return s.finish(ctx, client, timeSpent)
}

// finish moves an in-progress client to completed. Once the transition is
// accepted every write runs to the end, even if ctx is cancelled, so the slot
// is always handed back.
func (s *Simulation) finish(ctx context.Context, client *Client, timeSpent float64) error {
	ctx = context.WithoutCancel(ctx)
	serviceType := client.ServiceType
	fields := log.Fields{"serviceType": serviceType, "clientId": client.ID}

	if err := client.transition(StatusCompleted); err != nil {
		s.releaseSlot(ctx, serviceType)
		s.scheduleDispatch(ctx, serviceType, s.cfg.RedispatchDelay)
		return err
	}
	client.TimeSpent = timeSpent

	if err := s.store.PushFrontCapped(ctx, store.ServiceTimesKey(serviceType), formatMinutes(client.TimeSpent), s.cfg.WindowCap); err != nil {
		s.storeWarning("record_service_time", err, fields)
	}
	if err := s.saveClient(ctx, client); err != nil {
		s.storeWarning("save_client", err, fields)
	}
	s.recordTerminal(ctx, client)
	s.releaseSlot(ctx, serviceType)

	s.metrics.Completed(serviceType, client.TimeSpent)
	s.observe(ctx, serviceType)
	log.WithFields(fields).WithField("timeSpent", formatMinutes(client.TimeSpent)).Info("service completed")

	s.scheduleDispatch(ctx, serviceType, s.cfg.RedispatchDelay)
	return nil
}
