// Package simulation generates synthetic client arrivals, serves them FIFO
// under a per service type concurrency cap and records the observed wait and
// service times that feed the estimator.
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/nextup/nextup-estimation/internal/estimation"
	"github.com/nextup/nextup-estimation/internal/history"
	"github.com/nextup/nextup-estimation/internal/metrics"
	"github.com/nextup/nextup-estimation/internal/scheduler"
	"github.com/nextup/nextup-estimation/internal/store"
)

var ErrUnknownServiceType = errors.New("unknown service type")

type Config struct {
	ServiceTypes []ServiceType `validate:"required,min=1,dive"`
	// MaxConcurrentArrivals caps in-flight admission attempts across all types.
	MaxConcurrentArrivals int64 `validate:"gte=1"`
	// MaxInProgress caps clients in service per service type.
	MaxInProgress int64 `validate:"gte=1"`
	// WindowCap is the length the wait and service time windows are trimmed to.
	WindowCap          int64   `validate:"gte=1"`
	AbandonProbability float64 `validate:"gte=0,lte=1"`
	// ArrivalTick scales a Poisson draw into an inter-arrival delay.
	ArrivalTick       time.Duration `validate:"gt=0"`
	MinArrivalSpacing time.Duration `validate:"gte=0"`
	RedispatchDelay   time.Duration `validate:"gte=0"`
	// MinuteDuration is the wall-clock length of one simulated minute.
	MinuteDuration time.Duration `validate:"gt=0"`
	// ClientTTL bounds how long client records are kept in the store.
	ClientTTL time.Duration `validate:"gte=0"`
	// ResetInProgressOnStart zeroes in_progress in Init. Only safe for a
	// single process whose pending completions died with it.
	ResetInProgressOnStart bool
	// OptimizeInterval is how often the queue length is checked against the
	// abandonment history. Zero disables the check.
	OptimizeInterval time.Duration `validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		ServiceTypes:           DefaultServiceTypes(),
		MaxConcurrentArrivals:  5,
		MaxInProgress:          5,
		WindowCap:              estimation.MovingAverageWindow,
		AbandonProbability:     0.1,
		ArrivalTick:            2 * time.Second,
		MinArrivalSpacing:      time.Second,
		RedispatchDelay:        time.Second,
		MinuteDuration:         time.Minute,
		ClientTTL:              24 * time.Hour,
		ResetInProgressOnStart: false,
		OptimizeInterval:       time.Minute,
	}
}

type Option func(*Simulation)

func WithClock(clk clock.Clock) Option {
	return func(s *Simulation) { s.clock = clk }
}

func WithRand(r Rand) Option {
	return func(s *Simulation) { s.rand = r }
}

func WithRecorder(r history.Recorder) Option {
	return func(s *Simulation) { s.recorder = r }
}

// WithReporter enables the periodic queue length optimisation.
func WithReporter(r history.Reporter) Option {
	return func(s *Simulation) { s.reporter = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Simulation) { s.metrics = m }
}

func WithEstimator(e *estimation.Estimator) Option {
	return func(s *Simulation) { s.estimator = e }
}

// Simulation ties the arrival generator, the dispatch controller and the
// service processor to one store and one scheduler.
type Simulation struct {
	cfg          Config
	store        store.Store
	scheduler    scheduler.Scheduler
	recorder     history.Recorder
	reporter     history.Reporter
	estimator    *estimation.Estimator
	metrics      *metrics.Metrics
	clock        clock.Clock
	rand         Rand
	serviceTypes map[string]ServiceType
	names        []string
	arrivals     *SimulationContext

	mu            sync.Mutex
	stopGenerator context.CancelFunc
	generatorDone chan struct{}
}

// New builds a Simulation and registers its task handlers on sched. Handlers
// must be registered before the scheduler starts.
func New(cfg Config, s store.Store, sched scheduler.Scheduler, opts ...Option) *Simulation {
	sim := &Simulation{
		cfg:          cfg,
		store:        s,
		scheduler:    sched,
		recorder:     history.LogRecorder{},
		serviceTypes: make(map[string]ServiceType, len(cfg.ServiceTypes)),
	}
	for _, opt := range opts {
		opt(sim)
	}
	if sim.clock == nil {
		sim.clock = clock.RealClock{}
	}
	if sim.rand == nil {
		sim.rand = newTimeSeededRand()
	}
	if sim.estimator == nil {
		sim.estimator = estimation.NewEstimator(s, sim.clock, estimation.Config{
			WindowSize:                  estimation.DefaultWindowSize,
			SmoothingFloor:              estimation.DefaultSmoothingFloor,
			EnablePersonalizedEstimates: true,
			MinuteDuration:              cfg.MinuteDuration,
		})
	}
	for _, st := range cfg.ServiceTypes {
		sim.serviceTypes[st.Name] = st
		sim.names = append(sim.names, st.Name)
	}
	sort.Strings(sim.names)
	sim.arrivals = NewSimulationContext(sim.clock, cfg.MaxConcurrentArrivals, cfg.MinArrivalSpacing)

	sched.Handle(scheduler.TypeDispatch, sim.handleDispatch)
	sched.Handle(scheduler.TypeComplete, sim.handleComplete)
	sched.Handle(scheduler.TypeOptimize, sim.handleOptimize)
	return sim
}

func (s *Simulation) ServiceTypes() []string {
	return append([]string(nil), s.names...)
}

func (s *Simulation) serviceType(name string) (ServiceType, error) {
	st, ok := s.serviceTypes[name]
	if !ok {
		return ServiceType{}, fmt.Errorf("%q: %w", name, ErrUnknownServiceType)
	}
	return st, nil
}

func (s *Simulation) Estimator() *estimation.Estimator {
	return s.estimator
}

func (s *Simulation) CurrentEstimate(ctx context.Context, serviceType string) estimation.Estimate {
	return s.estimator.CurrentEstimate(ctx, serviceType)
}

func (s *Simulation) PersonalizedEstimate(ctx context.Context, serviceType, userID string) estimation.Estimate {
	return s.estimator.PersonalizedEstimate(ctx, serviceType, userID)
}

// Init normalises the counters of every configured service type and resumes
// the dispatch chain of queues that still hold waiting clients.
func (s *Simulation) Init(ctx context.Context) error {
	for _, name := range s.names {
		if err := s.normaliseCounter(ctx, store.QueueLengthKey(name), false); err != nil {
			return err
		}
		if err := s.normaliseCounter(ctx, store.InProgressKey(name), s.cfg.ResetInProgressOnStart); err != nil {
			return err
		}

		waiting, err := s.store.Len(ctx, store.QueueKey(name))
		if err != nil {
			return fmt.Errorf("queue length of %s: %w", name, err)
		}
		if waiting > 0 {
			log.WithFields(log.Fields{"serviceType": name, "waiting": waiting}).Info("resuming dispatch for waiting clients")
			if err := s.scheduler.Schedule(ctx, scheduler.DispatchTask(name), 0); err != nil {
				return fmt.Errorf("schedule dispatch for %s: %w", name, err)
			}
		}
		s.observe(ctx, name)
	}
	return nil
}

func (s *Simulation) normaliseCounter(ctx context.Context, key string, reset bool) error {
	v, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrMalformed):
		log.WithField("key", key).Warn("malformed counter, resetting to 0")
		reset = true
	case err != nil:
		return fmt.Errorf("read %s: %w", key, err)
	case v < 0:
		log.WithFields(log.Fields{"key": key, "value": v}).Warn("negative counter, resetting to 0")
		reset = true
	}
	if !reset {
		return nil
	}
	if err := s.store.Set(ctx, key, 0); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}

// QueueStatus reads the current counters of a service type.
func (s *Simulation) QueueStatus(ctx context.Context, serviceType string) (*QueueStatus, error) {
	if _, err := s.serviceType(serviceType); err != nil {
		return nil, err
	}
	queueLength, err := s.counter(ctx, store.QueueLengthKey(serviceType))
	if err != nil {
		return nil, err
	}
	inProgress, err := s.counter(ctx, store.InProgressKey(serviceType))
	if err != nil {
		return nil, err
	}
	waiting, err := s.store.Len(ctx, store.QueueKey(serviceType))
	if err != nil {
		return nil, fmt.Errorf("queue entries of %s: %w", serviceType, err)
	}

	status := &QueueStatus{
		ServiceType: serviceType,
		QueueLength: queueLength,
		InProgress:  inProgress,
		Waiting:     waiting,
	}
	if last := s.estimator.LastEstimate(ctx, serviceType); last.Available {
		status.LastEstimate = &last.Minutes
	}
	return status, nil
}

// QueueLength returns the queue length counter, reading malformed values as 0.
func (s *Simulation) QueueLength(ctx context.Context, serviceType string) (int64, error) {
	if _, err := s.serviceType(serviceType); err != nil {
		return 0, err
	}
	return s.counter(ctx, store.QueueLengthKey(serviceType))
}

func (s *Simulation) counter(ctx context.Context, key string) (int64, error) {
	v, err := s.store.Get(ctx, key)
	if errors.Is(err, store.ErrMalformed) {
		log.WithField("key", key).Warn("treating malformed counter as 0")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// Reset removes every waiting client of a service type together with its
// queue length, sample windows and cached estimate. Clients already in service
// keep their slots until their completions run.
func (s *Simulation) Reset(ctx context.Context, serviceType string) (int, error) {
	if _, err := s.serviceType(serviceType); err != nil {
		return 0, err
	}
	queueKey := store.QueueKey(serviceType)

	entries, err := s.store.Range(ctx, queueKey, -1)
	if err != nil {
		return 0, fmt.Errorf("failed to get queue entries: %w", err)
	}

	keys := []string{
		queueKey,
		store.QueueLengthKey(serviceType),
		store.WaitTimesKey(serviceType),
		store.ServiceTimesKey(serviceType),
		store.ArrivalTimeKey(serviceType),
		store.EstimateKey(serviceType),
	}
	for _, entry := range entries {
		var c Client
		if err := json.Unmarshal([]byte(entry), &c); err != nil {
			log.WithError(err).WithField("serviceType", serviceType).Error("failed to unmarshal queue entry during reset")
			continue
		}
		keys = append(keys, store.ClientKey(c.ID), store.ArrivalTimeKey(c.ID))
	}

	if err := s.store.Delete(ctx, keys...); err != nil {
		return 0, fmt.Errorf("failed to reset queue: %w", err)
	}
	s.observe(ctx, serviceType)

	log.WithFields(log.Fields{"serviceType": serviceType, "entriesRemoved": len(entries)}).Info("queue reset")
	return len(entries), nil
}

// OptimizeQueueLength trims the queue length counter by one when the recorded
// abandonments exceed a tenth of the completions.
func (s *Simulation) OptimizeQueueLength(ctx context.Context, reporter history.Reporter, serviceType string) (bool, error) {
	if _, err := s.serviceType(serviceType); err != nil {
		return false, err
	}
	report, err := reporter.Report(ctx, serviceType)
	if err != nil {
		return false, err
	}
	if report == nil || float64(report.AbandonedClients) <= float64(report.CompletedClients)*0.1 {
		return false, nil
	}
	_, decremented, err := s.store.DecrFloor(ctx, store.QueueLengthKey(serviceType))
	if err != nil {
		return false, fmt.Errorf("decrement queue length of %s: %w", serviceType, err)
	}
	if decremented {
		log.WithField("serviceType", serviceType).Info("optimized queue length from abandonment history")
		s.observe(ctx, serviceType)
	}
	return decremented, nil
}

// ScheduleOptimization registers the periodic queue length optimisation when
// a reporter is configured and OptimizeInterval is positive.
func (s *Simulation) ScheduleOptimization() error {
	if s.reporter == nil || s.cfg.OptimizeInterval <= 0 {
		return nil
	}
	return s.scheduler.Every(s.cfg.OptimizeInterval, scheduler.OptimizeTask())
}

func (s *Simulation) handleOptimize(ctx context.Context, _ scheduler.Task) error {
	if s.reporter == nil {
		return nil
	}
	for _, name := range s.names {
		if _, err := s.OptimizeQueueLength(ctx, s.reporter, name); err != nil {
			log.WithError(err).WithField("serviceType", name).Warn("queue length optimisation failed")
		}
	}
	return nil
}

func (s *Simulation) handleDispatch(ctx context.Context, task scheduler.Task) error {
	if _, err := s.DispatchNext(ctx, task.ServiceType); err != nil {
		log.WithError(err).WithField("serviceType", task.ServiceType).Error("dispatch failed")
	}
	return nil
}

func (s *Simulation) handleComplete(ctx context.Context, task scheduler.Task) error {
	if err := s.Complete(ctx, task.ServiceType, task.ClientID); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"serviceType": task.ServiceType,
			"clientId":    task.ClientID,
		}).Error("completion failed")
	}
	return nil
}

// observe publishes the counters of a service type as gauges. Best effort.
func (s *Simulation) observe(ctx context.Context, serviceType string) {
	if s.metrics == nil {
		return
	}
	queueLength, err := s.counter(ctx, store.QueueLengthKey(serviceType))
	if err != nil {
		return
	}
	inProgress, err := s.counter(ctx, store.InProgressKey(serviceType))
	if err != nil {
		return
	}
	s.metrics.QueueState(serviceType, queueLength, inProgress)
}

// storeWarning logs a failed best-effort write and counts it.
func (s *Simulation) storeWarning(op string, err error, fields log.Fields) {
	s.metrics.StoreError(op)
	log.WithError(err).WithFields(fields).Warnf("%s failed", op)
}

func (s *Simulation) saveClient(ctx context.Context, c *Client) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.store.SetValue(ctx, store.ClientKey(c.ID), string(data), s.cfg.ClientTTL)
}

func (s *Simulation) loadClient(ctx context.Context, clientID string) (*Client, bool, error) {
	raw, ok, err := s.store.GetValue(ctx, store.ClientKey(clientID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var c Client
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, false, fmt.Errorf("malformed client record %s: %w", clientID, err)
	}
	return &c, true, nil
}

// recordTerminal hands a terminal client to the history recorder. Failures are
// logged and never stop the simulation.
func (s *Simulation) recordTerminal(ctx context.Context, c *Client) {
	if err := s.recorder.Record(ctx, c.historyRecord(s.clock.Now())); err != nil {
		s.storeWarning("record_history", err, log.Fields{"serviceType": c.ServiceType, "clientId": c.ID})
	}
}

func (s *Simulation) minutesSince(from time.Time) float64 {
	elapsed := s.clock.Since(from)
	if elapsed < 0 {
		return 0
	}
	return float64(elapsed) / float64(s.cfg.MinuteDuration)
}
