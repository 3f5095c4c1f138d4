package estimation

import (
	"context"
	"math"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/nextup/nextup-estimation/internal/store"
)

type Config struct {
	// WindowSize is the number of most recent samples fed into the EMA.
	WindowSize int
	// SmoothingFloor halves the smoothing factor for samples below it.
	SmoothingFloor float64
	// EnablePersonalizedEstimates gates per-user overrides.
	EnablePersonalizedEstimates bool
	// MinuteDuration is the wall-clock length of one simulated minute.
	MinuteDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		WindowSize:                  DefaultWindowSize,
		SmoothingFloor:              DefaultSmoothingFloor,
		EnablePersonalizedEstimates: true,
		MinuteDuration:              time.Minute,
	}
}

// Estimator answers estimate queries from the sample store. It never returns
// an error: store failures are logged and reported as NoData.
type Estimator struct {
	store store.Store
	clock clock.PassiveClock
	cfg   Config
}

func NewEstimator(s store.Store, clk clock.PassiveClock, cfg Config) *Estimator {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MinuteDuration <= 0 {
		cfg.MinuteDuration = time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Estimator{store: s, clock: clk, cfg: cfg}
}

// samples reads up to n entries of a sample window, skipping malformed ones.
func (e *Estimator) samples(ctx context.Context, key string, n int64) ([]float64, error) {
	raw, err := e.store.Range(ctx, key, n)
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, len(raw))
	for _, r := range raw {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			log.WithField("key", key).Warnf("skipping malformed sample %q", r)
			continue
		}
		values = append(values, v)
	}
	return values, nil
}

func (e *Estimator) ema(ctx context.Context, key string) Estimate {
	values, err := e.samples(ctx, key, int64(e.cfg.WindowSize))
	if err != nil {
		log.WithError(err).WithField("key", key).Error("failed to read sample window")
		return NoData()
	}
	m, ok := ComputeEMA(values, e.cfg.SmoothingFloor)
	if !ok {
		return NoData()
	}
	return Minutes(m)
}

// WaitTimeEMA is the EMA over the recent wait-time window.
func (e *Estimator) WaitTimeEMA(ctx context.Context, serviceType string) Estimate {
	return e.ema(ctx, store.WaitTimesKey(serviceType))
}

// CombinedEstimate is the rounded mean of the wait-time and service-time EMAs.
func (e *Estimator) CombinedEstimate(ctx context.Context, serviceType string) Estimate {
	wait := e.ema(ctx, store.WaitTimesKey(serviceType))
	if !wait.Available {
		return NoData()
	}
	service := e.ema(ctx, store.ServiceTimesKey(serviceType))
	if !service.Available {
		return NoData()
	}
	return Minutes(int(math.Round(float64(wait.Minutes+service.Minutes) / 2)))
}

// CurrentEstimate decays the combined estimate by the whole minutes elapsed
// since the last arrival for the service type, floored at zero.
func (e *Estimator) CurrentEstimate(ctx context.Context, serviceType string) Estimate {
	estimate := e.CombinedEstimate(ctx, serviceType)
	if !estimate.Available {
		return estimate
	}
	e.saveLastEstimate(ctx, serviceType, estimate.Minutes)

	raw, ok, err := e.store.GetValue(ctx, store.ArrivalTimeKey(serviceType))
	if err != nil {
		log.WithError(err).WithField("serviceType", serviceType).Error("failed to read arrival time")
		return NoData()
	}
	if !ok {
		return estimate
	}
	arrival, err := store.ParseTimestamp(raw)
	if err != nil {
		log.WithError(err).WithField("serviceType", serviceType).Warn("ignoring malformed arrival time")
		return estimate
	}
	return Minutes(e.decay(estimate.Minutes, arrival))
}

func (e *Estimator) decay(minutes int, arrival time.Time) int {
	elapsed := e.clock.Since(arrival)
	if elapsed < 0 {
		elapsed = 0
	}
	elapsedMinutes := int(elapsed / e.cfg.MinuteDuration)
	if remaining := minutes - elapsedMinutes; remaining > 0 {
		return remaining
	}
	return 0
}

func (e *Estimator) saveLastEstimate(ctx context.Context, serviceType string, minutes int) {
	if err := e.store.SetValue(ctx, store.EstimateKey(serviceType), strconv.Itoa(minutes), 0); err != nil {
		log.WithError(err).WithField("serviceType", serviceType).Warn("failed to save estimate")
	}
}

// LastEstimate returns the most recently computed combined estimate, if any.
func (e *Estimator) LastEstimate(ctx context.Context, serviceType string) Estimate {
	return e.readEstimate(ctx, store.EstimateKey(serviceType))
}

// PersonalizedEstimate returns the stored per-user override.
func (e *Estimator) PersonalizedEstimate(ctx context.Context, serviceType, userID string) Estimate {
	if !e.cfg.EnablePersonalizedEstimates {
		return NoData()
	}
	return e.readEstimate(ctx, store.PersonalEstimateKey(serviceType, userID))
}

func (e *Estimator) SetPersonalizedEstimate(ctx context.Context, serviceType, userID string, minutes int) error {
	return e.store.SetValue(ctx, store.PersonalEstimateKey(serviceType, userID), strconv.Itoa(minutes), 0)
}

func (e *Estimator) readEstimate(ctx context.Context, key string) Estimate {
	raw, ok, err := e.store.GetValue(ctx, key)
	if err != nil {
		log.WithError(err).WithField("key", key).Error("failed to read estimate")
		return NoData()
	}
	if !ok {
		return NoData()
	}
	m, err := strconv.Atoi(raw)
	if err != nil {
		log.WithField("key", key).Warnf("ignoring malformed estimate %q", raw)
		return NoData()
	}
	return Minutes(m)
}

// MovingAverage is the simple mean of the most recent wait times.
func (e *Estimator) MovingAverage(ctx context.Context, serviceType string) Estimate {
	values, err := e.samples(ctx, store.WaitTimesKey(serviceType), MovingAverageWindow)
	if err != nil {
		log.WithError(err).WithField("serviceType", serviceType).Error("failed to read wait times")
		return NoData()
	}
	m, ok := MovingAverage(values)
	if !ok {
		return NoData()
	}
	return Minutes(m)
}

// Anomalies returns recorded wait times above 1.5 times their mean.
func (e *Estimator) Anomalies(ctx context.Context, serviceType string) []float64 {
	values, err := e.samples(ctx, store.WaitTimesKey(serviceType), -1)
	if err != nil {
		log.WithError(err).WithField("serviceType", serviceType).Error("failed to read wait times")
		return nil
	}
	return DetectAnomalies(values)
}
