package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nextup"

// Metrics is the simulator's instrumentation. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	arrivals       *prometheus.CounterVec
	abandoned      *prometheus.CounterVec
	completed      *prometheus.CounterVec
	queueLength    *prometheus.GaugeVec
	inProgress     *prometheus.GaugeVec
	waitMinutes    *prometheus.HistogramVec
	serviceMinutes *prometheus.HistogramVec
	storeErrors    *prometheus.CounterVec
}

// NewMetrics registers all simulator metrics with the provided registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		arrivals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_arrivals_total",
				Help:      "Total number of clients admitted to a queue",
			},
			[]string{"service_type"},
		),
		abandoned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_abandoned_total",
				Help:      "Total number of clients that abandoned before service",
			},
			[]string{"service_type"},
		),
		completed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_completed_total",
				Help:      "Total number of clients whose service completed",
			},
			[]string{"service_type"},
		),
		queueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_length",
				Help:      "Current queue length per service type",
			},
			[]string{"service_type"},
		),
		inProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_progress",
				Help:      "Clients currently in service per service type",
			},
			[]string{"service_type"},
		),
		waitMinutes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wait_minutes",
				Help:      "Time spent queued before service, in simulated minutes",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"service_type"},
		),
		serviceMinutes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "service_minutes",
				Help:      "Time spent in service, in simulated minutes",
				Buckets:   prometheus.LinearBuckets(1, 1, 12),
			},
			[]string{"service_type"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of failed store operations",
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.arrivals,
		m.abandoned,
		m.completed,
		m.queueLength,
		m.inProgress,
		m.waitMinutes,
		m.serviceMinutes,
		m.storeErrors,
	)
	return m
}

func (m *Metrics) Arrival(serviceType string) {
	if m == nil {
		return
	}
	m.arrivals.WithLabelValues(serviceType).Inc()
}

func (m *Metrics) Abandoned(serviceType string) {
	if m == nil {
		return
	}
	m.abandoned.WithLabelValues(serviceType).Inc()
}

func (m *Metrics) Completed(serviceType string, serviceMinutes float64) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(serviceType).Inc()
	m.serviceMinutes.WithLabelValues(serviceType).Observe(serviceMinutes)
}

func (m *Metrics) Dispatched(serviceType string, waitMinutes float64) {
	if m == nil {
		return
	}
	m.waitMinutes.WithLabelValues(serviceType).Observe(waitMinutes)
}

func (m *Metrics) QueueState(serviceType string, queueLength, inProgress int64) {
	if m == nil {
		return
	}
	m.queueLength.WithLabelValues(serviceType).Set(float64(queueLength))
	m.inProgress.WithLabelValues(serviceType).Set(float64(inProgress))
}

func (m *Metrics) StoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}
