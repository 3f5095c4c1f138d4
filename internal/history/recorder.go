// Package history receives terminal client events for durable storage and
// reporting. The simulation core only ever appends to it.
package history

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

const (
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// Record is one terminal client event.
type Record struct {
	ServiceType string    `json:"service_type" yaml:"service_type"`
	ClientID    string    `json:"client_id" yaml:"client_id"`
	Status      string    `json:"status" yaml:"status"`
	WaitTime    float64   `json:"wait_time" yaml:"wait_time"`
	TimeSpent   float64   `json:"time_spent" yaml:"time_spent"`
	QueueLength int64     `json:"queue_length" yaml:"queue_length"`
	HourOfDay   int       `json:"hour_of_day" yaml:"hour_of_day"`
	MinuteOfDay int       `json:"minute_of_day" yaml:"minute_of_day"`
	DayOfWeek   int       `json:"day_of_week" yaml:"day_of_week"`
	RecordedAt  time.Time `json:"recorded_at" yaml:"recorded_at"`
}

type Recorder interface {
	Record(ctx context.Context, r Record) error
}

// Report summarises the recorded history of one service type.
type Report struct {
	ServiceType      string  `json:"serviceType" yaml:"serviceType"`
	TotalClients     int64   `json:"totalClients" yaml:"totalClients"`
	AverageWaitTime  float64 `json:"averageWaitTime" yaml:"averageWaitTime"`
	AverageTimeSpent float64 `json:"averageTimeSpent" yaml:"averageTimeSpent"`
	CompletedClients int64   `json:"completedClients" yaml:"completedClients"`
	AbandonedClients int64   `json:"abandonedClients" yaml:"abandonedClients"`
}

type Reporter interface {
	Report(ctx context.Context, serviceType string) (*Report, error)
	Recent(ctx context.Context, serviceType string, limit uint) ([]Record, error)
}

// LogRecorder writes terminal events to the log only.
type LogRecorder struct{}

func (LogRecorder) Record(_ context.Context, r Record) error {
	log.WithFields(log.Fields{
		"serviceType": r.ServiceType,
		"clientId":    r.ClientID,
		"status":      r.Status,
		"waitTime":    r.WaitTime,
		"timeSpent":   r.TimeSpent,
		"queueLength": r.QueueLength,
	}).Info("client reached terminal state")
	return nil
}

// Multi fans a record out to every recorder. All recorders are attempted even
// when some fail.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, r Record) error {
	var result *multierror.Error
	for _, rec := range m {
		if err := rec.Record(ctx, r); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
