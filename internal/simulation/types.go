package simulation

import (
	"errors"
	"fmt"
	"time"

	"github.com/nextup/nextup-estimation/internal/history"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

var ErrInvalidTransition = errors.New("invalid client status transition")

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// CanTransition reports whether a client may move from s to next. Terminal
// statuses have no outgoing edges.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusInProgress || next == StatusAbandoned
	case StatusInProgress:
		return next == StatusCompleted
	default:
		return false
	}
}

// ServiceType is one kind of counter service, e.g. deposit.
type ServiceType struct {
	Name string `validate:"required"`
	// ArrivalRate is the mean number of arrival ticks between two arrivals.
	ArrivalRate       float64 `validate:"gt=0"`
	MinServiceMinutes int     `validate:"gte=1"`
	MaxServiceMinutes int     `validate:"gtefield=MinServiceMinutes"`
}

func DefaultServiceTypes() []ServiceType {
	return []ServiceType{
		{Name: "deposit", ArrivalRate: 10, MinServiceMinutes: 1, MaxServiceMinutes: 5},
		{Name: "withdrawal", ArrivalRate: 8, MinServiceMinutes: 2, MaxServiceMinutes: 7},
		{Name: "consultation", ArrivalRate: 5, MinServiceMinutes: 5, MaxServiceMinutes: 10},
	}
}

// Client is one simulated customer. It is stored as JSON under client:<id> and
// pushed onto the service type's FIFO while queued.
type Client struct {
	ID          string    `json:"id"`
	ServiceType string    `json:"service_type"`
	Status      Status    `json:"status"`
	ArrivalTime time.Time `json:"arrival_time"`
	// QueueLength is the queue length observed before the client arrived.
	QueueLength   int64      `json:"queue_length"`
	HourOfDay     int        `json:"hour_of_day"`
	MinuteOfDay   int        `json:"minute_of_day"`
	DayOfWeek     int        `json:"day_of_week"`
	EstimatedWait float64    `json:"estimated_wait"`
	WaitTime      float64    `json:"wait_time"`
	ServiceStart  *time.Time `json:"service_start,omitempty"`
	TimeSpent     float64    `json:"time_spent"`
}

func newClient(id, serviceType string, arrival time.Time, queueLength int64) *Client {
	return &Client{
		ID:          id,
		ServiceType: serviceType,
		Status:      StatusQueued,
		ArrivalTime: arrival,
		QueueLength: queueLength,
		HourOfDay:   arrival.Hour(),
		MinuteOfDay: arrival.Hour()*60 + arrival.Minute(),
		DayOfWeek:   int(arrival.Weekday()),
	}
}

func (c *Client) transition(next Status) error {
	if !c.Status.CanTransition(next) {
		return fmt.Errorf("client %s: %s -> %s: %w", c.ID, c.Status, next, ErrInvalidTransition)
	}
	c.Status = next
	return nil
}

func (c *Client) historyRecord(at time.Time) history.Record {
	return history.Record{
		ServiceType: c.ServiceType,
		ClientID:    c.ID,
		Status:      string(c.Status),
		WaitTime:    c.WaitTime,
		TimeSpent:   c.TimeSpent,
		QueueLength: c.QueueLength,
		HourOfDay:   c.HourOfDay,
		MinuteOfDay: c.MinuteOfDay,
		DayOfWeek:   c.DayOfWeek,
		RecordedAt:  at,
	}
}

// QueueStatus is a snapshot of one service type's queue state.
type QueueStatus struct {
	ServiceType  string `json:"serviceType"`
	QueueLength  int64  `json:"queueLength"`
	InProgress   int64  `json:"inProgress"`
	Waiting      int64  `json:"waiting"`
	LastEstimate *int   `json:"lastEstimate,omitempty"`
}
