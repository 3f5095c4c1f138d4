// Package store holds the shared mutable queue state: integer counters, ordered
// lists and scalar values. Every mutation is atomic against the backing store so
// concurrent arrivals and dispatch chains never race on a read-modify-write.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed is returned by Get when the stored counter is not an integer.
var ErrMalformed = errors.New("store: malformed counter value")

// AtomicCounter is an integer counter keyed by name. Missing keys read as zero.
type AtomicCounter interface {
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64) error
	Incr(ctx context.Context, key string) (int64, error)
	// DecrFloor decrements the counter unless it is already zero. The returned
	// bool reports whether a decrement happened.
	DecrFloor(ctx context.Context, key string) (int64, bool, error)
	// IncrBelow increments the counter only while it is strictly below limit.
	IncrBelow(ctx context.Context, key string, limit int64) (int64, bool, error)
}

// AtomicQueue is an ordered list. The front is the most recently pushed entry,
// so PushFront + PopBack gives FIFO order.
type AtomicQueue interface {
	PushFront(ctx context.Context, key, value string) (int64, error)
	// PushFrontCapped pushes and then trims the list to its first max entries.
	PushFrontCapped(ctx context.Context, key, value string, max int64) error
	PopBack(ctx context.Context, key string) (string, bool, error)
	// Range returns up to n entries starting at the front.
	Range(ctx context.Context, key string, n int64) ([]string, error)
	Len(ctx context.Context, key string) (int64, error)
}

// KeyValue stores scalar entries such as arrival timestamps and estimates.
type KeyValue interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Store interface {
	AtomicCounter
	AtomicQueue
	KeyValue
}

func QueueKey(serviceType string) string {
	return fmt.Sprintf("queue:%s", serviceType)
}

func QueueLengthKey(serviceType string) string {
	return fmt.Sprintf("queue_length:%s", serviceType)
}

func InProgressKey(serviceType string) string {
	return fmt.Sprintf("in_progress:%s", serviceType)
}

func WaitTimesKey(serviceType string) string {
	return fmt.Sprintf("wait_times:%s", serviceType)
}

func ServiceTimesKey(serviceType string) string {
	return fmt.Sprintf("service_times:%s", serviceType)
}

// ArrivalTimeKey is shared by clients and service types: clients are keyed by
// their uuid, service types by name.
func ArrivalTimeKey(id string) string {
	return fmt.Sprintf("arrival_time:%s", id)
}

func ClientKey(clientID string) string {
	return fmt.Sprintf("client:%s", clientID)
}

func EstimateKey(serviceType string) string {
	return fmt.Sprintf("estimate:%s", serviceType)
}

func PersonalEstimateKey(serviceType, userID string) string {
	return fmt.Sprintf("estimate:%s:%s", serviceType, userID)
}

// FormatTimestamp encodes a timestamp as unix milliseconds.
func FormatTimestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func ParseTimestamp(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}
