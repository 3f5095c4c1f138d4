// Package scheduler runs the simulation's delayed continuations. Dispatching the
// next client and completing a client's service are discrete tasks submitted
// with a delay, never recursive calls.
package scheduler

import (
	"context"
	"errors"
	"time"
)

const (
	TypeDispatch = "queue:dispatch"
	TypeComplete = "queue:complete"
	TypeOptimize = "queue:optimize"
)

var ErrClosed = errors.New("scheduler: closed")

// Task payload
type Task struct {
	Type        string `json:"type"`
	ServiceType string `json:"service_type"`
	ClientID    string `json:"client_id,omitempty"`
}

func DispatchTask(serviceType string) Task {
	return Task{Type: TypeDispatch, ServiceType: serviceType}
}

func CompleteTask(serviceType, clientID string) Task {
	return Task{Type: TypeComplete, ServiceType: serviceType, ClientID: clientID}
}

// OptimizeTask covers every service type.
func OptimizeTask() Task {
	return Task{Type: TypeOptimize}
}

type Handler func(ctx context.Context, task Task) error

type Scheduler interface {
	// Handle registers the handler for a task type. Must be called before Start.
	Handle(taskType string, h Handler)
	Schedule(ctx context.Context, task Task, delay time.Duration) error
	// Every runs task periodically until Shutdown.
	Every(interval time.Duration, task Task) error
	Start() error
	// Shutdown drops pending tasks and waits for running handlers.
	Shutdown()
}
