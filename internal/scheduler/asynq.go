package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

var _ Scheduler = (*AsynqScheduler)(nil)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
)

// AsynqScheduler persists tasks in Redis so that several processes can share
// the dispatch chains of one simulation.
type AsynqScheduler struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	cron   *asynq.Scheduler
}

func NewAsynqScheduler(redisOpt asynq.RedisConnOpt, concurrency int) *AsynqScheduler {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueCritical: 6,
				QueueDefault:  3,
			},
			Logger: log.StandardLogger(),
		},
	)

	return &AsynqScheduler{
		client: asynq.NewClient(redisOpt),
		server: srv,
		mux:    asynq.NewServeMux(),
		cron:   asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: log.StandardLogger()}),
	}
}

func (as *AsynqScheduler) Handle(taskType string, h Handler) {
	as.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		var task Task
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("json.Unmarshal(%s): %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		task.Type = t.Type()
		return h(ctx, task)
	})
}

func (as *AsynqScheduler) Schedule(ctx context.Context, task Task, delay time.Duration) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	// completions free capacity, so they jump ahead of dispatch attempts
	queue := QueueDefault
	if task.Type == TypeComplete {
		queue = QueueCritical
	}

	_, err = as.client.EnqueueContext(ctx,
		asynq.NewTask(task.Type, payload),
		asynq.ProcessIn(delay),
		asynq.Queue(queue),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return fmt.Errorf("as.client.Enqueue(%s): %w", task.Type, err)
	}
	return nil
}

// Every registers a periodic task. Each process registers the same entry, so
// the task is made unique for one interval to run it once per deployment.
func (as *AsynqScheduler) Every(interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for task %q", interval, task.Type)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = as.cron.Register(
		fmt.Sprintf("@every %s", interval),
		asynq.NewTask(task.Type, payload),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	)
	if err != nil {
		return fmt.Errorf("as.cron.Register(%s): %w", task.Type, err)
	}
	return nil
}

func (as *AsynqScheduler) Start() error {
	if err := as.server.Start(as.mux); err != nil {
		return err
	}
	return as.cron.Start()
}

func (as *AsynqScheduler) Shutdown() {
	as.cron.Shutdown()
	as.server.Shutdown()
	if err := as.client.Close(); err != nil {
		log.WithError(err).Warn("failed to close asynq client")
	}
}
