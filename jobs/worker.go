package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// Worker wraps the asynq server and the scheduler for periodic maintenance.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
}

// WorkerConfig collects what the worker needs. Empty cron specs disable that task.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Handlers    *Handlers
	Concurrency int
	DetectCron  string
	FlushCron   string
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Handlers == nil {
		return nil, errors.New("worker: handlers required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueDefault: 1},
	})
	mux := asynq.NewServeMux()
	cfg.Handlers.Register(mux)

	var scheduler *asynq.Scheduler
	if cfg.DetectCron != "" || cfg.FlushCron != "" {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		if cfg.DetectCron != "" {
			task, err := NewDetectTask(DetectPayload{})
			if err != nil {
				return nil, err
			}
			if _, err := scheduler.Register(cfg.DetectCron, task); err != nil {
				return nil, err
			}
		}
		if cfg.FlushCron != "" {
			if _, err := scheduler.Register(cfg.FlushCron, NewFlushTask()); err != nil {
				return nil, err
			}
		}
	}
	return &Worker{server: srv, mux: mux, scheduler: scheduler}, nil
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client enqueues maintenance tasks.
type Client struct {
	client *asynq.Client
}

func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

func (c *Client) EnqueueDetect(ctx context.Context, userIDs ...string) (*asynq.TaskInfo, error) {
	task, err := NewDetectTask(DetectPayload{UserIDs: userIDs})
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

func (c *Client) EnqueueFlush(ctx context.Context) (*asynq.TaskInfo, error) {
	return c.client.EnqueueContext(ctx, NewFlushTask(), asynq.MaxRetry(5))
}

func (c *Client) Close() error {
	return c.client.Close()
}
