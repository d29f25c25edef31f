package runner

import (
	"context"
	"errors"
	"log/slog"
)

// ErrAtCapacity is returned when the dispatcher cannot accept more tasks.
var ErrAtCapacity = errors.New("dispatcher at capacity")

// Task is the work done once per release.
type Task func(ctx context.Context) error

// Dispatcher runs tasks asynchronously with semaphore-based backpressure, so
// a slow task cannot hold up the release schedule.
type Dispatcher struct {
	task      Task
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher that runs at most concurrency tasks at
// once (default 500).
func NewDispatcher(task Task, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 500
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		task:      task,
		semaphore: make(chan struct{}, concurrency),
		logger:    logger,
	}
}

// TryDispatch starts the task on a goroutine. Returns ErrAtCapacity if
// every slot is busy. done, if not nil, receives the task's result.
func (d *Dispatcher) TryDispatch(ctx context.Context, done func(error)) error {
	select {
	case d.semaphore <- struct{}{}:
		go func() {
			defer func() { <-d.semaphore }()

			err := d.task(ctx)
			if err != nil {
				d.logger.Debug("task failed", "error", err)
			}
			if done != nil {
				done(err)
			}
		}()
		return nil

	default:
		return ErrAtCapacity
	}
}

// Drain blocks until every dispatched task has finished or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for i := 0; i < cap(d.semaphore); i++ {
		select {
		case d.semaphore <- struct{}{}:
		case <-ctx.Done():
			for ; i > 0; i-- {
				<-d.semaphore
			}
			return ctx.Err()
		}
	}
	for i := 0; i < cap(d.semaphore); i++ {
		<-d.semaphore
	}
	return nil
}

// InFlight returns the number of tasks currently running.
func (d *Dispatcher) InFlight() int {
	return len(d.semaphore)
}

// Capacity returns the total task capacity.
func (d *Dispatcher) Capacity() int {
	return cap(d.semaphore)
}
