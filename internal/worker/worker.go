package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context)

// Worker runs a task on a fixed interval until stopped.
type Worker struct {
	name     string
	task     Task
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new worker
func NewWorker(name string, task Task, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		name:     name,
		task:     task,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins running the task
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
	w.logger.Info("worker started", "worker", w.name, "interval", w.interval)
}

// Stop gracefully stops the worker and waits for a running task to return
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
	w.logger.Info("worker stopped", "worker", w.name)
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.runTask(ctx)
		}
	}
}

// runTask keeps the loop alive if the task panics.
func (w *Worker) runTask(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker task panicked", "worker", w.name, "panic", r)
		}
	}()
	w.task(ctx)
}
