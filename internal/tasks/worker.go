package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc executes one task.
type HandlerFunc func(ctx context.Context, t *Task) error

// Worker pulls tasks from the queue and runs their handlers on a fixed
// number of goroutines. One extra goroutine promotes delayed tasks.
type Worker struct {
	queue          Queue
	handlers       map[string]HandlerFunc
	concurrency    int
	dequeueTimeout time.Duration
	promoteEvery   time.Duration
	logger         zerolog.Logger
}

func NewWorker(queue Queue, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:          queue,
		handlers:       make(map[string]HandlerFunc),
		concurrency:    concurrency,
		dequeueTimeout: 2 * time.Second,
		promoteEvery:   time.Second,
		logger:         log.With().Str("component", "worker").Logger(),
	}
}

// Handle registers the handler of a task type.
func (w *Worker) Handle(typ string, fn HandlerFunc) {
	w.handlers[typ] = fn
}

// SetIntervals overrides the dequeue timeout and the promotion interval.
func (w *Worker) SetIntervals(dequeueTimeout, promoteEvery time.Duration) {
	w.dequeueTimeout = dequeueTimeout
	w.promoteEvery = promoteEvery
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.concurrency).Msg("worker started")
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(w.promoteEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if _, err := w.queue.Promote(ctx, now); err != nil && ctx.Err() == nil {
					w.logger.Error().Err(err).Msg("promotion failed")
				}
			}
		}
	})

	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				t, err := w.queue.Dequeue(ctx, w.dequeueTimeout)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					w.logger.Error().Err(err).Msg("dequeue failed")
					sleep(ctx, w.dequeueTimeout)
					continue
				}
				if t != nil {
					w.Execute(ctx, t)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	w.logger.Info().Msg("worker stopped")
	return err
}

// Execute runs the handler of one task and settles its claim. A task
// interrupted by shutdown is queued again; every other outcome is acked.
// Failures are logged and a task that wants another attempt queues it
// itself.
func (w *Worker) Execute(ctx context.Context, t *Task) {
	l := w.logger.With().Str("task_id", t.ID).Str("type", t.Type).Logger()
	// the claim is settled even when ctx is already cancelled
	settle := context.WithoutCancel(ctx)

	fn, ok := w.handlers[t.Type]
	if !ok {
		l.Error().Msg("no handler for task type")
		w.ack(settle, l, t)
		return
	}

	start := time.Now()
	err := w.safeCall(ctx, fn, t)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		l.Warn().Msg("task interrupted by shutdown, requeueing")
		if err := w.queue.Nack(settle, t, 0); err != nil {
			l.Error().Err(err).Msg("requeue failed, task returns after its lease")
		}
		return
	}
	w.ack(settle, l, t)
	if err != nil {
		l.Error().Err(err).Dur("took", time.Since(start)).Msg("task failed")
		return
	}
	l.Debug().Dur("took", time.Since(start)).Msg("task done")
}

func (w *Worker) ack(ctx context.Context, l zerolog.Logger, t *Task) {
	if err := w.queue.Ack(ctx, t); err != nil {
		l.Error().Err(err).Msg("ack failed, task may run again")
	}
}

func (w *Worker) safeCall(ctx context.Context, fn HandlerFunc, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, t)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
