package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job is a maintenance task queued at a fixed interval.
type Job struct {
	Type     string
	Interval time.Duration
}

// Periodic queues the maintenance jobs. Every tick takes a lease in the
// queue first so that several worker processes queue each run only once.
type Periodic struct {
	queue Queue
	jobs  []Job
}

func NewPeriodic(queue Queue, jobs ...Job) *Periodic {
	return &Periodic{queue: queue, jobs: jobs}
}

// Run ticks all jobs until ctx is cancelled. Jobs with a zero interval are
// skipped.
func (p *Periodic) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range p.jobs {
		if job.Interval <= 0 {
			log.Info().Str("component", "periodic").Str("type", job.Type).Msg("job disabled")
			continue
		}
		g.Go(func() error {
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					p.Tick(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// Tick queues one run of job unless another process already did for this
// interval.
func (p *Periodic) Tick(ctx context.Context, job Job) bool {
	l := log.With().Str("component", "periodic").Str("type", job.Type).Logger()

	// the lease expires shortly before the next tick
	ttl := job.Interval - job.Interval/10
	ok, err := p.queue.Lock(ctx, job.Type, ttl)
	if err != nil {
		l.Error().Err(err).Msg("lease not taken")
		return false
	}
	if !ok {
		return false
	}
	t, err := NewTask(job.Type, nil)
	if err != nil {
		l.Error().Err(err).Msg("task not built")
		return false
	}
	if err := p.queue.Enqueue(ctx, t, 0); err != nil {
		l.Error().Err(err).Msg("task not queued")
		return false
	}
	return true
}
