// Package scheduler drives the recurring pipeline jobs from cron
// expressions. Expressions use the six-field form with a seconds column so
// the upload job can run sub-minute.
package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-anchoring/internal/pipeline"
)

// Scheduler owns the cron runner and the lifecycle context handed to jobs.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu serializes each job against itself: a slow run must not overlap
	// the next tick of the same job.
	mu map[string]*sync.Mutex
}

// New creates a scheduler bound to parent's lifetime.
func New(parent context.Context, log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
		log:    log.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		mu:     make(map[string]*sync.Mutex),
	}
}

// Register schedules a job on the given cron expression.
func (s *Scheduler) Register(spec string, job pipeline.Job) error {
	lock := &sync.Mutex{}
	s.mu[job.Name()] = lock

	_, err := s.cron.AddFunc(spec, func() {
		if !lock.TryLock() {
			s.log.Warn().Str("job", job.Name()).Msg("previous run still in progress, skipping tick")
			return
		}
		defer lock.Unlock()

		s.wg.Add(1)
		defer s.wg.Done()

		if s.ctx.Err() != nil {
			return
		}

		result, err := job.Execute(s.ctx, pipeline.RunOptions{})
		if err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("scheduled run failed")
			return
		}
		if result.Succeeded+result.Failed+result.Skipped > 0 {
			s.log.Info().
				Str("job", job.Name()).
				Int("succeeded", result.Succeeded).
				Int("failed", result.Failed).
				Int("skipped", result.Skipped).
				Dur("duration", result.Duration).
				Msg("scheduled run complete")
		}
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("job", job.Name()).Str("schedule", spec).Msg("job registered")
	return nil
}

// Start begins dispatching ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels in-flight runs and waits for them to unwind.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.cancel()
	<-stopCtx.Done()
	s.wg.Wait()
}
