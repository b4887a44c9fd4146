// Package scheduler runs the engine's periodic jobs on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ErrInvalidInterval is returned for non-positive job intervals.
var ErrInvalidInterval = errors.New("scheduler: interval must be positive")

// Job is one scheduled unit of work.
type Job func(ctx context.Context)

// zerologAdapter bridges cron's logger onto the global zerolog logger.
type zerologAdapter struct{}

var _ cron.Logger = zerologAdapter{}

func (zerologAdapter) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("scheduler: " + msg)
}

func (zerologAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("scheduler: " + msg)
}

// JobStats are per-job counters.
type JobStats struct {
	Name         string        `json:"name"`
	Interval     string        `json:"interval"`
	Runs         int64         `json:"runs"`
	LastDuration time.Duration `json:"last_duration_ns"`
	LastRun      time.Time     `json:"last_run"`
}

type entry struct {
	name     string
	interval time.Duration
	runs     atomic.Int64

	mu       sync.Mutex
	lastDur  time.Duration
	lastTime time.Time
}

// Scheduler wraps a cron instance whose chain recovers panics and skips a
// run while the previous one of the same job is still executing.
type Scheduler struct {
	cron    *cron.Cron
	baseCtx context.Context

	mu      sync.Mutex
	entries []*entry
	started bool
}

// New creates a scheduler. Jobs receive baseCtx.
func New(baseCtx context.Context) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := zerologAdapter{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		baseCtx: baseCtx,
	}
}

// Every registers job to run at a fixed interval. Intervals below one
// second are rounded up by cron.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
	}
	e := &entry{name: name, interval: interval}
	spec := "@every " + interval.String()
	if _, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		defer func() {
			e.runs.Add(1)
			e.mu.Lock()
			e.lastDur = time.Since(start)
			e.lastTime = start
			e.mu.Unlock()
		}()
		job(s.baseCtx)
	}); err != nil {
		return fmt.Errorf("scheduler: add %s: %w", name, err)
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	log.Info().Str("job", name).Dur("interval", interval).Msg("scheduler: job registered")
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	log.Info().Int("jobs", len(s.entries)).Msg("scheduler: started")
}

// Stop prevents new runs and blocks until in-flight jobs finish or ctx is
// done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info().Msg("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: waiting for running jobs: %w", ctx.Err())
	}
}

// Stats returns per-job counters in registration order.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	out := make([]JobStats, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, JobStats{
			Name:         e.name,
			Interval:     e.interval.String(),
			Runs:         e.runs.Load(),
			LastDuration: e.lastDur,
			LastRun:      e.lastTime,
		})
		e.mu.Unlock()
	}
	return out
}
