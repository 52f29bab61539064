// Package scheduler runs periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Job struct {
	Name       string
	Interval   time.Duration
	RunAtStart bool
	Run        func(ctx context.Context) error
}

type Scheduler struct {
	log  *zap.Logger
	jobs []Job
	wg   sync.WaitGroup
}

func New(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log.Named("scheduler")}
}

// Add registers j. Jobs without an interval or body are rejected.
func (s *Scheduler) Add(j Job) error {
	if j.Interval <= 0 || j.Run == nil {
		return fmt.Errorf("job %q: interval and run func are required", j.Name)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start launches every job on its own ticker until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, j)
		}()
	}
}

// Wait blocks until all job loops have returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, j Job) {
	log := s.log.With(zap.String("job", j.Name))
	log.Info("job scheduled", zap.Duration("interval", j.Interval))
	if j.RunAtStart {
		s.runOnce(ctx, log, j)
	}
	t := time.NewTicker(j.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.runOnce(ctx, log, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, log *zap.Logger, j Job) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("job panicked", zap.Any("panic", p))
		}
	}()
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		log.Warn("job failed", zap.Error(err))
		return
	}
	log.Debug("job done", zap.Duration("took", time.Since(start)))
}

type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// RetentionJob deletes router events older than retention on every tick.
func RetentionJob(p Pruner, retention, interval time.Duration) Job {
	return Job{
		Name:       "router-event-retention",
		Interval:   interval,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			_, err := p.Prune(ctx, retention)
			return err
		},
	}
}
