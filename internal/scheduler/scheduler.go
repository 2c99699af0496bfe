// Package scheduler runs sync cycles for every subscription on a cron
// schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	appLog "webcalsync/internal/log"
	"webcalsync/internal/webcal"
)

// Job is one subscription driven by the scheduler. Sync must resolve to an
// aborted outcome once ctx is cancelled.
type Job interface {
	Profile() string
	Sync(ctx context.Context) webcal.Outcome
}

// Scheduler triggers Job.Sync on a standard five-field cron spec. A tick
// that fires while the previous cycle of the same job is still running is
// skipped.
type Scheduler struct {
	cron *cron.Cron
	jobs []Job

	mu      sync.Mutex
	ctx     context.Context
	running map[string]context.CancelFunc
}

// New validates spec and registers every job.
func New(spec string, jobs []Job) (*Scheduler, error) {
	logger := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		jobs:    jobs,
		ctx:     context.Background(),
		running: make(map[string]context.CancelFunc),
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(spec, func() { s.run(s.baseContext(), j) }); err != nil {
			return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
		}
	}
	return s, nil
}

// Start begins firing ticks. Cycles run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	for _, e := range s.cron.Entries() {
		appLog.Debug("scheduled sync", "entry", int(e.ID), "next", e.Next)
	}
	appLog.Info("scheduler started", "jobs", len(s.jobs))
}

// RunAll runs one cycle for every job in turn, outside the schedule. It
// returns early once ctx is cancelled.
func (s *Scheduler) RunAll(ctx context.Context) {
	for _, j := range s.jobs {
		if ctx.Err() != nil {
			appLog.Info("startup sync interrupted", "next_profile", j.Profile())
			return
		}
		s.run(ctx, j)
	}
}

// Stop halts the schedule, aborts running cycles and waits for them to
// return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()

	s.mu.Lock()
	for profile, cancel := range s.running {
		appLog.Info("aborting running sync", "profile", profile)
		cancel()
	}
	s.mu.Unlock()

	<-done.Done()
	appLog.Info("scheduler stopped")
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) run(parent context.Context, j Job) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	s.running[j.Profile()] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, j.Profile())
		s.mu.Unlock()
		cancel()
	}()

	out := j.Sync(ctx)
	if out.Succeeded() {
		kv := []any{"profile", j.Profile()}
		for _, t := range out.Targets {
			kv = append(kv, "target", t.Name, "added", t.Added, "deleted", t.Deleted)
		}
		appLog.Info("scheduled sync succeeded", kv...)
		return
	}
	appLog.Warn("scheduled sync failed", "profile", j.Profile(), "reason", out.Reason.String(), "message", out.Message)
}

// cronLogger routes cron's own log lines through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
