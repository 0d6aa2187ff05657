// Package scheduler runs keyed one-shot delayed jobs and periodic jobs on a cron engine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wenwu/saas-platform/compute-lease-service/internal/logger"
)

// Scheduler wraps a cron.Cron. One-shot jobs are deduplicated by key.
type Scheduler struct {
	cron    *cron.Cron
	logger  *logger.Logger
	entries map[string]cron.EntryID
	mu      sync.Mutex
}

// New creates a scheduler; jobs that panic are recovered and logged.
func New(log *logger.Logger) *Scheduler {
	log = log.With("scheduler")
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{log}))),
		logger:  log,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// ScheduleOnce runs fn once after delay. It returns false, scheduling nothing, when a job with
// the same key is already pending.
func (s *Scheduler) ScheduleOnce(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return false
	}

	id := s.cron.Schedule(&onceSchedule{at: time.Now().Add(delay)}, cron.FuncJob(func() {
		defer s.forget(key)
		fn()
	}))
	s.entries[key] = id

	s.logger.Debugf("Scheduled %s in %s", key, delay)
	return true
}

// pending reports whether a one-shot job with key is waiting to run.
func (s *Scheduler) pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Cancel drops a pending one-shot job. It reports false when nothing was waiting under key.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[key]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, key)
	return true
}

// Every registers a periodic job using a standard cron spec or a descriptor like "@every 5m".
func (s *Scheduler) Every(spec, name string, fn func()) error {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.logger.Infof("Registered periodic job %s (%s)", name, spec)
	return nil
}

func (s *Scheduler) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.cron.Remove(id)
	}
}

// onceSchedule fires at a fixed time and never again. cron asks for Next once before the first
// run and once after each run, always from its own goroutine.
type onceSchedule struct {
	at    time.Time
	asked bool
}

func (o *onceSchedule) Next(time.Time) time.Time {
	if o.asked {
		return time.Time{}
	}
	o.asked = true
	return o.at
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.ErrorWithErr(err, fmt.Sprintf("cron: %s %v", msg, keysAndValues))
}
