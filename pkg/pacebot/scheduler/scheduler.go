// Package scheduler runs the housekeeping jobs (snapshot flushes and the
// stale quota sweep) on robfig/cron, off the dispatch path.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work a job performs.
type JobFunc func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	// Name identifies the job in logs and metrics.
	Name string

	// Schedule is a cron expression or descriptor: "@every 30s", "@hourly",
	// "*/5 * * * *".
	Schedule string

	Run JobFunc
}

// Every returns the cron descriptor for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Observer is told about every job run. Optional.
type Observer func(job string, d time.Duration, err error)

// Scheduler runs jobs. A job never runs concurrently with itself: a tick
// that fires while the previous run is still going is skipped.
type Scheduler struct {
	cron       *cron.Cron
	jobs       map[string]*Job
	running    map[string]bool
	jobTimeout time.Duration
	observer   Observer
	logger     *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. jobTimeout bounds a single run; zero means one
// minute.
func New(jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		jobs:       make(map[string]*Job),
		running:    make(map[string]bool),
		jobTimeout: jobTimeout,
		logger:     logger.With("component", "scheduler"),
		ctx:        context.Background(),
	}
}

// SetObserver installs a callback invoked after every run.
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// Add registers a job. Jobs may be added before or after Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	j := &job
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.execute(j) }); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	s.jobs[job.Name] = j
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	jobs := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", jobs)
}

// Stop stops firing jobs and waits for running ones, up to ten seconds.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow runs the named job synchronously, respecting the overlap guard.
// It reports false if the job is unknown or already running.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.execute(j)
}

func (s *Scheduler) execute(j *Job) bool {
	s.mu.Lock()
	if s.running[j.Name] {
		s.mu.Unlock()
		s.logger.Debug("job still running, skipping tick", "job", j.Name)
		return false
	}
	s.running[j.Name] = true
	parent := s.ctx
	observer := s.observer
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, j.Name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(parent, s.jobTimeout)
	defer cancel()

	start := time.Now()
	err := s.safeRun(ctx, j)
	elapsed := time.Since(start)

	if err != nil {
		s.logger.Error("job failed", "job", j.Name, "duration", elapsed, "error", err)
	} else {
		s.logger.Debug("job done", "job", j.Name, "duration", elapsed)
	}
	if observer != nil {
		observer(j.Name, elapsed, err)
	}
	return true
}

func (s *Scheduler) safeRun(ctx context.Context, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return j.Run(ctx)
}
