// Package scheduler runs the collector's periodic jobs from a YAML jobs
// file: fanning out collection tasks, refreshing instrument reference data
// and reconciling cache checkpoints against the analytical store.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

// Job types the runner understands.
const (
	JobCollectEnqueue = "collect.enqueue"
	JobCollectSync    = "collect.sync"
	JobTickersSync    = "tickers.sync"
)

// Job is one scheduled entry from the jobs file.
type Job struct {
	Name            string `yaml:"name"`
	Type            string `yaml:"type"`
	Description     string `yaml:"description"`
	Enabled         bool   `yaml:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds"`

	// RunAtStart fires the job immediately when the daemon starts instead
	// of waiting out the first interval.
	RunAtStart bool `yaml:"run_at_start"`
}

// Interval returns the job period.
func (j Job) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

type jobsFile struct {
	Jobs []Job `yaml:"jobs"`
}

// Runner is the slice of the collector scheduler the job runner drives.
type Runner interface {
	EnqueueTasks(ctx context.Context) (int, error)
	SyncState(ctx context.Context) (int, error)
	SyncTickers(ctx context.Context) (int, error)
}

// JobResult reports one job execution.
type JobResult struct {
	JobName   string        `yaml:"job_name"`
	StartTime time.Time     `yaml:"start_time"`
	Duration  time.Duration `yaml:"duration"`
	Success   bool          `yaml:"success"`
	Error     string        `yaml:"error,omitempty"`

	// Processed counts what the job touched: tasks enqueued, tickers
	// synced or checkpoints moved.
	Processed int `yaml:"processed"`
}

// Status is a point-in-time snapshot of the daemon.
type Status struct {
	Running      bool          `yaml:"running"`
	EnabledJobs  int           `yaml:"enabled_jobs"`
	DisabledJobs int           `yaml:"disabled_jobs"`
	NextRun      time.Time     `yaml:"next_run"`
	LastRun      time.Time     `yaml:"last_run"`
	Uptime       time.Duration `yaml:"uptime"`
}

// Scheduler executes the jobs file against a Runner on fixed intervals.
type Scheduler struct {
	jobs   []Job
	runner Runner
	log    zerolog.Logger

	mu        sync.Mutex
	running   bool
	startTime time.Time
	lastRun   map[string]time.Time
	nextRun   map[string]time.Time
}

// New loads the jobs file and validates every entry. Unlike the main
// config, a missing jobs file is an error: the daemon has nothing to do
// without it.
func New(jobsPath string, runner Runner, logger zerolog.Logger) (*Scheduler, error) {
	jobs, err := loadJobs(jobsPath)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		jobs:    jobs,
		runner:  runner,
		log:     logger,
		lastRun: make(map[string]time.Time),
		nextRun: make(map[string]time.Time),
	}, nil
}

func loadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	var file jobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}
	if len(file.Jobs) == 0 {
		return nil, fmt.Errorf("jobs file %s defines no jobs", path)
	}

	seen := make(map[string]bool, len(file.Jobs))
	for _, job := range file.Jobs {
		if job.Name == "" {
			return nil, fmt.Errorf("jobs file: every job needs a name")
		}
		if seen[job.Name] {
			return nil, fmt.Errorf("jobs file: duplicate job name %q", job.Name)
		}
		seen[job.Name] = true

		switch job.Type {
		case JobCollectEnqueue, JobCollectSync, JobTickersSync:
		default:
			return nil, fmt.Errorf("job %q: unknown type %q", job.Name, job.Type)
		}
		if job.Enabled && job.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("job %q: interval_seconds must be positive", job.Name)
		}
	}
	return file.Jobs, nil
}

// Jobs returns the loaded jobs.
func (s *Scheduler) Jobs() []Job {
	return s.jobs
}

// Start runs the daemon loop until the context is cancelled. Job failures
// are logged and the job is rescheduled; only cancellation stops the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.startTime = time.Now()

	now := time.Now()
	scan := time.Second
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if job.RunAtStart {
			s.nextRun[job.Name] = now
		} else {
			s.nextRun[job.Name] = now.Add(job.Interval())
		}
		if job.Interval() < scan {
			scan = job.Interval()
		}
	}
	s.mu.Unlock()

	s.log.Info().Int("jobs", len(s.jobs)).Msg("scheduler starting")

	ticker := time.NewTicker(scan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		s.mu.Lock()
		due := !now.Before(s.nextRun[job.Name])
		s.mu.Unlock()
		if !due {
			continue
		}

		result := s.execute(ctx, job)

		s.mu.Lock()
		s.lastRun[job.Name] = result.StartTime
		s.nextRun[job.Name] = result.StartTime.Add(job.Interval())
		s.mu.Unlock()
	}
}

// RunJob executes one job by name immediately, outside its schedule. The
// returned error covers lookup only; execution failures are reported in
// the result.
func (s *Scheduler) RunJob(ctx context.Context, name string) (*JobResult, error) {
	for _, job := range s.jobs {
		if job.Name == name {
			result := s.execute(ctx, job)
			return &result, nil
		}
	}
	return nil, fmt.Errorf("job not found: %s", name)
}

// RunEnabled executes every enabled job once, in file order. Used by the
// one-shot mode.
func (s *Scheduler) RunEnabled(ctx context.Context) []JobResult {
	results := make([]JobResult, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		results = append(results, s.execute(ctx, job))
	}
	return results
}

func (s *Scheduler) execute(ctx context.Context, job Job) JobResult {
	start := time.Now()
	result := JobResult{JobName: job.Name, StartTime: start, Success: true}

	var (
		n   int
		err error
	)
	switch job.Type {
	case JobCollectEnqueue:
		n, err = s.runner.EnqueueTasks(ctx)
	case JobCollectSync:
		n, err = s.runner.SyncState(ctx)
	case JobTickersSync:
		n, err = s.runner.SyncTickers(ctx)
	}
	result.Duration = time.Since(start)
	result.Processed = n

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		s.log.Error().Err(err).Str("job", job.Name).Msg("job failed")
		return result
	}

	s.log.Info().
		Str("job", job.Name).
		Int("processed", n).
		Dur("duration", result.Duration).
		Msg("job finished")
	return result
}

// Status reports the daemon state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{Running: s.running}
	for _, job := range s.jobs {
		if job.Enabled {
			status.EnabledJobs++
		} else {
			status.DisabledJobs++
		}
	}
	for _, t := range s.lastRun {
		if t.After(status.LastRun) {
			status.LastRun = t
		}
	}
	for _, t := range s.nextRun {
		if status.NextRun.IsZero() || t.Before(status.NextRun) {
			status.NextRun = t
		}
	}
	if s.running {
		status.Uptime = time.Since(s.startTime)
	}
	return status
}
