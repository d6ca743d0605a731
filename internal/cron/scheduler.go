// Package cron runs configured plans on their cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is a named plan with a cron schedule.
type Job struct {
	Name     string
	Schedule string
}

// TriggerFunc starts a run of the named plan.
type TriggerFunc func(ctx context.Context, name string) error

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs     []Job
	Trigger  TriggerFunc
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type entry struct {
	job     Job
	sched   cronlib.Schedule
	nextRun time.Time
}

// Scheduler checks its jobs every interval and triggers the ones that are
// due. Next run times live in memory and are recomputed from the time of
// Start or SetJobs, so missed runs while stopped are not replayed.
type Scheduler struct {
	trigger  TriggerFunc
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. Jobs with invalid schedules are logged
// and left out.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		trigger:  cfg.Trigger,
		logger:   logger,
		interval: interval,
		now:      now,
		entries:  map[string]*entry{},
	}
	s.SetJobs(cfg.Jobs)
	return s
}

// SetJobs replaces the job set. Jobs whose schedule is unchanged keep their
// next run time.
func (s *Scheduler) SetJobs(jobs []Job) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*entry, len(jobs))
	for _, job := range jobs {
		if old, ok := s.entries[job.Name]; ok && old.job.Schedule == job.Schedule {
			next[job.Name] = old
			continue
		}
		sched, err := cronParser.Parse(job.Schedule)
		if err != nil {
			s.logger.Error("cron: invalid schedule", "plan", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		next[job.Name] = &entry{job: job, sched: sched, nextRun: sched.Next(now)}
	}
	s.entries = next
}

// Jobs returns the scheduled jobs with their next run times, by name.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.nextRun
	}
	return out
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.Jobs()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// RunDue triggers every job whose next run time is at or before now and
// returns their names in order.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
			e.nextRun = e.sched.Next(now)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].job.Name < due[j].job.Name })
	names := make([]string, 0, len(due))
	for _, e := range due {
		names = append(names, e.job.Name)
		s.fire(ctx, e)
	}
	return names
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	if s.trigger == nil {
		return
	}
	if err := s.trigger(ctx, e.job.Name); err != nil {
		s.logger.Error("cron: failed to trigger plan",
			"plan", e.job.Name,
			"schedule", e.job.Schedule,
			"error", err,
		)
		return
	}
	s.mu.Lock()
	nextRun := e.nextRun
	s.mu.Unlock()
	s.logger.Info("cron: plan triggered",
		"plan", e.job.Name,
		"next_run_at", nextRun,
	)
}

// ValidateSchedule reports whether expr is a valid 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
