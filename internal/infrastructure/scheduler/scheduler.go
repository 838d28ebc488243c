// Package scheduler runs the bot's background jobs: the periodic schedule
// change check and the minute-aligned daily mailing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job is a unit of background work.
type Job interface {
	// Name identifies the job; it must be unique within a scheduler.
	Name() string

	// Run executes the job once. ctx is cancelled when the scheduler stops.
	Run(ctx context.Context) error

	// Description is shown on the status page.
	Description() string
}

// Schedule decides when a job is due next.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

// JobInfo is the status page view of a registered job.
type JobInfo struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Running      bool          `json:"running"`
	Schedule     string        `json:"schedule"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	NextRun      time.Time     `json:"next_run"`
	RunCount     int64         `json:"run_count"`
	FailCount    int64         `json:"fail_count"`
	SkipCount    int64         `json:"skip_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler sleeps until the earliest due job and starts every job that is
// due. A job still running from its previous slot is skipped for this one.
type Scheduler struct {
	logger     *slog.Logger
	timezone   *time.Location
	runOnStart []string
	now        func() time.Time

	mu        sync.Mutex
	jobs      map[string]*entry
	running   bool
	cancel    context.CancelFunc
	wake      chan struct{}
	wg        sync.WaitGroup
	startedAt time.Time
}

type entry struct {
	job      Job
	schedule Schedule

	inProgress   bool
	lastRun      time.Time
	lastDuration time.Duration
	lastErr      error
	nextRun      time.Time
	runCount     int64
	failCount    int64
	skipCount    int64
}

// SchedulerConfig contains configuration for the Scheduler.
type SchedulerConfig struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Timezone the schedules are evaluated in (default: UTC).
	Timezone *time.Location

	// RunOnStart names jobs that are due as soon as Start is called instead
	// of waiting for their first slot.
	RunOnStart []string
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Logger:   slog.Default(),
		Timezone: time.UTC,
	}
}

// NewScheduler creates a new Scheduler with the given configuration.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}

	return &Scheduler{
		logger:     config.Logger.With("component", "scheduler"),
		timezone:   config.Timezone,
		runOnStart: config.RunOnStart,
		now:        time.Now,
		jobs:       make(map[string]*entry),
		wake:       make(chan struct{}, 1),
	}
}

// Register adds a job with its schedule. Jobs may be added while running.
func (s *Scheduler) Register(job Job, schedule Schedule) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}
	e := &entry{
		job:      job,
		schedule: schedule,
		nextRun:  schedule.Next(s.now().In(s.timezone)),
	}
	s.jobs[name] = e
	s.mu.Unlock()

	s.logger.Info("job registered",
		"job", name,
		"schedule", schedule.String(),
		"next_run", e.nextRun.Format(time.RFC3339),
	)
	s.poke()
	return nil
}

// Start launches the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.startedAt = s.now()

	for _, name := range s.runOnStart {
		if e, ok := s.jobs[name]; ok {
			e.nextRun = s.startedAt.In(s.timezone)
		}
	}

	s.logger.Info("scheduler started", "jobs", len(s.jobs), "run_on_start", s.runOnStart)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Info("scheduler stopped", "uptime", s.now().Sub(s.startedAt).String())
	return nil
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.untilNextDue())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.runDue(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.untilNextDue())
	}
}

// untilNextDue returns how long to sleep before the earliest job is due.
// With no jobs the loop only wakes on Register.
func (s *Scheduler) untilNextDue() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	for _, e := range s.jobs {
		if earliest.IsZero() || e.nextRun.Before(earliest) {
			earliest = e.nextRun
		}
	}
	if earliest.IsZero() {
		return time.Hour
	}
	return max(earliest.Sub(s.now()), 0)
}

// runDue starts every job whose slot has come.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now().In(s.timezone)

	var due []*entry
	s.mu.Lock()
	for name, e := range s.jobs {
		if now.Before(e.nextRun) {
			continue
		}
		e.nextRun = e.schedule.Next(now)
		if e.inProgress {
			e.skipCount++
			s.logger.Warn("previous run still in progress, skipping",
				"job", name,
				"next_run", e.nextRun.Format(time.RFC3339),
			)
			continue
		}
		e.inProgress = true
		e.lastRun = now
		e.runCount++
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go s.run(ctx, e)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.wg.Done()

	name := e.job.Name()
	started := s.now()
	err := e.job.Run(ctx)
	took := s.now().Sub(started)

	s.mu.Lock()
	e.inProgress = false
	e.lastDuration = took
	e.lastErr = err
	if err != nil {
		e.failCount++
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("job failed", "job", name, "duration", took.String(), "error", err)
		return
	}
	s.logger.Debug("job completed", "job", name, "duration", took.String())
}

// Jobs returns every registered job sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		info := JobInfo{
			Name:         name,
			Description:  e.job.Description(),
			Running:      e.inProgress,
			Schedule:     e.schedule.String(),
			LastRun:      e.lastRun,
			LastDuration: e.lastDuration,
			NextRun:      e.nextRun,
			RunCount:     e.runCount,
			FailCount:    e.failCount,
			SkipCount:    e.skipCount,
		}
		if e.lastErr != nil {
			info.LastError = e.lastErr.Error()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	ErrNilJob                  = errors.New("job cannot be nil")
	ErrNilSchedule             = errors.New("schedule cannot be nil")
	ErrJobAlreadyExists        = errors.New("job already exists")
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)
