// Package scheduler fires jobs on cron schedules, on engine events, and
// on demand. One evaluator goroutine ticks at a configurable interval
// (default 30s); fired jobs run on a bounded worker pool with per-source
// FIFO serialization and exponential retry for retryable faults.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loom-data/loom/engine/internal/domain"
	"github.com/loom-data/loom/engine/internal/events"
	"github.com/loom-data/loom/engine/internal/fault"
)

// JobStore lists and advances scheduled jobs.
type JobStore interface {
	ListEnabledJobs(ctx context.Context) ([]domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	UpdateJobRun(ctx context.Context, id string, lastRunAt, nextRunAt time.Time) error
}

// ExecutionStore persists the execution row per job firing.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *domain.Execution) error
	MarkRunning(ctx context.Context, id string) error
	MarkFinished(ctx context.Context, id string, status domain.ExecutionStatus, errText string, stats json.RawMessage) error
	CountActive(ctx context.Context, jobID string) (int, error)
}

// Runner executes one job firing. Implementations dispatch on job.Kind
// to the ingestion engine, the pipeline engine, or the bulk registry.
type Runner interface {
	RunJob(ctx context.Context, job *domain.Job, exec *domain.Execution) error

	// SerialKeys names the (project, data source) keys the job mutates.
	// Jobs sharing a key run one at a time, FIFO. An empty slice means
	// the job only needs a pool slot.
	SerialKeys(ctx context.Context, job *domain.Job) []string
}

// Config tunes the scheduler.
type Config struct {
	Interval      time.Duration // evaluator tick, default 30s
	MaxConcurrent int           // worker pool size, default 4
	RetryDelay    time.Duration // base retry backoff, default 30s
	MaxRetryDelay time.Duration // backoff cap, default 10m
	Timezone      string        // engine default timezone, falls back to UTC
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 10 * time.Minute
	}
}

// Scheduler owns the evaluator goroutine and the worker pool.
type Scheduler struct {
	jobs       JobStore
	executions ExecutionStore
	runner     Runner
	bus        events.Bus
	logger     *slog.Logger
	cfg        Config
	parser     cron.Parser

	sem  chan struct{}
	wg   sync.WaitGroup
	root context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc // execution ID -> cancel
	keyLocks map[string]*fifoLock
	unsubs   []func()
}

// New creates a scheduler. Call Start to begin evaluating.
func New(jobs JobStore, executions ExecutionStore, runner Runner, bus events.Bus, logger *slog.Logger, cfg Config) *Scheduler {
	cfg.withDefaults()
	return &Scheduler{
		jobs:       jobs,
		executions: executions,
		runner:     runner,
		bus:        bus,
		logger:     logger,
		cfg:        cfg,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		cancels:    make(map[string]context.CancelFunc),
		keyLocks:   make(map[string]*fifoLock),
	}
}

// Start launches the evaluator goroutine and the event-trigger listeners.
func (s *Scheduler) Start(ctx context.Context) {
	s.root, s.stop = context.WithCancel(ctx)

	for _, channel := range events.Channels() {
		ch, cancel := s.bus.Subscribe(channel)
		s.mu.Lock()
		s.unsubs = append(s.unsubs, cancel)
		s.mu.Unlock()

		s.wg.Add(1)
		go func(channel string, ch <-chan events.Event) {
			defer s.wg.Done()
			for {
				select {
				case <-s.root.Done():
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					s.fireEventJobs(s.root, channel)
				}
			}
		}(channel, ch)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.root.Done():
				return
			case <-ticker.C:
				s.tick(s.root)
			}
		}
	}()
}

// Stop cancels every running execution and waits for workers to drain.
func (s *Scheduler) Stop() {
	if s.stop != nil {
		s.stop()
	}
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, cancel := range unsubs {
		cancel()
	}
	s.wg.Wait()
}

// tick evaluates every enabled cron job once.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.jobs.ListEnabledJobs(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list enabled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	for i := range jobs {
		job := jobs[i]
		if job.Schedule == nil || job.Schedule.Cron == "" {
			continue
		}
		sched, err := s.parse(job.Schedule)
		if err != nil {
			s.logger.WarnContext(ctx, "invalid cron expression",
				slog.String("job_id", job.ID),
				slog.String("cron", job.Schedule.Cron),
				slog.String("error", err.Error()))
			continue
		}

		// First sighting: initialize the schedule, never catch up more
		// than once.
		if job.NextRunAt == nil {
			if err := s.jobs.UpdateJobRun(ctx, job.ID, now, sched.Next(now)); err != nil {
				s.logger.ErrorContext(ctx, "initialize next run", slog.String("error", err.Error()))
			}
			continue
		}
		if job.NextRunAt.After(now) {
			continue
		}

		// Due. A still-active previous execution skips the fire but the
		// schedule advances anyway.
		active, err := s.executions.CountActive(ctx, job.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "count active executions", slog.String("error", err.Error()))
			continue
		}
		if active > 0 {
			s.publishJob(ctx, events.ChannelJobMissed, &job, "")
			s.logger.WarnContext(ctx, "job fire skipped, previous execution still active",
				slog.String("job_id", job.ID))
		} else {
			s.fire(ctx, &job, "cron:"+job.Schedule.Cron)
		}
		if err := s.jobs.UpdateJobRun(ctx, job.ID, now, sched.Next(now)); err != nil {
			s.logger.ErrorContext(ctx, "advance schedule", slog.String("error", err.Error()))
		}
	}
}

// fireEventJobs fires every enabled job subscribed to the channel.
func (s *Scheduler) fireEventJobs(ctx context.Context, channel string) {
	jobs, err := s.jobs.ListEnabledJobs(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list enabled jobs", slog.String("error", err.Error()))
		return
	}
	for i := range jobs {
		job := jobs[i]
		for _, event := range job.TriggerEvents {
			if event != channel {
				continue
			}
			active, err := s.executions.CountActive(ctx, job.ID)
			if err != nil || active > 0 {
				if active > 0 {
					s.publishJob(ctx, events.ChannelJobMissed, &job, "")
				}
				break
			}
			s.fire(ctx, &job, "event:"+channel)
			break
		}
	}
}

// RunNow fires a job immediately, bypassing the schedule but not the
// worker pool.
func (s *Scheduler) RunNow(ctx context.Context, jobID string) (*domain.Execution, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("run job: job %q not found", jobID)
	}
	return s.fire(ctx, job, "manual")
}

// Cancel cooperatively stops a running execution.
func (s *Scheduler) Cancel(executionID string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel: execution %q is not running", executionID)
	}
	cancel()
	return nil
}

// fire creates the execution row, emits job.scheduled, and submits to
// the pool.
func (s *Scheduler) fire(ctx context.Context, job *domain.Job, trigger string) (*domain.Execution, error) {
	exec := &domain.Execution{
		JobID:    &job.ID,
		Kind:     job.Kind,
		TargetID: job.TargetID,
		Trigger:  trigger,
	}
	if err := s.executions.CreateExecution(ctx, exec); err != nil {
		s.logger.ErrorContext(ctx, "create execution", slog.String("error", err.Error()))
		return nil, err
	}
	s.publishJob(ctx, events.ChannelJobScheduled, job, exec.ID)
	s.submit(job, exec, 1)
	return exec, nil
}

// submit hands an execution attempt to the worker pool.
func (s *Scheduler) submit(job *domain.Job, exec *domain.Execution, attempt int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		root := s.root
		if root == nil {
			root = context.Background()
		}
		select {
		case s.sem <- struct{}{}:
		case <-root.Done():
			return
		}
		defer func() { <-s.sem }()

		keys := s.runner.SerialKeys(root, job)
		sort.Strings(keys) // stable acquisition order prevents deadlock
		for _, key := range keys {
			lock := s.keyLock(key)
			lock.Lock()
			defer lock.Unlock()
		}

		runCtx, cancel := context.WithCancel(root)
		s.mu.Lock()
		s.cancels[exec.ID] = cancel
		s.mu.Unlock()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, exec.ID)
			s.mu.Unlock()
		}()

		if err := s.executions.MarkRunning(runCtx, exec.ID); err != nil {
			s.logger.Error("mark execution running", slog.String("error", err.Error()))
		}

		err := s.runner.RunJob(runCtx, job, exec)
		if err == nil {
			if markErr := s.executions.MarkFinished(context.WithoutCancel(runCtx), exec.ID, domain.ExecutionCompleted, "", nil); markErr != nil {
				s.logger.Error("mark execution finished", slog.String("error", markErr.Error()))
			}
			return
		}

		f := fault.Classify(err)
		bookCtx := context.WithoutCancel(runCtx)
		if f.Code == fault.CodeCancelled {
			s.finishWith(bookCtx, exec.ID, domain.ExecutionCancelled, f.Error())
			return
		}
		if fault.IsRetryable(err) && attempt <= job.MaxRetries {
			delay := s.retryDelay(attempt)
			s.finishWith(bookCtx, exec.ID, domain.ExecutionQueued, f.Error())
			s.logger.Warn("job failed, retrying",
				slog.String("job_id", job.ID),
				slog.String("execution_id", exec.ID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", f.Error()))
			s.requeue(job, exec, attempt+1, delay)
			return
		}
		s.finishWith(bookCtx, exec.ID, domain.ExecutionFailed, f.Error())
		s.logger.Error("job failed",
			slog.String("job_id", job.ID),
			slog.String("execution_id", exec.ID),
			slog.String("code", f.Code),
			slog.String("error", f.Error()))
	}()
}

// requeue resubmits a retryable failure after the backoff delay unless
// the scheduler is shutting down.
func (s *Scheduler) requeue(job *domain.Job, exec *domain.Execution, attempt int, delay time.Duration) {
	s.wg.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer s.wg.Done()
		defer timer.Stop()
		root := s.root
		if root == nil {
			root = context.Background()
		}
		select {
		case <-root.Done():
		case <-timer.C:
			s.submit(job, exec, attempt)
		}
	}()
}

// retryDelay computes retryDelay x 2^(attempt-1), capped.
func (s *Scheduler) retryDelay(attempt int) time.Duration {
	delay := s.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.MaxRetryDelay {
			return s.cfg.MaxRetryDelay
		}
	}
	if delay > s.cfg.MaxRetryDelay {
		delay = s.cfg.MaxRetryDelay
	}
	return delay
}

func (s *Scheduler) finishWith(ctx context.Context, execID string, status domain.ExecutionStatus, errText string) {
	if err := s.executions.MarkFinished(ctx, execID, status, errText, nil); err != nil {
		s.logger.Error("mark execution finished", slog.String("error", err.Error()))
	}
}

// parse resolves the cron expression in the job's timezone, falling back
// to the engine default, then UTC.
func (s *Scheduler) parse(schedule *domain.JobSchedule) (cron.Schedule, error) {
	tz := schedule.Timezone
	if tz == "" {
		tz = s.cfg.Timezone
	}
	expr := schedule.Cron
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		expr = "TZ=" + tz + " " + expr
	}
	return s.parser.Parse(expr)
}

func (s *Scheduler) keyLock(key string) *fifoLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &fifoLock{}
		s.keyLocks[key] = lock
	}
	return lock
}

func (s *Scheduler) publishJob(ctx context.Context, channel string, job *domain.Job, execID string) {
	if s.bus == nil {
		return
	}
	payload := events.JobPayload{
		JobID:       job.ID,
		ExecutionID: execID,
		ProjectID:   job.ProjectID,
		Kind:        string(job.Kind),
		TargetID:    job.TargetID,
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event",
			slog.String("channel", channel), slog.String("error", err.Error()))
	}
}
