// Package schedule re-runs experiments on cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/raftbench/internal/model"
)

// ErrScheduleNotFound is returned for an unknown schedule ID
var ErrScheduleNotFound = errors.New("schedule not found")

// Runner executes one experiment
type Runner interface {
	Run(ctx context.Context, params model.ExperimentParams) (*model.ExperimentResult, error)
}

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Scheduler fires experiments on cron schedules. At most one experiment runs
// at a time across all schedules; fires during a run are skipped.
type Scheduler struct {
	logger *zap.Logger
	runner Runner
	cron   *cron.Cron

	mu        sync.Mutex
	schedules map[string]*model.ExperimentSchedule
	entryIDs  map[string]cron.EntryID

	running sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a new scheduler
func NewScheduler(runner Runner, logger *zap.Logger) *Scheduler {
	logger = logger.Named("schedule")
	cronLogger := &cronLogger{logger: logger.Named("cron")}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:    logger,
		runner:    runner,
		cron:      cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger))),
		schedules: make(map[string]*model.ExperimentSchedule),
		entryIDs:  make(map[string]cron.EntryID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts firing schedules. Runs are canceled when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	context.AfterFunc(ctx, s.cancel)
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop cancels any running experiment and waits for it to finish
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Add registers a schedule and returns it with its ID and next fire time set
func (s *Scheduler) Add(name, expression string, params model.ExperimentParams) (*model.ExperimentSchedule, error) {
	spec, err := specParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %v", model.ErrConfig, expression, err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	next := spec.Next(now)
	schedule := &model.ExperimentSchedule{
		ID:          uuid.New().String(),
		Name:        name,
		Expression:  expression,
		Params:      params,
		NextRunTime: &next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := s.cron.Schedule(spec, &experimentJob{scheduler: s, id: schedule.ID, spec: spec})
	s.schedules[schedule.ID] = schedule
	s.entryIDs[schedule.ID] = entryID

	s.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("name", name),
		zap.String("expression", expression),
		zap.Time("next_run", next))

	return schedule.Clone(), nil
}

// Remove unregisters a schedule. A run already in progress is not affected.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// Get returns a snapshot of a schedule
func (s *Scheduler) Get(id string) (*model.ExperimentSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return schedule.Clone(), nil
}

// List returns snapshots of all schedules
func (s *Scheduler) List() []*model.ExperimentSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules := make([]*model.ExperimentSchedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		schedules = append(schedules, schedule.Clone())
	}
	return schedules
}

func (s *Scheduler) update(id string, fn func(*model.ExperimentSchedule)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schedule, ok := s.schedules[id]; ok {
		fn(schedule)
		schedule.UpdatedAt = time.Now()
	}
}

// experimentJob implements cron.Job
type experimentJob struct {
	scheduler *Scheduler
	id        string
	spec      cron.Schedule
}

// Run implements cron.Job
func (j *experimentJob) Run() {
	s := j.scheduler
	now := time.Now()
	next := j.spec.Next(now)

	schedule, err := s.Get(j.id)
	if err != nil {
		return
	}

	if !s.running.TryLock() {
		s.update(j.id, func(sc *model.ExperimentSchedule) {
			sc.Skipped++
			sc.NextRunTime = &next
		})
		s.logger.Warn("Skipping schedule, an experiment is still running",
			zap.String("id", j.id),
			zap.String("name", schedule.Name))
		return
	}
	defer s.running.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	s.logger.Info("Running scheduled experiment",
		zap.String("id", j.id),
		zap.String("name", schedule.Name),
		zap.Time("next_run", next))

	result, err := s.runner.Run(s.ctx, schedule.Params)

	s.update(j.id, func(sc *model.ExperimentSchedule) {
		sc.Runs++
		sc.LastRunTime = &now
		sc.NextRunTime = &next
		if result != nil {
			sc.LastRunID = result.RunID
		}
		var expErr *model.ExperimentError
		if errors.As(err, &expErr) {
			sc.LastRunID = expErr.RunID
		}
		if err != nil {
			sc.Failures++
		}
	})

	if err != nil {
		s.logger.Error("Scheduled experiment failed",
			zap.String("id", j.id),
			zap.String("name", schedule.Name),
			zap.Error(err))
		return
	}

	s.logger.Info("Scheduled experiment completed",
		zap.String("id", j.id),
		zap.String("run_id", result.RunID),
		zap.Float64("throughput", result.Throughput))
}
