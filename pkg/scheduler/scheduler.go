package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Job names
const (
	JobSweep       = "sweep"
	JobSchedules   = "schedules"
	JobClosePeriod = "close_period"
	JobGrace       = "grace"
)

// Orchestrator is the per-customer work the jobs perform
type Orchestrator interface {
	ApplyDueSchedules(ctx context.Context, customerID int64) (int, error)
	ClosePeriod(ctx context.Context, customerID int64) (*billing.BillingRecord, error)
	EnforceGracePeriod(ctx context.Context, customerID int64) (int, error)
	Clock() billing.Clock
	Config() subscriptions.Config
}

// Sweeper retries outstanding records across customers
type Sweeper interface {
	Sweep(ctx context.Context) (*reconcile.SweepResult, error)
}

// Customers lists the customers each job concerns
type Customers interface {
	ListCustomersWithDueSchedules(ctx context.Context, asOf time.Time) ([]int64, error)
	ListCustomersWithDraftsBefore(ctx context.Context, periodStart time.Time) ([]int64, error)
	ListCustomersWithActiveServices(ctx context.Context) ([]int64, error)
	ListCustomersInGraceSince(ctx context.Context, startedBefore time.Time) ([]int64, error)
}

// Config holds job schedules and limits
type Config struct {
	SweepSchedule       string
	SchedulesSchedule   string
	ClosePeriodSchedule string
	GraceSchedule       string
	// Concurrency bounds how many customers a job handles at once
	Concurrency int
	// JobTimeout bounds a single job run
	JobTimeout time.Duration
}

// DefaultConfig returns the production schedules
func DefaultConfig() Config {
	return Config{
		SweepSchedule:       "*/15 * * * *",
		SchedulesSchedule:   "5 * * * *",
		ClosePeriodSchedule: "10 0 1 * *",
		GraceSchedule:       "20 * * * *",
		Concurrency:         4,
		JobTimeout:          10 * time.Minute,
	}
}

// Job is one named recurring task
type Job struct {
	Name     string
	Schedule string
	run      func(ctx context.Context) error
}

// Scheduler manages the cron jobs
type Scheduler struct {
	cron      *cron.Cron
	jobs      map[string]Job
	orch      Orchestrator
	sweeper   Sweeper
	customers Customers
	config    Config
	logger    *logrus.Logger
	metrics   *observability.Metrics
}

// New creates a scheduler. Jobs are registered by Start.
func New(orch Orchestrator, sweeper Sweeper, customers Customers, config Config, logger *logrus.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = DefaultConfig().JobTimeout
	}

	cronLogger := cron.PrintfLogger(logger.WithField("component", "cron"))
	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		orch:      orch,
		sweeper:   sweeper,
		customers: customers,
		config:    config,
		logger:    logger,
		metrics:   metrics,
	}
	s.jobs = map[string]Job{
		JobSweep:       {Name: JobSweep, Schedule: config.SweepSchedule, run: s.sweep},
		JobSchedules:   {Name: JobSchedules, Schedule: config.SchedulesSchedule, run: s.applySchedules},
		JobClosePeriod: {Name: JobClosePeriod, Schedule: config.ClosePeriodSchedule, run: s.closePeriods},
		JobGrace:       {Name: JobGrace, Schedule: config.GraceSchedule, run: s.enforceGrace},
	}
	return s
}

// Jobs returns the registered jobs ordered by name
func (s *Scheduler) Jobs() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start registers every job and starts the cron scheduler. Jobs with an
// empty schedule are disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.Jobs() {
		if job.Schedule == "" {
			s.logger.WithField("job", job.Name).Warn("Job disabled")
			continue
		}
		name := job.Name
		if _, err := s.cron.AddFunc(job.Schedule, func() { _ = s.RunJob(ctx, name) }); err != nil {
			return fmt.Errorf("failed to schedule %s job %q: %w", name, job.Schedule, err)
		}
		s.logger.WithFields(logrus.Fields{"job": name, "schedule": job.Schedule}).Info("Scheduled job")
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling and returns a context done when running jobs finish
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunJob runs one job now
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "scheduler."+name)

	logger := s.logger.WithField("job", name)
	logger.Info("Job started")
	start := time.Now()
	err := job.run(ctx)
	duration := time.Since(start)

	observability.EndSpan(span, err)
	s.metrics.JobRun(name, duration, err)
	if err != nil {
		logger.WithError(err).WithField("duration", duration.String()).Error("Job failed")
		return err
	}
	logger.WithField("duration", duration.String()).Info("Job finished")
	return nil
}
