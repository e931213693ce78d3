package main

import (
	"context"
	"flag"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/scheduler"
)

var version = "dev"

// Flags holds the command-line options
type Flags struct {
	RunOnce  bool
	Jobs     string
	LogLevel string
}

// Scheduler runs the recurring billing jobs: outstanding-record sweeps,
// scheduled tier changes, period close and grace-period enforcement.
func main() {
	flags := parseFlags()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	level := cfg.Scheduler.LogLevel
	if flags.LogLevel != "" {
		level = flags.LogLevel
	}
	logger := setupLogger(level)
	logger.Infof("Starting Tollgate scheduler %s", version)

	// The billing components log through the structured logger
	componentLogger := observability.NewLogger(observability.ParseLogLevel(level), os.Stdout).
		WithField("service", "tollgate-scheduler").
		WithField("environment", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, version, componentLogger)
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}

	sched := scheduler.New(a.Orchestrator, a.Engine, a.Store, scheduler.Config{
		SweepSchedule:       cfg.Scheduler.SweepSchedule,
		SchedulesSchedule:   cfg.Scheduler.SchedulesSchedule,
		ClosePeriodSchedule: cfg.Scheduler.ClosePeriodSchedule,
		GraceSchedule:       cfg.Scheduler.GraceSchedule,
		Concurrency:         cfg.Scheduler.Concurrency,
		JobTimeout:          cfg.Scheduler.JobTimeout,
	}, logger, a.Metrics)

	// Run once mode, for backfills and manual runs
	if flags.RunOnce {
		code := 0
		for _, name := range selectedJobs(flags.Jobs, sched) {
			if err := sched.RunJob(ctx, name); err != nil {
				logger.Errorf("Job %s failed: %v", name, err)
				code = 1
			}
		}
		if err := a.Shutdown.Shutdown(context.Background()); err != nil {
			logger.Errorf("Shutdown failed: %v", err)
		}
		os.Exit(code)
	}

	a.Run(ctx)
	if err := sched.Start(ctx); err != nil {
		logger.Fatalf("Failed to schedule jobs: %v", err)
	}

	a.Shutdown.Register("scheduler", func(ctx context.Context) error {
		select {
		case <-sched.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err := a.Shutdown.WaitForSignal(ctx); err != nil {
		logger.Errorf("Shutdown completed with errors: %v", err)
		os.Exit(1)
	}
	logger.Info("Tollgate scheduler stopped")
}

func parseFlags() *Flags {
	flags := &Flags{}

	flag.BoolVar(&flags.RunOnce, "run-once", false, "Run the selected jobs once and exit")
	flag.StringVar(&flags.Jobs, "jobs", "", "Comma-separated jobs for --run-once (sweep, schedules, close_period, grace); empty runs all")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error), overrides TOLLGATE_SCHEDULER_LOG_LEVEL")

	flag.Parse()

	return flags
}

func selectedJobs(list string, sched *scheduler.Scheduler) []string {
	if strings.TrimSpace(list) == "" {
		jobs := sched.Jobs()
		names := make([]string, 0, len(jobs))
		for _, job := range jobs {
			names = append(names, job.Name)
		}
		return names
	}
	var names []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
