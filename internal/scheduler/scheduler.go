// Package scheduler runs IntakePipe maintenance jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/metrics"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultPruneSchedule runs inbound dedup pruning once a day at 03:17.
	DefaultPruneSchedule = "17 3 * * *"
	// DefaultInboundRetention is how long inbound message IDs are remembered.
	DefaultInboundRetention = 7 * 24 * time.Hour
	// DefaultJobTimeout bounds a single job run.
	DefaultJobTimeout = time.Minute
)

// Job is one unit of maintenance work.
type Job func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
}

// NewScheduler creates a stopped scheduler using the standard 5-field parser.
// Overlapping runs of the same job are skipped and panics are recovered.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Scheduler{cron: c, timeout: DefaultJobTimeout}
}

// AddJob schedules job under name. It returns an error if expr is invalid.
func (s *Scheduler) AddJob(name, expr string, job Job) error {
	_, err := s.cron.AddFunc(expr, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "job", name, "schedule", expr)
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	if err := job(ctx); err != nil {
		metrics.MaintenanceRuns.WithLabelValues(name, "error").Inc()
		slog.Error("Scheduler.run: job failed", "job", name, "error", err)
		return
	}
	metrics.MaintenanceRuns.WithLabelValues(name, "ok").Inc()
	slog.Debug("Scheduler.run: job finished", "job", name, "duration", time.Since(start))
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// PruneInboundJob deletes inbound dedup records older than retention.
func PruneInboundJob(repo store.DedupRepo, retention time.Duration) Job {
	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-retention)
		n, err := repo.PruneInbound(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("PruneInboundJob: pruned inbound records", "count", n, "cutoff", cutoff)
		}
		return nil
	}
}
