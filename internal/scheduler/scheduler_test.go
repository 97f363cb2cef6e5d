package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	if err := s.AddJob("noop", "* * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("bad", "every tuesday", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
	// Seconds are not part of the 5-field format.
	if err := s.AddJob("seconds", "*/5 * * * * *", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for 6-field expression")
	}
}

func TestSchedulerRunAppliesTimeout(t *testing.T) {
	s := NewScheduler()
	s.timeout = 10 * time.Millisecond

	var sawDeadline atomic.Bool
	s.run("slow", func(ctx context.Context) error {
		<-ctx.Done()
		sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	if !sawDeadline.Load() {
		t.Error("Expected job context to hit its deadline")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler()
	s.Start()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestPruneInboundJob(t *testing.T) {
	repo := store.NewInMemoryStore()
	ctx := context.Background()
	if _, err := repo.RecordInbound(ctx, "SM1", "+15551234567"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}

	// Within retention: kept.
	if err := PruneInboundJob(repo, time.Hour)(ctx); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if dup, _ := repo.IsDuplicate(ctx, "SM1"); !dup {
		t.Fatal("Expected recent record to be kept")
	}

	// Negative retention puts the cutoff in the future.
	if err := PruneInboundJob(repo, -time.Minute)(ctx); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if dup, _ := repo.IsDuplicate(ctx, "SM1"); dup {
		t.Error("Expected record past retention to be pruned")
	}
}

type failingDedup struct{ store.DedupRepo }

func (failingDedup) PruneInbound(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestPruneInboundJobError(t *testing.T) {
	if err := PruneInboundJob(failingDedup{}, time.Hour)(context.Background()); err == nil {
		t.Error("Expected prune error to propagate")
	}
}
