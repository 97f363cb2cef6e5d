package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestOutboxSenderRunDeliversOnce(t *testing.T) {
	s := newTestSQLiteStore(t)

	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, WithPollInterval(50*time.Millisecond))

	if _, err := s.EnqueueOutboxMessage(context.Background(), "sess_1", "crm_sync", `{}`, ""); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	sender.Run(ctx)

	if n := atomic.LoadInt32(&sent); n != 1 {
		t.Errorf("expected 1 send, got %d", n)
	}
}

func TestOutboxSenderRunDrainsFullBatches(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.EnqueueOutboxMessage(ctx, "sess_1", "crm_sync", `{}`, "")
	}

	var sent int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, WithClaimLimit(2), WithPollInterval(time.Hour))

	// With an hour-long ticker only the startup drain can deliver.
	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	sender.Run(runCtx)

	if n := atomic.LoadInt32(&sent); n != 5 {
		t.Errorf("expected all 5 messages drained at startup, got %d", n)
	}
}

func TestOutboxSenderFailureSchedulesRetry(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	id, _ := s.EnqueueOutboxMessage(ctx, "sess_1", "crm_sync", `{}`, "")

	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("crm unavailable")
	}, WithRetryBackoff(30*time.Second, time.Hour))
	before := time.Now()
	if n := sender.poll(ctx); n != 1 {
		t.Fatalf("expected one claimed message, got %d", n)
	}

	m := s.GetOutboxMessage(id)
	if m.Status != OutboxStatusQueued || m.Attempts != 1 || m.LastError != "crm unavailable" {
		t.Fatalf("unexpected message after failure: %+v", m)
	}
	if m.NextAttemptAt == nil || m.NextAttemptAt.Before(before.Add(30*time.Second)) {
		t.Errorf("expected retry at least 30s out, got %v", m.NextAttemptAt)
	}

	// Not due yet.
	if n := sender.poll(ctx); n != 0 {
		t.Errorf("message retried before its backoff elapsed")
	}
}

func TestOutboxSenderRecoverStaleMessages(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	id, _ := s.EnqueueOutboxMessage(ctx, "sess_1", "crm_sync", `{}`, "")
	s.ClaimDueOutboxMessages(ctx, time.Now().Add(-10*time.Minute), 10)

	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error { return nil })
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}
	if m := s.GetOutboxMessage(id); m.Status != OutboxStatusQueued {
		t.Fatalf("expected requeued message, got %+v", m)
	}
	sender.poll(ctx)
	if m := s.GetOutboxMessage(id); m.Status != OutboxStatusSent {
		t.Errorf("expected sent message, got %+v", m)
	}
}

func TestOutboxSenderRetryDelay(t *testing.T) {
	sender := NewOutboxSender(nil, nil, WithRetryBackoff(10*time.Second, 5*time.Minute))
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{5, 5 * time.Minute},
		{500, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := sender.retryDelay(tt.attempts); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestSenderOptionsIgnoreInvalid(t *testing.T) {
	sender := NewOutboxSender(nil, nil, WithPollInterval(0), WithClaimLimit(-1), WithStaleThreshold(-time.Second), WithRetryBackoff(0, time.Second))
	if sender.pollInterval != DefaultOutboxPollInterval || sender.claimLimit != DefaultOutboxClaimLimit {
		t.Errorf("invalid options should keep defaults: %+v", sender)
	}
	if sender.staleThreshold != DefaultOutboxStaleThreshold {
		t.Errorf("negative stale threshold should be ignored, got %v", sender.staleThreshold)
	}
	if sender.retryMax != DefaultOutboxRetryMax {
		t.Errorf("ceiling below base should be ignored, got %v", sender.retryMax)
	}
}
