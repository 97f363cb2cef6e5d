package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/metrics"
)

// Sender defaults.
const (
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxRetryBase      = 10 * time.Second
	DefaultOutboxRetryMax       = time.Hour
)

// OutboxSendFunc delivers one message. A non-nil error schedules a retry.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender claims due outbox messages on a ticker and hands them to send.
type OutboxSender struct {
	repo           OutboxRepo
	send           OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	retryBase      time.Duration
	retryMax       time.Duration
}

// SenderOption configures an OutboxSender.
type SenderOption func(*OutboxSender)

// WithPollInterval sets how often due messages are claimed.
func WithPollInterval(d time.Duration) SenderOption {
	return func(s *OutboxSender) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStaleThreshold sets how long a message may sit in sending before
// RecoverStaleMessages hands it back to the queue. Zero requeues every claim.
func WithStaleThreshold(d time.Duration) SenderOption {
	return func(s *OutboxSender) {
		if d >= 0 {
			s.staleThreshold = d
		}
	}
}

// WithClaimLimit caps the messages claimed per poll.
func WithClaimLimit(n int) SenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.claimLimit = n
		}
	}
}

// WithRetryBackoff sets the first retry delay and its cap. Delays double per attempt.
func WithRetryBackoff(base, ceiling time.Duration) SenderOption {
	return func(s *OutboxSender) {
		if base > 0 {
			s.retryBase = base
		}
		if ceiling >= s.retryBase {
			s.retryMax = ceiling
		}
	}
}

// NewOutboxSender builds a sender over repo. Nothing runs until Run.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, opts ...SenderOption) *OutboxSender {
	s := &OutboxSender{
		repo:           repo,
		send:           send,
		pollInterval:   DefaultOutboxPollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     DefaultOutboxClaimLimit,
		retryBase:      DefaultOutboxRetryBase,
		retryMax:       DefaultOutboxRetryMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages a previous process claimed but never
// finished. Run it once before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued", "count", n)
	}
	return nil
}

// Run polls until ctx is done. The first poll happens immediately so messages
// requeued at startup do not wait a full interval.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: started", "pollInterval", s.pollInterval, "claimLimit", s.claimLimit)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		// Drain full batches back to back.
		for s.poll(ctx) == s.claimLimit && ctx.Err() == nil {
		}
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopped")
			return
		case <-ticker.C:
		}
	}
}

// retryDelay is the wait after a failure when attempts sends have already failed.
func (s *OutboxSender) retryDelay(attempts int) time.Duration {
	d := s.retryBase
	for i := 0; i < attempts && d < s.retryMax; i++ {
		d *= 2
	}
	return min(d, s.retryMax)
}

// poll claims one batch and delivers it, returning the batch size.
func (s *OutboxSender) poll(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return 0
	}
	for _, msg := range msgs {
		s.deliver(ctx, msg, now)
	}
	return len(msgs)
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) {
	if err := s.send(ctx, msg); err != nil {
		metrics.OutboxSends.WithLabelValues(msg.Kind, "error").Inc()
		next := now.Add(s.retryDelay(msg.Attempts))
		slog.Warn("OutboxSender.deliver: send failed, retry scheduled",
			"id", msg.ID, "sessionID", msg.SessionID, "kind", msg.Kind, "attempt", msg.Attempts+1, "next", next, "error", err)
		if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), next); err != nil {
			slog.Error("OutboxSender.deliver: record failure", "id", msg.ID, "error", err)
		}
		return
	}
	metrics.OutboxSends.WithLabelValues(msg.Kind, "sent").Inc()
	if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
		slog.Error("OutboxSender.deliver: mark sent", "id", msg.ID, "error", err)
		return
	}
	slog.Debug("OutboxSender.deliver: sent", "id", msg.ID, "sessionID", msg.SessionID, "kind", msg.Kind)
}
