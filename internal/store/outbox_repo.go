package store

import (
	"context"
	"time"
)

// OutboxStatus is where a message is in its delivery lifecycle.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a durable outgoing notification, such as a CRM sync for a
// completed session.
type OutboxMessage struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo is the durable queue behind completion notifications. A message
// moves queued -> sending -> sent, or back to queued with a later
// next_attempt_at when delivery fails.
type OutboxRepo interface {
	// EnqueueOutboxMessage queues a message. A non-empty dedupeKey that matches
	// a message not yet sent returns that message's id instead.
	EnqueueOutboxMessage(ctx context.Context, sessionID, kind, payloadJSON, dedupeKey string) (string, error)
	// ClaimDueOutboxMessages moves up to limit due queued messages to sending
	// and returns them oldest first. A message is never handed to two claimers.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(ctx context.Context, id string) error
	// FailOutboxMessage counts an attempt and requeues the message for nextAttemptAt.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error
	// RequeueStaleSendingMessages returns to queued every message claimed
	// before staleBefore and never finished.
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
	// HasOutboxMessage reports whether dedupeKey was ever enqueued, in any status.
	HasOutboxMessage(ctx context.Context, dedupeKey string) (bool, error)
}
