package store

import (
	"context"
	"time"
)

// DedupRecord is an inbound channel message seen by the webhook.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	ClientID    string     `json:"client_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo guards against processing a redelivered inbound message twice.
type DedupRepo interface {
	// IsDuplicate reports whether the message ID was already recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, clientID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// PruneInbound deletes records received before the cutoff and returns how
	// many were removed. Backends that expire records on their own return 0.
	PruneInbound(ctx context.Context, before time.Time) (int64, error)
}
