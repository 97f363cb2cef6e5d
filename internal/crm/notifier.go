package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// KindCRMSync is the outbox kind of completion events.
const KindCRMSync = "crm_sync"

// Field keys the contact itself is built from.
const (
	FieldFullName     = "q1_admin"
	FieldEmail        = "q2_admin"
	FieldPhone        = "q3_admin"
	FieldPracticeName = "q4_admin"
	FieldMarketing    = "q14_marketing"
	FieldHasWebsite   = "q29_online"
)

// CompletionEvent is the outbox payload of a finished session.
type CompletionEvent struct {
	SessionID   string                   `json:"session_id"`
	TenantID    string                   `json:"tenant_id"`
	ClientID    string                   `json:"client_id"`
	Answers     map[string]models.Answer `json:"answers"`
	Metadata    map[string]string        `json:"metadata,omitempty"`
	CompletedAt time.Time                `json:"completed_at"`
}

// DedupeKey keeps one queued sync per session.
func DedupeKey(sessionID string) string {
	return KindCRMSync + ":" + sessionID
}

// OutboxNotifier queues completion events for the outbox sender.
type OutboxNotifier struct {
	repo store.OutboxRepo
}

var _ flow.CompletionNotifier = (*OutboxNotifier)(nil)

// NewOutboxNotifier creates a notifier writing to repo.
func NewOutboxNotifier(repo store.OutboxRepo) *OutboxNotifier {
	return &OutboxNotifier{repo: repo}
}

// NotifyCompletion enqueues a crm_sync message for the session.
func (n *OutboxNotifier) NotifyCompletion(ctx context.Context, c flow.Completion) error {
	ev := CompletionEvent{
		SessionID:   c.SessionID,
		TenantID:    c.TenantID,
		ClientID:    c.ClientID,
		Answers:     c.Answers,
		Metadata:    c.Hints,
		CompletedAt: c.CompletedAt,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}
	id, err := n.repo.EnqueueOutboxMessage(ctx, c.SessionID, KindCRMSync, string(payload), DedupeKey(c.SessionID))
	if err != nil {
		return fmt.Errorf("failed to enqueue completion event: %w", err)
	}
	slog.Debug("OutboxNotifier.NotifyCompletion: queued", "sessionID", c.SessionID, "outboxID", id)
	return nil
}

// BuildRecord maps a completion event onto CRM fields in catalog order.
// Skipped answers are sent as empty values.
func BuildRecord(cat *catalog.Catalog, ev CompletionEvent) OnboardingRecord {
	value := func(field string) string {
		a, ok := ev.Answers[field]
		if !ok || a.IsSkipped() {
			return ""
		}
		return a.Value
	}

	rec := OnboardingRecord{
		SessionID:    ev.SessionID,
		PracticeName: ev.Metadata[flow.HintPracticeName],
		FullName:     value(FieldFullName),
		Email:        value(FieldEmail),
		Phone:        value(FieldPhone),
		Tags:         []string{"Onboarding Completed"},
	}
	if rec.PracticeName == "" {
		rec.PracticeName = value(FieldPracticeName)
	}

	for i := 0; i < cat.TotalQuestions(); i++ {
		q, err := cat.QuestionAt(i)
		if err != nil {
			break
		}
		if _, ok := ev.Answers[q.FieldKey]; !ok {
			continue
		}
		rec.Fields = append(rec.Fields, FieldValue{Name: q.CRMField, Value: value(q.FieldKey)})
	}

	if value(FieldMarketing) == "Yes" {
		rec.Tags = append(rec.Tags, "Has Marketing Team")
	}
	if value(FieldHasWebsite) == "Yes" {
		rec.Tags = append(rec.Tags, "Has Website")
	}
	return rec
}
