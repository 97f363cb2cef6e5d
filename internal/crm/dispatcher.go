package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/IntakePipe/internal/catalog"
	"github.com/BTreeMap/IntakePipe/internal/metrics"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// Syncer writes an onboarding record to the CRM.
type Syncer interface {
	SyncOnboarding(ctx context.Context, rec OnboardingRecord) (string, error)
}

var _ Syncer = (*GHLClient)(nil)

// Dispatcher delivers outbox messages. A nil syncer turns delivery into a logged no-op.
type Dispatcher struct {
	catalog *catalog.Catalog
	syncer  Syncer
}

// NewDispatcher creates a dispatcher for catalog answers.
func NewDispatcher(cat *catalog.Catalog, syncer Syncer) *Dispatcher {
	return &Dispatcher{catalog: cat, syncer: syncer}
}

// Send is a store.OutboxSendFunc. Errors are retried by the sender; messages
// that can never succeed are logged and acknowledged.
func (d *Dispatcher) Send(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != KindCRMSync {
		slog.Error("Dispatcher.Send: unknown outbox kind, dropping", "outboxID", msg.ID, "kind", msg.Kind)
		return nil
	}

	var ev CompletionEvent
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &ev); err != nil {
		slog.Error("Dispatcher.Send: malformed completion event, dropping", "outboxID", msg.ID, "error", err)
		return nil
	}

	if d.syncer == nil {
		slog.Info("Dispatcher.Send: CRM not configured, skipping sync", "sessionID", ev.SessionID)
		metrics.CRMSyncs.WithLabelValues("skipped").Inc()
		return nil
	}

	rec := BuildRecord(d.catalog, ev)
	if rec.Email == "" {
		slog.Warn("Dispatcher.Send: no contact email, skipping sync", "sessionID", ev.SessionID)
		metrics.CRMSyncs.WithLabelValues("skipped").Inc()
		return nil
	}

	contactID, err := d.syncer.SyncOnboarding(ctx, rec)
	if err != nil {
		metrics.CRMSyncs.WithLabelValues("error").Inc()
		return fmt.Errorf("crm sync for session %s: %w", ev.SessionID, err)
	}
	metrics.CRMSyncs.WithLabelValues("synced").Inc()
	slog.Info("Dispatcher.Send: session synced", "sessionID", ev.SessionID, "contactID", contactID)
	return nil
}
