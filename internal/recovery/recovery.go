// Package recovery restores in-flight IntakePipe work after a restart.
//
// Components register a Recoverable with a Manager; RecoverAll runs each once
// at startup and keeps going when one fails.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/flow"
	"github.com/BTreeMap/IntakePipe/internal/store"
)

// DefaultCompletionWindow is how far back completed sessions are checked for a
// missing CRM notification.
const DefaultCompletionWindow = 72 * time.Hour

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	Name() string
	// Recover is called once during startup, before traffic is served.
	Recover(ctx context.Context) error
}

// Func adapts a function to Recoverable.
type Func struct {
	name string
	fn   func(ctx context.Context) error
}

// NewFunc wraps fn under name.
func NewFunc(name string, fn func(ctx context.Context) error) Func {
	return Func{name: name, fn: fn}
}

func (f Func) Name() string                      { return f.name }
func (f Func) Recover(ctx context.Context) error { return f.fn(ctx) }

// OutboxRecovery requeues outbox messages a crashed process left in sending.
func OutboxRecovery(sender *store.OutboxSender) Recoverable {
	return NewFunc("outbox", sender.RecoverStaleMessages)
}

// CompletionRecovery finds sessions that completed recently but never reached
// the outbox, which happens when the process stops between saving the final
// answer and enqueueing the notification.
type CompletionRecovery struct {
	sessions  store.SessionStore
	outbox    store.OutboxRepo
	notifier  flow.CompletionNotifier
	dedupeKey func(sessionID string) string
	window    time.Duration
}

var _ Recoverable = (*CompletionRecovery)(nil)

// NewCompletionRecovery creates a recovery for completion notifications.
// dedupeKey must match the key the notifier enqueues with.
func NewCompletionRecovery(sessions store.SessionStore, outbox store.OutboxRepo, notifier flow.CompletionNotifier, dedupeKey func(string) string, window time.Duration) *CompletionRecovery {
	if window <= 0 {
		window = DefaultCompletionWindow
	}
	return &CompletionRecovery{
		sessions:  sessions,
		outbox:    outbox,
		notifier:  notifier,
		dedupeKey: dedupeKey,
		window:    window,
	}
}

func (c *CompletionRecovery) Name() string { return "completions" }

// Recover re-notifies every session in the window without an outbox record.
func (c *CompletionRecovery) Recover(ctx context.Context) error {
	since := time.Now().Add(-c.window)
	completed, err := c.sessions.ListCompletedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("list completed sessions: %w", err)
	}

	renotified := 0
	for i := range completed {
		st := &completed[i]
		known, err := c.outbox.HasOutboxMessage(ctx, c.dedupeKey(st.SessionID))
		if err != nil {
			return fmt.Errorf("check outbox for %s: %w", st.SessionID, err)
		}
		if known {
			continue
		}
		if err := c.notifier.NotifyCompletion(ctx, flow.CompletionFromState(st)); err != nil {
			return fmt.Errorf("renotify %s: %w", st.SessionID, err)
		}
		slog.Info("CompletionRecovery.Recover: completion renotified", "sessionID", st.SessionID, "clientID", st.ClientID)
		renotified++
	}
	slog.Debug("CompletionRecovery.Recover: scan finished", "checked", len(completed), "renotified", renotified, "since", since)
	return nil
}

// Manager orchestrates recovery of all registered components
type Manager struct {
	recoverables []Recoverable
}

// NewManager creates a new recovery manager
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a component that can be recovered
func (m *Manager) Register(r Recoverable) {
	m.recoverables = append(m.recoverables, r)
}

// RecoverAll performs recovery of all registered components
func (m *Manager) RecoverAll(ctx context.Context) error {
	slog.Info("Manager.RecoverAll: starting recovery", "components", len(m.recoverables))

	recoveredCount := 0
	errorCount := 0

	for _, r := range m.recoverables {
		if err := r.Recover(ctx); err != nil {
			slog.Error("Manager.RecoverAll: component recovery failed", "component", r.Name(), "error", err)
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Manager.RecoverAll: recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(m.recoverables))
	}
	return nil
}
