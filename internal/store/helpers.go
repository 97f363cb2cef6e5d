package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// openSQL opens a handle, applies tune, checks connectivity and runs the
// embedded migrations. The handle is closed on any failure.
func openSQL(driver, dsn, migrations string, tune func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("store.openSQL: ping failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		slog.Error("store.openSQL: migrations failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	return db, nil
}

// nilIfEmpty stores empty strings as NULL.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// sessionColumns is the column list shared by every session SELECT.
const sessionColumns = `session_id, tenant_id, client_id, current_question_index, current_stage,
	answers, history, metadata, is_completed, created_at, updated_at, completed_at`

// encodedSession holds the JSON columns of a session row.
type encodedSession struct {
	answers  string
	history  string
	metadata string
}

func encodeSession(st *models.ConversationState) (encodedSession, error) {
	var e encodedSession
	answers := st.Answers
	if answers == nil {
		answers = map[string]models.Answer{}
	}
	b, err := json.Marshal(answers)
	if err != nil {
		return e, fmt.Errorf("marshal answers: %w", err)
	}
	e.answers = string(b)
	history := st.History
	if history == nil {
		history = []models.Turn{}
	}
	if b, err = json.Marshal(history); err != nil {
		return e, fmt.Errorf("marshal history: %w", err)
	}
	e.history = string(b)
	metadata := st.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if b, err = json.Marshal(metadata); err != nil {
		return e, fmt.Errorf("marshal metadata: %w", err)
	}
	e.metadata = string(b)
	return e, nil
}

// scanSession scans one session row selected with sessionColumns.
func scanSession(row rowScanner) (*models.ConversationState, error) {
	var st models.ConversationState
	var stage sql.NullString
	var answers, history, metadata []byte
	var completedAt sql.NullTime
	err := row.Scan(
		&st.SessionID, &st.TenantID, &st.ClientID, &st.CurrentQuestionIndex, &stage,
		&answers, &history, &metadata, &st.IsCompleted, &st.CreatedAt, &st.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	st.CurrentStage = stage.String
	st.CompletedAt = timePtr(completedAt)
	if err := decodeJSONColumn(answers, &st.Answers); err != nil {
		return nil, fmt.Errorf("decode answers for %s: %w", st.SessionID, err)
	}
	if err := decodeJSONColumn(history, &st.History); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", st.SessionID, err)
	}
	if err := decodeJSONColumn(metadata, &st.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", st.SessionID, err)
	}
	if st.Answers == nil {
		st.Answers = map[string]models.Answer{}
	}
	return &st, nil
}

func decodeJSONColumn(b []byte, out any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}

// scanOutboxMessage scans one row selected with outboxColumns.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var (
		m                             OutboxMessage
		payload, dedupeKey, lastError sql.NullString
		nextAttempt, locked           sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.Kind, &payload, &m.Status, &m.Attempts,
		&nextAttempt, &dedupeKey, &locked, &lastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return m, fmt.Errorf("scan outbox row: %w", err)
	}
	m.PayloadJSON, m.DedupeKey, m.LastError = payload.String, dedupeKey.String, lastError.String
	m.NextAttemptAt = timePtr(nextAttempt)
	m.LockedAt = timePtr(locked)
	return m, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
