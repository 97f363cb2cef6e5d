package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakePipe/internal/models"
	_ "github.com/lib/pq"
)

// Connection pool settings.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore keeps sessions (JSONB columns), the outbox and inbound dedup
// in PostgreSQL.
type PostgresStore struct {
	sqlRepos
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects with the DSN and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	db, err := openSQL("postgres", cfg.DSN, postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("NewPostgresStore: ready")
	return newPostgresStoreWithDB(db), nil
}

// newPostgresStoreWithDB wraps an open handle without running migrations.
func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlRepos{db: db, dialect: postgresDialect}}
}

// SaveSession upserts the full session row.
func (s *PostgresStore) SaveSession(ctx context.Context, state *models.ConversationState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("session id required")
	}
	enc, err := encodeSession(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO onboarding_sessions (session_id, tenant_id, client_id, current_question_index, current_stage,
			answers, history, metadata, is_completed, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			current_question_index = EXCLUDED.current_question_index,
			current_stage = EXCLUDED.current_stage,
			answers = EXCLUDED.answers,
			history = EXCLUDED.history,
			metadata = EXCLUDED.metadata,
			is_completed = EXCLUDED.is_completed,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		state.SessionID, state.TenantID, state.ClientID, state.CurrentQuestionIndex, nilIfEmpty(state.CurrentStage),
		enc.answers, enc.history, enc.metadata, state.IsCompleted, state.CreatedAt, state.UpdatedAt, state.CompletedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveSession failed", "error", err, "sessionID", state.SessionID)
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	slog.Debug("PostgresStore.SaveSession succeeded", "sessionID", state.SessionID, "index", state.CurrentQuestionIndex)
	return nil
}

// LoadSession returns the session, or nil if it does not exist.
func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions WHERE session_id = $1`, sessionID)
	st, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore.LoadSession not found", "sessionID", sessionID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.LoadSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return st, nil
}

// FindActiveSession returns the most recently updated in-progress session for the client.
func (s *PostgresStore) FindActiveSession(ctx context.Context, tenantID, clientID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions
		WHERE tenant_id = $1 AND client_id = $2 AND is_completed = FALSE
		ORDER BY updated_at DESC LIMIT 1`, tenantID, clientID)
	st, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.FindActiveSession failed", "error", err, "tenantID", tenantID, "clientID", clientID)
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return st, nil
}

// ListSessions returns all sessions for a tenant, oldest first.
func (s *PostgresStore) ListSessions(ctx context.Context, tenantID string) ([]models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions
		WHERE tenant_id = $1 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		slog.Error("PostgresStore.ListSessions query failed", "error", err, "tenantID", tenantID)
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []models.ConversationState
	for rows.Next() {
		st, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListCompletedSince(ctx context.Context, since time.Time) ([]models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions
		WHERE completed_at IS NOT NULL AND completed_at >= $1 ORDER BY completed_at ASC`, since)
	if err != nil {
		slog.Error("PostgresStore.ListCompletedSince query failed", "error", err)
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}
	defer rows.Close()
	var out []models.ConversationState
	for rows.Next() {
		st, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// Close drains the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
