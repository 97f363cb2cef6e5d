package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions applies to a database directory created on open.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore keeps sessions, the outbox and inbound dedup in one SQLite file.
type SQLiteStore struct {
	sqlRepos
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database file named by the DSN
// and applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOpts(opts)
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DSN), DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := openSQL("sqlite3", cfg.DSN, sqliteMigrations, func(db *sql.DB) {
		// One connection serializes writers, so turns never hit SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("NewSQLiteStore: ready", "path", cfg.DSN)
	return &SQLiteStore{sqlRepos{db: db, dialect: sqliteDialect}}, nil
}

// SaveSession writes the full session row, replacing any previous version.
func (s *SQLiteStore) SaveSession(ctx context.Context, state *models.ConversationState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("session id required")
	}
	enc, err := encodeSession(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO onboarding_sessions (session_id, tenant_id, client_id, current_question_index, current_stage,
			answers, history, metadata, is_completed, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.SessionID, state.TenantID, state.ClientID, state.CurrentQuestionIndex, nilIfEmpty(state.CurrentStage),
		enc.answers, enc.history, enc.metadata, state.IsCompleted, state.CreatedAt, state.UpdatedAt, state.CompletedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession failed", "error", err, "sessionID", state.SessionID)
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	slog.Debug("SQLiteStore.SaveSession succeeded", "sessionID", state.SessionID, "index", state.CurrentQuestionIndex)
	return nil
}

// LoadSession returns the session, or nil if it does not exist.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions WHERE session_id = ?`, sessionID)
	st, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.LoadSession not found", "sessionID", sessionID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.LoadSession failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return st, nil
}

// FindActiveSession returns the most recently updated in-progress session for the client.
func (s *SQLiteStore) FindActiveSession(ctx context.Context, tenantID, clientID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions
		WHERE tenant_id = ? AND client_id = ? AND is_completed = 0
		ORDER BY updated_at DESC LIMIT 1`, tenantID, clientID)
	st, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.FindActiveSession failed", "error", err, "tenantID", tenantID, "clientID", clientID)
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return st, nil
}

// ListSessions returns all sessions for a tenant, oldest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, tenantID string) ([]models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions
		WHERE tenant_id = ? ORDER BY created_at ASC`, tenantID)
	if err != nil {
		slog.Error("SQLiteStore.ListSessions query failed", "error", err, "tenantID", tenantID)
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

func (s *SQLiteStore) ListCompletedSince(ctx context.Context, since time.Time) ([]models.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM onboarding_sessions
		WHERE completed_at IS NOT NULL AND completed_at >= ? ORDER BY completed_at ASC`, since)
	if err != nil {
		slog.Error("SQLiteStore.ListCompletedSince query failed", "error", err)
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

// Close releases the database file.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
