package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newPostgresStoreWithDB(db), mock
}

var sessionCols = []string{
	"session_id", "tenant_id", "client_id", "current_question_index", "current_stage",
	"answers", "history", "metadata", "is_completed", "created_at", "updated_at", "completed_at",
}

func TestPostgresStore_SaveSessionUpserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st := testState("sess_1", "t1", "c1", time.Now())

	mock.ExpectExec(`INSERT INTO onboarding_sessions .* ON CONFLICT \(session_id\) DO UPDATE`).
		WithArgs("sess_1", "t1", "c1", 0, "quick_start", `{}`, `[]`, `{"practice_name":"Sunrise Health"}`,
			false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SaveSession(context.Background(), st); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_SaveSessionError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO onboarding_sessions`).WillReturnError(errors.New("connection reset"))

	err := s.SaveSession(context.Background(), testState("sess_1", "t1", "c1", time.Now()))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPostgresStore_LoadSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()
	completed := now.Add(time.Hour)

	mock.ExpectQuery(`SELECT .* FROM onboarding_sessions WHERE session_id = \$1`).
		WithArgs("sess_1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"sess_1", "t1", "c1", 47, "digital_growth",
			[]byte(`{"q1_admin":{"value":"Jane Smith"},"q34_social":{"value":"Instagram, Blog","items":["Instagram","Blog"]}}`),
			[]byte(`[{"role":"user","content":"hi","timestamp":"2025-01-01T00:00:00Z"}]`),
			[]byte(`{}`), true, now, now, completed,
		))

	st, err := s.LoadSession(context.Background(), "sess_1")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if st == nil || st.CurrentQuestionIndex != 47 || !st.IsCompleted {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Answers["q1_admin"].Value != "Jane Smith" || len(st.Answers["q34_social"].Items) != 2 {
		t.Errorf("answers not decoded: %+v", st.Answers)
	}
	if st.CompletedAt == nil || !st.CompletedAt.Equal(completed) {
		t.Errorf("completed_at not decoded: %v", st.CompletedAt)
	}
	if len(st.History) != 1 {
		t.Errorf("history not decoded: %+v", st.History)
	}
}

func TestPostgresStore_LoadSessionNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT .* FROM onboarding_sessions WHERE session_id`).
		WithArgs("sess_missing").
		WillReturnRows(sqlmock.NewRows(sessionCols))

	st, err := s.LoadSession(context.Background(), "sess_missing")
	if err != nil || st != nil {
		t.Fatalf("expected nil, nil; got %+v, %v", st, err)
	}
}

func TestPostgresStore_FindActiveSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()
	mock.ExpectQuery(`WHERE tenant_id = \$1 AND client_id = \$2 AND is_completed = FALSE`).
		WithArgs("t1", "c1").
		WillReturnRows(sqlmock.NewRows(sessionCols).AddRow(
			"sess_2", "t1", "c1", 5, "quick_start", []byte(`{}`), []byte(`[]`), nil, false, now, now, nil,
		))

	st, err := s.FindActiveSession(context.Background(), "t1", "c1")
	if err != nil || st == nil || st.SessionID != "sess_2" {
		t.Fatalf("unexpected result %+v, %v", st, err)
	}
	if st.Answers == nil {
		t.Error("answers map should be initialized")
	}
}

func TestPostgresStore_ClaimDueOutboxMessages(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now()
	cols := []string{"id", "session_id", "kind", "payload_json", "status", "attempts", "next_attempt_at",
		"dedupe_key", "locked_at", "last_error", "created_at", "updated_at"}
	mock.ExpectQuery(`UPDATE outbox_messages SET status = 'sending'.*FOR UPDATE SKIP LOCKED.*RETURNING`).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"outbox_1", "sess_1", "crm_sync", `{}`, "sending", 0, nil, "crm_sync:sess_1", now, nil, now, now,
		))

	msgs, err := s.ClaimDueOutboxMessages(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SessionID != "sess_1" || msgs[0].DedupeKey != "crm_sync:sess_1" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[0].LockedAt == nil {
		t.Error("locked_at should be set")
	}
}

func TestPostgresStore_EnqueueOutboxDedupeHit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`SELECT id FROM outbox_messages WHERE dedupe_key = \$1`).
		WithArgs("crm_sync:sess_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("outbox_existing"))

	id, err := s.EnqueueOutboxMessage(context.Background(), "sess_1", "crm_sync", `{}`, "crm_sync:sess_1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	if id != "outbox_existing" {
		t.Errorf("expected existing id, got %q", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_RecordInbound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`INSERT INTO inbound_dedup .* ON CONFLICT \(message_id\) DO NOTHING`).
		WithArgs("SM1", "c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO inbound_dedup`).
		WithArgs("SM1", "c1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if isNew, err := s.RecordInbound(ctx, "SM1", "c1"); err != nil || !isNew {
		t.Fatalf("expected new record, got %v, %v", isNew, err)
	}
	if isNew, err := s.RecordInbound(ctx, "SM1", "c1"); err != nil || isNew {
		t.Fatalf("expected duplicate, got %v, %v", isNew, err)
	}
}

func TestPostgresStore_PruneInbound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM inbound_dedup WHERE received_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.PruneInbound(context.Background(), cutoff)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 pruned, got %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
