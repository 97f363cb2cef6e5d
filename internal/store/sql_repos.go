package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/util"
)

// sqlDialect holds what differs between the SQLite and Postgres statements
// of the outbox and dedup repos. Queries are written with $n placeholders.
type sqlDialect struct {
	name string
	// numbered keeps $n; otherwise $n becomes SQLite's ?n.
	numbered bool
	// claimLock is appended to the claim subquery.
	claimLock string
}

var (
	sqliteDialect   = sqlDialect{name: "SQLiteStore"}
	postgresDialect = sqlDialect{name: "PostgresStore", numbered: true, claimLock: "FOR UPDATE SKIP LOCKED"}
)

func (d sqlDialect) bind(query string) string {
	if d.numbered {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

const outboxColumns = `id, session_id, kind, payload_json, status, attempts, next_attempt_at,
	dedupe_key, locked_at, last_error, created_at, updated_at`

// sqlRepos implements OutboxRepo and DedupRepo on database/sql. SQLiteStore and
// PostgresStore embed it.
type sqlRepos struct {
	db      *sql.DB
	dialect sqlDialect
}

func (r sqlRepos) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.dialect.bind(query), args...)
}

func (r sqlRepos) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, r.dialect.bind(query), args...)
}

func (r sqlRepos) EnqueueOutboxMessage(ctx context.Context, sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := r.queryRow(ctx,
			`SELECT id FROM outbox_messages WHERE dedupe_key = $1 AND status NOT IN ('sent', 'canceled')`,
			dedupeKey).Scan(&existing)
		switch {
		case err == nil:
			slog.Debug(r.dialect.name+".EnqueueOutboxMessage: pending message reused", "dedupeKey", dedupeKey, "id", existing)
			return existing, nil
		case !errors.Is(err, sql.ErrNoRows):
			return "", fmt.Errorf("outbox dedupe lookup: %w", err)
		}
	}

	id := util.GenerateOutboxID()
	now := time.Now()
	_, err := r.exec(ctx,
		`INSERT INTO outbox_messages (id, session_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $6)`,
		id, sessionID, kind, payloadJSON, nilIfEmpty(dedupeKey), now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s for %s: %w", kind, sessionID, err)
	}
	slog.Debug(r.dialect.name+".EnqueueOutboxMessage: queued", "id", id, "sessionID", sessionID, "kind", kind)
	return id, nil
}

// ClaimDueOutboxMessages flips due rows to sending in one statement, so two
// senders never receive the same row.
func (r sqlRepos) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	query := `UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY created_at ASC LIMIT $2 ` + r.dialect.claimLock + `
		)
		RETURNING ` + outboxColumns
	rows, err := r.db.QueryContext(ctx, r.dialect.bind(query), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (r sqlRepos) MarkOutboxMessageSent(ctx context.Context, id string) error {
	if _, err := r.exec(ctx, `UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id); err != nil {
		return fmt.Errorf("mark outbox %s sent: %w", id, err)
	}
	return nil
}

func (r sqlRepos) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := r.exec(ctx,
		`UPDATE outbox_messages
		 SET status = 'queued', attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4`,
		errMsg, nextAttemptAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("record outbox %s failure: %w", id, err)
	}
	return nil
}

func (r sqlRepos) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := r.exec(ctx,
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(r.dialect.name+".RequeueStaleSendingMessages: requeued", "count", n)
	}
	return int(n), nil
}

func (r sqlRepos) HasOutboxMessage(ctx context.Context, dedupeKey string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM outbox_messages WHERE dedupe_key = $1 LIMIT 1`, dedupeKey)
}

func (r sqlRepos) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM inbound_dedup WHERE message_id = $1`, messageID)
}

// RecordInbound relies on ON CONFLICT, which SQLite has supported since 3.24.
func (r sqlRepos) RecordInbound(ctx context.Context, messageID, clientID string) (bool, error) {
	res, err := r.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, client_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, clientID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	return n > 0, nil
}

func (r sqlRepos) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := r.exec(ctx, `UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark inbound %s processed: %w", messageID, err)
	}
	return nil
}

func (r sqlRepos) PruneInbound(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.exec(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune inbound: %w", err)
	}
	return res.RowsAffected()
}

func (r sqlRepos) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := r.queryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s lookup: %w", r.dialect.name, err)
	}
	return true, nil
}
