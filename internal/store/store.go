// Package store persists onboarding sessions, the CRM outbox and inbound
// message dedup records.
//
// Backends: in-memory (tests and ephemeral runs), SQLite, PostgreSQL and Redis.
// Getters return (nil, nil) when a record does not exist.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/BTreeMap/IntakePipe/internal/util"
)

// SessionStore loads and saves whole conversation states.
type SessionStore interface {
	// LoadSession returns the state for sessionID, or nil if none exists.
	LoadSession(ctx context.Context, sessionID string) (*models.ConversationState, error)
	// SaveSession writes the full state. Saving the same state twice is a no-op
	// beyond the first; the last write wins.
	SaveSession(ctx context.Context, state *models.ConversationState) error
	// FindActiveSession returns the newest in-progress session for the pair, or nil.
	FindActiveSession(ctx context.Context, tenantID, clientID string) (*models.ConversationState, error)
	// ListSessions returns every session of a tenant, oldest first.
	ListSessions(ctx context.Context, tenantID string) ([]models.ConversationState, error)
	// ListCompletedSince returns sessions of any tenant completed at or after
	// since, in completion order.
	ListCompletedSince(ctx context.Context, since time.Time) ([]models.ConversationState, error)
}

// Store is the full persistence surface a backend provides.
type Store interface {
	SessionStore
	OutboxRepo
	DedupRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN        string
	RedisURL   string
	SessionTTL time.Duration
}

// Option configures a store backend.
type Option func(*Opts)

// ErrDSNRequired is returned by SQL backends opened without a DSN.
var ErrDSNRequired = errors.New("database DSN not set")

func applyOpts(opts []Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL sets the Redis connection URL (redis://host:port/db).
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.RedisURL = url }
}

// WithSessionTTL expires idle sessions in backends that support it (Redis).
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

// DetectDSNType classifies a DSN as "postgres", "redis" or "sqlite".
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"),
		strings.Contains(d, "host=") && strings.Contains(d, "dbname="):
		return "postgres"
	case strings.HasPrefix(d, "redis://"), strings.HasPrefix(d, "rediss://"):
		return "redis"
	}
	return "sqlite"
}

// New picks a backend from the options: Redis URL, then DSN type, then in-memory.
func New(opts ...Option) (Store, error) {
	cfg := applyOpts(opts)
	switch {
	case cfg.RedisURL != "":
		slog.Debug("store.New: using Redis store")
		return NewRedisStore(opts...)
	case cfg.DSN == "":
		slog.Debug("store.New: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		slog.Debug("store.New: using PostgreSQL store")
		return NewPostgresStore(opts...)
	case DetectDSNType(cfg.DSN) == "redis":
		slog.Debug("store.New: using Redis store from DSN")
		return NewRedisStore(append(opts, WithRedisURL(cfg.DSN))...)
	default:
		slog.Debug("store.New: using SQLite store", "path", cfg.DSN)
		return NewSQLiteStore(opts...)
	}
}

// InMemoryStore keeps everything in process memory. States are deep-copied on
// the way in and out so callers never share maps with the store.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.ConversationState
	outbox   map[string]*OutboxMessage
	inbound  map[string]*DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.ConversationState),
		outbox:   make(map[string]*OutboxMessage),
		inbound:  make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) LoadSession(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, state *models.ConversationState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("session id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[state.SessionID] = state.Clone()
	return nil
}

func (s *InMemoryStore) FindActiveSession(ctx context.Context, tenantID, clientID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.ConversationState
	for _, st := range s.sessions {
		if st.TenantID != tenantID || st.ClientID != clientID || st.IsCompleted {
			continue
		}
		if found == nil || st.UpdatedAt.After(found.UpdatedAt) {
			found = st
		}
	}
	return found.Clone(), nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, tenantID string) ([]models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationState
	for _, st := range s.sessions {
		if st.TenantID == tenantID {
			out = append(out, *st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListCompletedSince(ctx context.Context, since time.Time) ([]models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationState
	for _, st := range s.sessions {
		if st.IsCompleted && st.CompletedAt != nil && !st.CompletedAt.Before(since) {
			out = append(out, *st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

func (s *InMemoryStore) HasOutboxMessage(ctx context.Context, dedupeKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.outbox {
		if m.DedupeKey == dedupeKey {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.GenerateOutboxID()
	s.outbox[id] = &OutboxMessage{
		ID: id, SessionID: sessionID, Kind: kind, PayloadJSON: payloadJSON,
		Status: OutboxStatusQueued, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusSent
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusQueued
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// GetOutboxMessage returns a copy of one message, for inspection in tests and tooling.
func (s *InMemoryStore) GetOutboxMessage(id string) *OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, ClientID: clientID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.inbound[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PruneInbound(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.inbound {
		if r.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
