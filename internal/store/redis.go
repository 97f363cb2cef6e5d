// This file implements a Redis-backed store for onboarding sessions.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "intake"

// RedisStore keeps each session as one JSON document. Idle sessions expire
// after the configured TTL; zero keeps them forever.
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
	// closeFn is set when the store owns the client.
	closeFn func() error
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the Redis URL from the options.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := applyOpts(opts)
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	ropts.DialTimeout = 5 * time.Second
	ropts.ReadTimeout = 3 * time.Second
	ropts.WriteTimeout = 3 * time.Second
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("RedisStore ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisStore connected", "addr", ropts.Addr, "db", ropts.DB, "ttl", cfg.SessionTTL)
	s := NewRedisStoreWithClient(client, cfg.SessionTTL)
	s.closeFn = client.Close
	return s, nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps ownership of it.
func NewRedisStoreWithClient(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", redisKeyPrefix, sessionID)
}

func (s *RedisStore) activeKey(tenantID, clientID string) string {
	return fmt.Sprintf("%s:active:%s:%s", redisKeyPrefix, tenantID, clientID)
}

func (s *RedisStore) completedKey() string { return redisKeyPrefix + ":completed" }

func (s *RedisStore) tenantKey(tenantID string) string {
	return fmt.Sprintf("%s:tenant:%s:sessions", redisKeyPrefix, tenantID)
}

// SaveSession writes the document and maintains the active-session pointer.
func (s *RedisStore) SaveSession(ctx context.Context, state *models.ConversationState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("session id required")
	}
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := s.sessionKey(state.SessionID)
	active := s.activeKey(state.TenantID, state.ClientID)

	var pointsHere bool
	if state.IsCompleted {
		cur, err := s.rdb.Get(ctx, active).Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("read active pointer: %w", err)
		}
		pointsHere = cur == state.SessionID
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, b, s.ttl)
		pipe.SAdd(ctx, s.tenantKey(state.TenantID), state.SessionID)
		switch {
		case !state.IsCompleted:
			pipe.Set(ctx, active, state.SessionID, s.ttl)
		case pointsHere:
			pipe.Del(ctx, active)
		}
		if state.IsCompleted && state.CompletedAt != nil {
			pipe.ZAdd(ctx, s.completedKey(), redis.Z{Score: score(*state.CompletedAt), Member: state.SessionID})
		}
		return nil
	})
	if err != nil {
		slog.Error("RedisStore.SaveSession failed", "error", err, "key", key)
		return fmt.Errorf("save session %s: %w", state.SessionID, err)
	}
	slog.Debug("RedisStore.SaveSession succeeded", "sessionID", state.SessionID, "index", state.CurrentQuestionIndex)
	return nil
}

// LoadSession returns the session, or nil if it does not exist or has expired.
func (s *RedisStore) LoadSession(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	key := s.sessionKey(sessionID)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore.LoadSession failed", "error", err, "key", key)
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var st models.ConversationState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	if st.Answers == nil {
		st.Answers = map[string]models.Answer{}
	}
	return &st, nil
}

// FindActiveSession follows the client's active pointer.
func (s *RedisStore) FindActiveSession(ctx context.Context, tenantID, clientID string) (*models.ConversationState, error) {
	id, err := s.rdb.Get(ctx, s.activeKey(tenantID, clientID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	st, err := s.LoadSession(ctx, id)
	if err != nil || st == nil || st.IsCompleted {
		return nil, err
	}
	return st, nil
}

// ListSessions returns the tenant's unexpired sessions, oldest first.
func (s *RedisStore) ListSessions(ctx context.Context, tenantID string) ([]models.ConversationState, error) {
	ids, err := s.rdb.SMembers(ctx, s.tenantKey(tenantID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []models.ConversationState
	for _, id := range ids {
		st, err := s.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if st == nil {
			// Expired; drop the stale index entry.
			s.rdb.SRem(ctx, s.tenantKey(tenantID), id)
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListCompletedSince reads the completion index, dropping entries whose session expired.
func (s *RedisStore) ListCompletedSince(ctx context.Context, since time.Time) ([]models.ConversationState, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.completedKey(), &redis.ZRangeBy{
		Min: strconv.FormatFloat(score(since), 'f', -1, 64),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("list completed sessions: %w", err)
	}
	var out []models.ConversationState
	for _, id := range ids {
		st, err := s.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if st == nil {
			s.rdb.ZRem(ctx, s.completedKey(), id)
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

// Close releases the client if the store created it.
func (s *RedisStore) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}
