package store

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/util"
	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisStore implements OutboxRepo.
var _ OutboxRepo = (*RedisStore)(nil)

// Outbox layout: one hash per message, a "queued" sorted set scored by the
// next attempt time and a "sending" sorted set scored by the claim time.
func (s *RedisStore) outboxKey(id string) string {
	return fmt.Sprintf("%s:outbox:msg:%s", redisKeyPrefix, id)
}

func (s *RedisStore) outboxQueuedKey() string { return redisKeyPrefix + ":outbox:queued" }

func (s *RedisStore) outboxSendingKey() string { return redisKeyPrefix + ":outbox:sending" }

func (s *RedisStore) outboxDedupeKey(key string) string {
	return fmt.Sprintf("%s:outbox:dedupe:%s", redisKeyPrefix, key)
}

func formatRedisTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseRedisTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (s *RedisStore) EnqueueOutboxMessage(ctx context.Context, sessionID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		existingID, err := s.rdb.Get(ctx, s.outboxDedupeKey(dedupeKey)).Result()
		if err != nil && err != redis.Nil {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
		if existingID != "" {
			status, err := s.rdb.HGet(ctx, s.outboxKey(existingID), "status").Result()
			if err != nil && err != redis.Nil {
				return "", fmt.Errorf("outbox dedupe status failed: %w", err)
			}
			if status != "" && status != string(OutboxStatusSent) && status != string(OutboxStatusCanceled) {
				slog.Debug("RedisStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
				return existingID, nil
			}
		}
	}

	id := util.GenerateOutboxID()
	now := time.Now()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.outboxKey(id), map[string]interface{}{
			"id":           id,
			"session_id":   sessionID,
			"kind":         kind,
			"payload_json": payloadJSON,
			"status":       string(OutboxStatusQueued),
			"attempts":     0,
			"dedupe_key":   dedupeKey,
			"created_at":   formatRedisTime(now),
			"updated_at":   formatRedisTime(now),
		})
		pipe.ZAdd(ctx, s.outboxQueuedKey(), redis.Z{Score: score(now), Member: id})
		if dedupeKey != "" {
			pipe.Set(ctx, s.outboxDedupeKey(dedupeKey), id, 0)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("RedisStore.EnqueueOutboxMessage", "id", id, "sessionID", sessionID, "kind", kind)
	return id, nil
}

func (s *RedisStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.outboxQueuedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(now), 'f', -1, 64),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}

	var msgs []OutboxMessage
	for _, id := range ids {
		// ZREM is the claim: only one sender removes a given member.
		removed, err := s.rdb.ZRem(ctx, s.outboxQueuedKey(), id).Result()
		if err != nil {
			return nil, fmt.Errorf("claim outbox message %s failed: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		key := s.outboxKey(id)
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(OutboxStatusSending), "locked_at", formatRedisTime(now), "updated_at", formatRedisTime(now))
			pipe.ZAdd(ctx, s.outboxSendingKey(), redis.Z{Score: score(now), Member: id})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		m, err := s.loadOutboxMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if m != nil {
			msgs = append(msgs, *m)
		}
	}
	return msgs, nil
}

func (s *RedisStore) loadOutboxMessage(ctx context.Context, id string) (*OutboxMessage, error) {
	h, err := s.rdb.HGetAll(ctx, s.outboxKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load outbox message %s failed: %w", id, err)
	}
	if len(h) == 0 {
		return nil, nil
	}
	attempts, _ := strconv.Atoi(h["attempts"])
	m := &OutboxMessage{
		ID:            h["id"],
		SessionID:     h["session_id"],
		Kind:          h["kind"],
		PayloadJSON:   h["payload_json"],
		Status:        OutboxStatus(h["status"]),
		Attempts:      attempts,
		NextAttemptAt: parseRedisTime(h["next_attempt_at"]),
		DedupeKey:     h["dedupe_key"],
		LockedAt:      parseRedisTime(h["locked_at"]),
		LastError:     h["last_error"],
	}
	if t := parseRedisTime(h["created_at"]); t != nil {
		m.CreatedAt = *t
	}
	if t := parseRedisTime(h["updated_at"]); t != nil {
		m.UpdatedAt = *t
	}
	return m, nil
}

func (s *RedisStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.outboxKey(id), "status", string(OutboxStatusSent), "updated_at", formatRedisTime(now))
		pipe.ZRem(ctx, s.outboxSendingKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *RedisStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()
	key := s.outboxKey(id)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, "attempts", 1)
		pipe.HSet(ctx, key,
			"status", string(OutboxStatusQueued),
			"last_error", errMsg,
			"next_attempt_at", formatRedisTime(nextAttemptAt),
			"updated_at", formatRedisTime(now),
		)
		pipe.HDel(ctx, key, "locked_at")
		pipe.ZRem(ctx, s.outboxSendingKey(), id)
		pipe.ZAdd(ctx, s.outboxQueuedKey(), redis.Z{Score: score(nextAttemptAt), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *RedisStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.outboxSendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(staleBefore), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	now := time.Now()
	n := 0
	for _, id := range ids {
		removed, err := s.rdb.ZRem(ctx, s.outboxSendingKey(), id).Result()
		if err != nil {
			return n, fmt.Errorf("requeue outbox message %s failed: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		key := s.outboxKey(id)
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(OutboxStatusQueued), "updated_at", formatRedisTime(now))
			pipe.HDel(ctx, key, "locked_at")
			pipe.ZAdd(ctx, s.outboxQueuedKey(), redis.Z{Score: score(now), Member: id})
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("requeue outbox message %s failed: %w", id, err)
		}
		n++
	}
	if n > 0 {
		slog.Info("RedisStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return n, nil
}

func (s *RedisStore) HasOutboxMessage(ctx context.Context, dedupeKey string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.outboxDedupeKey(dedupeKey)).Result()
	if err != nil {
		return false, fmt.Errorf("outbox lookup failed: %w", err)
	}
	return n > 0, nil
}
