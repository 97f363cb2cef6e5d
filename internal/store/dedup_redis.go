package store

import (
	"context"
	"fmt"
	"time"
)

// Compile-time check that RedisStore implements DedupRepo.
var _ DedupRepo = (*RedisStore)(nil)

// inboundTTL bounds how long inbound message IDs are remembered.
const inboundTTL = 7 * 24 * time.Hour

func (s *RedisStore) inboundKey(messageID string) string {
	return fmt.Sprintf("%s:inbound:%s", redisKeyPrefix, messageID)
}

func (s *RedisStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.inboundKey(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) RecordInbound(ctx context.Context, messageID, clientID string) (bool, error) {
	key := s.inboundKey(messageID)
	created, err := s.rdb.HSetNX(ctx, key, "received_at", formatRedisTime(time.Now())).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	if !created {
		return false, nil
	}
	if err := s.rdb.HSet(ctx, key, "client_id", clientID).Err(); err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	s.rdb.Expire(ctx, key, inboundTTL)
	return true, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, messageID string) error {
	key := s.inboundKey(messageID)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, key, "processed_at", formatRedisTime(time.Now())).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// PruneInbound is a no-op: inbound keys carry inboundTTL.
func (s *RedisStore) PruneInbound(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}
