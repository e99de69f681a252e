package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisStore 每個房間保留最近 N 局紀錄（LPUSH + LTRIM）
//
// 給房間列表頁展示「最近對戰」使用，不是持久化的主要來源。
type RedisStore struct {
	client *redis.Client
	limit  int
	logger *slog.Logger
}

// NewRedisStore 創建 Redis sink
func NewRedisStore(client *redis.Client, limit int, logger *slog.Logger) *RedisStore {
	if limit <= 0 {
		limit = 20
	}
	return &RedisStore{client: client, limit: limit, logger: logger}
}

func recentKey(roomID string) string {
	return fmt.Sprintf("lobby:matches:%s", roomID)
}

// Record 實現 Recorder
func (s *RedisStore) Record(ctx context.Context, m Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal match: %w", err)
	}

	key := recentKey(m.RoomID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(s.limit-1))
		return nil
	})
	if err != nil {
		s.logger.Error("redis push match failed",
			"round_id", m.RoundID,
			"key", key,
			"error", err)
		return fmt.Errorf("push match: %w", err)
	}
	return nil
}

// Recent 實現 RecentReader，最新的在前
func (s *RedisStore) Recent(ctx context.Context, roomID string, limit int) ([]Match, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	items, err := s.client.LRange(ctx, recentKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent matches: %w", err)
	}

	matches := make([]Match, 0, len(items))
	for _, item := range items {
		var m Match
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.Warn("skip corrupted match entry", "error", err)
			continue
		}
		matches = append(matches, m)
	}
	return matches, nil
}
