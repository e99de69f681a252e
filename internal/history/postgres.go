package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const insertMatchSQL = `
INSERT INTO matches (round_id, room_id, room_title, level, results, played_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (round_id) DO NOTHING`

const selectRecentSQL = `
SELECT round_id, room_id, room_title, level, results, played_at
FROM matches
WHERE room_id = $1
ORDER BY played_at DESC
LIMIT $2`

// PostgresStore 將對戰紀錄保存於 PostgreSQL
//
// 表結構見 internal/migrations，results 以 JSONB 保存，
// round_id 為主鍵，重複提交同一局不會產生兩筆紀錄。
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 創建 PostgreSQL sink
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Record 實現 Recorder
func (s *PostgresStore) Record(ctx context.Context, m Match) error {
	results, err := json.Marshal(m.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}

	if _, err := s.pool.Exec(ctx, insertMatchSQL,
		m.RoundID, m.RoomID, m.RoomTitle, []byte(m.Level), results, m.PlayedAt); err != nil {
		s.logger.Error("postgres insert match failed",
			"round_id", m.RoundID,
			"error", err)
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

// Recent 實現 RecentReader
func (s *PostgresStore) Recent(ctx context.Context, roomID string, limit int) ([]Match, error) {
	rows, err := s.pool.Query(ctx, selectRecentSQL, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent matches: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, limit)
	for rows.Next() {
		var (
			m       Match
			level   []byte
			results []byte
		)
		if err := rows.Scan(&m.RoundID, &m.RoomID, &m.RoomTitle, &level, &results, &m.PlayedAt); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Level = level
		if err := json.Unmarshal(results, &m.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
