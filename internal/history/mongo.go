package history

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoStore 將對戰紀錄保存於 MongoDB 的 matches collection
type MongoStore struct {
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewMongoStore 創建 MongoDB sink
func NewMongoStore(db *mongo.Database, logger *slog.Logger) *MongoStore {
	return &MongoStore{
		coll:   db.Collection("matches"),
		logger: logger,
	}
}

// Record 實現 Recorder
func (s *MongoStore) Record(ctx context.Context, m Match) error {
	doc := bson.M{
		"_id":        m.RoundID,
		"room_id":    m.RoomID,
		"room_title": m.RoomTitle,
		"level":      string(m.Level),
		"results":    resultsToBson(m.Results),
		"played_at":  m.PlayedAt,
	}

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		s.logger.Error("mongo insert match failed",
			"round_id", m.RoundID,
			"error", err)
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func resultsToBson(results []Result) bson.A {
	arr := make(bson.A, 0, len(results))
	for _, r := range results {
		arr = append(arr, bson.M{
			"user_id": r.UserID,
			"name":    r.Name,
			"score":   r.Score,
			"payload": string(r.Payload),
		})
	}
	return arr
}
