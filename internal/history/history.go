// Package history 保存每一局結束後的對戰紀錄。
//
// 房間引擎只依賴 Recorder 介面，並且只透過 Async 提交：
// 提交永遠不阻塞房間的狀態轉換，寫入失敗由 sink 自己記錄日誌，不回滾記憶體狀態。
package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull 非同步佇列已滿，紀錄被丟棄
var ErrQueueFull = errors.New("history queue full")

// ErrClosed 紀錄器已停止
var ErrClosed = errors.New("history recorder closed")

// Result 單一玩家的成績
type Result struct {
	UserID  string          `json:"userId" bson:"user_id"`
	Name    string          `json:"name" bson:"name"`
	Score   int64           `json:"score" bson:"score"`
	Payload json.RawMessage `json:"payload,omitempty" bson:"-"`
}

// Match 一局完整的對戰紀錄
type Match struct {
	RoundID   string          `json:"roundId"`
	RoomID    string          `json:"roomId"`
	RoomTitle string          `json:"roomTitle"` // 僅供顯示，標題可重複
	Level     json.RawMessage `json:"level"`
	Results   []Result        `json:"results"`
	PlayedAt  time.Time       `json:"playedAt"`
}

// Recorder 對戰紀錄 sink
type Recorder interface {
	Record(ctx context.Context, m Match) error
}

// RecentReader 讀取某房間最近的對戰紀錄
type RecentReader interface {
	Recent(ctx context.Context, roomID string, limit int) ([]Match, error)
}

// Nop 不保存任何紀錄
type Nop struct{}

// Record 實現 Recorder
func (Nop) Record(context.Context, Match) error { return nil }

// Multi 將紀錄扇出到多個 sink，回傳第一個錯誤但不中斷其他 sink
type Multi []Recorder

// Record 實現 Recorder
func (m Multi) Record(ctx context.Context, match Match) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, match); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async 非同步紀錄器
//
// 系統設計考量：
//
//  1. 為什麼需要非同步？
//     問題：回合結束時房間持有鎖，若同步寫資料庫，慢查詢會卡住整個房間
//     方案：緩衝 channel + 單一 worker
//
//  2. 背壓：
//     佇列滿時直接丟棄並記錄警告（對戰紀錄是盡力而為，房間可用性優先）
//
//  3. 關閉：
//     Stop 後 worker 會把佇列中剩餘的紀錄寫完再退出
type Async struct {
	next    Recorder
	queue   chan Match
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewAsync 創建非同步紀錄器並啟動 worker
func NewAsync(next Recorder, queueSize int, timeout time.Duration, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	a := &Async{
		next:    next,
		queue:   make(chan Match, queueSize),
		timeout: timeout,
		logger:  logger,
	}

	a.wg.Add(1)
	go a.worker()

	return a
}

// Record 將紀錄放入佇列，不阻塞
func (a *Async) Record(_ context.Context, m Match) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.stopped {
		return ErrClosed
	}

	select {
	case a.queue <- m:
		return nil
	default:
		a.logger.Warn("對戰紀錄佇列已滿，丟棄紀錄",
			"round_id", m.RoundID,
			"room_id", m.RoomID)
		return ErrQueueFull
	}
}

func (a *Async) worker() {
	defer a.wg.Done()

	for m := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Record(ctx, m); err != nil {
			a.logger.Error("寫入對戰紀錄失敗",
				"round_id", m.RoundID,
				"room_id", m.RoomID,
				"error", err)
		}
		cancel()
	}
}

// Stop 停止接收並等待佇列清空
func (a *Async) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
}
