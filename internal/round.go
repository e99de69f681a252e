package internal

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal/history"
)

// 回合生命週期
//
//	selecting ──(房主 updateStatus=playing)──→ playing
//	playing ──(全員回報 / 逾時)──→ selecting
//
// 計時器競態：
//   time.AfterFunc 的 Stop 無法保證 callback 尚未開始執行，
//   因此 callback 取得鎖後必須再次確認 status 與世代號。
//   每次離開 playing 都會遞增 roundGen，舊計時器即使觸發也是 no-op。

// startRoundLocked 開始新回合，呼叫者必須持有鎖
func (r *Room) startRoundLocked() {
	r.results = []ResultEntry{}
	for _, id := range r.order {
		p := r.participants[id]
		if p.status == UserSkipped {
			p.status = UserWaiting
		}
	}

	r.roundID = newRoundID()
	r.broadcast(startRoundEvent{
		Type:    TypeStartRound,
		RoundID: r.roundID,
		Seed:    rand.Uint32(),
	}, "")

	r.armRoundTimer()

	r.logger.Info("回合開始",
		"round_id", r.roundID,
		"players", len(r.participants),
		"timeout", r.roundTimeout)
}

// newRoundID UUIDv7 依時間排序，同時保證唯一
func newRoundID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (r *Room) armRoundTimer() {
	r.cancelRoundTimer()

	gen := r.roundGen
	r.roundTimer = time.AfterFunc(r.roundTimeout, func() {
		r.onRoundTimeout(gen)
	})
}

// cancelRoundTimer 停止計時器並讓已排程的 callback 失效
func (r *Room) cancelRoundTimer() {
	r.roundGen++
	if r.roundTimer != nil {
		r.roundTimer.Stop()
		r.roundTimer = nil
	}
}

func (r *Room) onRoundTimeout(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.status != StatusPlaying || r.roundGen != gen {
		return
	}

	r.logger.Info("回合逾時，以目前成績結束",
		"round_id", r.roundID,
		"results", len(r.results))
	r.finishRoundLocked("timeout")
}

// finishRoundLocked 結束回合，呼叫者必須持有鎖
func (r *Room) finishRoundLocked(reason string) {
	r.cancelRoundTimer()

	r.recordMatchLocked()

	r.scoreboard = buildScoreboard(r.results)
	r.status = StatusSelecting
	for _, p := range r.participants {
		p.status = UserWaiting
	}

	r.broadcast(r.snapshotLocked(), "")

	r.logger.Info("回合結束",
		"round_id", r.roundID,
		"reason", reason,
		"results", len(r.results))
}

// recordMatchLocked 提交對戰紀錄；沒有關卡或沒有成績時略過
func (r *Room) recordMatchLocked() {
	if len(r.level) == 0 || len(r.results) == 0 {
		return
	}

	results := make([]history.Result, 0, len(r.results))
	for _, e := range r.results {
		results = append(results, history.Result{
			UserID:  e.UserID,
			Name:    e.Name,
			Score:   e.Result.Score,
			Payload: e.Result.Raw(),
		})
	}

	match := history.Match{
		RoundID:   r.roundID,
		RoomID:    r.ID,
		RoomTitle: r.Title,
		Level:     r.level,
		Results:   results,
		PlayedAt:  time.Now(),
	}

	// Recorder 為非阻塞實作，失敗由 sink 自己記錄
	if err := r.recorder.Record(context.Background(), match); err != nil {
		r.logger.Warn("提交對戰紀錄失敗", "round_id", r.roundID, "error", err)
	}
}
