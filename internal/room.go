package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal/history"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/session"
	apperrors "github.com/koopa0/system-design/14-rhythm-lobby/pkg/errors"
)

// 系統設計問題：
//   如何讓一個房間內的所有玩家看到一致的共享狀態（選歌、房主、回合、成績）？
//
// 核心挑戰：
//   1. 順序性：加入、離線、指令可能同時到達，必須像逐一處理一樣
//   2. 權限：房主 / 選歌者的判斷不能與狀態修改產生競態
//   3. 一致性：快照不能在修改途中計算
//   4. 慢連線：單一玩家網路卡住不能拖慢整個房間
//
// 設計方案：
//   ✅ 每房間一把 Mutex - 狀態修改與其衍生的廣播在同一臨界區內完成
//   ✅ 非阻塞發送 - Conn.Send 只放入緩衝區，丟棄而不等待
//   ✅ 回合計時器世代號 - 取消後觸發的計時器自動失效

// Conn 單一客戶端連線
//
// 傳輸層擁有真正的 socket，引擎只需要：
//   - Send：盡力發送，連線已關閉時為 no-op，不可阻塞
//   - Close：可重複呼叫
//   - Done：傳輸層斷線時關閉，引擎據此移除玩家
type Conn interface {
	Send(payload []byte)
	Close()
	Done() <-chan struct{}
}

// RoomSettings 房間執行參數
type RoomSettings struct {
	RoundTimeout time.Duration    // 回合逾時強制結束，預設 5 分鐘
	MaxPlayers   int              // 0 表示不限制
	Recorder     history.Recorder // 必須為非阻塞實作（history.Async）
}

// DefaultRoundTimeout 回合逾時
const DefaultRoundTimeout = 5 * time.Minute

type participant struct {
	profile session.Profile
	conn    Conn
	status  UserStatus
}

// Room 房間同步引擎
//
// 系統設計考量：
//
//  1. 序列化（Mutex 而非 RWMutex）：
//     幾乎所有操作都會修改狀態或發送訊息，讀寫鎖沒有收益
//     快照也在同一把鎖內計算，保證自洽
//
//  2. 廣播在鎖內進行：
//     Send 只是放入每個連線自己的緩衝 channel，不做網路 I/O
//     因此持鎖廣播不會被慢連線拖住，同時保證事件順序與狀態順序一致
//
//  3. 玩家順序：
//     participants 為 map，另以 order 記錄加入順序
//     房主 / 選歌者離線時，交給最早加入的剩餘玩家（確定性）
//
//  4. 回合計時器：
//     同一時間最多一個計時器；每次離開 playing 都會 Stop 並遞增 roundGen
//     計時器觸發時重新檢查 status 與世代號，與手動結束的競態自然消解
type Room struct {
	ID        string
	Title     string
	CreatedAt time.Time

	mu                sync.Mutex
	status            RoomStatus
	master            string
	lead              string
	allowOtherServers bool
	autoExit          AutoExit
	suggestionsLocked bool
	level             json.RawMessage
	levelOptions      []LevelOption
	suggestions       []Suggestion
	scoreboard        []ScoreboardSection
	results           []ResultEntry
	participants      map[string]*participant
	order             []string
	closed            bool
	maxPlayers        int

	roundTimeout time.Duration
	roundTimer   *time.Timer
	roundGen     uint64
	roundID      string

	recorder history.Recorder
	logger   *slog.Logger
}

// NewRoom 創建房間
func NewRoom(id, title string, settings RoomSettings, logger *slog.Logger) *Room {
	if settings.RoundTimeout <= 0 {
		settings.RoundTimeout = DefaultRoundTimeout
	}
	if settings.Recorder == nil {
		settings.Recorder = history.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Room{
		ID:           id,
		Title:        title,
		CreatedAt:    time.Now(),
		status:       StatusSelecting,
		autoExit:     AutoExitOff,
		levelOptions: []LevelOption{},
		suggestions:  []Suggestion{},
		results:      []ResultEntry{},
		participants: make(map[string]*participant),
		maxPlayers:   settings.MaxPlayers,
		roundTimeout: settings.RoundTimeout,
		recorder:     settings.Recorder,
		logger:       logger.With("room_id", id),
	}
}

// AddUser 玩家加入（或以同一身分重新連線）
//
// 對外可觀察的順序：
//  1. 同一身分已存在 → 直接替換，不通知其他人
//  2. 房主 / 選歌者為空 → 指派給加入者
//  3. 新玩家收到完整快照（已包含自己與上述指派）
//  4. 其他玩家收到 addUser（替換連線時不發）
//  5. 若剛剛指派了房主 / 選歌者，通知其他玩家
func (r *Room) AddUser(profile session.Profile, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		conn.Close()
		return
	}

	id := profile.UserID
	old, replacing := r.participants[id]
	if replacing && old.conn != conn {
		old.conn.Close()
	}

	masterAssigned := r.master == ""
	if masterAssigned {
		r.master = id
	}
	leadAssigned := r.lead == ""
	if leadAssigned {
		r.lead = id
	}

	r.participants[id] = &participant{
		profile: profile,
		conn:    conn,
		status:  UserWaiting,
	}
	if !replacing {
		r.order = append(r.order, id)
	}

	r.sendTo(conn, r.snapshotLocked())

	if !replacing {
		r.broadcast(userEvent{Type: TypeAddUser, User: publicUser(profile)}, id)
	}
	if masterAssigned {
		r.broadcast(masterEvent{Type: TypeUpdateMaster, Master: optionalID(r.master)}, id)
	}
	if leadAssigned {
		r.broadcast(leadEvent{Type: TypeUpdateLead, Lead: optionalID(r.lead)}, id)
	}

	r.logger.Info("玩家加入房間",
		"user_id", id,
		"replaced", replacing,
		"players", len(r.participants))

	go r.watch(id, conn)
}

// watch 等待傳輸層斷線通知
func (r *Room) watch(id string, conn Conn) {
	<-conn.Done()
	r.removeConnection(id, conn)
}

// removeConnection 只有在條目仍持有該連線時才移除（舊連線晚到的關閉通知不影響新連線）
func (r *Room) removeConnection(id string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok || p.conn != conn {
		return
	}
	r.removeLocked(id)
}

// RemoveUser 玩家離開，對不存在的身分為 no-op
func (r *Room) RemoveUser(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[id]; !ok {
		return
	}
	r.removeLocked(id)
}

func (r *Room) removeLocked(id string) {
	p := r.participants[id]
	delete(r.participants, id)
	r.order = slices.DeleteFunc(r.order, func(uid string) bool { return uid == id })

	if r.master == id {
		r.master = r.firstParticipant()
		r.broadcast(masterEvent{Type: TypeUpdateMaster, Master: optionalID(r.master)}, "")
	}
	if r.lead == id {
		r.lead = r.firstParticipant()
		r.broadcast(leadEvent{Type: TypeUpdateLead, Lead: optionalID(r.lead)}, "")
	}

	r.broadcast(userEvent{Type: TypeRemoveUser, User: publicUser(p.profile)}, "")

	r.logger.Info("玩家離開房間",
		"user_id", id,
		"players", len(r.participants),
		"master", r.master,
		"lead", r.lead)

	// 最後一位未回報的玩家離開時，其餘已回報的玩家不必等到逾時
	if r.status == StatusPlaying && len(r.results) > 0 && r.allPlayingReported() {
		r.finishRoundLocked("all_reported")
	}
}

// firstParticipant 最早加入的剩餘玩家，沒有玩家時回傳空字串
func (r *Room) firstParticipant() string {
	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}

// HandleMessage 解析並執行客戶端原始訊息
func (r *Room) HandleMessage(userID string, data []byte) error {
	cmd, err := ParseCommand(data)
	if err != nil {
		r.logger.Debug("丟棄無法解析的指令", "user_id", userID, "error", err)
		return err
	}
	return r.HandleCommand(userID, cmd)
}

// HandleCommand 驗證權限 → 修改狀態 → 廣播
//
// 權限不符的指令直接丟棄，客戶端不會收到任何回應；
// 回傳的錯誤只供日誌與測試。
func (r *Room) HandleCommand(userID string, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.applyLocked(userID, cmd)
	if err != nil {
		r.logger.Debug("拒絕指令",
			"user_id", userID,
			"type", cmd.CommandType(),
			"reason", err)
	}
	return err
}

func (r *Room) applyLocked(userID string, cmd Command) error {
	p, ok := r.participants[userID]
	if !ok {
		return ErrNotParticipant
	}

	isMaster := userID == r.master
	isLead := userID == r.lead

	switch c := cmd.(type) {
	case *AddChatMessage:
		r.broadcast(chatEvent{Type: TypeAddChatMessage, UserID: userID, Message: c.Message}, "")

	case *UpdateUserStatus:
		r.setUserStatus(userID, p, c.Status)

	case *UpdateStatus:
		if !isMaster {
			return ErrNotAuthorized
		}
		r.setStatus(c.Status)

	case *UpdateLevel:
		if !isLead {
			return ErrNotAuthorized
		}
		if r.status != StatusSelecting {
			return ErrWrongStatus
		}
		r.level = c.Level
		r.levelOptions = []LevelOption{}
		r.broadcast(levelEvent{Type: TypeUpdateLevel, Level: r.level}, "")

	case *UpdateLevelOption:
		if !isLead {
			return ErrNotAuthorized
		}
		if r.status != StatusSelecting {
			return ErrWrongStatus
		}
		r.setLevelOption(c.Index, c.Value)
		r.broadcast(levelOptionsEvent{Type: TypeUpdateLevelOptions, LevelOptions: r.levelOptions}, "")

	case *AddSuggestion:
		if r.suggestionsLocked {
			return ErrSuggestionsLocked
		}
		r.suggestions = append(r.suggestions, Suggestion{UserID: userID, Level: c.Level})
		r.broadcast(suggestionsEvent{Type: TypeUpdateSuggestions, Suggestions: r.suggestions}, "")

	case *ClearSuggestions:
		if !isLead && !isMaster {
			return ErrNotAuthorized
		}
		r.suggestions = []Suggestion{}
		r.broadcast(bareEvent{Type: TypeClearSuggestions}, "")

	case *UpdateSuggestionsLock:
		if !isLead && !isMaster {
			return ErrNotAuthorized
		}
		r.suggestionsLocked = c.Locked
		r.broadcast(suggestionsLockEvent{Type: TypeUpdateSuggestionsLock, Locked: c.Locked}, "")

	case *UpdateAutoExit:
		if !isLead && !isMaster {
			return ErrNotAuthorized
		}
		r.autoExit = c.AutoExit
		r.broadcast(autoExitEvent{Type: TypeUpdateAutoExit, AutoExit: c.AutoExit}, "")

	case *UpdateAllowOtherServers:
		if !isLead && !isMaster {
			return ErrNotAuthorized
		}
		r.allowOtherServers = c.AllowOtherServers
		r.broadcast(allowOtherServersEvent{Type: TypeUpdateAllowOtherServers, AllowOtherServers: c.AllowOtherServers}, "")

	case *UpdateMaster:
		if !isMaster {
			return ErrNotAuthorized
		}
		if _, ok := r.participants[c.UserID]; !ok {
			return ErrUnknownTarget
		}
		r.master = c.UserID
		r.broadcast(masterEvent{Type: TypeUpdateMaster, Master: optionalID(r.master)}, "")

	case *UpdateLead:
		if !isMaster {
			return ErrNotAuthorized
		}
		if _, ok := r.participants[c.UserID]; !ok {
			return ErrUnknownTarget
		}
		r.lead = c.UserID
		r.broadcast(leadEvent{Type: TypeUpdateLead, Lead: optionalID(r.lead)}, "")

	case *ResetScoreboard:
		if !isMaster {
			return ErrNotAuthorized
		}
		r.scoreboard = emptyScoreboard()
		r.broadcast(scoreboardEvent{Type: TypeUpdateScoreboardSections, Sections: r.scoreboard}, "")

	case *StartGameplay:
		r.setUserStatus(userID, p, UserPlaying)

	case *FinishGameplay:
		r.finishGameplay(userID, p, *c.Result)

	default:
		return ErrUnknownCommand
	}

	return nil
}

func (r *Room) setUserStatus(userID string, p *participant, status UserStatus) {
	p.status = status
	r.broadcast(userStatusEvent{Type: TypeUpdateUserStatus, UserID: userID, Status: status}, "")
}

// setStatus 房主切換房間狀態
func (r *Room) setStatus(status RoomStatus) {
	prev := r.status
	if prev == StatusPlaying && status == StatusPlaying {
		// 回合已在進行，不重新開局
		return
	}

	// 離開 playing 前一定先取消計時器
	if prev == StatusPlaying {
		r.cancelRoundTimer()
	}

	r.status = status
	r.broadcast(statusEvent{Type: TypeUpdateStatus, Status: status}, "")

	if status == StatusPlaying {
		r.startRoundLocked()
	}
}

func (r *Room) setLevelOption(index int, value json.RawMessage) {
	for i := range r.levelOptions {
		if r.levelOptions[i].Index == index {
			r.levelOptions[i].Value = value
			return
		}
	}
	r.levelOptions = append(r.levelOptions, LevelOption{Index: index, Value: value})
}

// finishGameplay 玩家回報成績
func (r *Room) finishGameplay(userID string, p *participant, result Result) {
	entry := ResultEntry{UserID: userID, Result: result, Name: p.profile.Name}

	idx := slices.IndexFunc(r.results, func(e ResultEntry) bool { return e.UserID == userID })
	if idx >= 0 {
		r.results[idx] = entry
	} else {
		r.results = append(r.results, entry)
	}

	r.broadcast(resultEvent{Type: TypeAddResult, Result: entry}, "")

	if r.status == StatusPlaying && r.allPlayingReported() {
		r.finishRoundLocked("all_reported")
		return
	}

	// 提前完成的玩家重新同步一次，之後的事件才能正確套用
	r.sendTo(p.conn, r.snapshotLocked())
}

// allPlayingReported 所有 playing 狀態的玩家都已回報成績
func (r *Room) allPlayingReported() bool {
	for id, p := range r.participants {
		if p.status != UserPlaying {
			continue
		}
		if !slices.ContainsFunc(r.results, func(e ResultEntry) bool { return e.UserID == id }) {
			return false
		}
	}
	return true
}

// snapshotLocked 計算完整快照，呼叫者必須持有鎖
func (r *Room) snapshotLocked() Snapshot {
	users := make([]SnapshotUser, 0, len(r.order))
	for _, id := range r.order {
		p := r.participants[id]
		users = append(users, SnapshotUser{
			PublicUser: publicUser(p.profile),
			Status:     p.status,
		})
	}

	scoreboard := r.scoreboard
	if len(scoreboard) == 0 {
		scoreboard = emptyScoreboard()
	}

	return Snapshot{
		Type:   TypeUpdate,
		Status: r.status,
		Master: optionalID(r.master),
		Lead:   optionalID(r.lead),
		Options: RoomOptions{
			AllowOtherServers: r.allowOtherServers,
			AutoExit:          r.autoExit,
			SuggestionsLocked: r.suggestionsLocked,
		},
		Level:        r.level,
		LevelOptions: slices.Clone(r.levelOptions),
		Suggestions:  slices.Clone(r.suggestions),
		Scoreboard:   Scoreboard{Sections: slices.Clone(scoreboard)},
		Results:      slices.Clone(r.results),
		Users:        users,
	}
}

// Snapshot 取得目前完整快照
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// sendTo 序列化並發送給單一連線
func (r *Room) sendTo(conn Conn, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("序列化事件失敗", "error", err)
		return
	}
	conn.Send(data)
}

// broadcast 序列化一次並發送給所有玩家，except 非空時略過該玩家
func (r *Room) broadcast(event any, except string) {
	if len(r.participants) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("序列化事件失敗", "error", err)
		return
	}

	for _, id := range r.order {
		if id == except {
			continue
		}
		r.participants[id].conn.Send(data)
	}
}

// RoomInfo 房間列表使用的摘要
type RoomInfo struct {
	ID         string     `json:"room_id"`
	Title      string     `json:"room_title"`
	Status     RoomStatus `json:"status"`
	Players    int        `json:"current_players"`
	MaxPlayers int        `json:"max_players"`
	MasterName string     `json:"master_name"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Info 取得房間摘要
func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RoomInfo{
		ID:         r.ID,
		Title:      r.Title,
		Status:     r.status,
		Players:    len(r.participants),
		MaxPlayers: r.maxPlayers,
		CreatedAt:  r.CreatedAt,
	}
	if p, ok := r.participants[r.master]; ok {
		info.MasterName = p.profile.Name
	}
	return info
}

// Status 房間狀態
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Master 房主 ID
func (r *Room) Master() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.master
}

// Lead 選歌者 ID
func (r *Room) Lead() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lead
}

// Has 玩家是否在房間內
func (r *Room) Has(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.participants[userID]
	return ok
}

// PlayerCount 玩家數量
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// UserStatus 玩家狀態
func (r *Room) UserStatus(userID string) (UserStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[userID]
	if !ok {
		return "", false
	}
	return p.status, true
}

// ErrRoomClosed 房間已關閉
var ErrRoomClosed = errors.New("room closed")

// CanJoin 檢查玩家能否加入；已在房間內的身分視為重新連線，不受人數限制
func (r *Room) CanJoin(userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomClosed
	}
	if _, ok := r.participants[userID]; ok {
		return nil
	}
	if r.maxPlayers > 0 && len(r.participants) >= r.maxPlayers {
		return apperrors.ErrRoomFull
	}
	return nil
}

// Close 關閉房間：取消計時器並斷開所有連線
func (r *Room) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.cancelRoundTimer()

	for _, id := range r.order {
		r.participants[id].conn.Close()
	}
	r.participants = make(map[string]*participant)
	r.order = nil
	r.master, r.lead = "", ""

	r.logger.Info("房間已關閉", "reason", reason)
}
