package internal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal/session"
)

// 協議中的訊息類型（客戶端協議規定，欄位名稱不可更動）
const (
	TypeAddUser                  = "addUser"
	TypeRemoveUser               = "removeUser"
	TypeUpdateMaster             = "updateMaster"
	TypeUpdateLead               = "updateLead"
	TypeUpdateStatus             = "updateStatus"
	TypeUpdateLevel              = "updateLevel"
	TypeUpdateLevelOption        = "updateLevelOption"
	TypeUpdateLevelOptions       = "updateLevelOptions"
	TypeAddSuggestion            = "addSuggestion"
	TypeUpdateSuggestions        = "updateSuggestions"
	TypeClearSuggestions         = "clearSuggestions"
	TypeUpdateSuggestionsLock    = "updateSuggestionsLock"
	TypeUpdateAutoExit           = "updateAutoExit"
	TypeUpdateAllowOtherServers  = "updateAllowOtherServers"
	TypeResetScoreboard          = "resetScoreboard"
	TypeUpdateScoreboardSections = "updateScoreboardSections"
	TypeStartGameplay            = "startGameplay"
	TypeFinishGameplay           = "finishGameplay"
	TypeAddResult                = "addResult"
	TypeUpdateUserStatus         = "updateUserStatus"
	TypeAddChatMessage           = "addChatMessage"
	TypeStartRound               = "startRound"
	TypeUpdate                   = "update"
)

// RoomStatus 房間狀態
//
//	selecting → playing → selecting
//
// preparing 是協議保留的狀態，引擎不會主動進入，只有房主可以手動設定。
type RoomStatus string

const (
	StatusSelecting RoomStatus = "selecting" // 選歌中
	StatusPreparing RoomStatus = "preparing" // 保留
	StatusPlaying   RoomStatus = "playing"   // 回合進行中
)

// Valid 檢查狀態是否合法
func (s RoomStatus) Valid() bool {
	switch s {
	case StatusSelecting, StatusPreparing, StatusPlaying:
		return true
	}
	return false
}

// UserStatus 玩家狀態
type UserStatus string

const (
	UserWaiting UserStatus = "waiting"
	UserReady   UserStatus = "ready"
	UserSkipped UserStatus = "skipped"
	UserPlaying UserStatus = "playing"
)

// Valid 檢查狀態是否合法
func (s UserStatus) Valid() bool {
	switch s {
	case UserWaiting, UserReady, UserSkipped, UserPlaying:
		return true
	}
	return false
}

// AutoExit 自動退出條件
type AutoExit string

const (
	AutoExitOff        AutoExit = "off"
	AutoExitPass       AutoExit = "pass"
	AutoExitFullCombo  AutoExit = "fullCombo"
	AutoExitAllPerfect AutoExit = "allPerfect"
)

// Valid 檢查條件是否合法
func (a AutoExit) Valid() bool {
	switch a {
	case AutoExitOff, AutoExitPass, AutoExitFullCombo, AutoExitAllPerfect:
		return true
	}
	return false
}

// PublicUser 會轉發給其他玩家的公開身分資料
type PublicUser struct {
	UserID    string `json:"userId"`
	Auth      string `json:"auth"`
	Signature string `json:"signature"`
}

func publicUser(p session.Profile) PublicUser {
	return PublicUser{
		UserID:    p.UserID,
		Auth:      p.Auth,
		Signature: p.Signature,
	}
}

// LevelOption 關卡選項（index → 任意值）
type LevelOption struct {
	Index int             `json:"index"`
	Value json.RawMessage `json:"value"`
}

// Suggestion 玩家推薦的關卡
type Suggestion struct {
	UserID string          `json:"userId"`
	Level  json.RawMessage `json:"level"`
}

// Result 客戶端回報的成績
//
// 伺服器只讀取 score 欄位用於排序，其餘欄位原樣保存並轉發。
// 成績完全由客戶端宣稱，伺服器不重新計算。
type Result struct {
	Score int64
	raw   json.RawMessage
}

// UnmarshalJSON 解析成績，score 為必填數字
func (r *Result) UnmarshalJSON(data []byte) error {
	var probe struct {
		Score *json.Number `json:"score"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&probe); err != nil {
		return err
	}
	if probe.Score == nil {
		return fmt.Errorf("result: missing score")
	}

	score, err := parseScore(*probe.Score)
	if err != nil {
		return err
	}

	r.Score = score
	r.raw = append(r.raw[:0], data...)
	return nil
}

// MarshalJSON 原樣輸出客戶端送來的內容
func (r Result) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return json.Marshal(map[string]int64{"score": r.Score})
	}
	return r.raw, nil
}

// Raw 原始 JSON
func (r Result) Raw() json.RawMessage {
	b, _ := r.MarshalJSON()
	return b
}

func parseScore(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("result: invalid score %q", n.String())
	}
	// float64(math.MaxInt64) 即 2^63，超出 int64 的值轉換後會溢位
	f = math.Round(f)
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("result: score %q out of range", n.String())
	}
	return int64(f), nil
}

// ResultEntry 本局的一筆成績
type ResultEntry struct {
	UserID string `json:"userId"`
	Result Result `json:"result"`
	Name   string `json:"name"`
}

// ScoreEntry 排行榜中的一列
type ScoreEntry struct {
	UserID string `json:"userId"`
	Value  string `json:"value"`
}

// ScoreboardSection 排行榜區塊
type ScoreboardSection struct {
	Title   string       `json:"title"`
	Icon    string       `json:"icon"`
	Entries []ScoreEntry `json:"entries"`
}

// RoomOptions 房間層級的設定旗標
type RoomOptions struct {
	AllowOtherServers bool     `json:"allowOtherServers"`
	AutoExit          AutoExit `json:"autoExit"`
	SuggestionsLocked bool     `json:"suggestionsLocked"`
}

// normalizeRaw 將缺省與 JSON null 統一為 nil
func normalizeRaw(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
