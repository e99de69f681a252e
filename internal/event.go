package internal

import "encoding/json"

// 廣播給客戶端的事件
//
// 兩種形狀：
//   - delta 事件：只帶變更的欄位（如 updateMaster{master}）
//   - 完整快照 update：房間所有對外可見的狀態，用於新加入、提前完成、回合結束
//
// 所有事件都帶 type 欄位作為判別子。

type userEvent struct {
	Type string     `json:"type"`
	User PublicUser `json:"user"`
}

type masterEvent struct {
	Type   string  `json:"type"`
	Master *string `json:"master"`
}

type leadEvent struct {
	Type string  `json:"type"`
	Lead *string `json:"lead"`
}

type statusEvent struct {
	Type   string     `json:"type"`
	Status RoomStatus `json:"status"`
}

type levelEvent struct {
	Type  string          `json:"type"`
	Level json.RawMessage `json:"level"`
}

type levelOptionsEvent struct {
	Type         string        `json:"type"`
	LevelOptions []LevelOption `json:"levelOptions"`
}

type suggestionsEvent struct {
	Type        string       `json:"type"`
	Suggestions []Suggestion `json:"suggestions"`
}

type bareEvent struct {
	Type string `json:"type"`
}

type suggestionsLockEvent struct {
	Type   string `json:"type"`
	Locked bool   `json:"locked"`
}

type autoExitEvent struct {
	Type     string   `json:"type"`
	AutoExit AutoExit `json:"autoExit"`
}

type allowOtherServersEvent struct {
	Type              string `json:"type"`
	AllowOtherServers bool   `json:"allowOtherServers"`
}

type scoreboardEvent struct {
	Type     string              `json:"type"`
	Sections []ScoreboardSection `json:"sections"`
}

type resultEvent struct {
	Type   string      `json:"type"`
	Result ResultEntry `json:"result"`
}

type userStatusEvent struct {
	Type   string     `json:"type"`
	UserID string     `json:"userId"`
	Status UserStatus `json:"status"`
}

type chatEvent struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type startRoundEvent struct {
	Type    string `json:"type"`
	RoundID string `json:"roundId"`
	Seed    uint32 `json:"seed"`
}

// SnapshotUser 快照中的玩家
type SnapshotUser struct {
	PublicUser
	Status UserStatus `json:"status"`
}

// Scoreboard 排行榜
type Scoreboard struct {
	Sections []ScoreboardSection `json:"sections"`
}

// Snapshot 完整房間狀態（type = "update"）
type Snapshot struct {
	Type         string          `json:"type"`
	Status       RoomStatus      `json:"status"`
	Master       *string         `json:"master"`
	Lead         *string         `json:"lead"`
	Options      RoomOptions     `json:"options"`
	Level        json.RawMessage `json:"level"`
	LevelOptions []LevelOption   `json:"levelOptions"`
	Suggestions  []Suggestion    `json:"suggestions"`
	Scoreboard   Scoreboard      `json:"scoreboard"`
	Results      []ResultEntry   `json:"results"`
	Users        []SnapshotUser  `json:"users"`
}

// optionalID 空字串輸出為 null
func optionalID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
