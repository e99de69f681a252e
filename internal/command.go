package internal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 指令處理錯誤
//
// 這些錯誤只用於日誌與測試，不會回傳給客戶端（fire-and-forget）。
var (
	ErrNotParticipant    = errors.New("sender is not a participant")
	ErrNotAuthorized     = errors.New("sender lacks authority")
	ErrWrongStatus       = errors.New("command not allowed in current room status")
	ErrSuggestionsLocked = errors.New("suggestions are locked")
	ErrUnknownTarget     = errors.New("target user is not a participant")
	ErrMalformedCommand  = errors.New("malformed command")
	ErrUnknownCommand    = errors.New("unknown command type")
)

// Command 客戶端指令（封閉集合，每種類型一個結構）
type Command interface {
	CommandType() string
}

type validator interface {
	validate() error
}

// AddChatMessage 聊天訊息
type AddChatMessage struct {
	Message string `json:"message"`
}

// UpdateUserStatus 更新自己的狀態
type UpdateUserStatus struct {
	Status UserStatus `json:"status"`
}

// UpdateStatus 更新房間狀態（房主）
type UpdateStatus struct {
	Status RoomStatus `json:"status"`
}

// UpdateLevel 選擇關卡（選歌者，選歌階段）
type UpdateLevel struct {
	Level json.RawMessage `json:"level"`
}

// UpdateLevelOption 設定關卡選項（選歌者，選歌階段）
type UpdateLevelOption struct {
	Index int             `json:"index"`
	Value json.RawMessage `json:"value"`
}

// AddSuggestion 推薦關卡
type AddSuggestion struct {
	Level json.RawMessage `json:"level"`
}

// ClearSuggestions 清空推薦（房主或選歌者）
type ClearSuggestions struct{}

// UpdateSuggestionsLock 鎖定推薦（房主或選歌者）
type UpdateSuggestionsLock struct {
	Locked bool `json:"locked"`
}

// UpdateAutoExit 設定自動退出條件（房主或選歌者）
type UpdateAutoExit struct {
	AutoExit AutoExit `json:"autoExit"`
}

// UpdateAllowOtherServers 是否允許其他伺服器的玩家（房主或選歌者）
type UpdateAllowOtherServers struct {
	AllowOtherServers bool `json:"allowOtherServers"`
}

// UpdateMaster 轉移房主（房主）
type UpdateMaster struct {
	UserID string `json:"userId"`
}

// UpdateLead 指定選歌者（房主）
type UpdateLead struct {
	UserID string `json:"userId"`
}

// ResetScoreboard 重置排行榜（房主）
type ResetScoreboard struct{}

// StartGameplay 玩家開始遊玩
type StartGameplay struct{}

// FinishGameplay 玩家完成遊玩並回報成績
type FinishGameplay struct {
	Result *Result `json:"result"`
}

func (*AddChatMessage) CommandType() string          { return TypeAddChatMessage }
func (*UpdateUserStatus) CommandType() string        { return TypeUpdateUserStatus }
func (*UpdateStatus) CommandType() string            { return TypeUpdateStatus }
func (*UpdateLevel) CommandType() string             { return TypeUpdateLevel }
func (*UpdateLevelOption) CommandType() string       { return TypeUpdateLevelOption }
func (*AddSuggestion) CommandType() string           { return TypeAddSuggestion }
func (*ClearSuggestions) CommandType() string        { return TypeClearSuggestions }
func (*UpdateSuggestionsLock) CommandType() string   { return TypeUpdateSuggestionsLock }
func (*UpdateAutoExit) CommandType() string          { return TypeUpdateAutoExit }
func (*UpdateAllowOtherServers) CommandType() string { return TypeUpdateAllowOtherServers }
func (*UpdateMaster) CommandType() string            { return TypeUpdateMaster }
func (*UpdateLead) CommandType() string              { return TypeUpdateLead }
func (*ResetScoreboard) CommandType() string         { return TypeResetScoreboard }
func (*StartGameplay) CommandType() string           { return TypeStartGameplay }
func (*FinishGameplay) CommandType() string          { return TypeFinishGameplay }

func (c *UpdateUserStatus) validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("invalid user status %q", c.Status)
	}
	return nil
}

func (c *UpdateStatus) validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("invalid room status %q", c.Status)
	}
	return nil
}

func (c *UpdateLevel) validate() error {
	// null 代表取消選擇
	c.Level = normalizeRaw(c.Level)
	return nil
}

func (c *UpdateLevelOption) validate() error {
	if c.Index < 0 {
		return fmt.Errorf("negative option index %d", c.Index)
	}
	if len(c.Value) == 0 {
		return fmt.Errorf("missing option value")
	}
	return nil
}

func (c *AddSuggestion) validate() error {
	c.Level = normalizeRaw(c.Level)
	if c.Level == nil {
		return fmt.Errorf("missing suggested level")
	}
	return nil
}

func (c *UpdateAutoExit) validate() error {
	if !c.AutoExit.Valid() {
		return fmt.Errorf("invalid auto exit %q", c.AutoExit)
	}
	return nil
}

func (c *UpdateMaster) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("missing userId")
	}
	return nil
}

func (c *UpdateLead) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("missing userId")
	}
	return nil
}

func (c *FinishGameplay) validate() error {
	if c.Result == nil {
		return fmt.Errorf("missing result")
	}
	return nil
}

// ParseCommand 在邊界將原始訊息解析為具體指令
//
// 未知類型回傳 ErrUnknownCommand，格式錯誤回傳 ErrMalformedCommand，
// 兩者都只會讓該指令被丟棄，不影響連線。
func ParseCommand(data []byte) (Command, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	var cmd Command
	switch envelope.Type {
	case TypeAddChatMessage:
		cmd = &AddChatMessage{}
	case TypeUpdateUserStatus:
		cmd = &UpdateUserStatus{}
	case TypeUpdateStatus:
		cmd = &UpdateStatus{}
	case TypeUpdateLevel:
		cmd = &UpdateLevel{}
	case TypeUpdateLevelOption:
		cmd = &UpdateLevelOption{}
	case TypeAddSuggestion:
		cmd = &AddSuggestion{}
	case TypeClearSuggestions:
		cmd = &ClearSuggestions{}
	case TypeUpdateSuggestionsLock:
		cmd = &UpdateSuggestionsLock{}
	case TypeUpdateAutoExit:
		cmd = &UpdateAutoExit{}
	case TypeUpdateAllowOtherServers:
		cmd = &UpdateAllowOtherServers{}
	case TypeUpdateMaster:
		cmd = &UpdateMaster{}
	case TypeUpdateLead:
		cmd = &UpdateLead{}
	case TypeResetScoreboard:
		cmd = &ResetScoreboard{}
	case TypeStartGameplay:
		cmd = &StartGameplay{}
	case TypeFinishGameplay:
		cmd = &FinishGameplay{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, envelope.Type)
	}

	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, envelope.Type, err)
	}
	if v, ok := cmd.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedCommand, envelope.Type, err)
		}
	}

	return cmd, nil
}
