package internal

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-rhythm-lobby/pkg/errors"
)

// Manager 房間註冊表
//
// 房間的建立與移除都必須經過 Manager，房間本身不會自行銷毀；
// 房間內的同步完全由 Room 自己的鎖負責，Manager 只保護 map。
type Manager struct {
	rooms    map[string]*Room // roomID -> Room
	settings RoomSettings
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewManager 創建房間管理器
func NewManager(settings RoomSettings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rooms:    make(map[string]*Room),
		settings: settings,
		logger:   logger,
	}
}

// CreateRoom 創建房間
func (m *Manager) CreateRoom(title string) (*Room, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperrors.ErrInvalidRequest.WithDetails("房間標題不可為空")
	}
	if utf8.RuneCountInString(title) > 64 {
		return nil, apperrors.ErrInvalidRequest.WithDetails("房間標題最多 64 字元")
	}

	roomID := uuid.NewString()
	room := NewRoom(roomID, title, m.settings, m.logger)

	m.mu.Lock()
	m.rooms[roomID] = room
	m.mu.Unlock()

	m.logger.Info("房間已創建",
		"room_id", roomID,
		"title", title,
		"max_players", m.settings.MaxPlayers)

	return room, nil
}

// GetRoom 獲取房間
func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("get room %s: %w", roomID, apperrors.ErrRoomNotFound)
	}

	return room, nil
}

// RemoveRoom 移除房間並斷開所有玩家
func (m *Manager) RemoveRoom(roomID string) error {
	m.mu.Lock()
	room, exists := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("remove room %s: %w", roomID, apperrors.ErrRoomNotFound)
	}

	// 在 Manager 鎖外關閉，避免與房間鎖形成鎖順序問題
	room.Close("removed")
	m.logger.Info("房間已移除", "room_id", roomID)
	return nil
}

// ListRooms 列出房間，依建立時間排序後分頁
func (m *Manager) ListRooms(status RoomStatus, page, limit int) ([]RoomInfo, int) {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *Room) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	// 收集符合條件的房間
	filtered := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		info := room.Info()
		if status != "" && info.Status != status {
			continue
		}
		filtered = append(filtered, info)
	}

	total := len(filtered)

	// 分頁
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= total {
		return []RoomInfo{}, total
	}
	end := min(start+limit, total)

	return filtered[start:end], total
}

// RoomCount 房間數量
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Stop 關閉所有房間
func (m *Manager) Stop() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Close("server_shutdown")
	}

	m.logger.Info("房間管理器已停止", "rooms", len(rooms))
}

// Stats 統計資訊
type Stats struct {
	TotalRooms   int                `json:"total_rooms"`
	TotalPlayers int                `json:"total_players"`
	ByStatus     map[RoomStatus]int `json:"by_status"`
}

// Stats 獲取統計資訊
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	stats := Stats{
		TotalRooms: len(rooms),
		ByStatus:   make(map[RoomStatus]int),
	}
	for _, room := range rooms {
		info := room.Info()
		stats.ByStatus[info.Status]++
		stats.TotalPlayers += info.Players
	}
	return stats
}
