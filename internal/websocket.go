package internal

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal/session"
	apperrors "github.com/koopa0/system-design/14-rhythm-lobby/pkg/errors"
)

// 系統設計問題：
//   房間引擎只認識 Conn 介面，真正的 socket 由誰管理？
//
// 核心挑戰：
//   1. 慢連線：房間持鎖廣播，寫入 socket 絕不能發生在房間鎖內
//   2. 斷線偵測：網路異常、客戶端崩潰時要能主動發現
//   3. 重複登入：同一身分的新連線必須取代舊連線
//
// 設計方案：
//   ✅ 每連線一個緩衝 channel + writePump - Send 只入隊，滿了就丟
//   ✅ Ping/Pong 心跳 - 54s ping / 60s 讀取期限
//   ✅ Done channel - readPump 結束即通知房間移除玩家

// HubConfig 傳輸層參數
type HubConfig struct {
	SendBuffer int           // 每連線發送緩衝
	ReadLimit  int64         // 單一訊息上限
	PongWait   time.Duration // 讀取期限
	PingPeriod time.Duration // 必須小於 PongWait
	WriteWait  time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	return c
}

// WebSocketHub WebSocket 連接中心
//
// 系統設計考量：
//
//  1. Hub 不做廣播：
//     廣播順序由房間鎖決定，Hub 只負責握手、升級與連線生命週期
//
//  2. 追蹤所有連線：
//     關機時逐一關閉；同一身分在同一房間的取代由 Room.AddUser 處理
type WebSocketHub struct {
	manager  *Manager
	sessions *session.Service
	config   HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	connections map[*Connection]struct{}
	mu          sync.Mutex
	stopped     bool
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(manager *Manager, sessions *session.Service, cfg HubConfig, logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		manager:  manager,
		sessions: sessions,
		config:   cfg.withDefaults(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 遊戲客戶端不是瀏覽器，沒有可信任的 Origin
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[*Connection]struct{}),
	}
}

// Connection 單一 WebSocket 連線，實現 Conn
type Connection struct {
	UserID string
	RoomID string

	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	hub    *WebSocketHub
	room   *Room
	logger *slog.Logger

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once // 確保 send 只關閉一次
	doneOnce  sync.Once
	lastPing  time.Time
}

var _ Conn = (*Connection)(nil)

// ServeWS 消費票券並升級為 WebSocket
//
//	GET /ws/rooms/{room_id}?ticket=...
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	ticket := r.URL.Query().Get("ticket")
	if roomID == "" || ticket == "" {
		http.Error(w, "缺少房間 ID 或票券", http.StatusBadRequest)
		return
	}

	room, err := hub.manager.GetRoom(roomID)
	if err != nil {
		http.Error(w, "房間不存在", http.StatusNotFound)
		return
	}

	profile, err := hub.sessions.ConsumeTicket(ticket, roomID)
	if err != nil {
		hub.logger.Warn("拒絕連線：票券無效", "room_id", roomID, "error", err)
		http.Error(w, "票券無效或已使用", http.StatusUnauthorized)
		return
	}

	if err := room.CanJoin(profile.UserID); err != nil {
		switch {
		case errors.Is(err, ErrRoomClosed):
			http.Error(w, "房間不存在", http.StatusNotFound)
		case apperrors.IsConflict(err):
			http.Error(w, "房間已滿", http.StatusConflict)
		default:
			http.Error(w, "無法加入房間", http.StatusInternalServerError)
		}
		return
	}

	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		UserID:   profile.UserID,
		RoomID:   roomID,
		ws:       ws,
		send:     make(chan []byte, hub.config.SendBuffer),
		done:     make(chan struct{}),
		hub:      hub,
		room:     room,
		logger:   hub.logger.With("room_id", roomID, "user_id", profile.UserID),
		lastPing: time.Now(),
	}

	if !hub.register(c) {
		ws.Close()
		return
	}

	// 先加入房間再開始讀取，第一則指令一定在加入之後處理
	go c.writePump()
	room.AddUser(profile, c)
	go c.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"room_id", roomID,
		"user_id", profile.UserID)
}

// register 註冊連接，Hub 已停止時回傳 false
func (hub *WebSocketHub) register(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.stopped {
		return false
	}
	hub.connections[c] = struct{}{}
	return true
}

// unregister 取消註冊連接
func (hub *WebSocketHub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.connections, c)
}

// Stop 停止 WebSocket Hub 並關閉所有連接
func (hub *WebSocketHub) Stop() {
	hub.mu.Lock()
	hub.stopped = true
	conns := make([]*Connection, 0, len(hub.connections))
	for c := range hub.connections {
		conns = append(conns, c)
	}
	hub.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	hub.logger.Info("WebSocket Hub 已停止", "connections", len(conns))
}

// ConnectionCount 連接數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	return len(hub.connections)
}

// Send 實現 Conn：放入緩衝區，已關閉或緩衝區滿時丟棄
func (c *Connection) Send(payload []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return
	}

	select {
	case c.send <- payload:
	default:
		c.logger.Warn("連接緩衝區滿，丟棄訊息", "size", len(payload))
	}
}

// Close 實現 Conn：關閉 send，writePump 會送出 close frame 後斷線
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// Done 實現 Conn：readPump 結束時關閉
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// LastPing 最後一次收到 Pong 的時間
func (c *Connection) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

// readPump 讀取客戶端指令
//
// 心跳（讀取端）：
//   - 每次收到 Pong 就把讀取期限往後延 PongWait
//   - 超過期限沒有任何訊息 → ReadMessage 回傳錯誤 → 視為斷線
//
// 讀取迴圈結束即代表傳輸層已不可用：
// 關閉發送端、通知房間（Done），並從 Hub 移除。
func (c *Connection) readPump() {
	defer func() {
		c.Close()
		c.ws.Close()
		c.doneOnce.Do(func() { close(c.done) })
		c.hub.unregister(c)
	}()

	c.ws.SetReadLimit(c.hub.config.ReadLimit)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.hub.config.PongWait)); err != nil {
		c.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.config.PongWait))
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket 讀取錯誤", "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		// 被拒絕或格式錯誤的指令只影響這一則，連線維持
		_ = c.room.HandleMessage(c.UserID, message)
	}
}

// writePump 將緩衝區的訊息寫入 socket
//
// 心跳（發送端）：
//   每 PingPeriod 送出 Ping，客戶端自動回覆 Pong，readPump 據此延長期限。
//   PingPeriod 取 PongWait 的 9/10，留時間給網路延遲。
//
// 批量寫入：
//   一次醒來就把目前佇列中的訊息全部寫出，減少 goroutine 切換。
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if !ok {
				// send 被關閉，嘗試送出 close frame，忽略錯誤（連線可能已斷）
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("發送訊息失敗", "error", err)
				return
			}

			n := len(c.send)
			for range n {
				next, ok := <-c.send
				if !ok {
					break
				}
				if err := c.ws.WriteMessage(websocket.TextMessage, next); err != nil {
					c.logger.Warn("發送訊息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
