package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal/history"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/session"
	apperrors "github.com/koopa0/system-design/14-rhythm-lobby/pkg/errors"
)

// Handler HTTP 請求處理器
//
// 房間目錄與加入前握手；加入後的所有互動都走 WebSocket。
type Handler struct {
	manager  *Manager
	sessions *session.Service
	recent   history.RecentReader // 可為 nil
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, sessions *session.Service, recent history.RecentReader, logger *slog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		sessions: sessions,
		recent:   recent,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 握手
	mux.HandleFunc("POST /api/v1/session", wrap(h.login))
	mux.HandleFunc("POST /api/v1/rooms/{room_id}/ticket", wrap(h.issueTicket))

	// 房間目錄
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))
	mux.HandleFunc("DELETE /api/v1/rooms/{room_id}", wrap(h.deleteRoom))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}/matches", wrap(h.recentMatches))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type createRoomRequest struct {
	RoomTitle string `json:"room_title"`
}

// login 驗證簽名資料並發放 session token
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var p session.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.errorResponse(w, apperrors.ErrInvalidRequest.WithDetails("無效的請求格式"))
		return
	}

	token, expiresAt, err := h.sessions.Login(p)
	if err != nil {
		h.errorResponse(w, sessionError(err))
		return
	}

	h.jsonResponse(w, map[string]any{
		"token":      token,
		"expires_at": expiresAt,
	}, http.StatusOK)
}

// issueTicket 為指定房間簽發一次性連線票券
func (h *Handler) issueTicket(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")

	token, ok := bearerToken(r)
	if !ok {
		h.errorResponse(w, apperrors.ErrUnauthorized.WithDetails("缺少 Bearer token"))
		return
	}

	profile, err := h.sessions.Authenticate(token)
	if err != nil {
		h.errorResponse(w, sessionError(err))
		return
	}

	room, err := h.manager.GetRoom(roomID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if err := room.CanJoin(profile.UserID); err != nil {
		if errors.Is(err, ErrRoomClosed) {
			err = apperrors.ErrRoomNotFound
		}
		h.errorResponse(w, err)
		return
	}

	ticket, err := h.sessions.IssueTicket(token, roomID)
	if err != nil {
		h.errorResponse(w, sessionError(err))
		return
	}

	h.jsonResponse(w, map[string]any{
		"ticket":  ticket,
		"room_id": roomID,
	}, http.StatusOK)
}

// createRoom 創建房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperrors.ErrInvalidRequest.WithDetails("無效的請求格式"))
		return
	}

	room, err := h.manager.CreateRoom(req.RoomTitle)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, room.Info(), http.StatusCreated)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	// 解析查詢參數
	query := r.URL.Query()

	status := RoomStatus(query.Get("status"))
	if status != "" && !status.Valid() {
		h.errorResponse(w, apperrors.ErrInvalidRequest.WithDetails("無效的房間狀態"))
		return
	}

	page := 1
	if p := query.Get("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}

	limit := 20
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	rooms, total := h.manager.ListRooms(status, page, limit)

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": total,
		"page":  page,
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情與目前快照
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	room, err := h.manager.GetRoom(r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room":  room.Info(),
		"state": room.Snapshot(),
	}, http.StatusOK)
}

// deleteRoom 移除房間
func (h *Handler) deleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.RemoveRoom(r.PathValue("room_id")); err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"success": true,
	}, http.StatusOK)
}

// recentMatches 房間最近的對戰紀錄
func (h *Handler) recentMatches(w http.ResponseWriter, r *http.Request) {
	if h.recent == nil {
		h.errorResponse(w, apperrors.ErrHistoryUnavailable)
		return
	}

	room, err := h.manager.GetRoom(r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 50 {
			limit = val
		}
	}

	matches, err := h.recent.Recent(r.Context(), room.ID, limit)
	if err != nil {
		h.errorResponse(w, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "讀取對戰紀錄失敗"))
		return
	}

	h.jsonResponse(w, map[string]any{
		"room_id": room.ID,
		"matches": matches,
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.manager.Stats(), http.StatusOK)
}

// sessionError 將握手錯誤轉為 AppError
func sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrInvalidProfile):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "資料不完整")
	case errors.Is(err, session.ErrInvalidSignature),
		errors.Is(err, session.ErrInvalidToken),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrInvalidTicket):
		return apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "身分驗證失敗")
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "內部伺服器錯誤")
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 依錯誤碼返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, apperrors.ErrCodeInternal, "內部伺服器錯誤")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("請求處理失敗", "error", err)
	}

	body := map[string]any{
		"error":   appErr.Code,
		"message": appErr.Message,
	}
	if appErr.Details != "" {
		body["details"] = appErr.Details
	}
	h.jsonResponse(w, body, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperrors.New(apperrors.ErrCodeInternal, "內部伺服器錯誤"))
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
