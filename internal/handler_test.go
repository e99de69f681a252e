package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/history"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/session"
)

func newTestSessions(t *testing.T) *session.Service {
	t.Helper()
	sessions, err := session.NewService(session.Config{
		Secret:     "test-secret",
		SessionTTL: time.Minute,
		TicketTTL:  time.Minute,
		MaxItems:   1000,
	}, session.NewVerifier(""))
	require.NoError(t, err)
	t.Cleanup(sessions.Close)
	return sessions
}

// fakeRecent 固定回傳的最近對戰紀錄
type fakeRecent struct {
	mu      sync.Mutex
	matches []history.Match
	err     error
	roomID  string
	limit   int
}

func (f *fakeRecent) Recent(_ context.Context, roomID string, limit int) ([]history.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomID, f.limit = roomID, limit
	return f.matches, f.err
}

type testAPI struct {
	handler  http.Handler
	manager  *internal.Manager
	sessions *session.Service
}

func newTestAPI(t *testing.T, settings internal.RoomSettings, recent history.RecentReader) *testAPI {
	t.Helper()
	manager := newTestManager(t, settings)
	sessions := newTestSessions(t)
	h := internal.NewHandler(manager, sessions, recent, testLogger())
	return &testAPI{handler: h.Routes(), manager: manager, sessions: sessions}
}

// do 發送請求並解碼 JSON 響應
func (api *testAPI) do(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	api.handler.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (api *testAPI) login(t *testing.T, id string) string {
	t.Helper()
	code, resp := api.do(t, http.MethodPost, "/api/v1/session", profile(id), "")
	require.Equal(t, http.StatusOK, code, resp)
	return resp["token"].(string)
}

func TestHandler_Login(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "valid profile",
			body:           profile("a"),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "missing signature",
			body:           map[string]any{"userId": "a", "name": "A", "auth": "x"},
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "UNAUTHORIZED",
		},
		{
			name:           "missing name",
			body:           map[string]any{"userId": "a", "auth": "x", "signature": "s"},
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_INPUT",
		},
		{
			name:           "malformed body",
			body:           "{not json",
			expectedStatus: http.StatusBadRequest,
			expectedCode:   "INVALID_INPUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, internal.RoomSettings{}, nil)

			code, resp := api.do(t, http.MethodPost, "/api/v1/session", tt.body, "")

			assert.Equal(t, tt.expectedStatus, code)
			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, resp["error"])
				assert.NotEmpty(t, resp["message"])
				return
			}
			assert.NotEmpty(t, resp["token"])
			assert.NotEmpty(t, resp["expires_at"])
		})
	}
}

func TestHandler_IssueTicket(t *testing.T) {
	t.Run("issues a ticket for an open room", func(t *testing.T) {
		api := newTestAPI(t, internal.RoomSettings{}, nil)
		room, err := api.manager.CreateRoom("lobby")
		require.NoError(t, err)
		token := api.login(t, "a")

		code, resp := api.do(t, http.MethodPost, "/api/v1/rooms/"+room.ID+"/ticket", nil, token)

		require.Equal(t, http.StatusOK, code, resp)
		assert.Equal(t, room.ID, resp["room_id"])

		p, err := api.sessions.ConsumeTicket(resp["ticket"].(string), room.ID)
		require.NoError(t, err)
		assert.Equal(t, "a", p.UserID)
	})

	tests := []struct {
		name           string
		setup          func(t *testing.T, api *testAPI) (path, token string)
		expectedStatus int
		expectedCode   string
	}{
		{
			name: "missing bearer token",
			setup: func(t *testing.T, api *testAPI) (string, string) {
				room, err := api.manager.CreateRoom("lobby")
				require.NoError(t, err)
				return "/api/v1/rooms/" + room.ID + "/ticket", ""
			},
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "UNAUTHORIZED",
		},
		{
			name: "forged token",
			setup: func(t *testing.T, api *testAPI) (string, string) {
				room, err := api.manager.CreateRoom("lobby")
				require.NoError(t, err)
				return "/api/v1/rooms/" + room.ID + "/ticket", "not-a-jwt"
			},
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   "UNAUTHORIZED",
		},
		{
			name: "unknown room",
			setup: func(t *testing.T, api *testAPI) (string, string) {
				return "/api/v1/rooms/missing/ticket", api.login(t, "a")
			},
			expectedStatus: http.StatusNotFound,
			expectedCode:   "NOT_FOUND",
		},
		{
			name: "full room",
			setup: func(t *testing.T, api *testAPI) (string, string) {
				room, err := api.manager.CreateRoom("lobby")
				require.NoError(t, err)
				join(t, room, "x", "y")
				return "/api/v1/rooms/" + room.ID + "/ticket", api.login(t, "a")
			},
			expectedStatus: http.StatusConflict,
			expectedCode:   "CONFLICT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, internal.RoomSettings{MaxPlayers: 2}, nil)
			path, token := tt.setup(t, api)

			code, resp := api.do(t, http.MethodPost, path, nil, token)

			assert.Equal(t, tt.expectedStatus, code)
			assert.Equal(t, tt.expectedCode, resp["error"])
		})
	}

	t.Run("member of a full room may reconnect", func(t *testing.T) {
		api := newTestAPI(t, internal.RoomSettings{MaxPlayers: 2}, nil)
		room, err := api.manager.CreateRoom("lobby")
		require.NoError(t, err)
		join(t, room, "a", "b")

		code, _ := api.do(t, http.MethodPost, "/api/v1/rooms/"+room.ID+"/ticket", nil, api.login(t, "a"))

		assert.Equal(t, http.StatusOK, code)
	})
}

func TestHandler_CreateRoom(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name:           "create room successfully",
			body:           map[string]any{"room_title": "Friday Night"},
			expectedStatus: http.StatusCreated,
			validate: func(t *testing.T, resp map[string]any) {
				assert.NotEmpty(t, resp["room_id"])
				assert.Equal(t, "Friday Night", resp["room_title"])
				assert.Equal(t, "selecting", resp["status"])
				assert.Equal(t, float64(0), resp["current_players"])
				assert.Equal(t, float64(8), resp["max_players"])
			},
		},
		{
			name:           "missing title",
			body:           map[string]any{},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "INVALID_INPUT", resp["error"])
				assert.NotEmpty(t, resp["details"])
			},
		},
		{
			name:           "invalid json",
			body:           "{",
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "INVALID_INPUT", resp["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI(t, internal.RoomSettings{MaxPlayers: 8}, nil)

			code, resp := api.do(t, http.MethodPost, "/api/v1/rooms", tt.body, "")

			assert.Equal(t, tt.expectedStatus, code)
			tt.validate(t, resp)
		})
	}
}

func TestHandler_ListRooms(t *testing.T) {
	api := newTestAPI(t, internal.RoomSettings{}, nil)
	for _, title := range []string{"one", "two", "three"} {
		_, err := api.manager.CreateRoom(title)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	tests := []struct {
		name      string
		query     string
		status    int
		wantRooms int
		wantTotal float64
	}{
		{"default", "", http.StatusOK, 3, 3},
		{"paged", "?page=2&limit=2", http.StatusOK, 1, 3},
		{"filter by status", "?status=playing", http.StatusOK, 0, 0},
		{"limit out of range uses default", "?limit=1000", http.StatusOK, 3, 3},
		{"invalid status", "?status=lost", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := api.do(t, http.MethodGet, "/api/v1/rooms"+tt.query, nil, "")

			require.Equal(t, tt.status, code)
			if code != http.StatusOK {
				assert.Equal(t, "INVALID_INPUT", resp["error"])
				return
			}
			assert.Len(t, resp["rooms"], tt.wantRooms)
			assert.Equal(t, tt.wantTotal, resp["total"])
		})
	}
}

func TestHandler_GetRoomDetail(t *testing.T) {
	api := newTestAPI(t, internal.RoomSettings{}, nil)
	room, err := api.manager.CreateRoom("lobby")
	require.NoError(t, err)
	join(t, room, "a", "b")

	t.Run("existing room", func(t *testing.T) {
		code, resp := api.do(t, http.MethodGet, "/api/v1/rooms/"+room.ID, nil, "")

		require.Equal(t, http.StatusOK, code)
		info := resp["room"].(map[string]any)
		assert.Equal(t, float64(2), info["current_players"])
		assert.Equal(t, "player-a", info["master_name"])

		state := resp["state"].(map[string]any)
		assert.Equal(t, "update", state["type"])
		assert.Equal(t, "a", state["master"])
		assert.Len(t, state["users"], 2)
	})

	t.Run("missing room", func(t *testing.T) {
		code, resp := api.do(t, http.MethodGet, "/api/v1/rooms/missing", nil, "")

		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "NOT_FOUND", resp["error"])
	})
}

func TestHandler_DeleteRoom(t *testing.T) {
	api := newTestAPI(t, internal.RoomSettings{}, nil)
	room, err := api.manager.CreateRoom("lobby")
	require.NoError(t, err)
	conns := join(t, room, "a")

	code, resp := api.do(t, http.MethodDelete, "/api/v1/rooms/"+room.ID, nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["success"])
	assert.True(t, conns["a"].isClosed())

	code, resp = api.do(t, http.MethodDelete, "/api/v1/rooms/"+room.ID, nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", resp["error"])
}

func TestHandler_RecentMatches(t *testing.T) {
	t.Run("history disabled", func(t *testing.T) {
		api := newTestAPI(t, internal.RoomSettings{}, nil)
		room, err := api.manager.CreateRoom("lobby")
		require.NoError(t, err)

		code, resp := api.do(t, http.MethodGet, "/api/v1/rooms/"+room.ID+"/matches", nil, "")

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "SERVICE_UNAVAILABLE", resp["error"])
	})

	t.Run("reads by room id", func(t *testing.T) {
		recent := &fakeRecent{matches: []history.Match{{
			RoundID:   "r-1",
			RoomTitle: "lobby",
			Level:     json.RawMessage(`{"id":"song-1"}`),
			Results:   []history.Result{{UserID: "a", Name: "A", Score: 10}},
		}}}
		api := newTestAPI(t, internal.RoomSettings{}, recent)
		_, err := api.manager.CreateRoom("lobby")
		require.NoError(t, err)
		room, err := api.manager.CreateRoom("lobby")
		require.NoError(t, err)

		code, resp := api.do(t, http.MethodGet, "/api/v1/rooms/"+room.ID+"/matches?limit=5", nil, "")

		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, room.ID, resp["room_id"])
		matches := resp["matches"].([]any)
		require.Len(t, matches, 1)
		assert.Equal(t, "r-1", matches[0].(map[string]any)["roundId"])
		assert.Equal(t, room.ID, recent.roomID)
		assert.Equal(t, 5, recent.limit)
	})

	t.Run("default limit", func(t *testing.T) {
		recent := &fakeRecent{}
		api := newTestAPI(t, internal.RoomSettings{}, recent)
		room, err := api.manager.CreateRoom("lobby")
		require.NoError(t, err)

		code, _ := api.do(t, http.MethodGet, "/api/v1/rooms/"+room.ID+"/matches?limit=999", nil, "")

		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, 10, recent.limit)
	})

	t.Run("backend failure", func(t *testing.T) {
		recent := &fakeRecent{err: errors.New("connection refused")}
		api := newTestAPI(t, internal.RoomSettings{}, recent)
		room, err := api.manager.CreateRoom("lobby")
		require.NoError(t, err)

		code, resp := api.do(t, http.MethodGet, "/api/v1/rooms/"+room.ID+"/matches", nil, "")

		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "SERVICE_UNAVAILABLE", resp["error"])
	})

	t.Run("unknown room", func(t *testing.T) {
		api := newTestAPI(t, internal.RoomSettings{}, &fakeRecent{})

		code, _ := api.do(t, http.MethodGet, "/api/v1/rooms/missing/matches", nil, "")

		assert.Equal(t, http.StatusNotFound, code)
	})
}

func TestHandler_Health(t *testing.T) {
	api := newTestAPI(t, internal.RoomSettings{}, nil)

	code, resp := api.do(t, http.MethodGet, "/health", nil, "")

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp["status"])
	assert.NotZero(t, resp["time"])
}

func TestHandler_Stats(t *testing.T) {
	api := newTestAPI(t, internal.RoomSettings{}, nil)
	room, err := api.manager.CreateRoom("lobby")
	require.NoError(t, err)
	join(t, room, "a", "b")

	code, resp := api.do(t, http.MethodGet, "/stats", nil, "")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), resp["total_rooms"])
	assert.Equal(t, float64(2), resp["total_players"])
	assert.Equal(t, float64(1), resp["by_status"].(map[string]any)["selecting"])
}

func TestHandler_ConcurrentRequests(t *testing.T) {
	api := newTestAPI(t, internal.RoomSettings{}, nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/rooms", bytes.NewReader([]byte(`{"room_title":"rush"}`)))
			w := httptest.NewRecorder()
			api.handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusCreated, w.Code)
		}()
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/rooms", nil)
			w := httptest.NewRecorder()
			api.handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, api.manager.RoomCount())
}
