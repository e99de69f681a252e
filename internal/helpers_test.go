package internal_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/history"
	"github.com/koopa0/system-design/14-rhythm-lobby/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeConn 記錄收到的訊息
//
// 與真正的傳輸層一樣，Close 之後 Done 也會關閉；drop() 模擬客戶端自行斷線
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.messages = append(c.messages, payload)
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *fakeConn) Done() <-chan struct{} {
	return c.done
}

func (c *fakeConn) drop() {
	c.Close()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events 解碼目前收到的所有事件
func (c *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.messages))
	for _, raw := range c.messages {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) types(t *testing.T) []string {
	t.Helper()
	evs := c.events(t)
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev["type"].(string))
	}
	return out
}

// last 最後一則指定類型的事件
func (c *fakeConn) last(t *testing.T, eventType string) map[string]any {
	t.Helper()
	evs := c.events(t)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i]["type"] == eventType {
			return evs[i]
		}
	}
	t.Fatalf("no %q event received; got %v", eventType, c.types(t))
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}

// recordingSink 記錄提交的對戰紀錄
type recordingSink struct {
	mu      sync.Mutex
	matches []history.Match
	err     error
}

func (s *recordingSink) Record(_ context.Context, m history.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = append(s.matches, m)
	return s.err
}

func (s *recordingSink) recorded() []history.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.Match, len(s.matches))
	copy(out, s.matches)
	return out
}

func profile(id string) session.Profile {
	return session.Profile{
		UserID:    id,
		Name:      "player-" + id,
		Auth:      "auth-" + id,
		Signature: "sig-" + id,
	}
}

func newTestRoom(t *testing.T, settings internal.RoomSettings) *internal.Room {
	t.Helper()
	room := internal.NewRoom("room-1", "Friday Night", settings, testLogger())
	t.Cleanup(func() { room.Close("test_cleanup") })
	return room
}

// join 加入多位玩家並清空訊息紀錄
func join(t *testing.T, room *internal.Room, ids ...string) map[string]*fakeConn {
	t.Helper()
	conns := make(map[string]*fakeConn, len(ids))
	for _, id := range ids {
		c := newFakeConn()
		room.AddUser(profile(id), c)
		conns[id] = c
	}
	for _, c := range conns {
		c.reset()
	}
	return conns
}

// send 解析並執行原始指令
func send(t *testing.T, room *internal.Room, userID, raw string) error {
	t.Helper()
	return room.HandleMessage(userID, []byte(raw))
}

func resetAll(conns map[string]*fakeConn) {
	for _, c := range conns {
		c.reset()
	}
}

func userIDs(users []internal.SnapshotUser) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.UserID)
	}
	return out
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond
