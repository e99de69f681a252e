// Package session 實作加入房間前的一次性握手。
//
// 流程：
//
//	簽名的客戶端資料 → Login → session token（JWT，30 分鐘）
//	session token + roomID → IssueTicket → 一次性連線票券（數十秒）
//	WebSocket 連線帶上票券 → ConsumeTicket → 已驗證的 Profile
//
// session 同時受 JWT exp 與快取 TTL 兩層限制，過期後即無法再換取票券。
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidProfile   = errors.New("invalid profile")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidToken     = errors.New("invalid session token")
	ErrSessionExpired   = errors.New("session expired")
	ErrInvalidTicket    = errors.New("invalid or used ticket")
)

// Config 握手相關設定
type Config struct {
	Secret     string
	SessionTTL time.Duration
	TicketTTL  time.Duration
	MaxItems   int64
}

// ticket 連線票券內容
type ticket struct {
	roomID  string
	profile Profile
}

// Service session 與票券管理
type Service struct {
	verifier Verifier
	issuer   *Issuer
	sessions *ttlCache
	tickets  *ttlCache

	// ristretto 的 Get + Del 不是原子操作，票券消費需要額外加鎖
	consumeMu sync.Mutex
}

// NewService 創建 session 服務
func NewService(cfg Config, verifier Verifier) (*Service, error) {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 100_000
	}

	sessions, err := newTTLCache(cfg.MaxItems, cfg.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	tickets, err := newTTLCache(cfg.MaxItems, cfg.TicketTTL)
	if err != nil {
		sessions.close()
		return nil, fmt.Errorf("create ticket cache: %w", err)
	}

	return &Service{
		verifier: verifier,
		issuer:   NewIssuer(cfg.Secret, cfg.SessionTTL),
		sessions: sessions,
		tickets:  tickets,
	}, nil
}

// Login 驗證簽名並建立 session
func (s *Service) Login(p Profile) (string, time.Time, error) {
	if err := s.verifier.Verify(p); err != nil {
		return "", time.Time{}, err
	}

	sessionID := uuid.NewString()
	if !s.sessions.set(sessionID, p) {
		return "", time.Time{}, fmt.Errorf("store session %s: rejected by cache", sessionID)
	}

	token, expiresAt, err := s.issuer.Issue(sessionID, p.UserID)
	if err != nil {
		s.sessions.del(sessionID)
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Authenticate 解析 token 並取回 session 對應的 Profile
func (s *Service) Authenticate(token string) (Profile, error) {
	sessionID, err := s.issuer.Parse(token)
	if err != nil {
		return Profile{}, err
	}

	v, ok := s.sessions.get(sessionID)
	if !ok {
		return Profile{}, ErrSessionExpired
	}
	return v.(Profile), nil
}

// IssueTicket 為已登入使用者簽發指定房間的一次性票券
func (s *Service) IssueTicket(token, roomID string) (string, error) {
	p, err := s.Authenticate(token)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	if !s.tickets.set(id, ticket{roomID: roomID, profile: p}) {
		return "", fmt.Errorf("store ticket: rejected by cache")
	}
	return id, nil
}

// ConsumeTicket 消費票券，同一張票券只能成功一次
func (s *Service) ConsumeTicket(id, roomID string) (Profile, error) {
	s.consumeMu.Lock()
	defer s.consumeMu.Unlock()

	v, ok := s.tickets.get(id)
	if !ok {
		return Profile{}, ErrInvalidTicket
	}
	t := v.(ticket)
	if t.roomID != roomID {
		return Profile{}, fmt.Errorf("%w: issued for another room", ErrInvalidTicket)
	}

	s.tickets.del(id)
	return t.profile, nil
}

// Close 釋放快取資源
func (s *Service) Close() {
	s.sessions.close()
	s.tickets.close()
}
