package session_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-rhythm-lobby/internal/session"
)

func testProfile(id string) session.Profile {
	return session.Profile{UserID: id, Name: "player-" + id, Auth: "auth-" + id, Signature: "sig-" + id}
}

func newService(t *testing.T, cfg session.Config, verifier session.Verifier) *session.Service {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "test-secret"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Minute
	}
	if cfg.TicketTTL == 0 {
		cfg.TicketTTL = time.Minute
	}
	if verifier == nil {
		verifier = session.NewVerifier("")
	}

	s, err := session.NewService(cfg, verifier)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestVerifier(t *testing.T) {
	t.Run("presence", func(t *testing.T) {
		v := session.NewVerifier("")

		assert.NoError(t, v.Verify(testProfile("a")))

		p := testProfile("a")
		p.Signature = ""
		assert.ErrorIs(t, v.Verify(p), session.ErrInvalidSignature)
	})

	t.Run("hmac", func(t *testing.T) {
		v := session.NewVerifier("server-key")
		hmacVerifier, ok := v.(*session.HMACVerifier)
		require.True(t, ok)

		p := testProfile("a")
		p.Signature = hmacVerifier.Sign(p.UserID, p.Auth)
		assert.NoError(t, v.Verify(p))

		p.Auth = "tampered"
		assert.ErrorIs(t, v.Verify(p), session.ErrInvalidSignature)

		p.Signature = "zz-not-hex"
		assert.ErrorIs(t, v.Verify(p), session.ErrInvalidSignature)
	})

	t.Run("hmac binds the user id", func(t *testing.T) {
		v := session.NewVerifier("server-key")
		hmacVerifier, ok := v.(*session.HMACVerifier)
		require.True(t, ok)

		// 同房間的玩家看得到 mallory 的 auth 與 signature
		mallory := testProfile("mallory")
		mallory.Signature = hmacVerifier.Sign(mallory.UserID, mallory.Auth)
		require.NoError(t, v.Verify(mallory))

		impostor := mallory
		impostor.UserID = "alice"
		assert.ErrorIs(t, v.Verify(impostor), session.ErrInvalidSignature)
	})

	t.Run("hmac field boundaries", func(t *testing.T) {
		hmacVerifier := session.NewVerifier("server-key").(*session.HMACVerifier)

		assert.NotEqual(t, hmacVerifier.Sign("ab", "c"), hmacVerifier.Sign("a", "bc"))
	})

	t.Run("incomplete profile", func(t *testing.T) {
		tests := []struct {
			name   string
			modify func(p *session.Profile)
		}{
			{"missing user id", func(p *session.Profile) { p.UserID = "" }},
			{"missing name", func(p *session.Profile) { p.Name = "" }},
			{"missing auth", func(p *session.Profile) { p.Auth = "" }},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				p := testProfile("a")
				tt.modify(&p)

				assert.ErrorIs(t, session.NewVerifier("").Verify(p), session.ErrInvalidProfile)
				assert.ErrorIs(t, session.NewVerifier("k").Verify(p), session.ErrInvalidProfile)
			})
		}
	})
}

func TestIssuer(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		issuer := session.NewIssuer("secret", time.Minute)

		token, expiresAt, err := issuer.Issue("sid-1", "a")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 2*time.Second)

		sid, err := issuer.Parse(token)
		require.NoError(t, err)
		assert.Equal(t, "sid-1", sid)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, _, err := session.NewIssuer("secret", time.Minute).Issue("sid-1", "a")
		require.NoError(t, err)

		_, err = session.NewIssuer("other", time.Minute).Parse(token)
		assert.ErrorIs(t, err, session.ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, _, err := session.NewIssuer("secret", -time.Minute).Issue("sid-1", "a")
		require.NoError(t, err)

		_, err = session.NewIssuer("secret", time.Minute).Parse(token)
		assert.ErrorIs(t, err, session.ErrSessionExpired)
	})

	t.Run("unsigned token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, &session.Claims{SessionID: "sid-1"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = session.NewIssuer("secret", time.Minute).Parse(token)
		assert.ErrorIs(t, err, session.ErrInvalidToken)
	})

	t.Run("missing session id", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &session.Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		}).SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = session.NewIssuer("secret", time.Minute).Parse(token)
		assert.ErrorIs(t, err, session.ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := session.NewIssuer("secret", time.Minute).Parse("a.b.c")
		assert.ErrorIs(t, err, session.ErrInvalidToken)
	})
}

func TestService_Handshake(t *testing.T) {
	s := newService(t, session.Config{}, nil)

	token, expiresAt, err := s.Login(testProfile("a"))
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	p, err := s.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, testProfile("a"), p)

	ticket, err := s.IssueTicket(token, "room-1")
	require.NoError(t, err)

	t.Run("ticket for another room is rejected", func(t *testing.T) {
		_, err := s.ConsumeTicket(ticket, "room-2")
		assert.ErrorIs(t, err, session.ErrInvalidTicket)
	})

	t.Run("ticket is consumed once", func(t *testing.T) {
		got, err := s.ConsumeTicket(ticket, "room-1")
		require.NoError(t, err)
		assert.Equal(t, "a", got.UserID)

		_, err = s.ConsumeTicket(ticket, "room-1")
		assert.ErrorIs(t, err, session.ErrInvalidTicket)
	})

	t.Run("one session issues many tickets", func(t *testing.T) {
		t1, err := s.IssueTicket(token, "room-1")
		require.NoError(t, err)
		t2, err := s.IssueTicket(token, "room-1")
		require.NoError(t, err)
		assert.NotEqual(t, t1, t2)
	})

	t.Run("unknown ticket", func(t *testing.T) {
		_, err := s.ConsumeTicket("nope", "room-1")
		assert.ErrorIs(t, err, session.ErrInvalidTicket)
	})
}

func TestService_LoginRejected(t *testing.T) {
	verifier := session.NewVerifier("server-key")
	s := newService(t, session.Config{}, verifier)

	_, _, err := s.Login(testProfile("a"))
	assert.ErrorIs(t, err, session.ErrInvalidSignature)

	t.Run("signed profile under another user id", func(t *testing.T) {
		p := testProfile("mallory")
		p.Signature = verifier.(*session.HMACVerifier).Sign(p.UserID, p.Auth)
		_, _, err := s.Login(p)
		require.NoError(t, err)

		p.UserID = "alice"
		_, _, err = s.Login(p)
		assert.ErrorIs(t, err, session.ErrInvalidSignature)
	})
}

func TestService_SessionFromAnotherServer(t *testing.T) {
	// 同一密鑰簽發但 session 不在本機快取
	other := newService(t, session.Config{}, nil)
	token, _, err := other.Login(testProfile("a"))
	require.NoError(t, err)

	s := newService(t, session.Config{}, nil)
	_, err = s.Authenticate(token)
	assert.ErrorIs(t, err, session.ErrSessionExpired)

	_, err = s.IssueTicket(token, "room-1")
	assert.ErrorIs(t, err, session.ErrSessionExpired)
}

func TestService_Expiry(t *testing.T) {
	t.Run("ticket", func(t *testing.T) {
		s := newService(t, session.Config{TicketTTL: 50 * time.Millisecond}, nil)
		token, _, err := s.Login(testProfile("a"))
		require.NoError(t, err)
		ticket, err := s.IssueTicket(token, "room-1")
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)

		_, err = s.ConsumeTicket(ticket, "room-1")
		assert.ErrorIs(t, err, session.ErrInvalidTicket)
	})

	t.Run("session", func(t *testing.T) {
		s := newService(t, session.Config{SessionTTL: 50 * time.Millisecond}, nil)
		token, _, err := s.Login(testProfile("a"))
		require.NoError(t, err)

		time.Sleep(1100 * time.Millisecond)

		_, err = s.Authenticate(token)
		assert.ErrorIs(t, err, session.ErrSessionExpired)
		_, err = s.IssueTicket(token, "room-1")
		assert.ErrorIs(t, err, session.ErrSessionExpired)
	})
}

func TestService_ConcurrentConsume(t *testing.T) {
	s := newService(t, session.Config{}, nil)
	token, _, err := s.Login(testProfile("a"))
	require.NoError(t, err)
	ticket, err := s.IssueTicket(token, "room-1")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		success atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeTicket(ticket, "room-1"); err == nil {
				success.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
}
