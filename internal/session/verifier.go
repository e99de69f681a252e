package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Profile 經過驗證的客戶端身分
//
// Auth 與 Signature 是公開的驗證資料，會原封不動轉發給同房間的其他玩家，
// Name 只在伺服器內部使用（對戰紀錄的顯示名稱）。
type Profile struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Auth      string `json:"auth"`
	Signature string `json:"signature"`
}

// Verifier 驗證客戶端送來的簽名資料
type Verifier interface {
	Verify(p Profile) error
}

// NewVerifier 依據是否設定密鑰選擇驗證方式
func NewVerifier(secret string) Verifier {
	if secret == "" {
		return presenceVerifier{}
	}
	return &HMACVerifier{secret: []byte(secret)}
}

// presenceVerifier 只檢查欄位存在（信任客戶端模式）
type presenceVerifier struct{}

func (presenceVerifier) Verify(p Profile) error {
	if err := validateProfile(p); err != nil {
		return err
	}
	if p.Signature == "" {
		return fmt.Errorf("%w: empty signature", ErrInvalidSignature)
	}
	return nil
}

// HMACVerifier 以 HMAC-SHA256 驗證簽名，簽名為 hex 編碼
//
// 簽名涵蓋 userId 與 auth，同一組 auth / signature 不能搭配其他 userId。
type HMACVerifier struct {
	secret []byte
}

// Verify 實現 Verifier
func (v *HMACVerifier) Verify(p Profile) error {
	if err := validateProfile(p); err != nil {
		return err
	}

	got, err := hex.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrInvalidSignature)
	}
	if !hmac.Equal(got, v.sign(p.UserID, p.Auth)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign 計算 userID 與 auth 的簽名（測試與工具使用）
func (v *HMACVerifier) Sign(userID, auth string) string {
	return hex.EncodeToString(v.sign(userID, auth))
}

// sign 以長度前綴分隔欄位，避免 ("ab","c") 與 ("a","bc") 得到相同簽名
func (v *HMACVerifier) sign(userID, auth string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%d:%s:%s", len(userID), userID, auth)
	return mac.Sum(nil)
}

func validateProfile(p Profile) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing userId", ErrInvalidProfile)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidProfile)
	}
	if p.Auth == "" {
		return fmt.Errorf("%w: missing auth", ErrInvalidProfile)
	}
	return nil
}
