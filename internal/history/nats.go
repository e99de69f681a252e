package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Publisher 抽象 NATS 發佈，方便測試替換
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSPublisher 將每局結束事件發佈到 NATS，供排行榜、統計等下游服務訂閱
type NATSPublisher struct {
	pub     Publisher
	subject string
}

// NewNATSPublisher 創建 NATS sink
func NewNATSPublisher(pub Publisher, subject string) *NATSPublisher {
	if subject == "" {
		subject = "lobby.matches"
	}
	return &NATSPublisher{pub: pub, subject: subject}
}

// Record 實現 Recorder
func (p *NATSPublisher) Record(_ context.Context, m Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal match: %w", err)
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish match to %s: %w", p.subject, err)
	}
	return nil
}
