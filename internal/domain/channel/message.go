package channel

import (
	"context"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/conversation"
)

// Message はチャネルアダプターが生成する受信メッセージ。生成後は不変
type Message struct {
	ID          string
	SenderID    string
	ReplyTarget string // 返信先（チャットID・チャネルID等）
	Content     string
	Channel     string
	Timestamp   time.Time
	ThreadID    string // 任意
}

// ConversationKey は会話キーを導出
func (m Message) ConversationKey() conversation.Key {
	return conversation.NewKey(m.Channel, m.ThreadID, m.SenderID)
}

// SenderKey は送信者単位の直列化に使うキー
func (m Message) SenderKey() string {
	return m.Channel + ":" + m.SenderID
}

// SendMessage は送信メッセージ
type SendMessage struct {
	Content   string
	Recipient string
	ThreadID  string
}

// ReplyTo は受信メッセージへの返信を作成
func ReplyTo(m Message, content string) SendMessage {
	return SendMessage{
		Content:   content,
		Recipient: m.ReplyTarget,
		ThreadID:  m.ThreadID,
	}
}

// Adapter はチャット基盤ごとのアダプター
type Adapter interface {
	// Name はチャネル名（"telegram" 等）
	Name() string
	// Listen は受信ストリームを返す。ctx 終了でチャネルは閉じられる
	Listen(ctx context.Context) (<-chan Message, error)
	Send(ctx context.Context, msg SendMessage) error
	HealthCheck(ctx context.Context) bool
}
