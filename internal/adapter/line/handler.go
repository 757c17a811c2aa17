package line

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName = "line"

	maxWebhookBody = 1 << 20
	listenBuffer   = 32
)

// Config はLINEアダプターの設定
type Config struct {
	ChannelSecret      string
	ChannelAccessToken string
	BotUserID          string
	AllowFrom          []string
	// MediaDir は受信画像の保存先
	MediaDir string
}

// Adapter は webhook で受信し push API で送信する LINE チャネル
// webhook の HTTP ハンドラーは呼び出し側のサーバーにマウントする
type Adapter struct {
	cfg    Config
	allow  channel.AllowList
	sender *MessageSender
	media  *MediaDownloader

	mu     sync.Mutex
	out    chan channel.Message
	closed bool
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		allow:  channel.NewAllowList(cfg.AllowFrom),
		sender: NewMessageSender(cfg.ChannelAccessToken),
		media:  NewMediaDownloader(cfg.ChannelAccessToken),
	}
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen は受信ストリームを返す。webhook はこれ以降に届いたイベントだけを流す
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out != nil {
		return nil, errors.New("line: already listening")
	}
	out := make(chan channel.Message, listenBuffer)
	a.out = out

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		a.closed = true
		close(out)
		a.mu.Unlock()
	}()
	return out, nil
}

// Send は push API で送信する。Recipient はユーザー・グループ・ルームのID
func (a *Adapter) Send(ctx context.Context, msg channel.SendMessage) error {
	return a.sender.Push(ctx, msg.Recipient, msg.Content)
}

// HealthCheck はアクセストークンで bot info を取得できるか
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return a.sender.BotInfo(ctx) == nil
}

// ServeHTTP は webhook を受け付ける。署名不正は 401、それ以外は 200 を即時に返す
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if !verifySignature(body, r.Header.Get(SignatureHeader), a.cfg.ChannelSecret) {
		logger.WarnCF("line", "Webhook signature mismatch",
			map[string]interface{}{
				"remote": r.RemoteAddr,
			})
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// 画像取得はリクエストより長くかかりうるので webhook の応答とは切り離す
	go func(events []WebhookEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, event := range events {
			if msg, ok := a.toMessage(ctx, event); ok {
				a.publish(msg)
			}
		}
	}(payload.Events)

	w.WriteHeader(http.StatusOK)
}

// toMessage はテキスト・画像のメッセージイベントを受信メッセージに変換する
func (a *Adapter) toMessage(ctx context.Context, event WebhookEvent) (channel.Message, bool) {
	if event.Type != "message" {
		return channel.Message{}, false
	}
	src := event.Source
	if !a.allow.Allows(src.UserID) {
		logger.DebugCF("line", "Sender not in allow list",
			map[string]interface{}{
				"user_id": src.UserID,
			})
		return channel.Message{}, false
	}

	var content string
	switch event.Message.Type {
	case "text":
		if !isBotMention(src.Type, event.Message.mentionees(), a.cfg.BotUserID) {
			return channel.Message{}, false
		}
		content = strings.TrimSpace(event.Message.Text)
	case "image":
		if src.Type != "user" {
			return channel.Message{}, false
		}
		path, err := a.media.SaveTo(ctx, a.mediaDir(), event.Message.ID)
		if err != nil {
			logger.WarnCF("line", "Image download failed",
				map[string]interface{}{
					"message_id": event.Message.ID,
					"error":      err.Error(),
				})
			return channel.Message{}, false
		}
		content = attachment.Attachment{Kind: attachment.KindImage, Target: path}.Marker()
	default:
		return channel.Message{}, false
	}
	if content == "" {
		return channel.Message{}, false
	}

	msg := channel.Message{
		ID:          event.Message.ID,
		SenderID:    src.UserID,
		ReplyTarget: src.chatID(),
		Content:     content,
		Channel:     ChannelName,
		Timestamp:   time.UnixMilli(event.Timestamp),
	}
	if src.Type != "user" {
		msg.ThreadID = src.chatID()
	}
	return msg, true
}

func (a *Adapter) mediaDir() string {
	if a.cfg.MediaDir != "" {
		return a.cfg.MediaDir
	}
	return filepath.Join(".", "media", ChannelName)
}

// publish は Listen 前や終了後のイベントを捨てる
func (a *Adapter) publish(msg channel.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil || a.closed {
		logger.WarnCF("line", "Dropping event, channel not listening",
			map[string]interface{}{
				"message_id": msg.ID,
			})
		return
	}
	select {
	case a.out <- msg:
	default:
		logger.WarnCF("line", "Inbound buffer full, dropping event",
			map[string]interface{}{
				"message_id": msg.ID,
			})
	}
}

// WebhookPayload はLINE webhookペイロード
type WebhookPayload struct {
	Destination string         `json:"destination"`
	Events      []WebhookEvent `json:"events"`
}

// WebhookEvent はLINE webhookイベント
type WebhookEvent struct {
	Type       string       `json:"type"`
	Message    EventMessage `json:"message"`
	Source     EventSource  `json:"source"`
	ReplyToken string       `json:"replyToken"`
	Timestamp  int64        `json:"timestamp"`
}

// EventMessage はイベントメッセージ
type EventMessage struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	QuoteToken string   `json:"quoteToken"`
	Mention    *Mention `json:"mention,omitempty"`
}

func (m EventMessage) mentionees() []Mentionee {
	if m.Mention == nil {
		return nil
	}
	return m.Mention.Mentionees
}

// Mention はテキスト中のメンション
type Mention struct {
	Mentionees []Mentionee `json:"mentionees"`
}

// Mentionee はメンションされたユーザー
type Mentionee struct {
	Index  int    `json:"index"`
	Length int    `json:"length"`
	UserID string `json:"userId"`
}

// EventSource はイベントソース
type EventSource struct {
	Type    string `json:"type"`
	UserID  string `json:"userId"`
	GroupID string `json:"groupId"`
	RoomID  string `json:"roomId"`
}

// chatID は返信先。グループ・ルームではそのID
func (s EventSource) chatID() string {
	switch s.Type {
	case "group":
		return s.GroupID
	case "room":
		return s.RoomID
	default:
		return s.UserID
	}
}
