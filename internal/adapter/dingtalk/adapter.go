package dingtalk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName  = "dingtalk"
	listenBuffer = 32
	replyTitle   = "PicoClaw"

	conversationSingle = "1"
)

// Config はDingTalkアダプターの設定
type Config struct {
	ClientID     string
	ClientSecret string
	AllowFrom    []string
}

// replier は session webhook への返信（テストで差し替え）
type replier interface {
	SimpleReplyMarkdown(ctx context.Context, sessionWebhook string, title, content []byte) error
}

type webhook struct {
	url     string
	expires time.Time
}

// Adapter は Stream モードで受信し、受信時に渡される session webhook で返信する DingTalk チャネル
type Adapter struct {
	cfg     Config
	allow   channel.AllowList
	replier replier
	now     func() time.Time

	mu       sync.Mutex
	stream   *client.StreamClient
	out      chan channel.Message
	closed   bool
	webhooks map[string]webhook // 返信先 → session webhook
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:      cfg,
		allow:    channel.NewAllowList(cfg.AllowFrom),
		replier:  chatbot.NewChatbotReplier(),
		now:      time.Now,
		webhooks: make(map[string]webhook),
	}
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen は Stream クライアントを開始する
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	if a.out != nil {
		a.mu.Unlock()
		return nil, errors.New("dingtalk: already listening")
	}
	out := make(chan channel.Message, listenBuffer)
	a.out = out
	a.mu.Unlock()

	cred := client.NewAppCredentialConfig(a.cfg.ClientID, a.cfg.ClientSecret)
	stream := client.NewStreamClient(
		client.WithAppCredential(cred),
		client.WithAutoReconnect(true),
	)
	stream.RegisterChatBotCallbackRouter(a.onMessage)
	if err := stream.Start(ctx); err != nil {
		a.mu.Lock()
		a.out = nil
		a.mu.Unlock()
		return nil, fmt.Errorf("dingtalk stream: %w", err)
	}

	a.mu.Lock()
	a.stream = stream
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		stream.Close()
		a.mu.Lock()
		a.closed = true
		a.stream = nil
		close(out)
		a.mu.Unlock()
	}()
	return out, nil
}

func (a *Adapter) onMessage(_ context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	msg, ok := a.toMessage(data)
	if !ok {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.out == nil {
		return nil, nil
	}
	select {
	case a.out <- msg:
	default:
		logger.WarnCF("dingtalk", "Inbound buffer full, dropping message",
			map[string]interface{}{
				"message_id": msg.ID,
			})
	}
	return nil, nil
}

// toMessage は session webhook を返信先ごとに覚えておく。グループはメンション時のみ届く
func (a *Adapter) toMessage(data *chatbot.BotCallbackDataModel) (channel.Message, bool) {
	if data == nil {
		return channel.Message{}, false
	}
	sender := data.SenderStaffId
	if sender == "" {
		sender = data.SenderId
	}
	if !a.allow.Allows(sender, data.SenderNick) {
		logger.DebugCF("dingtalk", "Sender not in allow list",
			map[string]interface{}{
				"sender": sender,
			})
		return channel.Message{}, false
	}
	text := strings.TrimSpace(data.Text.Content)
	if text == "" {
		return channel.Message{}, false
	}

	target := sender
	threadID := ""
	if data.ConversationType != conversationSingle {
		target = data.ConversationId
		threadID = data.ConversationId
	}
	if data.SessionWebhook != "" {
		expires := a.now().Add(time.Hour)
		if data.SessionWebhookExpiredTime > 0 {
			expires = time.UnixMilli(data.SessionWebhookExpiredTime)
		}
		a.mu.Lock()
		a.webhooks[target] = webhook{url: data.SessionWebhook, expires: expires}
		a.mu.Unlock()
	}

	ts := a.now()
	if data.CreateAt > 0 {
		ts = time.UnixMilli(data.CreateAt)
	}
	return channel.Message{
		ID:          data.MsgId,
		SenderID:    sender,
		ReplyTarget: target,
		Content:     text,
		Channel:     ChannelName,
		Timestamp:   ts,
		ThreadID:    threadID,
	}, true
}

// Send は最後に受信した session webhook へ Markdown で返信する。期限切れなら送れない
func (a *Adapter) Send(ctx context.Context, msg channel.SendMessage) error {
	a.mu.Lock()
	hook, ok := a.webhooks[msg.Recipient]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("dingtalk: no session webhook for %s", msg.Recipient)
	}
	if a.now().After(hook.expires) {
		return fmt.Errorf("dingtalk: session webhook for %s expired", msg.Recipient)
	}

	text := attachment.Flatten(msg.Content)
	if text == "" {
		return nil
	}
	if err := a.replier.SimpleReplyMarkdown(ctx, hook.url, []byte(replyTitle), []byte(text)); err != nil {
		return fmt.Errorf("dingtalk reply: %w", err)
	}
	return nil
}

// HealthCheck は Stream クライアントが動いているか
func (a *Adapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream != nil
}
