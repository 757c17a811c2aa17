package qq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"golang.org/x/oauth2"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName  = "qq"
	listenBuffer = 32
	apiTimeout   = 5 * time.Second

	// groupPrefix はグループ宛ての返信先に付ける
	groupPrefix = "group:"
)

// Config はQQボットの設定
type Config struct {
	AppID     string
	AppSecret string
	Sandbox   bool
	AllowFrom []string
}

// Adapter は QQ ボット（C2C とグループ@）のチャネル
// QQ は能動送信を制限しているため、直近の受信メッセージIDを付けて受動返信する
type Adapter struct {
	cfg   Config
	allow channel.AllowList

	mu          sync.Mutex
	tokenSource oauth2.TokenSource
	api         openapi.OpenAPI
	out         chan channel.Message
	closed      bool
	lastMsgID   map[string]string
	connected   atomic.Bool
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:       cfg,
		allow:     channel.NewAllowList(cfg.AllowFrom),
		lastMsgID: make(map[string]string),
	}
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen はアクセストークンの自動更新を開始し、websocket セッションを張る
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	if a.out != nil {
		a.mu.Unlock()
		return nil, errors.New("qq: already listening")
	}
	out := make(chan channel.Message, listenBuffer)
	a.out = out
	a.mu.Unlock()

	ts := token.NewQQBotTokenSource(&token.QQBotCredentials{
		AppID:     a.cfg.AppID,
		AppSecret: a.cfg.AppSecret,
	})
	if err := token.StartRefreshAccessToken(ctx, ts); err != nil {
		a.reset()
		return nil, fmt.Errorf("qq token refresh: %w", err)
	}

	var api openapi.OpenAPI
	if a.cfg.Sandbox {
		api = botgo.NewSandboxOpenAPI(a.cfg.AppID, ts).WithTimeout(apiTimeout)
	} else {
		api = botgo.NewOpenAPI(a.cfg.AppID, ts).WithTimeout(apiTimeout)
	}

	intent := event.RegisterHandlers(a.c2cHandler(), a.groupHandler())
	wsInfo, err := api.WS(ctx, nil, "")
	if err != nil {
		a.reset()
		return nil, fmt.Errorf("qq websocket info: %w", err)
	}

	a.mu.Lock()
	a.tokenSource = ts
	a.api = api
	a.mu.Unlock()

	go func() {
		a.connected.Store(true)
		err := botgo.NewSessionManager().Start(wsInfo, ts, &intent)
		a.connected.Store(false)
		if err != nil && ctx.Err() == nil {
			logger.ErrorCF("qq", "Session manager stopped",
				map[string]interface{}{
					"error": err.Error(),
				})
		}
	}()
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		a.closed = true
		close(out)
		a.mu.Unlock()
	}()
	return out, nil
}

func (a *Adapter) reset() {
	a.mu.Lock()
	a.out = nil
	a.mu.Unlock()
}

func (a *Adapter) c2cHandler() event.C2CMessageEventHandler {
	return func(_ *dto.WSPayload, data *dto.WSC2CMessageData) error {
		if data == nil {
			return nil
		}
		if msg, ok := a.toMessage((*dto.Message)(data), false); ok {
			a.publish(msg)
		}
		return nil
	}
}

func (a *Adapter) groupHandler() event.GroupATMessageEventHandler {
	return func(_ *dto.WSPayload, data *dto.WSGroupATMessageData) error {
		if data == nil {
			return nil
		}
		if msg, ok := a.toMessage((*dto.Message)(data), true); ok {
			a.publish(msg)
		}
		return nil
	}
}

func (a *Adapter) publish(msg channel.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.out == nil {
		return
	}
	select {
	case a.out <- msg:
	default:
		logger.WarnCF("qq", "Inbound buffer full, dropping message",
			map[string]interface{}{
				"message_id": msg.ID,
			})
	}
}

// toMessage は受信メッセージを変換し、受動返信用にメッセージIDを覚える
func (a *Adapter) toMessage(data *dto.Message, group bool) (channel.Message, bool) {
	if data == nil || data.Author == nil || data.Author.ID == "" {
		return channel.Message{}, false
	}
	sender := data.Author.ID
	if !a.allow.Allows(sender) {
		logger.DebugCF("qq", "Sender not in allow list",
			map[string]interface{}{
				"sender": sender,
			})
		return channel.Message{}, false
	}
	text := strings.TrimSpace(data.Content)
	if text == "" {
		return channel.Message{}, false
	}

	msg := channel.Message{
		ID:          data.ID,
		SenderID:    sender,
		ReplyTarget: sender,
		Content:     text,
		Channel:     ChannelName,
		Timestamp:   time.Now(),
	}
	if group {
		msg.ReplyTarget = groupPrefix + data.GroupID
		msg.ThreadID = data.GroupID
	}

	a.mu.Lock()
	a.lastMsgID[msg.ReplyTarget] = data.ID
	a.mu.Unlock()
	return msg, true
}

// Send は返信先に応じて C2C かグループへ送る。添付はリンクとして本文に含める
func (a *Adapter) Send(ctx context.Context, msg channel.SendMessage) error {
	a.mu.Lock()
	api := a.api
	replyTo := a.lastMsgID[msg.Recipient]
	a.mu.Unlock()
	if api == nil {
		return errors.New("qq: not connected")
	}
	if msg.Recipient == "" {
		return errors.New("recipient cannot be empty")
	}

	text := attachment.Flatten(msg.Content)
	if text == "" {
		return nil
	}
	body := &dto.MessageToCreate{Content: text, MsgID: replyTo}

	var err error
	if groupID, ok := strings.CutPrefix(msg.Recipient, groupPrefix); ok {
		_, err = api.PostGroupMessage(ctx, groupID, body)
	} else {
		_, err = api.PostC2CMessage(ctx, msg.Recipient, body)
	}
	if err != nil {
		return fmt.Errorf("qq send: %w", err)
	}
	return nil
}

// HealthCheck はセッションが生きていてトークンが取れるか
func (a *Adapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	ts := a.tokenSource
	a.mu.Unlock()
	if ts == nil || !a.connected.Load() {
		return false
	}
	tok, err := ts.Token()
	return err == nil && tok.Valid()
}
