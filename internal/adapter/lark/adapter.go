package lark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkdispatcher "github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const listenBuffer = 32

// Config は Lark / Feishu アダプターの設定。API は同じでドメインだけが異なる
type Config struct {
	// Name は "lark" か "feishu"
	Name      string
	AppID     string
	AppSecret string
	AllowFrom []string
}

func (c Config) baseURL() string {
	if c.Name == "lark" {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}

// Adapter は長時間接続（websocket）でイベントを受ける Lark / Feishu チャネル
type Adapter struct {
	cfg    Config
	allow  channel.AllowList
	client *lark.Client

	mu        sync.Mutex
	out       chan channel.Message
	closed    bool
	connected atomic.Bool
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "feishu"
	}
	return &Adapter{
		cfg:    cfg,
		allow:  channel.NewAllowList(cfg.AllowFrom),
		client: lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(cfg.baseURL())),
	}
}

// Name はチャネル名
func (a *Adapter) Name() string { return a.cfg.Name }

// Listen は websocket クライアントを起動する。Start は ctx 終了まで戻らないので別 goroutine で回す
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	if a.out != nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s: already listening", a.cfg.Name)
	}
	out := make(chan channel.Message, listenBuffer)
	a.out = out
	a.mu.Unlock()

	handler := larkdispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			if msg, ok := a.toMessage(event); ok {
				a.publish(msg)
			}
			return nil
		})
	ws := larkws.NewClient(a.cfg.AppID, a.cfg.AppSecret,
		larkws.WithEventHandler(handler),
		larkws.WithDomain(a.cfg.baseURL()),
	)

	go func() {
		a.connected.Store(true)
		err := ws.Start(ctx)
		a.connected.Store(false)
		if err != nil && ctx.Err() == nil {
			logger.ErrorCF(a.cfg.Name, "Websocket client stopped",
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

func (a *Adapter) publish(msg channel.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.out <- msg:
	default:
		logger.WarnCF(a.cfg.Name, "Inbound buffer full, dropping message",
			map[string]interface{}{
				"message_id": msg.ID,
			})
	}
}

// toMessage はテキストメッセージを変換する。グループではメンション付きのものだけ
func (a *Adapter) toMessage(event *larkim.P2MessageReceiveV1) (channel.Message, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return channel.Message{}, false
	}
	m := event.Event.Message
	if value(m.MessageType) != larkim.MsgTypeText {
		return channel.Message{}, false
	}

	senderID := senderID(event.Event.Sender)
	if senderID == "" || !a.allow.Allows(senderID) {
		return channel.Message{}, false
	}

	group := value(m.ChatType) == "group"
	if group && len(m.Mentions) == 0 {
		return channel.Message{}, false
	}
	text := textContent(value(m.Content))
	for _, mention := range m.Mentions {
		if mention != nil && mention.Key != nil {
			text = strings.ReplaceAll(text, *mention.Key, "")
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return channel.Message{}, false
	}

	msg := channel.Message{
		ID:          value(m.MessageId),
		SenderID:    senderID,
		ReplyTarget: value(m.ChatId),
		Content:     text,
		Channel:     a.cfg.Name,
		Timestamp:   parseMillis(value(m.CreateTime)),
	}
	if group {
		msg.ThreadID = value(m.RootId)
	}
	return msg, true
}

// Send はチャットIDへテキストを送る。添付はリンクとして本文に含める
func (a *Adapter) Send(ctx context.Context, msg channel.SendMessage) error {
	if msg.Recipient == "" {
		return errors.New("recipient cannot be empty")
	}
	text := attachment.Flatten(msg.Content)
	if text == "" {
		return nil
	}
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.Recipient).
			MsgType(larkim.MsgTypeText).
			Content(string(content)).
			Build()).
		Build()
	resp, err := a.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("%s send: %w", a.cfg.Name, err)
	}
	if !resp.Success() {
		return fmt.Errorf("%s api error: code=%d msg=%s", a.cfg.Name, resp.Code, resp.Msg)
	}
	return nil
}

// HealthCheck は websocket クライアントが動いているか
func (a *Adapter) HealthCheck(context.Context) bool {
	return a.connected.Load()
}

// senderID は user_id、open_id、union_id の順で最初に埋まっているもの
func senderID(sender *larkim.EventSender) string {
	if sender == nil || sender.SenderId == nil {
		return ""
	}
	for _, id := range []*string{sender.SenderId.UserId, sender.SenderId.OpenId, sender.SenderId.UnionId} {
		if v := value(id); v != "" {
			return v
		}
	}
	return ""
}

// textContent はテキストメッセージの content（{"text": "..."}）を取り出す
func textContent(raw string) string {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return raw
	}
	return body.Text
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func value(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
