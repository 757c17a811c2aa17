package slack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName  = "slack"
	listenBuffer = 32
)

// Config はSlackアダプターの設定。Socket Mode を使うので app-level token が必要
type Config struct {
	BotToken  string
	AppToken  string
	AllowFrom []string
	// APIURL はテスト用の差し替え（末尾 "/" 付き）
	APIURL string
}

// Adapter は Socket Mode で受信し Web API で送信する Slack チャネル
type Adapter struct {
	cfg   Config
	allow channel.AllowList
	api   *slack.Client

	mu        sync.Mutex
	botUserID string
	listening bool
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(cfg Config) *Adapter {
	opts := []slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Adapter{
		cfg:   cfg,
		allow: channel.NewAllowList(cfg.AllowFrom),
		api:   slack.New(cfg.BotToken, opts...),
	}
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen は auth.test でボット自身のIDを取得してから Socket Mode に接続する
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	if a.listening {
		a.mu.Unlock()
		return nil, errors.New("slack: already listening")
	}
	a.listening = true
	a.mu.Unlock()

	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		a.mu.Lock()
		a.listening = false
		a.mu.Unlock()
		return nil, fmt.Errorf("slack auth.test: %w", err)
	}
	a.setBotUserID(auth.UserID)

	sm := socketmode.New(a.api)
	out := make(chan channel.Message, listenBuffer)

	go func() {
		if err := sm.RunContext(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("slack", "Socket mode stopped",
				map[string]interface{}{
					"error": err.Error(),
				})
		}
	}()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sm.Events:
				if !ok {
					return
				}
				msg, ok := a.handleEvent(sm, evt)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) handleEvent(sm *socketmode.Client, evt socketmode.Event) (channel.Message, bool) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		logger.InfoC("slack", "Socket mode connected")
	case socketmode.EventTypeInvalidAuth:
		logger.ErrorC("slack", "Socket mode rejected the app token")
	case socketmode.EventTypeEventsAPI:
		if evt.Request != nil {
			sm.Ack(*evt.Request)
		}
		outer, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok || outer.Type != slackevents.CallbackEvent {
			return channel.Message{}, false
		}
		return a.toMessage(outer.InnerEvent.Data)
	}
	return channel.Message{}, false
}

// toMessage は DM の message と、チャンネルでの app_mention だけを受け付ける
func (a *Adapter) toMessage(inner interface{}) (channel.Message, bool) {
	bot := a.getBotUserID()

	var user, text, ch, ts, threadTS string
	switch ev := inner.(type) {
	case *slackevents.MessageEvent:
		if ev.ChannelType != "im" || ev.SubType != "" || ev.BotID != "" {
			return channel.Message{}, false
		}
		user, text, ch, ts, threadTS = ev.User, ev.Text, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" {
			return channel.Message{}, false
		}
		user, text, ch, ts, threadTS = ev.User, ev.Text, ev.Channel, ev.TimeStamp, ev.ThreadTimeStamp
		// チャンネルでは元メッセージのスレッドに返信する
		if threadTS == "" {
			threadTS = ts
		}
	default:
		return channel.Message{}, false
	}

	if user == "" || user == bot {
		return channel.Message{}, false
	}
	if !a.allow.Allows(user) {
		logger.DebugCF("slack", "Sender not in allow list",
			map[string]interface{}{
				"user": user,
			})
		return channel.Message{}, false
	}
	text = stripMention(text, bot)
	if text == "" {
		return channel.Message{}, false
	}

	return channel.Message{
		ID:          ts,
		SenderID:    user,
		ReplyTarget: ch,
		Content:     text,
		Channel:     ChannelName,
		Timestamp:   parseTS(ts),
		ThreadID:    threadTS,
	}, true
}

// Send は本文を投稿し、ローカルの添付はファイルとしてアップロードする
func (a *Adapter) Send(ctx context.Context, msg channel.SendMessage) error {
	body, uploads := attachment.SplitUploads(msg.Content)

	if body != "" {
		opts := []slack.MsgOption{slack.MsgOptionText(body, false)}
		if msg.ThreadID != "" {
			opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
		}
		if _, _, err := a.api.PostMessageContext(ctx, msg.Recipient, opts...); err != nil {
			return fmt.Errorf("chat.postMessage: %w", err)
		}
	}

	for _, up := range uploads {
		info, err := os.Stat(up.Target)
		if err != nil {
			return fmt.Errorf("attachment %s: %w", up.Target, err)
		}
		_, err = a.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			File:            up.Target,
			FileSize:        int(info.Size()),
			Filename:        filepath.Base(up.Target),
			Channel:         msg.Recipient,
			ThreadTimestamp: msg.ThreadID,
		})
		if err != nil {
			return fmt.Errorf("upload %s: %w", up.Target, err)
		}
	}
	return nil
}

// HealthCheck は auth.test が通るか
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	_, err := a.api.AuthTestContext(ctx)
	return err == nil
}

func (a *Adapter) setBotUserID(id string) {
	a.mu.Lock()
	a.botUserID = id
	a.mu.Unlock()
}

func (a *Adapter) getBotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// stripMention は "<@BOT>" を取り除く
func stripMention(text, botUserID string) string {
	if botUserID != "" {
		text = strings.ReplaceAll(text, "<@"+botUserID+">", "")
	}
	return strings.TrimSpace(text)
}

// parseTS は "1700000000.000100" 形式の ts を時刻にする
func parseTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Now()
	}
	us, _ := strconv.ParseInt(frac, 10, 64)
	return time.Unix(s, us*1000)
}
