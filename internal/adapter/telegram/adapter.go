package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName  = "telegram"
	listenBuffer = 32
	// Telegram のメッセージ上限
	maxMessageChars = 4096
	pollTimeoutSec  = 30
)

// Config はTelegramアダプターの設定
type Config struct {
	Token     string
	AllowFrom []string
}

// Adapter は long polling で受信する Telegram チャネル
type Adapter struct {
	cfg   Config
	allow channel.AllowList
	bot   *telego.Bot

	mu        sync.Mutex
	username  string
	listening bool
}

// NewAdapter は新しいAdapterを作成。トークンの形式が不正ならエラー
func NewAdapter(cfg Config) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Adapter{
		cfg:   cfg,
		allow: channel.NewAllowList(cfg.AllowFrom),
		bot:   bot,
	}, nil
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen は getMe で自分のユーザー名を確認してから long polling を始める
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	if a.listening {
		a.mu.Unlock()
		return nil, errors.New("telegram: already listening")
	}
	a.listening = true
	a.mu.Unlock()

	me, err := a.bot.GetMe(ctx)
	if err != nil {
		a.resetListening()
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}
	a.mu.Lock()
	a.username = me.Username
	a.mu.Unlock()

	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        pollTimeoutSec,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		a.resetListening()
		return nil, fmt.Errorf("telegram long polling: %w", err)
	}
	logger.InfoCF("telegram", "Long polling started",
		map[string]interface{}{
			"username": me.Username,
		})

	out := make(chan channel.Message, listenBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				msg, ok := a.toMessage(upd.Message)
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

func (a *Adapter) resetListening() {
	a.mu.Lock()
	a.listening = false
	a.mu.Unlock()
}

// toMessage はグループでは @username を含むメッセージだけを受け付ける
func (a *Adapter) toMessage(m *telego.Message) (channel.Message, bool) {
	if m == nil || m.From == nil || m.From.IsBot {
		return channel.Message{}, false
	}
	userID := strconv.FormatInt(m.From.ID, 10)
	if !a.allow.Allows(userID, m.From.Username) {
		logger.DebugCF("telegram", "Sender not in allow list",
			map[string]interface{}{
				"user_id":  userID,
				"username": m.From.Username,
			})
		return channel.Message{}, false
	}

	a.mu.Lock()
	username := a.username
	a.mu.Unlock()

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	private := m.Chat.Type == "private"
	if !private {
		mention := "@" + username
		if username == "" || !strings.Contains(text, mention) {
			return channel.Message{}, false
		}
		text = strings.ReplaceAll(text, mention, "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return channel.Message{}, false
	}

	msg := channel.Message{
		ID:          strconv.Itoa(m.MessageID),
		SenderID:    userID,
		ReplyTarget: strconv.FormatInt(m.Chat.ID, 10),
		Content:     text,
		Channel:     ChannelName,
		Timestamp:   time.Unix(m.Date, 0),
	}
	if m.MessageThreadID != 0 {
		msg.ThreadID = strconv.Itoa(m.MessageThreadID)
	}
	return msg, true
}

// Send は本文を HTML で送り、失敗したらプレーンテキストで送り直す。添付は種別ごとのメソッドで送る
func (a *Adapter) Send(ctx context.Context, msg channel.SendMessage) error {
	chatID, err := strconv.ParseInt(msg.Recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.Recipient, err)
	}
	threadID, _ := strconv.Atoi(msg.ThreadID)

	body, atts := attachment.Parse(msg.Content)
	for _, chunk := range channel.SplitText(body, maxMessageChars) {
		if err := a.sendText(ctx, chatID, threadID, chunk); err != nil {
			return err
		}
	}
	for _, att := range atts {
		if err := a.sendAttachment(ctx, chatID, threadID, att); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendText(ctx context.Context, chatID int64, threadID int, text string) error {
	params := tu.Message(tu.ID(chatID), markdownToHTML(text)).WithParseMode(telego.ModeHTML)
	params.MessageThreadID = threadID
	_, err := a.bot.SendMessage(ctx, params)
	if err == nil {
		return nil
	}
	logger.WarnCF("telegram", "HTML send failed, falling back to plain text",
		map[string]interface{}{
			"error": err.Error(),
		})

	plain := tu.Message(tu.ID(chatID), text)
	plain.MessageThreadID = threadID
	if _, err := a.bot.SendMessage(ctx, plain); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

func (a *Adapter) sendAttachment(ctx context.Context, chatID int64, threadID int, att attachment.Attachment) error {
	file, closeFile, err := inputFile(att)
	if err != nil {
		return err
	}
	defer closeFile()

	id := tu.ID(chatID)
	switch att.Kind {
	case attachment.KindImage:
		p := tu.Photo(id, file)
		p.MessageThreadID = threadID
		_, err = a.bot.SendPhoto(ctx, p)
	case attachment.KindVideo:
		p := tu.Video(id, file)
		p.MessageThreadID = threadID
		_, err = a.bot.SendVideo(ctx, p)
	case attachment.KindAudio:
		p := tu.Audio(id, file)
		p.MessageThreadID = threadID
		_, err = a.bot.SendAudio(ctx, p)
	case attachment.KindVoice:
		p := tu.Voice(id, file)
		p.MessageThreadID = threadID
		_, err = a.bot.SendVoice(ctx, p)
	default:
		p := tu.Document(id, file)
		p.MessageThreadID = threadID
		_, err = a.bot.SendDocument(ctx, p)
	}
	if err != nil {
		return fmt.Errorf("telegram send %s: %w", strings.ToLower(string(att.Kind)), err)
	}
	return nil
}

// inputFile はローカルファイルを開き、URL はそのまま Telegram に取得させる
func inputFile(att attachment.Attachment) (telego.InputFile, func(), error) {
	if !att.IsLocal() {
		return tu.FileFromURL(att.Target), func() {}, nil
	}
	f, err := os.Open(att.Target)
	if err != nil {
		return telego.InputFile{}, func() {}, fmt.Errorf("attachment %s: %w", att.Target, err)
	}
	return tu.File(f), func() { f.Close() }, nil
}

// HealthCheck は getMe が通るか
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	_, err := a.bot.GetMe(ctx)
	return err == nil
}
