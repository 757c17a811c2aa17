package discord

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName  = "discord"
	listenBuffer = 32
	// Discord のメッセージ上限
	maxMessageChars = 2000
)

// Config はDiscordアダプターの設定
type Config struct {
	Token     string
	AllowFrom []string
}

// Adapter は gateway で受信し REST で送信する Discord チャネル
type Adapter struct {
	cfg   Config
	allow channel.AllowList

	mu       sync.Mutex
	session  *discordgo.Session
	starting bool
	botID    string
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(cfg Config) *Adapter {
	return &Adapter{
		cfg:   cfg,
		allow: channel.NewAllowList(cfg.AllowFrom),
	}
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen は gateway に接続する。ctx 終了で切断してストリームを閉じる
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	if a.session != nil || a.starting {
		a.mu.Unlock()
		return nil, errors.New("discord: already listening")
	}
	a.starting = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.starting = false
		a.mu.Unlock()
	}()

	s, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	out := make(chan channel.Message, listenBuffer)
	var closed bool
	var outMu sync.Mutex

	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botID = r.User.ID
		a.mu.Unlock()
		logger.InfoCF("discord", "Gateway ready",
			map[string]interface{}{
				"user": r.User.Username,
			})
	})
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		msg, ok := a.toMessage(m.Message)
		if !ok {
			return
		}
		outMu.Lock()
		defer outMu.Unlock()
		if closed {
			return
		}
		select {
		case out <- msg:
		default:
			logger.WarnCF("discord", "Inbound buffer full, dropping message",
				map[string]interface{}{
					"message_id": msg.ID,
				})
		}
	})

	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		if err := s.Close(); err != nil {
			logger.WarnCF("discord", "Close failed",
				map[string]interface{}{
					"error": err.Error(),
				})
		}
		outMu.Lock()
		closed = true
		close(out)
		outMu.Unlock()
	}()
	return out, nil
}

// toMessage はギルドではメンションされたメッセージだけを受け付ける
func (a *Adapter) toMessage(m *discordgo.Message) (channel.Message, bool) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return channel.Message{}, false
	}
	a.mu.Lock()
	botID := a.botID
	a.mu.Unlock()
	if m.Author.ID == botID {
		return channel.Message{}, false
	}
	if !a.allow.Allows(m.Author.ID, m.Author.Username) {
		logger.DebugCF("discord", "Sender not in allow list",
			map[string]interface{}{
				"user_id": m.Author.ID,
			})
		return channel.Message{}, false
	}

	inGuild := m.GuildID != ""
	if inGuild && !mentions(m.Mentions, botID) {
		return channel.Message{}, false
	}
	content := stripMention(m.Content, botID)
	if content == "" {
		return channel.Message{}, false
	}

	msg := channel.Message{
		ID:          m.ID,
		SenderID:    m.Author.ID,
		ReplyTarget: m.ChannelID,
		Content:     content,
		Channel:     ChannelName,
		Timestamp:   m.Timestamp,
	}
	if inGuild {
		msg.ThreadID = m.ChannelID
	}
	return msg, true
}

// Send は2000文字ごとに分割して送り、ローカルの添付は最後のメッセージに付ける
func (a *Adapter) Send(ctx context.Context, msg channel.SendMessage) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return errors.New("discord: not connected")
	}

	body, uploads := attachment.SplitUploads(msg.Content)
	files, closeFiles, err := openFiles(uploads)
	if err != nil {
		return err
	}
	defer closeFiles()

	chunks := channel.SplitText(body, maxMessageChars)
	if len(chunks) == 0 && len(files) > 0 {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == len(chunks)-1 {
			send.Files = files
		}
		if _, err := s.ChannelMessageSendComplex(msg.Recipient, send, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// HealthCheck は接続済みで自分自身を取得できるか
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return false
	}
	_, err := s.User("@me", discordgo.WithContext(ctx))
	return err == nil
}

func openFiles(uploads []attachment.Attachment) ([]*discordgo.File, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	files := make([]*discordgo.File, 0, len(uploads))
	for _, up := range uploads {
		f, err := os.Open(up.Target)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("attachment %s: %w", up.Target, err)
		}
		opened = append(opened, f)
		name := filepath.Base(up.Target)
		files = append(files, &discordgo.File{
			Name:        name,
			ContentType: mime.TypeByExtension(filepath.Ext(name)),
			Reader:      f,
		})
	}
	return files, closeAll, nil
}

func mentions(users []*discordgo.User, botID string) bool {
	if botID == "" {
		return false
	}
	for _, u := range users {
		if u != nil && u.ID == botID {
			return true
		}
	}
	return false
}

// stripMention は <@id> と <@!id> を取り除く
func stripMention(text, botID string) string {
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	return strings.TrimSpace(text)
}
