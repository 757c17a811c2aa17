package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName  = "websocket"
	listenBuffer = 32

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

// Frame はブラウザとの間で交わす JSON フレーム
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	// Session はクライアントが任意に付ける会話ID。同じ値なら同じ会話として扱う
	Session string `json:"session,omitempty"`
	ID      string `json:"id,omitempty"`
}

const (
	FrameMessage = "message"
	FrameReply   = "reply"
	FrameHello   = "hello"
	FrameError   = "error"
)

// Config はWebチャットの設定
type Config struct {
	// AllowedOrigins が空なら同一オリジンのみ。"*" で全許可
	AllowedOrigins []string
}

type client struct {
	id   string
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *client) write(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

func (c *client) ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Adapter はブラウザ向けWebチャット。1接続が1送信者になる
type Adapter struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ctx     context.Context
	out     chan channel.Message
	closed  bool
	clients map[string]*client
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(cfg Config) *Adapter {
	a := &Adapter{
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if len(cfg.AllowedOrigins) > 0 {
		a.upgrader.CheckOrigin = originChecker(cfg.AllowedOrigins)
	}
	return a
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen は接続の受け付けを開始する。ctx 終了で全接続を閉じる
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out != nil {
		return nil, errors.New("websocket: already listening")
	}
	out := make(chan channel.Message, listenBuffer)
	a.out = out
	a.ctx = ctx

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		a.closed = true
		for id, c := range a.clients {
			c.conn.Close()
			delete(a.clients, id)
		}
		close(out)
		a.mu.Unlock()
	}()
	return out, nil
}

// ServeHTTP は接続をアップグレードし、切断まで読み続ける
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	ready := a.out != nil && !a.closed
	ctx := a.ctx
	a.mu.Unlock()
	if !ready {
		http.Error(w, "web chat is not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("websocket", "Upgrade failed",
			map[string]interface{}{
				"error":  err.Error(),
				"remote": r.RemoteAddr,
			})
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return
	}
	a.clients[c.id] = c
	a.mu.Unlock()

	logger.InfoCF("websocket", "Client connected",
		map[string]interface{}{
			"client": c.id,
			"remote": r.RemoteAddr,
		})
	if err := c.write(Frame{Type: FrameHello, ID: c.id}); err != nil {
		a.drop(c)
		return
	}

	stop := make(chan struct{})
	go a.keepalive(ctx, c, stop)
	a.readLoop(c)
	close(stop)
	a.drop(c)
}

func (a *Adapter) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WarnCF("websocket", "Read failed",
					map[string]interface{}{
						"client": c.id,
						"error":  err.Error(),
					})
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, ok := toMessage(c.id, f)
		if !ok {
			_ = c.write(Frame{Type: FrameError, Content: "unsupported frame"})
			continue
		}
		a.publish(msg)
	}
}

func (a *Adapter) keepalive(ctx context.Context, c *client, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (a *Adapter) drop(c *client) {
	a.mu.Lock()
	delete(a.clients, c.id)
	a.mu.Unlock()
	c.conn.Close()
	logger.InfoCF("websocket", "Client disconnected",
		map[string]interface{}{
			"client": c.id,
		})
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
		logger.WarnCF("websocket", "Inbound buffer full, dropping message",
			map[string]interface{}{
				"client": msg.SenderID,
			})
	}
}

// toMessage は message フレームだけを受信メッセージにする
func toMessage(clientID string, f Frame) (channel.Message, bool) {
	if f.Type != FrameMessage {
		return channel.Message{}, false
	}
	text := strings.TrimSpace(f.Content)
	if text == "" {
		return channel.Message{}, false
	}
	id := f.ID
	if id == "" {
		id = uuid.NewString()
	}
	return channel.Message{
		ID:          id,
		SenderID:    clientID,
		ReplyTarget: clientID,
		Content:     text,
		Channel:     ChannelName,
		Timestamp:   time.Now(),
		ThreadID:    f.Session,
	}, true
}

// Send は接続中のクライアントへ reply フレームを書く。添付はリンクとして本文に含める
func (a *Adapter) Send(_ context.Context, msg channel.SendMessage) error {
	a.mu.Lock()
	c, ok := a.clients[msg.Recipient]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("websocket: client %s is not connected", msg.Recipient)
	}
	return c.write(Frame{
		Type:    FrameReply,
		Content: attachment.Flatten(msg.Content),
		Session: msg.ThreadID,
	})
}

// HealthCheck は受け付け中か
func (a *Adapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out != nil && !a.closed
}

// Clients は接続中のクライアント数
func (a *Adapter) Clients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clients)
}
