package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/health"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const defaultBuffer = 64

// ErrNoListeners はどのアダプターも受信を開始できなかった
var ErrNoListeners = errors.New("gateway: no channel is listening")

// Hub はチャネルアダプターを束ねる。全受信を1本のストリームに合流させ、送信をチャネル名で振り分ける
type Hub struct {
	mu       sync.RWMutex
	adapters map[string]channel.Adapter
	order    []string
	buffer   int
}

// NewHub は新しいHubを作成
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		adapters: make(map[string]channel.Adapter),
		buffer:   buffer,
	}
}

// Register はアダプターを登録。同名は不可
func (h *Hub) Register(a channel.Adapter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	name := a.Name()
	if _, exists := h.adapters[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	h.adapters[name] = a
	h.order = append(h.order, name)
	return nil
}

// Names は登録順のチャネル名
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

func (h *Hub) adapter(name string) (channel.Adapter, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.adapters[name]
	return a, ok
}

// Listen は全アダプターの受信を開始し、合流したストリームを返す
// 開始に失敗したアダプターはログに残して除外する。全アダプターのストリームが閉じると返り値も閉じる
func (h *Hub) Listen(ctx context.Context) (<-chan channel.Message, error) {
	out := make(chan channel.Message, h.buffer)
	g, gctx := errgroup.WithContext(ctx)

	names := h.Names()
	started := 0
	for _, name := range names {
		a, _ := h.adapter(name)
		in, err := a.Listen(ctx)
		if err != nil {
			logger.ErrorCF("gateway", "Channel failed to start",
				map[string]interface{}{
					"channel": name,
					"error":   err.Error(),
				})
			continue
		}
		started++
		logger.InfoCF("gateway", "Channel listening",
			map[string]interface{}{
				"channel": name,
			})

		g.Go(func() error {
			for {
				select {
				case msg, ok := <-in:
					if !ok {
						logger.InfoCF("gateway", "Channel stream closed",
							map[string]interface{}{
								"channel": name,
							})
						return nil
					}
					if msg.Channel == "" {
						msg.Channel = name
					}
					select {
					case out <- msg:
					case <-gctx.Done():
						return nil
					}
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	if started == 0 && len(names) > 0 {
		close(out)
		return nil, ErrNoListeners
	}

	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out, nil
}

// Send はチャネル名で送信先アダプターを選んで送る
func (h *Hub) Send(ctx context.Context, channelName string, msg channel.SendMessage) error {
	a, ok := h.adapter(channelName)
	if !ok {
		return fmt.Errorf("unknown channel: %s", channelName)
	}
	if err := a.Send(ctx, msg); err != nil {
		return fmt.Errorf("%s send: %w", channelName, err)
	}
	return nil
}

// RegisterHealth は各チャネルの HealthCheck を channel:<name> として登録する
func (h *Hub) RegisterHealth(reg *health.Registry) {
	for _, name := range h.Names() {
		a, _ := h.adapter(name)
		reg.Register("channel:"+name, func(ctx context.Context) (bool, string) {
			if a.HealthCheck(ctx) {
				return true, "ok"
			}
			return false, "unhealthy"
		})
	}
}
