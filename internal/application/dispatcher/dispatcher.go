package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/application/orchestrator"
	"github.com/Nyukimin/picoclaw_dispatch/internal/application/toolloop"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/conversation"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/ticket"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	DefaultPerChannel    = 4
	DefaultGlobalFloor   = 8
	DefaultGlobalCeiling = 64
	DefaultTimeout       = 300 * time.Second
	DefaultSendTimeout   = 30 * time.Second
)

// ErrClosed は Shutdown 後の受付
var ErrClosed = errors.New("dispatcher closed")

// ContextRecorder は確定したメッセージを会話履歴に記録する
type ContextRecorder interface {
	Append(key conversation.Key, msg llm.Message)
}

// Orchestrator は1チケット分の応答を生成する
type Orchestrator interface {
	ProcessMessage(ctx context.Context, req orchestrator.ProcessMessageRequest) (orchestrator.ProcessMessageResponse, error)
}

// Outbound はチャネル名で送信先アダプターを選ぶ
type Outbound interface {
	Send(ctx context.Context, channelName string, msg channel.SendMessage) error
}

// Config はディスパッチャーの設定
type Config struct {
	PerChannel    int
	GlobalFloor   int
	GlobalCeiling int
	Timeout       time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PerChannel <= 0 {
		c.PerChannel = DefaultPerChannel
	}
	if c.GlobalFloor <= 0 {
		c.GlobalFloor = DefaultGlobalFloor
	}
	if c.GlobalCeiling <= 0 {
		c.GlobalCeiling = DefaultGlobalCeiling
	}
	if c.GlobalCeiling < c.GlobalFloor {
		c.GlobalCeiling = c.GlobalFloor
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Stats は /health 向けの統計
type Stats struct {
	Running        int            `json:"running"`
	Queued         int            `json:"queued"`
	GlobalCap      int            `json:"global_cap"`
	ActiveChannels int            `json:"active_channels"`
	PerChannel     map[string]int `json:"per_channel_running"`
	Completed      int64          `json:"completed"`
	Superseded     int64          `json:"superseded"`
	Failed         int64          `json:"failed"`
}

// Dispatcher は受信メッセージを送信者単位で直列化し、上限内で並行実行する
type Dispatcher struct {
	cfg      Config
	contexts ContextRecorder
	orch     Orchestrator
	out      Outbound

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	bySender map[string]*ticket.Ticket   // 送信者ごとの有効チケット（queued / running）
	queues   map[string][]*ticket.Ticket // チャネルごとの FIFO
	order    []string                    // ラウンドロビン順
	next     int                         // 次に調べる order の位置（n で剰余）
	running  map[string]int              // チャネルごとの実行中数
	slots    map[ticket.ID]string        // 実行枠を持つチケット → チャネル
	wg       sync.WaitGroup
	stats    Stats
}

// New は新しいDispatcherを作成
func New(cfg Config, contexts ContextRecorder, orch Orchestrator, out Outbound) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg.withDefaults(),
		contexts:   contexts,
		orch:       orch,
		out:        out,
		baseCtx:    ctx,
		baseCancel: cancel,
		bySender:   make(map[string]*ticket.Ticket),
		queues:     make(map[string][]*ticket.Ticket),
		running:    make(map[string]int),
		slots:      make(map[ticket.ID]string),
	}
}

// Run は受信ストリームを ctx 終了またはストリーム終了まで消費する
func (d *Dispatcher) Run(ctx context.Context, in <-chan channel.Message) error {
	logger.InfoCF("dispatcher", "Dispatcher started",
		map[string]interface{}{
			"per_channel":    d.cfg.PerChannel,
			"global_floor":   d.cfg.GlobalFloor,
			"global_ceiling": d.cfg.GlobalCeiling,
			"timeout":        d.cfg.Timeout.String(),
		})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := d.Submit(msg); err != nil {
				logger.WarnCF("dispatcher", "Message rejected",
					map[string]interface{}{
						"channel": msg.Channel,
						"error":   err.Error(),
					})
			}
		}
	}
}

// Submit はメッセージを受け付ける
// 同じ送信者の処理中・待機中チケットは取り消され、新しいチケットに置き換わる
func (d *Dispatcher) Submit(msg channel.Message) (ticket.ID, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return ticket.ID{}, fmt.Errorf("empty message from %s", msg.SenderKey())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ticket.ID{}, ErrClosed
	}

	senderKey := msg.SenderKey()
	if prev, ok := d.bySender[senderKey]; ok {
		d.supersedeLocked(prev)
	}

	t := ticket.New(d.baseCtx, msg)
	d.bySender[senderKey] = t
	if _, ok := d.queues[msg.Channel]; !ok {
		d.order = append(d.order, msg.Channel)
	}
	d.queues[msg.Channel] = append(d.queues[msg.Channel], t)

	logger.DebugCF("dispatcher", "Ticket enqueued",
		map[string]interface{}{
			"ticket":  t.ID().String(),
			"channel": msg.Channel,
			"sender":  senderKey,
		})

	d.pumpLocked()
	return t.ID(), nil
}

// supersedeLocked は古いチケットを取り消し、待機中ならキューから外し、実行中なら枠を即時解放する
func (d *Dispatcher) supersedeLocked(prev *ticket.Ticket) {
	state := prev.State()
	if !prev.Cancel() {
		return
	}
	d.stats.Superseded++

	ch := prev.Message().Channel
	switch state {
	case ticket.StateQueued:
		q := d.queues[ch]
		for i, t := range q {
			if t == prev {
				d.queues[ch] = append(q[:i:i], q[i+1:]...)
				break
			}
		}
	case ticket.StateRunning:
		d.releaseLocked(prev)
	}

	logger.InfoCF("dispatcher", "Ticket superseded",
		map[string]interface{}{
			"ticket":  prev.ID().String(),
			"state":   string(state),
			"channel": ch,
		})
}

// releaseLocked は実行枠を返す。二重解放は無視する
func (d *Dispatcher) releaseLocked(t *ticket.Ticket) {
	ch, ok := d.slots[t.ID()]
	if !ok {
		return
	}
	delete(d.slots, t.ID())
	d.running[ch]--
}

// globalCapLocked は clamp(perChannel × 稼働チャネル数, floor, ceiling)
func (d *Dispatcher) globalCapLocked() int {
	limit := d.cfg.PerChannel * d.activeChannelsLocked()
	if limit < d.cfg.GlobalFloor {
		limit = d.cfg.GlobalFloor
	}
	if limit > d.cfg.GlobalCeiling {
		limit = d.cfg.GlobalCeiling
	}
	return limit
}

func (d *Dispatcher) activeChannelsLocked() int {
	n := 0
	for _, ch := range d.order {
		if d.running[ch] > 0 || len(d.queues[ch]) > 0 {
			n++
		}
	}
	return n
}

// pumpLocked は上限の範囲で待機チケットを起動する。チャネル間はラウンドロビン、チャネル内は FIFO
func (d *Dispatcher) pumpLocked() {
	for len(d.slots) < d.globalCapLocked() {
		t := d.nextLocked()
		if t == nil {
			return
		}
		if !t.Start() {
			continue
		}
		ch := t.Message().Channel
		d.slots[t.ID()] = ch
		d.running[ch]++

		// 開始順に履歴へ記録する（同一送信者の後続より先に入る）
		msg := t.Message()
		d.contexts.Append(msg.ConversationKey(), llm.Message{Role: llm.RoleUser, Content: msg.Content})

		d.wg.Add(1)
		go d.execute(t)
	}
}

// nextLocked は実行可能なチャネルの先頭チケットを取り出す
func (d *Dispatcher) nextLocked() *ticket.Ticket {
	n := len(d.order)
	for i := 0; i < n; i++ {
		idx := (d.next + i) % n
		ch := d.order[idx]
		q := d.queues[ch]
		if len(q) == 0 || d.running[ch] >= d.cfg.PerChannel {
			continue
		}
		d.next = idx + 1
		t := q[0]
		q[0] = nil
		d.queues[ch] = q[1:]
		return t
	}
	return nil
}

// execute はチケットを実行し、コミット点で取消を確認してから記録・送信する
func (d *Dispatcher) execute(t *ticket.Ticket) {
	defer d.wg.Done()
	defer t.Release()

	msg := t.Message()
	ctx, cancel := context.WithTimeout(t.Context(), d.cfg.Timeout)
	resp, err := d.orch.ProcessMessage(ctx, orchestrator.ProcessMessageRequest{Message: msg})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, toolloop.ErrTimeout) {
		err = fmt.Errorf("%w: %w", toolloop.ErrTimeout, err)
	}
	cancel()

	var reply string
	d.mu.Lock()
	d.releaseLocked(t)
	if d.bySender[msg.SenderKey()] == t {
		delete(d.bySender, msg.SenderKey())
	}
	// コミット点: ここで done にできなければ取り消されている
	committed := t.Finish()
	switch {
	case !committed:
	case err != nil:
		d.stats.Failed++
		reply = toolloop.UserMessage(err)
	default:
		d.stats.Completed++
		reply = strings.TrimSpace(resp.Response)
		if reply != "" && resp.Persist {
			d.contexts.Append(msg.ConversationKey(), llm.Message{Role: llm.RoleAssistant, Content: reply})
		}
	}
	d.pumpLocked()
	d.mu.Unlock()

	fields := map[string]interface{}{
		"ticket":     t.ID().String(),
		"channel":    msg.Channel,
		"elapsed_ms": time.Since(t.StartedAt()).Milliseconds(),
		"queued_ms":  t.StartedAt().Sub(t.EnqueuedAt()).Milliseconds(),
	}
	if !committed {
		logger.DebugCF("dispatcher", "Cancelled ticket result discarded", fields)
		return
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.WarnCF("dispatcher", "Ticket failed", fields)
	} else {
		fields["iterations"] = resp.Iterations
		fields["tool_calls"] = resp.ToolCalls
		fields["compacted"] = resp.Compacted
		logger.InfoCF("dispatcher", "Ticket completed", fields)
	}
	if reply == "" {
		return
	}

	sendCtx, sendCancel := context.WithTimeout(d.baseCtx, d.cfg.SendTimeout)
	defer sendCancel()
	if err := d.out.Send(sendCtx, msg.Channel, channel.ReplyTo(msg, reply)); err != nil {
		logger.ErrorCF("dispatcher", "Reply send failed",
			map[string]interface{}{
				"ticket":  t.ID().String(),
				"channel": msg.Channel,
				"error":   err.Error(),
			})
	}
}

// Stats は現在の統計を返す
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Running = len(d.slots)
	for _, q := range d.queues {
		s.Queued += len(q)
	}
	s.GlobalCap = d.globalCapLocked()
	s.ActiveChannels = d.activeChannelsLocked()
	s.PerChannel = make(map[string]int, len(d.running))
	for ch, n := range d.running {
		if n > 0 {
			s.PerChannel[ch] = n
		}
	}
	return s
}

// Shutdown は待機中チケットを取り消し、実行中チケットの終了を待つ
// ctx が先に終了した場合は実行中チケットも取り消す
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	for ch, q := range d.queues {
		for _, t := range q {
			t.Cancel()
			t.Release()
			if d.bySender[t.Message().SenderKey()] == t {
				delete(d.bySender, t.Message().SenderKey())
			}
		}
		d.queues[ch] = nil
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.baseCancel()
		logger.InfoC("dispatcher", "Dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.baseCancel()
		return ctx.Err()
	}
}
