package ticket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
)

// ID はチケットの一意識別子を表す値オブジェクト
type ID struct {
	value string
}

// NewID は新しいIDを生成
func NewID() ID {
	// フォーマット: YYYYMMDD-HHMMSS-{UUID先頭8文字}
	now := time.Now()
	return ID{value: fmt.Sprintf("%s-%s", now.Format("20060102-150405"), uuid.New().String()[:8])}
}

// String はIDの文字列表現を返す
func (i ID) String() string {
	return i.value
}

// IsZero はゼロ値かを判定
func (i ID) IsZero() bool {
	return i.value == ""
}

// State はチケットの状態
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCancelled State = "cancelled"
	StateDone      State = "done"
)

// Ticket は受信メッセージ1件分の処理を表す
// 同一送信者の新しいメッセージが来ると取り消される（キューには積まれない）
type Ticket struct {
	id      ID
	message channel.Message

	mu         sync.Mutex
	state      State
	ctx        context.Context
	cancel     context.CancelFunc
	enqueuedAt time.Time
	startedAt  time.Time
}

// New は待機状態のチケットを作成。parent の終了でもキャンセルされる
func New(parent context.Context, msg channel.Message) *Ticket {
	ctx, cancel := context.WithCancel(parent)
	return &Ticket{
		id:         NewID(),
		message:    msg,
		state:      StateQueued,
		ctx:        ctx,
		cancel:     cancel,
		enqueuedAt: time.Now(),
	}
}

// ID はチケットIDを返す
func (t *Ticket) ID() ID {
	return t.id
}

// Message は処理対象メッセージを返す
func (t *Ticket) Message() channel.Message {
	return t.message
}

// Context はキャンセル信号を運ぶコンテキスト
func (t *Ticket) Context() context.Context {
	return t.ctx
}

// State は現在の状態を返す
func (t *Ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// EnqueuedAt は受付時刻
func (t *Ticket) EnqueuedAt() time.Time {
	return t.enqueuedAt
}

// StartedAt は実行開始時刻（未開始ならゼロ値）
func (t *Ticket) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

// Start は queued → running に遷移。遷移できた場合 true
func (t *Ticket) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateQueued {
		return false
	}
	t.state = StateRunning
	t.startedAt = time.Now()
	return true
}

// Cancel は queued/running → cancelled に遷移しキャンセル信号を送る
// 完了済み・取消済みの場合は何もせず false
func (t *Ticket) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateQueued && t.state != StateRunning {
		return false
	}
	t.state = StateCancelled
	t.cancel()
	return true
}

// Finish は running → done に遷移（コミット点）。取消済みなら false
func (t *Ticket) Finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return false
	}
	t.state = StateDone
	return true
}

// Release はコンテキスト資源を解放する。状態は変えない
func (t *Ticket) Release() {
	t.cancel()
}

// IsCancelled は取消済みかを判定
func (t *Ticket) IsCancelled() bool {
	return t.State() == StateCancelled
}
