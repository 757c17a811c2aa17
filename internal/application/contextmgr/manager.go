package contextmgr

import (
	"sync"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/conversation"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/memory"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/session"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

// OverflowNotice は圧縮後にユーザーへ返す固定文言
const OverflowNotice = "context window exceeded, history compacted"

// Options は履歴管理の上限値
type Options struct {
	HistoryCap          int // 履歴上限（既定 50）
	CompactKeep         int // 圧縮時に残す件数（既定 12）
	CompactMaxChars     int // 圧縮時の1件あたり最大文字数（既定 600）
	MemoryMaxEntries    int // 記憶注入の最大件数（既定 4）
	MemoryEntryMaxChars int // 記憶1件の最大文字数（既定 800）
	MemoryTotalMaxChars int // 記憶注入の合計最大文字数（既定 4000）
}

// DefaultOptions は既定値を返す
func DefaultOptions() Options {
	return Options{
		HistoryCap:          session.DefaultCapacity,
		CompactKeep:         12,
		CompactMaxChars:     600,
		MemoryMaxEntries:    4,
		MemoryEntryMaxChars: 800,
		MemoryTotalMaxChars: 4000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HistoryCap <= 0 {
		o.HistoryCap = d.HistoryCap
	}
	if o.CompactKeep <= 0 {
		o.CompactKeep = d.CompactKeep
	}
	if o.CompactMaxChars <= 0 {
		o.CompactMaxChars = d.CompactMaxChars
	}
	if o.MemoryMaxEntries <= 0 {
		o.MemoryMaxEntries = d.MemoryMaxEntries
	}
	if o.MemoryEntryMaxChars <= 0 {
		o.MemoryEntryMaxChars = d.MemoryEntryMaxChars
	}
	if o.MemoryTotalMaxChars <= 0 {
		o.MemoryTotalMaxChars = d.MemoryTotalMaxChars
	}
	return o
}

type entry struct {
	mu   sync.Mutex
	sess *session.Session
}

// Manager は会話キーごとの履歴を保持する
// マップ構造の操作は短いグローバルロック、履歴の変更はキー単位のロックで直列化する
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[conversation.Key]*entry
}

// NewManager は新しいManagerを作成
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		sessions: make(map[conversation.Key]*entry),
	}
}

// Options は有効な設定値を返す
func (m *Manager) Options() Options {
	return m.opts
}

// lookup はエントリを取得。create=true なら存在しない場合に作成する
func (m *Manager) lookup(key conversation.Key, create bool) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[key]
	if !ok && create {
		e = &entry{sess: session.NewSession(key, m.opts.HistoryCap)}
		m.sessions[key] = e
	}
	return e
}

// Append はメッセージを追加し、上限超過分を古い順に捨てる
func (m *Manager) Append(key conversation.Key, msg llm.Message) {
	e := m.lookup(key, true)
	e.mu.Lock()
	evicted := e.sess.Append(msg)
	e.mu.Unlock()

	if evicted > 0 {
		logger.DebugCF("contextmgr", "History evicted oldest entries",
			map[string]interface{}{
				"key":     key.String(),
				"evicted": evicted,
			})
	}
}

// Snapshot は履歴の不変コピーを返す
func (m *Manager) Snapshot(key conversation.Key) []llm.Message {
	e := m.lookup(key, false)
	if e == nil {
		return []llm.Message{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Messages()
}

// IsFirstTurn はまだ応答が確定していない会話かを判定
func (m *Manager) IsFirstTurn(key conversation.Key) bool {
	e := m.lookup(key, false)
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.IsFirstTurn()
}

// InjectMemory は初回ターンのみ、最新のユーザーメッセージに想起結果を前置する
func (m *Manager) InjectMemory(key conversation.Key, history []llm.Message, entries []memory.Entry) []llm.Message {
	if !m.IsFirstTurn(key) {
		return history
	}
	return InjectMemory(history, entries, m.opts)
}

// Compact はコンテキスト超過時に履歴を縮約し、固定文言を返す
func (m *Manager) Compact(key conversation.Key) string {
	e := m.lookup(key, false)
	if e == nil {
		return OverflowNotice
	}
	e.mu.Lock()
	before := e.sess.Len()
	compacted := Compact(e.sess.Messages(), m.opts.CompactKeep, m.opts.CompactMaxChars)
	e.sess.Replace(compacted)
	after := e.sess.Len()
	e.mu.Unlock()

	logger.WarnCF("contextmgr", "History compacted after context overflow",
		map[string]interface{}{
			"key":    key.String(),
			"before": before,
			"after":  after,
		})
	return OverflowNotice
}

// Evict は会話キーを丸ごと破棄する
func (m *Manager) Evict(key conversation.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return false
	}
	delete(m.sessions, key)
	return true
}

// Len は保持している会話数を返す
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
