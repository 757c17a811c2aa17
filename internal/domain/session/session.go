package session

import (
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/conversation"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
)

// DefaultCapacity は履歴の既定上限
const DefaultCapacity = 50

// Session は1つの会話キーに紐づく会話履歴エンティティ
// プロセス内のみで保持し、永続化しない
type Session struct {
	key       conversation.Key
	messages  []llm.Message
	capacity  int
	turns     int // 確定した assistant 応答の数
	createdAt time.Time
	updatedAt time.Time
}

// NewSession は新しいセッションを作成。capacity<=0 なら既定値
func NewSession(key conversation.Key, capacity int) *Session {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	now := time.Now()
	return &Session{
		key:       key,
		messages:  make([]llm.Message, 0, capacity),
		capacity:  capacity,
		createdAt: now,
		updatedAt: now,
	}
}

// Key は会話キーを返す
func (s *Session) Key() conversation.Key {
	return s.key
}

// Capacity は履歴上限を返す
func (s *Session) Capacity() int {
	return s.capacity
}

// CreatedAt は作成時刻を返す
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// UpdatedAt は最終更新時刻を返す
func (s *Session) UpdatedAt() time.Time {
	return s.updatedAt
}

// Append はメッセージを追加し、上限を超えた分を古い順に捨てる
// 捨てた件数を返す
func (s *Session) Append(msg llm.Message) int {
	s.messages = append(s.messages, llm.CloneMessages([]llm.Message{msg})[0])
	if msg.Role == llm.RoleAssistant {
		s.turns++
	}
	s.updatedAt = time.Now()

	evicted := len(s.messages) - s.capacity
	if evicted <= 0 {
		return 0
	}
	kept := make([]llm.Message, s.capacity)
	copy(kept, s.messages[evicted:])
	s.messages = kept
	return evicted
}

// Messages は履歴のコピーを返す
func (s *Session) Messages() []llm.Message {
	return llm.CloneMessages(s.messages)
}

// Replace は履歴全体を置き換える（圧縮用）。上限を超える分は古い順に捨てる
func (s *Session) Replace(msgs []llm.Message) {
	if len(msgs) > s.capacity {
		msgs = msgs[len(msgs)-s.capacity:]
	}
	s.messages = llm.CloneMessages(msgs)
	if s.messages == nil {
		s.messages = make([]llm.Message, 0, s.capacity)
	}
	s.updatedAt = time.Now()
}

// Len は履歴の件数を返す
func (s *Session) Len() int {
	return len(s.messages)
}

// Turns は確定した assistant 応答の数を返す
func (s *Session) Turns() int {
	return s.turns
}

// IsFirstTurn はまだ assistant 応答が確定していないかを判定
func (s *Session) IsFirstTurn() bool {
	return s.turns == 0
}
