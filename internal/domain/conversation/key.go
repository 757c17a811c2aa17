package conversation

import "strings"

// Key は1本の会話履歴を識別する値オブジェクト
// (channel, thread?, sender) から決定的に導出される
type Key struct {
	value string
}

// NewKey は会話キーを作成。thread が空ならスレッドなしの会話として扱う
func NewKey(channel, thread, sender string) Key {
	parts := []string{escape(channel)}
	if thread = strings.TrimSpace(thread); thread != "" {
		parts = append(parts, escape(thread))
	}
	parts = append(parts, escape(sender))
	return Key{value: strings.Join(parts, ":")}
}

// String はキーの文字列表現を返す
func (k Key) String() string {
	return k.value
}

// IsZero はゼロ値かを判定
func (k Key) IsZero() bool {
	return k.value == ""
}

// 区切り文字と衝突しないよう ':' をエスケープ
func escape(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ":", `\:`)
}
