package contextmgr

import (
	"strings"
	"unicode/utf8"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/memory"
)

// MergeSeparator は同一ロールの連続メッセージを結合する区切り
const MergeSeparator = "\n\n"

// Normalize はプロバイダーへ渡す前に履歴を正規化する
//   - system メッセージは先頭の1件にまとめる
//   - tool メッセージと、本文のない（ツール呼び出しだけの）メッセージは落とす
//   - 連続する同一ロールの user/assistant は区切りで結合する
//
// 結果は user/assistant が厳密に交互になり、再適用しても変わらない
func Normalize(history []llm.Message) []llm.Message {
	var systemParts []string
	out := make([]llm.Message, 0, len(history))

	for _, msg := range history {
		content := strings.TrimSpace(msg.Content)
		switch msg.Role {
		case llm.RoleSystem:
			if content != "" {
				systemParts = append(systemParts, content)
			}
			continue
		case llm.RoleUser, llm.RoleAssistant:
		default:
			continue
		}
		if content == "" {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1].Content = out[n-1].Content + MergeSeparator + content
			out[n-1].Images = append(out[n-1].Images, msg.Images...)
			continue
		}
		out = append(out, llm.Message{
			Role:    msg.Role,
			Content: content,
			Images:  append([]llm.Image(nil), msg.Images...),
		})
	}

	if len(systemParts) == 0 {
		return out
	}
	result := make([]llm.Message, 0, len(out)+1)
	result = append(result, llm.Message{Role: llm.RoleSystem, Content: strings.Join(systemParts, MergeSeparator)})
	return append(result, out...)
}

// IsAlternating は system を除いた部分が user/assistant 交互かを判定
func IsAlternating(history []llm.Message) bool {
	prev := ""
	for i, msg := range history {
		if msg.Role == llm.RoleSystem {
			if i != 0 {
				return false
			}
			continue
		}
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			return false
		}
		if msg.Role == prev {
			return false
		}
		prev = msg.Role
	}
	return true
}

// Compact は正規化した履歴の末尾 keep 件を残し、各件を maxChars 文字に切り詰める
// 入力が空でなければ結果も空にならない
func Compact(history []llm.Message, keep, maxChars int) []llm.Message {
	if len(history) == 0 {
		return []llm.Message{}
	}

	normalized := Normalize(history)
	// system は履歴としては保持しない（システムプロンプトは毎回組み立てる）
	convo := make([]llm.Message, 0, len(normalized))
	for _, msg := range normalized {
		if msg.Role != llm.RoleSystem {
			convo = append(convo, msg)
		}
	}
	if len(convo) == 0 {
		// 本文のある会話が残らない場合も最後の1件は残す
		last := history[len(history)-1]
		role := last.Role
		if role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		return []llm.Message{{Role: role, Content: Truncate(last.Content, maxChars)}}
	}

	if keep > 0 && len(convo) > keep {
		convo = convo[len(convo)-keep:]
	}
	out := make([]llm.Message, len(convo))
	for i, msg := range convo {
		out[i] = llm.Message{Role: msg.Role, Content: Truncate(msg.Content, maxChars)}
	}
	return out
}

// Truncate は文字（rune）単位で maxChars 以下に切り詰める
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	const ellipsis = "…"
	runes := []rune(s)
	if maxChars <= 1 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-1]) + ellipsis
}

// InjectMemory は最新の user メッセージの先頭に想起結果を付与した新しい履歴を返す
func InjectMemory(history []llm.Message, entries []memory.Entry, opts Options) []llm.Message {
	opts = opts.withDefaults()
	if len(entries) == 0 {
		return history
	}

	lastUser := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser < 0 {
		return history
	}

	const (
		header  = "[Memory]\n"
		trailer = "\n\n"
		bullet  = "- "
	)
	// 上限はヘッダ・箇条書き記号・改行を含めた挿入ブロック全体に掛ける
	var lines []string
	total := utf8.RuneCountInString(header) + utf8.RuneCountInString(trailer)
	for _, e := range entries {
		if len(lines) >= opts.MemoryMaxEntries {
			break
		}
		text := strings.TrimSpace(e.Text)
		if text == "" {
			continue
		}
		text = Truncate(text, opts.MemoryEntryMaxChars)
		overhead := utf8.RuneCountInString(bullet)
		if len(lines) > 0 {
			overhead++
		}
		remaining := opts.MemoryTotalMaxChars - total - overhead
		if remaining <= 0 {
			break
		}
		if n := utf8.RuneCountInString(text); n > remaining {
			text = Truncate(text, remaining)
		}
		total += overhead + utf8.RuneCountInString(text)
		lines = append(lines, bullet+text)
	}
	if len(lines) == 0 {
		return history
	}

	out := llm.CloneMessages(history)
	prefix := header + strings.Join(lines, "\n") + trailer
	out[lastUser].Content = prefix + out[lastUser].Content
	return out
}
