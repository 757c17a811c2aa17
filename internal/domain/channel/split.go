package channel

import (
	"strings"
	"unicode/utf8"
)

// SplitText はプラットフォームの文字数上限に合わせて本文を分割する
// 上限内に改行があればそこで切る。maxChars は rune 数
func SplitText(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var out []string
	for text != "" {
		if utf8.RuneCountInString(text) <= maxChars {
			out = append(out, text)
			break
		}
		head := string([]rune(text)[:maxChars])
		cut := strings.LastIndex(head, "\n")
		if cut <= 0 {
			cut = len(head)
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	return out
}
