package telegram

import (
	"html"
	"regexp"
	"strings"
)

var (
	boldPattern   = regexp.MustCompile(`\*\*([^*\n]+?)\*\*`)
	italicPattern = regexp.MustCompile(`(^|[^*\w])\*([^*\n]+?)\*`)
	headerPattern = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
)

// markdownToHTML はモデル出力の軽量マークダウンを Telegram の HTML parse mode に変換する
// 対応: ``` コードブロック、`インライン`、**太字**、*斜体*、# 見出し（太字にする）
func markdownToHTML(text string) string {
	var b strings.Builder
	blocks := strings.Split(text, "```")
	for i, block := range blocks {
		if i%2 == 1 && i < len(blocks)-1 {
			// 先頭行は言語指定
			if nl := strings.IndexByte(block, '\n'); nl >= 0 && !strings.ContainsAny(block[:nl], " \t") {
				block = block[nl+1:]
			}
			b.WriteString("<pre>")
			b.WriteString(html.EscapeString(strings.Trim(block, "\n")))
			b.WriteString("</pre>")
			continue
		}
		if i%2 == 1 {
			// 閉じていないフェンスはそのまま
			b.WriteString("```")
		}
		b.WriteString(formatInline(block))
	}
	return b.String()
}

func formatInline(text string) string {
	var b strings.Builder
	parts := strings.Split(text, "`")
	for i, part := range parts {
		if i%2 == 1 && i < len(parts)-1 {
			b.WriteString("<code>")
			b.WriteString(html.EscapeString(part))
			b.WriteString("</code>")
			continue
		}
		if i%2 == 1 {
			b.WriteString("`")
		}
		s := html.EscapeString(part)
		s = headerPattern.ReplaceAllString(s, "<b>$1</b>")
		s = boldPattern.ReplaceAllString(s, "<b>$1</b>")
		s = italicPattern.ReplaceAllString(s, "$1<i>$2</i>")
		b.WriteString(s)
	}
	return b.String()
}
