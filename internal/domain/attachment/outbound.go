package attachment

import "strings"

// SplitUploads はローカルファイルをアップロード対象として取り出し、
// URL を指すマーカーは本文末尾にリンクとして残す
func SplitUploads(text string) (string, []Attachment) {
	body, atts := Parse(text)
	var uploads []Attachment
	var links []string
	for _, a := range atts {
		if a.IsLocal() {
			uploads = append(uploads, a)
			continue
		}
		links = append(links, a.Target)
	}
	return appendLines(body, links), uploads
}

// Flatten は添付を送れないチャネル向けに、全マーカーを本文末尾の行に置き換える
func Flatten(text string) string {
	body, atts := Parse(text)
	targets := make([]string, 0, len(atts))
	for _, a := range atts {
		targets = append(targets, a.Target)
	}
	return appendLines(body, targets)
}

func appendLines(body string, lines []string) string {
	if len(lines) == 0 {
		return body
	}
	if body == "" {
		return strings.Join(lines, "\n")
	}
	return body + "\n" + strings.Join(lines, "\n")
}
