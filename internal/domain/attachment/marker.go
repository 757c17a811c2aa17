package attachment

import "strings"

// Kind は添付ファイルの種別
type Kind string

const (
	KindImage    Kind = "IMAGE"
	KindDocument Kind = "DOCUMENT"
	KindVideo    Kind = "VIDEO"
	KindAudio    Kind = "AUDIO"
	KindVoice    Kind = "VOICE"
)

// KindFromMarker はマーカー名から種別を返す。PHOTO / FILE は別名
func KindFromMarker(name string) (Kind, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "IMAGE", "PHOTO":
		return KindImage, true
	case "DOCUMENT", "FILE":
		return KindDocument, true
	case "VIDEO":
		return KindVideo, true
	case "AUDIO":
		return KindAudio, true
	case "VOICE":
		return KindVoice, true
	}
	return "", false
}

// MarkerName は正式なマーカー名を返す
func (k Kind) MarkerName() string {
	return string(k)
}

// Attachment は本文中のマーカーが指す添付
type Attachment struct {
	Kind   Kind
	Target string
}

// IsLocal はローカルパスを指しているか
func (a Attachment) IsLocal() bool {
	return IsLocal(a.Target)
}

// Marker は [KIND:target] 形式で書き戻す
func (a Attachment) Marker() string {
	return "[" + a.Kind.MarkerName() + ":" + a.Target + "]"
}

// Match は本文中で見つかったマーカーと、その位置（バイトオフセット, 終端は排他）
type Match struct {
	Attachment
	Start int
	End   int
}

// IsLocal は target が URL でなければ true
func IsLocal(target string) bool {
	return !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://")
}

// Find は本文中のマーカーを出現順に返す。マーカーでない角括弧は無視する
func Find(text string) []Match {
	var matches []Match
	cursor := 0
	for cursor < len(text) {
		openRel := strings.IndexByte(text[cursor:], '[')
		if openRel < 0 {
			break
		}
		open := cursor + openRel
		closeRel := strings.IndexByte(text[open:], ']')
		if closeRel < 0 {
			break
		}
		end := open + closeRel
		if a, ok := parseMarker(text[open+1 : end]); ok {
			matches = append(matches, Match{Attachment: a, Start: open, End: end + 1})
		}
		cursor = end + 1
	}
	return matches
}

// Parse はマーカーを取り除いた本文と添付一覧を返す
func Parse(text string) (string, []Attachment) {
	matches := Find(text)
	if len(matches) == 0 {
		return strings.TrimSpace(text), nil
	}

	var b strings.Builder
	b.Grow(len(text))
	attachments := make([]Attachment, 0, len(matches))
	prev := 0
	for _, m := range matches {
		b.WriteString(text[prev:m.Start])
		attachments = append(attachments, m.Attachment)
		prev = m.End
	}
	b.WriteString(text[prev:])
	return strings.TrimSpace(b.String()), attachments
}

func parseMarker(inner string) (Attachment, bool) {
	name, target, ok := strings.Cut(inner, ":")
	if !ok {
		return Attachment{}, false
	}
	kind, ok := KindFromMarker(name)
	if !ok {
		return Attachment{}, false
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return Attachment{}, false
	}
	return Attachment{Kind: kind, Target: target}, true
}
