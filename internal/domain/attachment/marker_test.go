package attachment

import "testing"

func TestParse_SingleImage(t *testing.T) {
	text, atts := Parse("Check this [IMAGE:/tmp/a.png]")

	if text != "Check this" {
		t.Errorf("text = %q", text)
	}
	if len(atts) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(atts))
	}
	if atts[0].Kind != KindImage || atts[0].Target != "/tmp/a.png" {
		t.Errorf("unexpected attachment: %+v", atts[0])
	}
}

func TestParse_Multiple(t *testing.T) {
	text, atts := Parse("Report\n[IMAGE:https://example.com/a.png]\n[DOCUMENT:/tmp/report.pdf]")

	if text != "Report" {
		t.Errorf("text = %q", text)
	}
	if len(atts) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(atts))
	}
	if atts[0].Kind != KindImage || atts[1].Kind != KindDocument {
		t.Errorf("kinds = %s, %s", atts[0].Kind, atts[1].Kind)
	}
}

func TestParse_KeepsInnerWhitespace(t *testing.T) {
	text, atts := Parse("Check this report [IMAGE:/tmp/chart.png] and [DOCUMENT:/tmp/report.pdf]")
	if text != "Check this report  and" {
		t.Errorf("text = %q", text)
	}
	if len(atts) != 2 || atts[0].Target != "/tmp/chart.png" || atts[1].Target != "/tmp/report.pdf" {
		t.Errorf("unexpected attachments: %+v", atts)
	}

	text, atts = Parse("Screenshot: [IMAGE:/tmp/screen.png]\nVideo: [VIDEO:https://example.com/demo.mp4]")
	if text != "Screenshot: \nVideo:" {
		t.Errorf("text = %q", text)
	}
	if len(atts) != 2 || atts[1].Target != "https://example.com/demo.mp4" {
		t.Errorf("unexpected attachments: %+v", atts)
	}
}

func TestParse_NonMarkerBracketsPreserved(t *testing.T) {
	text, atts := Parse("Hello [world] and [not:a:marker]")
	if text != "Hello [world] and [not:a:marker]" {
		t.Errorf("text = %q", text)
	}
	if len(atts) != 0 {
		t.Errorf("expected no attachments, got %+v", atts)
	}
}

func TestParse_EmptyTargetIsNotMarker(t *testing.T) {
	text, atts := Parse("look [IMAGE: ] here")
	if text != "look [IMAGE: ] here" {
		t.Errorf("text = %q", text)
	}
	if len(atts) != 0 {
		t.Errorf("expected no attachments, got %+v", atts)
	}
}

func TestParse_AliasesAndCase(t *testing.T) {
	_, atts := Parse("[photo:/a.jpg] [File:/b.txt] [voice:/c.ogg] [AUDIO:/d.mp3]")
	want := []Kind{KindImage, KindDocument, KindVoice, KindAudio}
	if len(atts) != len(want) {
		t.Fatalf("expected %d attachments, got %d", len(want), len(atts))
	}
	for i, k := range want {
		if atts[i].Kind != k {
			t.Errorf("atts[%d].Kind = %s, want %s", i, atts[i].Kind, k)
		}
	}
}

func TestParse_UnclosedBracket(t *testing.T) {
	text, atts := Parse("broken [IMAGE:/tmp/a.png")
	if text != "broken [IMAGE:/tmp/a.png" || len(atts) != 0 {
		t.Errorf("got %q %+v", text, atts)
	}
}

func TestFind_Offsets(t *testing.T) {
	s := "a [IMAGE:/x.png] b"
	ms := Find(s)
	if len(ms) != 1 {
		t.Fatalf("expected 1 match, got %d", len(ms))
	}
	if s[ms[0].Start:ms[0].End] != "[IMAGE:/x.png]" {
		t.Errorf("offsets point at %q", s[ms[0].Start:ms[0].End])
	}
}

func TestIsLocal(t *testing.T) {
	tests := []struct {
		target string
		want   bool
	}{
		{"/tmp/a.png", true},
		{"relative/file.pdf", true},
		{"http://example.com/a.png", false},
		{"https://example.com/a.png", false},
		{"ftp://example.com/a.png", true},
	}
	for _, tt := range tests {
		if got := IsLocal(tt.target); got != tt.want {
			t.Errorf("IsLocal(%q) = %v, want %v", tt.target, got, tt.want)
		}
	}
}

func TestKindMarkerNames(t *testing.T) {
	want := map[Kind]string{
		KindImage:    "IMAGE",
		KindDocument: "DOCUMENT",
		KindVideo:    "VIDEO",
		KindAudio:    "AUDIO",
		KindVoice:    "VOICE",
	}
	for k, name := range want {
		if k.MarkerName() != name {
			t.Errorf("%v.MarkerName() = %q", k, k.MarkerName())
		}
	}
}
