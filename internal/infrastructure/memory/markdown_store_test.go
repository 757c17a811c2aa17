package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var jst = time.FixedZone("JST", 9*60*60)

func newTestStore(t *testing.T, now time.Time) (*MarkdownStore, string) {
	t.Helper()
	ws := t.TempDir()
	s, err := NewMarkdownStore(ws, 3, jst)
	if err != nil {
		t.Fatalf("NewMarkdownStore: %v", err)
	}
	s.now = func() time.Time { return now }
	return s, ws
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLogicalDate(t *testing.T) {
	s, _ := newTestStore(t, time.Now())

	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"after cutover", time.Date(2026, 2, 10, 10, 0, 0, 0, jst), "2026-02-10"},
		{"before cutover", time.Date(2026, 2, 10, 3, 59, 0, 0, jst), "2026-02-09"},
		{"exactly cutover", time.Date(2026, 2, 10, 4, 0, 0, 0, jst), "2026-02-10"},
		{"UTC input", time.Date(2026, 2, 9, 18, 30, 0, 0, time.UTC), "2026-02-09"}, // JST 03:30
		{"month boundary", time.Date(2026, 3, 1, 1, 0, 0, 0, jst), "2026-02-28"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.LogicalDate(tt.in).Format("2006-01-02"); got != tt.want {
				t.Errorf("LogicalDate(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestRemember_CreatesDailyNote(t *testing.T) {
	now := time.Date(2026, 2, 10, 9, 15, 0, 0, jst)
	s, ws := newTestStore(t, now)

	if err := s.Remember(context.Background(), "line:U1", "User likes  green tea"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := s.Remember(context.Background(), "line:U1", "Birthday is May 3"); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(ws, "memory", "202602", "20260210.md"))
	if err != nil {
		t.Fatalf("daily note not written: %v", err)
	}
	want := "# 2026-02-10\n\n- [09:15] User likes green tea\n- [09:15] Birthday is May 3\n"
	if string(data) != want {
		t.Errorf("daily note =\n%q\nwant\n%q", data, want)
	}
}

func TestRemember_Empty(t *testing.T) {
	s, _ := newTestStore(t, time.Now())
	if err := s.Remember(context.Background(), "k", "   "); err == nil {
		t.Error("empty text should be rejected")
	}
}

func TestRecall_ScoresByOverlap(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, jst)
	s, ws := newTestStore(t, now)

	writeFile(t, filepath.Join(ws, "memory", "MEMORY.md"),
		"# Long-term\n\n- The user's cat is named Mochi\n- Prefers replies in Japanese\n")
	writeFile(t, filepath.Join(ws, "memory", "202602", "20260209.md"),
		"# 2026-02-09\n\n- Took the cat Mochi to the vet\n- Bought a new keyboard\n")
	// recentDays=3 の範囲外
	writeFile(t, filepath.Join(ws, "memory", "202602", "20260201.md"),
		"# 2026-02-01\n\n- cat Mochi vet appointment booked\n")

	entries, err := s.Recall(context.Background(), "line:U1", "How is my cat Mochi?")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Text != "The user's cat is named Mochi" {
		t.Errorf("long-term entry should rank first, got %q", entries[0].Text)
	}
	if entries[1].Text != "Took the cat Mochi to the vet" {
		t.Errorf("second entry = %q", entries[1].Text)
	}
	if entries[0].Score < entries[1].Score {
		t.Error("entries must be ordered by score")
	}
}

func TestRecall_Japanese(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, jst)
	s, ws := newTestStore(t, now)

	writeFile(t, filepath.Join(ws, "memory", "MEMORY.md"),
		"- 好きな飲み物は緑茶\n- 住まいは大阪\n")

	entries, err := s.Recall(context.Background(), "k", "好きな飲み物は？")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(entries) == 0 || entries[0].Text != "好きな飲み物は緑茶" {
		t.Errorf("unexpected entries: %+v", entries)
	}
	for _, e := range entries {
		if strings.Contains(e.Text, "大阪") {
			t.Errorf("unrelated entry recalled: %q", e.Text)
		}
	}
}

func TestRecall_NoMatchesAndEmptyStore(t *testing.T) {
	s, _ := newTestStore(t, time.Now())

	entries, err := s.Recall(context.Background(), "k", "anything at all")
	if err != nil || len(entries) != 0 {
		t.Errorf("empty store: %+v, %v", entries, err)
	}
	entries, err = s.Recall(context.Background(), "k", "  ?! ")
	if err != nil || entries != nil {
		t.Errorf("query without terms: %+v, %v", entries, err)
	}
}

func TestRememberThenRecall(t *testing.T) {
	now := time.Date(2026, 2, 10, 2, 0, 0, 0, jst) // カットオーバー前は前日のノート
	s, ws := newTestStore(t, now)

	if err := s.Remember(context.Background(), "k", "Dentist appointment on Friday"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(ws, "memory", "202602", "20260209.md")); err != nil {
		t.Errorf("note should be filed under the logical date: %v", err)
	}

	entries, err := s.Recall(context.Background(), "k", "when is the dentist?")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !strings.Contains(entries[0].Text, "Dentist appointment") {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestSaveTool(t *testing.T) {
	s, _ := newTestStore(t, time.Date(2026, 2, 10, 12, 0, 0, 0, jst))
	spec, fn := s.SaveTool()

	if spec.Name != "memory_save" {
		t.Errorf("spec.Name = %q", spec.Name)
	}
	out, err := fn(context.Background(), map[string]interface{}{"text": "Favourite colour is blue"})
	if err != nil || out != "Saved to memory" {
		t.Errorf("fn = %q, %v", out, err)
	}
	if _, err := fn(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("missing text should fail")
	}

	entries, _ := s.Recall(context.Background(), "k", "favourite colour")
	if len(entries) != 1 {
		t.Errorf("saved fact not recalled: %+v", entries)
	}
}

func TestSplitChunks(t *testing.T) {
	doc := "# Title\n\nfirst paragraph\ncontinues here\n\n- bullet one\n* bullet two\n---\nlast"
	got := splitChunks(doc)
	want := []string{"first paragraph continues here", "bullet one", "bullet two", "last"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("splitChunks = %q, want %q", got, want)
	}
}
