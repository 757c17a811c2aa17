package contextmgr

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/memory"
)

var allRoles = []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool}

func randomHistory(r *rand.Rand, n int) []llm.Message {
	h := make([]llm.Message, n)
	for i := range h {
		content := fmt.Sprintf("c%d", r.Intn(100))
		if r.Intn(8) == 0 {
			content = "   "
		}
		h[i] = llm.Message{Role: allRoles[r.Intn(len(allRoles))], Content: content}
	}
	return h
}

func TestNormalize_Idempotent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		h := randomHistory(r, r.Intn(30))
		once := Normalize(h)
		twice := Normalize(once)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("normalize not idempotent for %v:\n once=%v\ntwice=%v", h, once, twice)
		}
		if !IsAlternating(once) {
			t.Fatalf("normalize did not alternate: %v", once)
		}
	}
}

func TestNormalize_MergesSameRole(t *testing.T) {
	h := []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleUser, Content: "bye"},
		{Role: llm.RoleAssistant, Content: "ok"},
		{Role: llm.RoleTool, Content: "tool output"},
		{Role: llm.RoleAssistant, Content: "done"},
	}

	got := Normalize(h)

	require.Len(t, got, 2)
	assert.Equal(t, "hi"+MergeSeparator+"bye", got[0].Content)
	assert.Equal(t, "ok"+MergeSeparator+"done", got[1].Content)
}

func TestNormalize_HoistsSystem(t *testing.T) {
	h := []llm.Message{
		{Role: llm.RoleUser, Content: "a"},
		{Role: llm.RoleSystem, Content: "rules"},
		{Role: llm.RoleAssistant, Content: "b"},
	}
	got := Normalize(h)
	require.Len(t, got, 3)
	assert.Equal(t, llm.RoleSystem, got[0].Role)
	assert.Equal(t, "rules", got[0].Content)
}

func TestNormalize_DropsToolCallOnlyAssistant(t *testing.T) {
	h := []llm.Message{
		{Role: llm.RoleUser, Content: "run it"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "1", Name: "shell"}}},
		{Role: llm.RoleTool, Content: "out", ToolCallID: "1"},
		{Role: llm.RoleAssistant, Content: "finished"},
	}
	got := Normalize(h)
	require.Len(t, got, 2)
	assert.Empty(t, got[1].ToolCalls)
}

func TestCompact_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 300; i++ {
		h := randomHistory(r, 1+r.Intn(60))
		for j := range h {
			h[j].Content += strings.Repeat("x", r.Intn(1500))
		}
		got := Compact(h, 12, 600)
		require.NotEmpty(t, got, "compaction must never empty history")
		assert.LessOrEqual(t, len(got), 12)
		for _, msg := range got {
			assert.LessOrEqual(t, len([]rune(msg.Content)), 600)
		}
		assert.True(t, IsAlternating(got), "compacted history must alternate: %v", got)
	}
}

func TestCompact_Empty(t *testing.T) {
	assert.Empty(t, Compact(nil, 12, 600))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab…", Truncate("abcdef", 3))
	assert.Equal(t, "日本…", Truncate("日本語テキスト", 3))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestInjectMemory_Budgets(t *testing.T) {
	opts := DefaultOptions()
	entries := make([]memory.Entry, 0, 6)
	for i := 0; i < 6; i++ {
		entries = append(entries, memory.Entry{Text: strings.Repeat(fmt.Sprint(i), 1500), Score: float64(10 - i)})
	}
	h := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "question"},
	}

	got := InjectMemory(h, entries, opts)

	assert.Equal(t, "question", h[1].Content, "input history must not be mutated")
	content := got[1].Content
	assert.True(t, strings.HasSuffix(content, "question"))

	lines := 0
	total := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "- ") {
			lines++
			n := len([]rune(strings.TrimPrefix(line, "- ")))
			assert.LessOrEqual(t, n, 800)
			total += n
		}
	}
	assert.Equal(t, 4, lines)
	assert.LessOrEqual(t, total, 4000)
	assert.LessOrEqual(t, len([]rune(strings.TrimSuffix(content, "question"))), 4000)
	assert.NotContains(t, content, "4444", "entries beyond the fourth are dropped")
}

func TestInjectMemory_TotalCap(t *testing.T) {
	opts := Options{MemoryMaxEntries: 4, MemoryEntryMaxChars: 800, MemoryTotalMaxChars: 1000}
	entries := []memory.Entry{
		{Text: strings.Repeat("a", 800)},
		{Text: strings.Repeat("b", 800)},
		{Text: strings.Repeat("c", 800)},
	}
	got := InjectMemory([]llm.Message{{Role: llm.RoleUser, Content: "q"}}, entries, opts)

	assert.Equal(t, 800, strings.Count(got[0].Content, "a"))
	// ヘッダ9 + 末尾改行2 + "- "+800 + 改行と "- " 3 を引いた残り
	assert.Equal(t, 184, len([]rune(extractLine(got[0].Content, 1))))
	assert.NotContains(t, got[0].Content, "ccc")
	block := strings.TrimSuffix(got[0].Content, "q")
	assert.Equal(t, 1000, len([]rune(block)), "the rendered block fills the budget exactly")
}

func extractLine(content string, idx int) string {
	var lines []string
	for _, l := range strings.Split(content, "\n") {
		if strings.HasPrefix(l, "- ") {
			lines = append(lines, strings.TrimPrefix(l, "- "))
		}
	}
	return lines[idx]
}

func TestInjectMemory_NoUserMessage(t *testing.T) {
	h := []llm.Message{{Role: llm.RoleAssistant, Content: "a"}}
	got := InjectMemory(h, []memory.Entry{{Text: "x"}}, DefaultOptions())
	assert.Equal(t, h, got)
}
