package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	domainmemory "github.com/Nyukimin/picoclaw_dispatch/internal/domain/memory"
)

const (
	// CutoverHour より前の記録は前日の日次ノートに入る
	CutoverHour       = 4
	defaultRecentDays = 7
	// longTermBonus は MEMORY.md 由来の項目に加点する
	longTermBonus = 0.1
)

// MarkdownStore はワークスペース配下のMarkdownファイルを記憶として扱う
//   - 長期記憶: memory/MEMORY.md
//   - 日次ノート: memory/YYYYMM/YYYYMMDD.md
//
// 個人用エージェント前提で、記憶は会話キーをまたいで共有する
type MarkdownStore struct {
	memoryDir  string
	memoryFile string
	recentDays int
	loc        *time.Location
	now        func() time.Time

	mu sync.Mutex // 書き込みの直列化
}

// NewMarkdownStore は新しいMarkdownStoreを作成。memory ディレクトリがなければ作る
func NewMarkdownStore(workspace string, recentDays int, loc *time.Location) (*MarkdownStore, error) {
	if recentDays <= 0 {
		recentDays = defaultRecentDays
	}
	if loc == nil {
		loc = time.Local
	}
	memoryDir := filepath.Join(workspace, "memory")
	if err := os.MkdirAll(memoryDir, 0755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &MarkdownStore{
		memoryDir:  memoryDir,
		memoryFile: filepath.Join(memoryDir, "MEMORY.md"),
		recentDays: recentDays,
		loc:        loc,
		now:        time.Now,
	}, nil
}

// LogicalDate は CutoverHour を考慮した日付。深夜の記録は前日扱い
func (s *MarkdownStore) LogicalDate(t time.Time) time.Time {
	local := t.In(s.loc)
	if local.Hour() < CutoverHour {
		local = local.AddDate(0, 0, -1)
	}
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
}

func (s *MarkdownStore) dailyFile(date time.Time) string {
	day := date.Format("20060102")
	return filepath.Join(s.memoryDir, day[:6], day+".md")
}

// Recall はクエリと語の重なりが大きい順に記憶を返す。一致しない項目は返さない
func (s *MarkdownStore) Recall(ctx context.Context, key, query string) ([]domainmemory.Entry, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	type candidate struct {
		entry domainmemory.Entry
		order int
	}
	var candidates []candidate
	order := 0
	score := func(chunks []string, bonus float64) {
		for _, chunk := range chunks {
			order++
			sc := overlap(terms, chunk)
			if sc == 0 {
				continue
			}
			candidates = append(candidates, candidate{
				entry: domainmemory.Entry{Text: chunk, Score: sc + bonus},
				order: order,
			})
		}
	}

	if data, err := os.ReadFile(s.memoryFile); err == nil {
		score(splitChunks(string(data)), longTermBonus)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read long-term memory: %w", err)
	}

	today := s.LogicalDate(s.now())
	for i := 0; i < s.recentDays; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(s.dailyFile(today.AddDate(0, 0, -i)))
		if err != nil {
			continue
		}
		score(splitChunks(string(data)), 0)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].entry.Score != candidates[j].entry.Score {
			return candidates[i].entry.Score > candidates[j].entry.Score
		}
		return candidates[i].order < candidates[j].order
	})
	entries := make([]domainmemory.Entry, len(candidates))
	for i, c := range candidates {
		entries[i] = c.entry
	}
	return entries, nil
}

// Remember は今日の日次ノートに箇条書きで追記する。新しい日はヘッダーから始める
func (s *MarkdownStore) Remember(ctx context.Context, key, text string) error {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return fmt.Errorf("memory text is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	date := s.LogicalDate(now)
	path := s.dailyFile(date)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create month dir: %w", err)
	}

	var existing string
	if data, err := os.ReadFile(path); err == nil {
		existing = string(data)
	}
	line := fmt.Sprintf("- [%s] %s", now.In(s.loc).Format("15:04"), text)
	var content string
	if existing == "" {
		content = fmt.Sprintf("# %s\n\n%s\n", date.Format("2006-01-02"), line)
	} else {
		content = strings.TrimRight(existing, "\n") + "\n" + line + "\n"
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// SaveTool は memory_save ツールの定義と実行関数を返す
func (s *MarkdownStore) SaveTool() (llm.ToolSpec, func(ctx context.Context, args map[string]interface{}) (string, error)) {
	spec := llm.ToolSpec{
		Name:        "memory_save",
		Description: "Save a short fact to long-lived memory so it can be recalled in later conversations",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text": map[string]interface{}{
					"type":        "string",
					"description": "The fact to remember, one sentence",
				},
			},
			"required": []interface{}{"text"},
		},
	}
	fn := func(ctx context.Context, args map[string]interface{}) (string, error) {
		text, ok := args["text"].(string)
		if !ok || strings.TrimSpace(text) == "" {
			return "", fmt.Errorf("'text' argument is required and must be a string")
		}
		if err := s.Remember(ctx, "", text); err != nil {
			return "", err
		}
		return "Saved to memory", nil
	}
	return spec, fn
}

// splitChunks はMarkdownを段落と箇条書き単位に分ける。見出しは捨てる
func splitChunks(doc string) []string {
	var chunks []string
	var para []string
	flush := func() {
		if len(para) > 0 {
			chunks = append(chunks, strings.Join(para, " "))
			para = nil
		}
	}
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || line == "---":
			flush()
		case strings.HasPrefix(line, "#"):
			flush()
		case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* "):
			flush()
			if item := strings.TrimSpace(line[2:]); item != "" {
				chunks = append(chunks, item)
			}
		default:
			para = append(para, line)
		}
	}
	flush()
	return chunks
}

// queryTerms は英数字を単語、それ以外の文字（日本語等）を2文字単位に分解する
func queryTerms(text string) []string {
	seen := map[string]bool{}
	var terms []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}
	for _, t := range tokenize(text) {
		add(t)
	}
	return terms
}

func tokenize(text string) []string {
	var tokens []string
	var word []rune
	var wide []rune
	flushWord := func() {
		if len(word) >= 2 {
			tokens = append(tokens, string(word))
		}
		word = word[:0]
	}
	flushWide := func() {
		switch {
		case len(wide) == 1:
			tokens = append(tokens, string(wide))
		case len(wide) > 1:
			for i := 0; i+1 < len(wide); i++ {
				tokens = append(tokens, string(wide[i:i+2]))
			}
		}
		wide = wide[:0]
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			flushWide()
			word = append(word, r)
		case r >= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			flushWord()
			wide = append(wide, r)
		default:
			flushWord()
			flushWide()
		}
	}
	flushWord()
	flushWide()
	return tokens
}

// overlap はクエリ語のうち chunk に含まれる割合
func overlap(terms []string, chunk string) float64 {
	have := map[string]bool{}
	for _, t := range tokenize(chunk) {
		have[t] = true
	}
	hit := 0
	for _, t := range terms {
		if have[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(terms))
}
