package toolloop

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

var toolCallPattern = regexp.MustCompile(`(?s)<tool_call>\s*(.*?)\s*</tool_call>`)

// renderToolInstructions はネイティブのツール呼び出しに対応しないプロバイダー向けに
// ツール定義をシステムプロンプト用のテキストにする
func renderToolInstructions(specs []llm.ToolSpec) string {
	sorted := append([]llm.ToolSpec(nil), specs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString("## Tools\n\n")
	b.WriteString("To call a tool, reply with one block per call, exactly in this form:\n")
	b.WriteString(toolCallOpen + "\n")
	b.WriteString(`{"name": "<tool name>", "arguments": {"<arg>": "<value>"}}` + "\n")
	b.WriteString(toolCallClose + "\n")
	b.WriteString("Tool results are returned to you as \"Tool result (name)\". ")
	b.WriteString("When you have the final answer, reply without any tool_call block.\n\n")
	b.WriteString("Available tools:\n")
	for _, s := range sorted {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		if len(s.Parameters) > 0 {
			if params, err := json.Marshal(s.Parameters); err == nil {
				fmt.Fprintf(&b, "  parameters: %s\n", params)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// withToolInstructions はシステムメッセージにツール説明を追記したコピーを返す
func withToolInstructions(history []llm.Message, specs []llm.ToolSpec) []llm.Message {
	instructions := renderToolInstructions(specs)
	if len(history) > 0 && history[0].Role == llm.RoleSystem {
		out := llm.CloneMessages(history)
		out[0].Content = strings.TrimSpace(out[0].Content + "\n\n" + instructions)
		return out
	}
	out := make([]llm.Message, 0, len(history)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: instructions})
	return append(out, llm.CloneMessages(history)...)
}

type textToolCall struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

// parseTextToolCalls は本文中の <tool_call> ブロックを取り出す
// 戻り値の文字列はブロックを除いた本文
func parseTextToolCalls(text string) ([]llm.ToolCall, string) {
	blocks := toolCallPattern.FindAllStringSubmatch(text, -1)
	if len(blocks) == 0 {
		return nil, strings.TrimSpace(text)
	}

	calls := make([]llm.ToolCall, 0, len(blocks))
	for _, block := range blocks {
		var raw textToolCall
		if err := json.Unmarshal([]byte(block[1]), &raw); err != nil || strings.TrimSpace(raw.Name) == "" {
			logger.WarnCF("toolloop", "Ignoring malformed tool_call block",
				map[string]interface{}{
					"block": truncateForLog(block[1], 200),
				})
			continue
		}
		argsRaw := raw.Arguments
		if len(argsRaw) == 0 {
			argsRaw = raw.Parameters
		}
		calls = append(calls, llm.ToolCall{
			Name:      strings.TrimSpace(raw.Name),
			Arguments: decodeArguments(argsRaw),
		})
	}
	cleaned := strings.TrimSpace(toolCallPattern.ReplaceAllString(text, ""))
	return calls, cleaned
}

// decodeArguments はオブジェクト、または JSON 文字列として埋め込まれたオブジェクトを受け付ける
func decodeArguments(raw json.RawMessage) map[string]interface{} {
	args := map[string]interface{}{}
	if len(raw) == 0 {
		return args
	}
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		_ = json.Unmarshal([]byte(s), &args)
	}
	return args
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
