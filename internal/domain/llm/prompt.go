package llm

import (
	"fmt"
	"strings"
)

// BuildPrompt はメッセージ列をテキスト専用プロバイダー向けのプロンプトに変換
// 形式: "System: ..." / "User: ..." / "Assistant: ..." / "Tool result (name): ..." を空行区切り
func BuildPrompt(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			parts = append(parts, "System: "+msg.Content)
		case RoleUser:
			parts = append(parts, "User: "+msg.Content)
		case RoleAssistant:
			parts = append(parts, "Assistant: "+msg.Content)
		case RoleTool:
			name := msg.Name
			if name == "" {
				name = "tool"
			}
			parts = append(parts, fmt.Sprintf("Tool result (%s): %s", name, msg.Content))
		}
	}
	return strings.Join(parts, "\n\n")
}
