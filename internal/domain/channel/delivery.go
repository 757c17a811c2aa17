package channel

import "strings"

const telegramInstructions = `When responding on Telegram:
- Include media markers for files or URLs that should be sent as attachments.
- Use **bold** for key terms, section titles, and important info (renders as <b>).
- Use *italic* for emphasis (renders as <i>).
- Use ` + "`backticks`" + ` for inline code, commands, or technical terms.
- Use triple backticks for code blocks.
- Use emoji naturally to add personality, but don't overdo it.
- Be concise and direct. Skip filler phrases like 'Great question!' or 'Certainly!'.
- Structure longer answers with bold headers, not raw markdown ## headers.
- For media attachments use markers: [IMAGE:<path-or-url>], [DOCUMENT:<path-or-url>], [VIDEO:<path-or-url>], [AUDIO:<path-or-url>], or [VOICE:<path-or-url>].
- Keep normal text outside markers and never wrap markers in code fences.
- Use tool results silently: answer the latest user message directly, and do not narrate delayed/internal tool execution bookkeeping.`

const defaultInstructions = `When responding:
- Be concise and direct. Skip filler phrases like 'Great question!' or 'Certainly!'.
- For media attachments use markers: [IMAGE:<path-or-url>], [DOCUMENT:<path-or-url>], [VIDEO:<path-or-url>], [AUDIO:<path-or-url>], or [VOICE:<path-or-url>].
- Keep normal text outside markers and never wrap markers in code fences.
- Use tool results silently: answer the latest user message directly, and do not narrate delayed/internal tool execution bookkeeping.`

var defaultInstructionChannels = map[string]bool{
	"discord":    true,
	"slack":      true,
	"mattermost": true,
	"matrix":     true,
	"dingtalk":   true,
	"lark":       true,
	"feishu":     true,
	"signal":     true,
	"whatsapp":   true,
	"qq":         true,
	"line":       true,
	"websocket":  true,
}

// DeliveryInstructions はチャネル別の応答ガイドを返す
// cli / dummy / ClawdTalk / cron などは対象外（false）
func DeliveryInstructions(channelName string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(channelName))
	if name == "telegram" {
		return telegramInstructions, true
	}
	if defaultInstructionChannels[name] {
		return defaultInstructions, true
	}
	return "", false
}
