package llm

import "context"

// ロール定数
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message は会話メッセージを表す
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // assistant がツール呼び出しを要求した場合のみ
	ToolCallID string     // tool ロールの場合、対応する呼び出しID
	Name       string     // tool ロールの場合、ツール名
	Images     []Image    // ビジョン対応プロバイダー向けにエンコード済みの画像
}

// Image はプロバイダーへ渡す画像（data URI またはリモートURL）
type Image struct {
	URL       string
	MediaType string
}

// ToolCall はモデルが要求したツール呼び出し
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// ToolSpec はモデルへ提示するツール定義
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON Schema (type=object)
}

// ChatResponse はプロバイダーの応答
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Capabilities はプロバイダーの能力フラグ。構築時に確定し、実行時に型判定はしない
type Capabilities struct {
	NativeTools     bool // 構造化されたツール呼び出しに対応
	Vision          bool // エンコード済み画像を受け付ける
	RawImageMarkers bool // [IMAGE:...] マーカーをそのまま解釈できる
	// EncodeToolImages はツール出力中の画像もエンコードして渡す必要がある場合に true
	EncodeToolImages bool
}

// Provider はLLMプロバイダーの抽象化
type Provider interface {
	Chat(ctx context.Context, history []Message, tools []ToolSpec) (ChatResponse, error)
	Capabilities() Capabilities
	Name() string
}

// CloneMessages はメッセージ列のディープコピーを返す
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.ToolCalls != nil {
			out[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
		if m.Images != nil {
			out[i].Images = append([]Image(nil), m.Images...)
		}
	}
	return out
}
