package mcp

// Request は MCP サーバーへのリクエスト
type Request struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

// Response は MCP サーバーからのレスポンス
type Response struct {
	Result map[string]interface{} `json:"result,omitempty"`
	Error  *Error                 `json:"error,omitempty"`
}

// Error は MCP エラー
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Tool は MCP ツール定義
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ToolListResponse は tools/list のレスポンス
type ToolListResponse struct {
	Tools []Tool `json:"tools"`
}

// ToolCallResponse は tools/call のレスポンス
type ToolCallResponse struct {
	Content []map[string]interface{} `json:"content"`
	IsError bool                     `json:"isError,omitempty"`
}

// Text は content のうち type=text の要素を改行で連結する
func (r *ToolCallResponse) Text() string {
	var out string
	for _, c := range r.Content {
		text, ok := c["text"].(string)
		if !ok {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += text
	}
	return out
}
