package claude

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

// Config はClaudeプロバイダーの設定
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
}

// ClaudeProvider はClaude APIプロバイダーの実装
type ClaudeProvider struct {
	cfg        Config
	client     anthropic.Client
	classifier llm.OverflowClassifier
}

// NewClaudeProvider は新しいClaudeProviderを作成
func NewClaudeProvider(cfg Config) *ClaudeProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	p := &ClaudeProvider{
		cfg:        cfg,
		classifier: llm.NewKeywordClassifier(),
	}
	p.client = newClient(cfg)
	return p
}

func newClient(cfg Config) anthropic.Client {
	return anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
}

// SetBaseURL はベースURLを設定（テスト用）
func (p *ClaudeProvider) SetBaseURL(url string) {
	p.cfg.BaseURL = url
	p.client = newClient(p.cfg)
}

// SetOverflowClassifier は超過判定を差し替える
func (p *ClaudeProvider) SetOverflowClassifier(c llm.OverflowClassifier) {
	if c != nil {
		p.classifier = c
	}
}

// Name はプロバイダー名を返す
func (p *ClaudeProvider) Name() string {
	return fmt.Sprintf("claude-%s", p.cfg.Model)
}

// Capabilities はネイティブのツール呼び出しと画像入力に対応
func (p *ClaudeProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{NativeTools: true, Vision: true}
}

// Chat はMessages APIを呼び出す
func (p *ClaudeProvider) Chat(ctx context.Context, history []llm.Message, tools []llm.ToolSpec) (llm.ChatResponse, error) {
	system, messages := convertMessages(history)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: int64(p.cfg.MaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return llm.ChatResponse{}, p.classify(err)
	}

	var out llm.ChatResponse
	var text []string
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if t := strings.TrimSpace(variant.Text); t != "" {
				text = append(text, t)
			}
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if len(variant.Input) > 0 {
				_ = json.Unmarshal(variant.Input, &args)
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}
	out.Content = strings.Join(text, "\n")

	logger.DebugCF("claude", "Messages response",
		map[string]interface{}{
			"model":         p.cfg.Model,
			"stop_reason":   string(msg.StopReason),
			"input_tokens":  msg.Usage.InputTokens,
			"output_tokens": msg.Usage.OutputTokens,
			"tool_calls":    len(out.ToolCalls),
		})
	return out, nil
}

// classify はSDKのエラーを分類する
func (p *ClaudeProvider) classify(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return llm.NewProviderError(p.Name(), llm.ClassTransport, err)
	}
	switch {
	case apiErr.StatusCode == http.StatusBadRequest && p.classifier.IsOverflow(err):
		return llm.NewProviderError(p.Name(), llm.ClassOverflow, err)
	case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
		// 529 overloaded を含む
		return llm.NewProviderError(p.Name(), llm.ClassTransport, err)
	default:
		return llm.NewProviderError(p.Name(), llm.ClassFatal, err)
	}
}

func convertTools(tools []llm.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]}
		schema.Required = requiredFields(t.Parameters["required"])
		param := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: schema,
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func requiredFields(v interface{}) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []interface{}:
		out := make([]string, 0, len(r))
		for _, item := range r {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// convertMessages は system を分離し、連続する tool 結果を1つの user メッセージにまとめる
func convertMessages(history []llm.Message) (string, []anthropic.MessageParam) {
	var systemParts []string
	out := make([]anthropic.MessageParam, 0, len(history))
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range history {
		switch msg.Role {
		case llm.RoleSystem:
			if s := strings.TrimSpace(msg.Content); s != "" {
				systemParts = append(systemParts, s)
			}

		case llm.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, strings.HasPrefix(msg.Content, "Error:")))

		case llm.RoleAssistant:
			flush()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		default:
			flush()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Images)+1)
			for _, img := range msg.Images {
				if block, ok := imageBlock(img); ok {
					blocks = append(blocks, block)
				}
			}
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	flush()
	return strings.Join(systemParts, "\n\n"), out
}

// imageBlock は data URI を base64 ブロックに、リモートURLを URL ブロックに変換
func imageBlock(img llm.Image) (anthropic.ContentBlockParamUnion, bool) {
	if rest, ok := strings.CutPrefix(img.URL, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return anthropic.ContentBlockParamUnion{}, false
		}
		if _, err := base64.StdEncoding.DecodeString(data); err != nil {
			return anthropic.ContentBlockParamUnion{}, false
		}
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = strings.TrimSuffix(meta, ";base64")
		}
		return anthropic.NewImageBlockBase64(mediaType, data), true
	}
	if strings.HasPrefix(img.URL, "http://") || strings.HasPrefix(img.URL, "https://") {
		return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img.URL}), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}
