package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	defaultBaseURL = "https://api.openai.com/v1/"
	defaultTimeout = 120 * time.Second
)

// Config はOpenAI互換プロバイダーの設定
// DeepSeek など互換APIは BaseURL を差し替えて使う
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Vision     bool
	MaxTokens  int
	Timeout    time.Duration
	MaxRetries int
	// Label は Name() の接頭辞（既定 "openai"）
	Label string
}

// OpenAIProvider はOpenAI APIプロバイダーの実装
type OpenAIProvider struct {
	cfg        Config
	client     openai.Client
	classifier llm.OverflowClassifier
}

// NewOpenAIProvider は新しいOpenAIProviderを作成
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Label == "" {
		cfg.Label = "openai"
	}
	p := &OpenAIProvider{
		cfg:        cfg,
		classifier: llm.NewKeywordClassifier(),
	}
	p.client = newClient(cfg)
	return p
}

func newClient(cfg Config) openai.Client {
	return openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	)
}

// SetBaseURL はベースURLを設定（テスト用）
func (p *OpenAIProvider) SetBaseURL(url string) {
	p.cfg.BaseURL = url
	p.client = newClient(p.cfg)
}

// SetOverflowClassifier は超過判定を差し替える
func (p *OpenAIProvider) SetOverflowClassifier(c llm.OverflowClassifier) {
	if c != nil {
		p.classifier = c
	}
}

// Name はプロバイダー名を返す
func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("%s-%s", p.cfg.Label, p.cfg.Model)
}

// Capabilities はネイティブのツール呼び出しに対応。画像は設定次第
func (p *OpenAIProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{NativeTools: true, Vision: p.cfg.Vision}
}

// Chat はチャット補完を実行
func (p *OpenAIProvider) Chat(ctx context.Context, history []llm.Message, tools []llm.ToolSpec) (llm.ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.cfg.Model),
		Messages: convertMessages(history),
	}
	if p.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.cfg.MaxTokens))
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.ChatResponse{}, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, llm.NewProviderError(p.Name(), llm.ClassFatal, errors.New("empty choices"))
	}

	choice := resp.Choices[0]
	out := llm.ChatResponse{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				logger.WarnCF("openai", "Tool call arguments are not valid JSON",
					map[string]interface{}{
						"tool":  tc.Function.Name,
						"error": err.Error(),
					})
			}
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	logger.DebugCF("openai", "Chat completion",
		map[string]interface{}{
			"model":         p.cfg.Model,
			"finish_reason": choice.FinishReason,
			"total_tokens":  resp.Usage.TotalTokens,
			"tool_calls":    len(out.ToolCalls),
		})
	return out, nil
}

// classify はSDKのエラーを分類する
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		// HTTP応答が得られていない（接続失敗・タイムアウト）
		return llm.NewProviderError(p.Name(), llm.ClassTransport, err)
	}
	switch {
	case apiErr.Code == "context_length_exceeded" || p.classifier.IsOverflow(err):
		return llm.NewProviderError(p.Name(), llm.ClassOverflow, err)
	case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
		return llm.NewProviderError(p.Name(), llm.ClassTransport, err)
	default:
		return llm.NewProviderError(p.Name(), llm.ClassFatal, err)
	}
}

// convertTools はツール定義を function tool に変換
func convertTools(tools []llm.ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
		}
		if len(t.Parameters) > 0 {
			fn.Parameters = shared.FunctionParameters(t.Parameters)
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

// convertMessages はドメインメッセージをOpenAI APIフォーマットに変換
func convertMessages(history []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))

		case llm.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(args),
						},
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case llm.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))

		default:
			if len(msg.Images) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Images)+1)
			if msg.Content != "" {
				parts = append(parts, openai.TextContentPart(msg.Content))
			}
			for _, img := range msg.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: img.URL}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}
	return out
}
