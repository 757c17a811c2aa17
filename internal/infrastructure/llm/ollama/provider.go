package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
)

// OllamaProvider はOllama APIプロバイダーの実装
// ネイティブのツール呼び出しは使わず、テキストプロンプトで会話する
type OllamaProvider struct {
	baseURL    string
	model      string
	numPredict int
	client     *http.Client
	classifier llm.OverflowClassifier
}

// NewOllamaProvider は新しいOllamaProviderを作成
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: 120 * time.Second, // Ollamaは遅い場合があるため長めに設定
		},
		classifier: llm.NewKeywordClassifier(),
	}
}

// SetNumPredict は生成トークン数の上限を設定（0 はモデル既定）
func (p *OllamaProvider) SetNumPredict(n int) {
	p.numPredict = n
}

// Name はプロバイダー名を返す
func (p *OllamaProvider) Name() string {
	return fmt.Sprintf("ollama-%s", p.model)
}

// Capabilities はテキストのみ
func (p *OllamaProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{}
}

// BaseURL はヘルスチェック用に接続先を返す
func (p *OllamaProvider) BaseURL() string {
	return p.baseURL
}

// Model はモデル名を返す
func (p *OllamaProvider) Model() string {
	return p.model
}

// Chat は履歴をプロンプトに直列化して /api/generate を呼ぶ
func (p *OllamaProvider) Chat(ctx context.Context, history []llm.Message, _ []llm.ToolSpec) (llm.ChatResponse, error) {
	ollamaReq := map[string]interface{}{
		"model":  p.model,
		"prompt": llm.BuildPrompt(history) + "\n\nAssistant:",
		"stream": false,
	}
	if p.numPredict > 0 {
		ollamaReq["options"] = map[string]interface{}{
			"num_predict": p.numPredict,
		}
	}

	reqBody, err := json.Marshal(ollamaReq)
	if err != nil {
		return llm.ChatResponse{}, llm.NewProviderError(p.Name(), llm.ClassFatal, fmt.Errorf("failed to marshal request: %w", err))
	}

	// HTTPリクエスト作成
	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return llm.ChatResponse{}, llm.NewProviderError(p.Name(), llm.ClassFatal, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	// リクエスト実行
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return llm.ChatResponse{}, llm.NewProviderError(p.Name(), llm.ClassTransport, fmt.Errorf("failed to execute request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("ollama API error: status=%d, body=%s", resp.StatusCode, string(body))
		return llm.ChatResponse{}, p.classify(resp.StatusCode, apiErr)
	}

	// レスポンスパース
	var ollamaResp struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return llm.ChatResponse{}, llm.NewProviderError(p.Name(), llm.ClassTransport, fmt.Errorf("failed to decode response: %w", err))
	}
	if ollamaResp.Error != "" {
		return llm.ChatResponse{}, p.classify(http.StatusOK, errors.New(ollamaResp.Error))
	}

	return llm.ChatResponse{Content: ollamaResp.Response}, nil
}

func (p *OllamaProvider) classify(status int, err error) error {
	switch {
	case p.classifier.IsOverflow(err):
		return llm.NewProviderError(p.Name(), llm.ClassOverflow, err)
	case status >= 500:
		return llm.NewProviderError(p.Name(), llm.ClassTransport, err)
	default:
		return llm.NewProviderError(p.Name(), llm.ClassFatal, err)
	}
}
