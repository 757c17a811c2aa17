package line

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
)

const (
	linePushAPIEndpoint = "https://api.line.me/v2/bot/message/push"
	lineBotInfoEndpoint = "https://api.line.me/v2/bot/info"

	// LINE の1リクエストあたりの上限
	maxMessagesPerPush = 5
	maxTextChars       = 5000
)

// MessageSender は Messaging API の push で送信する
type MessageSender struct {
	accessToken  string
	pushEndpoint string // テストで差し替え
	infoEndpoint string // テストで差し替え
	httpClient   *http.Client
}

// NewMessageSender は新しいMessageSenderを作成
func NewMessageSender(accessToken string) *MessageSender {
	return &MessageSender{
		accessToken:  accessToken,
		pushEndpoint: linePushAPIEndpoint,
		infoEndpoint: lineBotInfoEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Push は本文を LINE メッセージに変換して送る。5件を超える分は複数リクエストに分ける
func (s *MessageSender) Push(ctx context.Context, to, content string) error {
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	messages := buildMessages(content)
	if len(messages) == 0 {
		return fmt.Errorf("message cannot be empty")
	}

	for start := 0; start < len(messages); start += maxMessagesPerPush {
		end := min(start+maxMessagesPerPush, len(messages))
		payload := map[string]interface{}{
			"to":       to,
			"messages": messages[start:end],
		}
		if err := s.callAPI(ctx, http.MethodPost, s.pushEndpoint, payload); err != nil {
			return err
		}
	}
	return nil
}

// BotInfo はトークンの有効性を確認する
func (s *MessageSender) BotInfo(ctx context.Context) error {
	return s.callAPI(ctx, http.MethodGet, s.infoEndpoint, nil)
}

func (s *MessageSender) callAPI(ctx context.Context, method, endpoint string, payload interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("LINE API error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// buildMessages は本文のマーカーを解釈し、URL の画像は image メッセージに、
// それ以外の添付は本文末尾のリンクにする
func buildMessages(content string) []map[string]interface{} {
	body, atts := attachment.Parse(content)
	var links []string
	var images []map[string]interface{}
	for _, a := range atts {
		if a.Kind == attachment.KindImage && strings.HasPrefix(a.Target, "https://") {
			images = append(images, buildImageMessage(a.Target))
			continue
		}
		links = append(links, a.Target)
	}
	if len(links) > 0 {
		body = strings.TrimSpace(body + "\n" + strings.Join(links, "\n"))
	}

	var out []map[string]interface{}
	for _, chunk := range channel.SplitText(body, maxTextChars) {
		out = append(out, buildTextMessage(chunk))
	}
	return append(out, images...)
}

func buildTextMessage(text string) map[string]interface{} {
	return map[string]interface{}{
		"type": "text",
		"text": text,
	}
}

// buildImageMessage は画像メッセージ。プレビューも同じURLを使う
func buildImageMessage(url string) map[string]interface{} {
	return map[string]interface{}{
		"type":               "image",
		"originalContentUrl": url,
		"previewImageUrl":    url,
	}
}
