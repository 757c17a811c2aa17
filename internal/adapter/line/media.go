package line

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	lineContentEndpoint = "https://api-data.line.me/v2/bot/message/%s/content"
	maxMediaBytes       = 10 << 20
)

// MediaDownloader は LINE に送られた画像などを取得する
type MediaDownloader struct {
	accessToken     string
	contentEndpoint string // テストで差し替え
	httpClient      *http.Client
}

// NewMediaDownloader は新しいMediaDownloaderを作成
func NewMediaDownloader(accessToken string) *MediaDownloader {
	return &MediaDownloader{
		accessToken:     accessToken,
		contentEndpoint: lineContentEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// DownloadContent はメッセージIDのコンテンツを取得する
func (d *MediaDownloader) DownloadContent(ctx context.Context, messageID string) ([]byte, string, error) {
	if messageID == "" {
		return nil, "", fmt.Errorf("messageID cannot be empty")
	}

	endpoint := fmt.Sprintf(d.contentEndpoint, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.accessToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("LINE API error (status %d)", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// SaveTo は取得したコンテンツを dir に保存し、そのパスを返す
func (d *MediaDownloader) SaveTo(ctx context.Context, dir, messageID string) (string, error) {
	data, contentType, err := d.DownloadContent(ctx, messageID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(dir, messageID+extensionFor(contentType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return path, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// isBotMention はグループ・ルームでボットがメンションされたか。1対1は常に true
func isBotMention(sourceType string, mentionees []Mentionee, botUserID string) bool {
	if sourceType == "user" {
		return true
	}
	if botUserID == "" {
		return false
	}
	for _, mention := range mentionees {
		if mention.UserID == botUserID {
			return true
		}
	}
	return false
}
