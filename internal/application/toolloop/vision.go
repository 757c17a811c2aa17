package toolloop

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

// DefaultMaxImageBytes はインライン化する画像1枚の上限
const DefaultMaxImageBytes = 5 * 1024 * 1024

// prepareHistory はプロバイダーの能力に合わせて画像マーカーを変換したコピーを返す
//   - RawImageMarkers: そのまま渡す
//   - Vision: user が書いたメッセージ中の画像のみエンコードする。tool 出力中の画像は
//     送信用の参照なので、EncodeToolImages でない限り文字列のまま残す
//   - どちらでもない: そのまま渡す（マーカーは単なる文字列）
func prepareHistory(history []llm.Message, caps llm.Capabilities, maxBytes int) []llm.Message {
	out := llm.CloneMessages(history)
	if caps.RawImageMarkers || !caps.Vision {
		return out
	}
	for i := range out {
		switch out[i].Role {
		case llm.RoleUser:
			encodeImages(&out[i], maxBytes)
		case llm.RoleTool:
			if caps.EncodeToolImages {
				encodeImages(&out[i], maxBytes)
			}
		}
	}
	return out
}

// encodeImages は [IMAGE:...] マーカーを Images に移し、本文から取り除く
// 読み込めなかった画像のマーカーは本文に残す
func encodeImages(msg *llm.Message, maxBytes int) {
	matches := attachment.Find(msg.Content)
	if len(matches) == 0 {
		return
	}

	var b strings.Builder
	prev := 0
	for _, m := range matches {
		if m.Kind != attachment.KindImage {
			continue
		}
		img, err := toImage(m.Target, maxBytes)
		if err != nil {
			logger.WarnCF("toolloop", "Image left as reference",
				map[string]interface{}{
					"reason": err.Error(),
				})
			continue
		}
		b.WriteString(msg.Content[prev:m.Start])
		prev = m.End
		msg.Images = append(msg.Images, img)
	}
	b.WriteString(msg.Content[prev:])
	msg.Content = strings.TrimSpace(b.String())
}

// toImage はリモートURLはそのまま、ローカルファイルは data URI に変換する
func toImage(target string, maxBytes int) (llm.Image, error) {
	if !attachment.IsLocal(target) {
		return llm.Image{URL: target}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}

	st, err := os.Stat(target)
	if err != nil {
		return llm.Image{}, fmt.Errorf("stat image: %w", err)
	}
	if st.Size() > int64(maxBytes) {
		return llm.Image{}, fmt.Errorf("image too large: %d bytes", st.Size())
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return llm.Image{}, fmt.Errorf("read image: %w", err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(target)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return llm.Image{
		URL:       fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)),
		MediaType: mimeType,
	}, nil
}
