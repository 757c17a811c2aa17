package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignatureHeader は LINE webhook の署名ヘッダー
const SignatureHeader = "X-Line-Signature"

// verifySignature は本文の HMAC-SHA256（base64）と署名を比較する
func verifySignature(body []byte, signature, channelSecret string) bool {
	if signature == "" || channelSecret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// sign はテストとローカル検証用に署名を作る
func sign(body []byte, channelSecret string) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
