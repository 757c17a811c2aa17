package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass はプロバイダーエラーの分類
type ErrorClass string

const (
	ClassTransport ErrorClass = "transport" // 通信断・タイムアウト等、再試行や代替経路の余地がある
	ClassOverflow  ErrorClass = "overflow"  // コンテキストウィンドウ超過
	ClassFatal     ErrorClass = "fatal"     // それ以外
)

// ProviderError は分類済みのプロバイダーエラー
type ProviderError struct {
	Provider string
	Class    ErrorClass
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider %s error: %v", e.Provider, e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError は分類済みエラーを作成
func NewProviderError(provider string, class ErrorClass, err error) *ProviderError {
	return &ProviderError{Provider: provider, Class: class, Err: err}
}

// ClassOf はエラーの分類を返す。未分類のエラーは fatal 扱い
func ClassOf(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassFatal
}

// IsOverflow はコンテキスト超過エラーかを判定
func IsOverflow(err error) bool {
	return err != nil && ClassOf(err) == ClassOverflow
}

// IsTransport は通信系エラーかを判定
func IsTransport(err error) bool {
	return err != nil && ClassOf(err) == ClassTransport
}

// OverflowClassifier はプロバイダー固有のコンテキスト超過判定
type OverflowClassifier interface {
	IsOverflow(err error) bool
}

// DefaultOverflowKeywords は主要プロバイダーが返す超過メッセージの語彙
var DefaultOverflowKeywords = []string{
	"context_length_exceeded",
	"context length",
	"context window",
	"maximum context",
	"prompt is too long",
	"too many tokens",
	"token limit",
	"input is too long",
	"exceeds the model's maximum",
}

// KeywordClassifier はエラーメッセージの語彙一致で超過を判定する
type KeywordClassifier struct {
	Keywords []string
}

// NewKeywordClassifier は既定語彙に追加語彙を加えた分類器を作成
func NewKeywordClassifier(extra ...string) KeywordClassifier {
	kw := make([]string, 0, len(DefaultOverflowKeywords)+len(extra))
	kw = append(kw, DefaultOverflowKeywords...)
	kw = append(kw, extra...)
	return KeywordClassifier{Keywords: kw}
}

func (c KeywordClassifier) IsOverflow(err error) bool {
	if err == nil {
		return false
	}
	return c.MatchText(err.Error())
}

// MatchText はテキストが語彙に一致するかを判定
func (c KeywordClassifier) MatchText(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range c.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
