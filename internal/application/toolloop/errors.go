package toolloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
)

var (
	// ErrCancelled は所有チケットが取り消された。ユーザーには何も返さない
	ErrCancelled = errors.New("run cancelled")
	// ErrTimeout は実行全体の制限時間を超えた
	ErrTimeout = errors.New("run timed out")
	// ErrContextOverflow はプロンプトがコンテキストウィンドウを超えた
	ErrContextOverflow = errors.New("context window overflow")
	// ErrIterationCapReached はツール呼び出しが上限回数内に終わらなかった
	ErrIterationCapReached = errors.New("tool iteration cap reached")
	// ErrProviderTransport はプロバイダーとの通信に失敗した
	ErrProviderTransport = errors.New("provider transport failure")
	// ErrProviderFatal はそれ以外のプロバイダーエラー
	ErrProviderFatal = errors.New("provider failure")
)

// ユーザーへ返す固定文言。内部パスやトークンを含めない
const (
	msgTimeout      = "Sorry, this took too long and was stopped. Please try again."
	msgIterationCap = "Sorry, I couldn't finish this request within the allowed number of steps."
	msgTransport    = "Sorry, the language model is unreachable right now. Please try again shortly."
	msgOverflow     = "context window exceeded, history compacted"
	msgGeneric      = "Sorry, something went wrong while processing your message."
)

// UserMessage はエラーをユーザー向けの文言に変換する
// 取消は空文字（何も送らない）
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled):
		return ""
	case errors.Is(err, ErrTimeout):
		return msgTimeout
	case errors.Is(err, ErrIterationCapReached):
		return msgIterationCap
	case errors.Is(err, ErrContextOverflow):
		return msgOverflow
	case errors.Is(err, ErrProviderTransport):
		return msgTransport
	default:
		return msgGeneric
	}
}

// IsSilent は出力を一切伴わない失敗かを判定
func IsSilent(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// contextError は ctx の終了理由を分類する
func contextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return ErrCancelled
	}
}

// classifyProviderError はプロバイダーエラーをループのエラー分類に写像する
func classifyProviderError(err error) error {
	switch llm.ClassOf(err) {
	case llm.ClassOverflow:
		return fmt.Errorf("%w: %w", ErrContextOverflow, err)
	case llm.ClassTransport:
		return fmt.Errorf("%w: %w", ErrProviderTransport, err)
	default:
		return fmt.Errorf("%w: %w", ErrProviderFatal, err)
	}
}
