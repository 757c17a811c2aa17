package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Nyukimin/picoclaw_dispatch/internal/application/contextmgr"
	"github.com/Nyukimin/picoclaw_dispatch/internal/application/toolloop"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/conversation"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/memory"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

// DefaultSystemMaxChars はシステムプロンプトの既定上限（文字数）
const DefaultSystemMaxChars = 12000

// ProcessMessageRequest はメッセージ処理リクエスト
type ProcessMessageRequest struct {
	Message channel.Message
}

// ProcessMessageResponse はメッセージ処理レスポンス
type ProcessMessageResponse struct {
	Response string
	// Persist が false の応答は送信のみ行い、履歴には残さない
	Persist    bool
	Compacted  bool
	Iterations int
	ToolCalls  int
}

// ContextManager は会話履歴へのアクセス
type ContextManager interface {
	Snapshot(key conversation.Key) []llm.Message
	IsFirstTurn(key conversation.Key) bool
	InjectMemory(key conversation.Key, history []llm.Message, entries []memory.Entry) []llm.Message
	Compact(key conversation.Key) string
}

// Runner はツール呼び出しループ
type Runner interface {
	Run(ctx context.Context, history []llm.Message) (toolloop.Result, error)
}

// Config はプロンプト組み立ての設定
type Config struct {
	SystemPrompt   string
	SystemMaxChars int
}

// MessageOrchestrator は1チケット分の応答生成を統括
type MessageOrchestrator struct {
	contexts ContextManager
	runner   Runner
	memory   memory.Store // nil 可
	cfg      Config
}

// NewMessageOrchestrator は新しいMessageOrchestratorを作成
func NewMessageOrchestrator(contexts ContextManager, runner Runner, mem memory.Store, cfg Config) *MessageOrchestrator {
	if cfg.SystemMaxChars <= 0 {
		cfg.SystemMaxChars = DefaultSystemMaxChars
	}
	return &MessageOrchestrator{
		contexts: contexts,
		runner:   runner,
		memory:   mem,
		cfg:      cfg,
	}
}

// ProcessMessage はメッセージを処理
// 呼び出し側は事前にユーザーメッセージを履歴へ追加しておくこと
func (o *MessageOrchestrator) ProcessMessage(ctx context.Context, req ProcessMessageRequest) (ProcessMessageResponse, error) {
	key := req.Message.ConversationKey()

	// 1. 履歴を組み立てて実行
	history := o.assemble(ctx, key, req.Message, true)
	res, err := o.runner.Run(ctx, history)
	if err == nil {
		return ProcessMessageResponse{
			Response:   res.Content,
			Persist:    true,
			Iterations: res.Iterations,
			ToolCalls:  res.ToolCalls,
		}, nil
	}
	if !errors.Is(err, toolloop.ErrContextOverflow) {
		return ProcessMessageResponse{}, fmt.Errorf("tool loop failed: %w", err)
	}

	// 2. コンテキスト超過: 縮約して1回だけ再実行
	notice := o.contexts.Compact(key)
	logger.WarnCF("orchestrator", "Context overflow, retrying with compacted history",
		map[string]interface{}{
			"key":     key.String(),
			"channel": req.Message.Channel,
		})

	history = o.assemble(ctx, key, req.Message, false)
	res, err = o.runner.Run(ctx, history)
	if err == nil {
		return ProcessMessageResponse{
			Response:   res.Content,
			Persist:    true,
			Compacted:  true,
			Iterations: res.Iterations,
			ToolCalls:  res.ToolCalls,
		}, nil
	}
	if errors.Is(err, toolloop.ErrContextOverflow) {
		// 再度超過した場合は通知のみ返す。交互性を崩さないよう履歴には残さない
		logger.WarnCF("orchestrator", "Context overflow persisted after compaction",
			map[string]interface{}{
				"key": key.String(),
			})
		return ProcessMessageResponse{
			Response:  notice,
			Persist:   false,
			Compacted: true,
		}, nil
	}
	return ProcessMessageResponse{}, fmt.Errorf("tool loop failed after compaction: %w", err)
}

// assemble はシステムプロンプト・履歴・記憶を正規化済みのメッセージ列にまとめる
func (o *MessageOrchestrator) assemble(ctx context.Context, key conversation.Key, msg channel.Message, withMemory bool) []llm.Message {
	history := o.contexts.Snapshot(key)

	if withMemory && o.memory != nil && o.contexts.IsFirstTurn(key) {
		entries, err := o.memory.Recall(ctx, key.String(), msg.Content)
		if err != nil {
			logger.WarnCF("orchestrator", "Memory recall failed",
				map[string]interface{}{
					"key":   key.String(),
					"error": err.Error(),
				})
		} else {
			history = o.contexts.InjectMemory(key, history, entries)
		}
	}

	out := make([]llm.Message, 0, len(history)+1)
	if prompt := o.SystemPrompt(msg.Channel); prompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	out = append(out, history...)
	return contextmgr.Normalize(out)
}

// SystemPrompt は設定文言とチャネル別の配信指示を上限内で連結する
// 上限を超える場合は配信指示を優先して残す
func (o *MessageOrchestrator) SystemPrompt(channelName string) string {
	base := strings.TrimSpace(o.cfg.SystemPrompt)
	delivery, ok := channel.DeliveryInstructions(channelName)
	if !ok {
		return contextmgr.Truncate(base, o.cfg.SystemMaxChars)
	}

	delivery = contextmgr.Truncate(delivery, o.cfg.SystemMaxChars)
	remaining := o.cfg.SystemMaxChars - len([]rune(delivery)) - len([]rune("\n\n"))
	if base == "" || remaining <= 0 {
		return delivery
	}
	return contextmgr.Truncate(base, remaining) + "\n\n" + delivery
}
