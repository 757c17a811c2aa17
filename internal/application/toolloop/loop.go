package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

// DefaultMaxIterations はツール呼び出しループの既定上限
const DefaultMaxIterations = 10

// DefaultToolOutputMaxChars はツール出力1件をモデルへ戻す際の上限
const DefaultToolOutputMaxChars = 16000

// State はループの状態
type State string

const (
	StateStart                 State = "start"
	StateAwaitProviderResponse State = "await_provider_response"
	StateExecuteTools          State = "execute_tools"
	StateDone                  State = "done"
	StateCancelled             State = "cancelled"
	StateError                 State = "error"
)

// ToolExecutor はツールの定義と実行を提供する
type ToolExecutor interface {
	Specs() []llm.ToolSpec
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// Options はループの設定
type Options struct {
	MaxIterations      int
	MaxImageBytes      int
	ToolOutputMaxChars int
}

// Result は1回の実行結果。中間メッセージは含まない
type Result struct {
	Content    string
	Iterations int
	ToolCalls  int
	States     []State
}

// Loop はプロバイダー呼び出しとツール実行を繰り返す
type Loop struct {
	provider llm.Provider
	tools    ToolExecutor
	opts     Options
}

// New は新しいLoopを作成。tools は nil 可
func New(provider llm.Provider, tools ToolExecutor, opts Options) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxImageBytes <= 0 {
		opts.MaxImageBytes = DefaultMaxImageBytes
	}
	if opts.ToolOutputMaxChars <= 0 {
		opts.ToolOutputMaxChars = DefaultToolOutputMaxChars
	}
	return &Loop{provider: provider, tools: tools, opts: opts}
}

// Run は正規化済みの履歴を受け取り、最終応答テキストを返す
// history は変更しない
func (l *Loop) Run(ctx context.Context, history []llm.Message) (Result, error) {
	res := Result{States: []State{StateStart}}
	start := time.Now()

	caps := l.provider.Capabilities()
	working := prepareHistory(history, caps, l.opts.MaxImageBytes)

	var specs []llm.ToolSpec
	if l.tools != nil {
		specs = l.tools.Specs()
	}
	var nativeSpecs []llm.ToolSpec
	textProtocol := false
	if len(specs) > 0 {
		if caps.NativeTools {
			nativeSpecs = specs
		} else {
			working = withToolInstructions(working, specs)
			textProtocol = true
		}
	}

	fail := func(err error) (Result, error) {
		if IsSilent(err) {
			res.States = append(res.States, StateCancelled)
		} else {
			res.States = append(res.States, StateError)
		}
		logger.DebugCF("toolloop", "Run aborted",
			map[string]interface{}{
				"provider":   l.provider.Name(),
				"iterations": res.Iterations,
				"error":      err.Error(),
			})
		return res, err
	}

	for res.Iterations < l.opts.MaxIterations {
		if err := contextError(ctx); err != nil {
			return fail(err)
		}
		res.Iterations++
		res.States = append(res.States, StateAwaitProviderResponse)

		logger.DebugCF("toolloop", "Provider request",
			map[string]interface{}{
				"provider":       l.provider.Name(),
				"iteration":      res.Iterations,
				"messages_count": len(working),
				"tools_count":    len(specs),
				"text_protocol":  textProtocol,
			})

		resp, err := l.provider.Chat(ctx, working, nativeSpecs)
		// 取消・タイムアウト後に返ってきた結果は使わない
		if cerr := contextError(ctx); cerr != nil {
			return fail(cerr)
		}
		if err != nil {
			return fail(classifyProviderError(err))
		}

		calls := resp.ToolCalls
		content := resp.Content
		if textProtocol {
			calls, content = parseTextToolCalls(resp.Content)
		}

		if len(calls) == 0 {
			res.Content = content
			res.States = append(res.States, StateDone)
			logger.InfoCF("toolloop", "Provider response without tool calls",
				map[string]interface{}{
					"provider":      l.provider.Name(),
					"iterations":    res.Iterations,
					"tool_calls":    res.ToolCalls,
					"content_chars": len(content),
					"elapsed_ms":    time.Since(start).Milliseconds(),
				})
			return res, nil
		}

		res.States = append(res.States, StateExecuteTools)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", res.Iterations, i+1)
			}
			if calls[i].Arguments == nil {
				calls[i].Arguments = map[string]interface{}{}
			}
		}
		working = append(working, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})

		// 逐次実行（結果の順序を決定的にし、資源使用を抑える）
		for _, tc := range calls {
			if err := contextError(ctx); err != nil {
				return fail(err)
			}
			output := l.executeTool(ctx, tc, res.Iterations)
			res.ToolCalls++
			working = append(working, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
				Name:       tc.Name,
			})
		}
	}

	logger.WarnCF("toolloop", "Iteration cap reached",
		map[string]interface{}{
			"provider":   l.provider.Name(),
			"iterations": res.Iterations,
			"tool_calls": res.ToolCalls,
		})
	return fail(fmt.Errorf("%w after %d iterations", ErrIterationCapReached, res.Iterations))
}

// executeTool はツールを実行し、モデルへ戻す文字列を返す。失敗もここで文字列化する
func (l *Loop) executeTool(ctx context.Context, tc llm.ToolCall, iteration int) string {
	argsJSON, _ := json.Marshal(tc.Arguments)
	logger.InfoCF("toolloop", fmt.Sprintf("Tool call: %s(%s)", tc.Name, truncateForLog(string(argsJSON), 200)),
		map[string]interface{}{
			"tool":      tc.Name,
			"iteration": iteration,
		})

	if l.tools == nil {
		return fmt.Sprintf("Error: unknown tool: %s", tc.Name)
	}
	out, err := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil {
		logger.WarnCF("toolloop", "Tool execution failed",
			map[string]interface{}{
				"tool":  tc.Name,
				"error": err.Error(),
			})
		out = "Error: " + err.Error()
	}
	if len(out) > l.opts.ToolOutputMaxChars {
		out = strings.ToValidUTF8(out[:l.opts.ToolOutputMaxChars], "") + "\n... (truncated)"
	}
	return out
}
