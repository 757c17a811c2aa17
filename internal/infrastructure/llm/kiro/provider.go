package kiro

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	defaultPath        = "kiro-cli"
	defaultReadTimeout = 120 * time.Second
)

// Config はkiroプロバイダーの設定
type Config struct {
	Path  string // 実行ファイル（既定 kiro-cli）
	Agent string // --agent（KIRO_AGENT）
	Model string // --model
	// OneShotStdin はプロンプトを引数ではなく標準入力で渡す
	OneShotStdin bool

	// Daemon は常駐プロセスを使う。失敗時はワンショットに切り替える
	Daemon      bool
	DaemonArgs  []string
	Stream      bool
	ReadTimeout time.Duration
}

// Provider はkiro-cliを子プロセスとして呼び出すプロバイダー
type Provider struct {
	cfg        Config
	classifier llm.OverflowClassifier

	mu      sync.Mutex // デーモンへの同時リクエストは1件
	session *daemonSession

	// テストで差し替える
	spawn   func() (*daemonSession, error)
	oneShot func(ctx context.Context, prompt string) (string, error)
}

// NewProvider は新しいProviderを作成
func NewProvider(cfg Config) *Provider {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	p := &Provider{
		cfg:        cfg,
		classifier: llm.NewKeywordClassifier(),
	}
	p.spawn = p.spawnProcess
	p.oneShot = p.runOneShot
	return p
}

// SetOverflowClassifier は超過判定を差し替える
func (p *Provider) SetOverflowClassifier(c llm.OverflowClassifier) {
	if c != nil {
		p.classifier = c
	}
}

// Name はプロバイダー名を返す
func (p *Provider) Name() string {
	if p.cfg.Model == "" {
		return "kiro"
	}
	return fmt.Sprintf("kiro-%s", p.cfg.Model)
}

// Capabilities はテキストのみ。画像マーカーはそのまま解釈される
func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{RawImageMarkers: true}
}

// Chat は履歴をプロンプトに直列化して kiro-cli に渡す
func (p *Provider) Chat(ctx context.Context, history []llm.Message, _ []llm.ToolSpec) (llm.ChatResponse, error) {
	prompt := llm.BuildPrompt(history)

	if !p.cfg.Daemon {
		content, err := p.oneShot(ctx, prompt)
		if err != nil {
			return llm.ChatResponse{}, p.classifyOneShot(err, content)
		}
		return llm.ChatResponse{Content: content}, nil
	}

	content, err := p.daemonChat(ctx, prompt)
	if err == nil {
		return llm.ChatResponse{Content: content}, nil
	}
	if ctx.Err() != nil {
		return llm.ChatResponse{}, llm.NewProviderError(p.Name(), llm.ClassTransport, ctx.Err())
	}

	var me *modelError
	if errors.As(err, &me) {
		class := llm.ClassFatal
		if p.classifier.IsOverflow(me) {
			class = llm.ClassOverflow
		}
		return llm.ChatResponse{}, llm.NewProviderError(p.Name(), class, me)
	}

	// 通信失敗: 今回はワンショットで処理し、デーモンは次回に再起動
	logger.WarnCF("kiro", "Daemon request failed, falling back to one-shot",
		map[string]interface{}{
			"error": err.Error(),
		})
	content, err = p.oneShot(ctx, prompt)
	if err != nil {
		return llm.ChatResponse{}, p.classifyOneShot(err, content)
	}
	return llm.ChatResponse{Content: content}, nil
}

// Close は常駐プロセスを停止する
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.close()
		p.session = nil
	}
	return nil
}

func (p *Provider) classifyOneShot(err error, output string) error {
	if p.classifier.IsOverflow(err) || (output != "" && p.classifier.IsOverflow(errors.New(output))) {
		return llm.NewProviderError(p.Name(), llm.ClassOverflow, err)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return llm.NewProviderError(p.Name(), llm.ClassFatal, err)
	}
	return llm.NewProviderError(p.Name(), llm.ClassTransport, err)
}

// oneShotArgs は chat --no-interactive [prompt] [--agent a] [--model m]
func (p *Provider) oneShotArgs(prompt string) []string {
	args := []string{"chat", "--no-interactive"}
	if !p.cfg.OneShotStdin {
		args = append(args, prompt)
	}
	if p.cfg.Agent != "" {
		args = append(args, "--agent", p.cfg.Agent)
	}
	if p.cfg.Model != "" {
		args = append(args, "--model", p.cfg.Model)
	}
	return args
}

// runOneShot は kiro-cli を1回起動して標準出力を返す。標準エラーは捨てる
func (p *Provider) runOneShot(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, p.cfg.Path, p.oneShotArgs(prompt)...)
	if p.cfg.OneShotStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	start := time.Now()
	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	logger.DebugCF("kiro", "One-shot invocation",
		map[string]interface{}{
			"elapsed_ms":   time.Since(start).Milliseconds(),
			"output_chars": len(out),
			"stdin":        p.cfg.OneShotStdin,
		})
	if err != nil {
		return out, fmt.Errorf("kiro-cli failed: %w", err)
	}
	return out, nil
}
