package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/cli"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/config"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/cron"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/dingtalk"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/discord"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/gateway"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/lark"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/line"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/qq"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/slack"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/telegram"
	"github.com/Nyukimin/picoclaw_dispatch/internal/adapter/websocket"
	"github.com/Nyukimin/picoclaw_dispatch/internal/application/contextmgr"
	"github.com/Nyukimin/picoclaw_dispatch/internal/application/dispatcher"
	"github.com/Nyukimin/picoclaw_dispatch/internal/application/orchestrator"
	"github.com/Nyukimin/picoclaw_dispatch/internal/application/toolloop"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	domainmemory "github.com/Nyukimin/picoclaw_dispatch/internal/domain/memory"
	"github.com/Nyukimin/picoclaw_dispatch/internal/infrastructure/llm/claude"
	"github.com/Nyukimin/picoclaw_dispatch/internal/infrastructure/llm/kiro"
	"github.com/Nyukimin/picoclaw_dispatch/internal/infrastructure/llm/ollama"
	"github.com/Nyukimin/picoclaw_dispatch/internal/infrastructure/llm/openai"
	"github.com/Nyukimin/picoclaw_dispatch/internal/infrastructure/mcp"
	"github.com/Nyukimin/picoclaw_dispatch/internal/infrastructure/memory"
	"github.com/Nyukimin/picoclaw_dispatch/internal/infrastructure/tools"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/health"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const healthCheckTimeout = 5 * time.Second

// Dependencies はアプリケーション依存関係
type Dependencies struct {
	hub        *gateway.Hub
	dispatcher *dispatcher.Dispatcher
	health     *health.Registry
	mux        *http.ServeMux
	closers    []func() error
}

func (d *Dependencies) close() {
	for _, c := range d.closers {
		if err := c(); err != nil {
			logger.WarnCF("main", "Close failed",
				map[string]interface{}{
					"error": err.Error(),
				})
		}
	}
}

// buildDependencies は依存関係を構築
func buildDependencies(ctx context.Context, cfg *config.Config, stop context.CancelFunc) (*Dependencies, error) {
	deps := &Dependencies{
		health: health.NewRegistry(healthCheckTimeout),
		mux:    http.NewServeMux(),
	}

	// 1. LLM Provider
	provider, err := buildProvider(cfg, deps)
	if err != nil {
		return nil, err
	}

	// 2. Tools（ビルトイン + memory_save + MCP）
	runner := tools.NewToolRunner(tools.Options{
		Workspace:    cfg.Workspace,
		ShellTimeout: config.Seconds(cfg.Tools.ShellTimeoutSec),
		DisableShell: !cfg.Tools.Shell,
	})

	var mem domainmemory.Store
	if cfg.Memory.Enabled {
		store, err := memory.NewMarkdownStore(cfg.Workspace, cfg.Memory.RecentDays, cfg.Location())
		if err != nil {
			return nil, err
		}
		runner.Register(store.SaveTool())
		mem = store
	}

	if len(cfg.MCP.Servers) > 0 {
		bridge := mcp.NewBridge()
		for _, s := range cfg.MCP.Servers {
			if err := bridge.RegisterServer(mcp.ServerConfig{
				Name:    s.Name,
				URL:     s.URL,
				Timeout: config.Seconds(s.TimeoutSec),
			}); err != nil {
				return nil, err
			}
			name := s.Name
			deps.health.Register("mcp:"+name, func(ctx context.Context) (bool, string) {
				if err := bridge.Ping(ctx, name); err != nil {
					return false, err.Error()
				}
				return true, "ok"
			})
		}
		bridge.RegisterTools(ctx, runner)
	}

	// 3. Conversation context / Tool loop / Orchestrator
	contexts := contextmgr.NewManager(contextmgr.Options{
		HistoryCap:          cfg.Context.HistoryCap,
		CompactKeep:         cfg.Context.CompactKeep,
		CompactMaxChars:     cfg.Context.CompactMaxChars,
		MemoryMaxEntries:    cfg.Context.MemoryMaxEntries,
		MemoryEntryMaxChars: cfg.Context.MemoryEntryMaxChars,
		MemoryTotalMaxChars: cfg.Context.MemoryTotalMaxChars,
	})
	loop := toolloop.New(provider, runner, toolloop.Options{
		MaxIterations:      cfg.Loop.MaxIterations,
		MaxImageBytes:      cfg.Loop.MaxImageBytes,
		ToolOutputMaxChars: cfg.Loop.ToolOutputMaxChars,
	})
	orch := orchestrator.NewMessageOrchestrator(contexts, loop, mem, orchestrator.Config{
		SystemPrompt:   cfg.Prompt.System,
		SystemMaxChars: cfg.Prompt.SystemMaxChars,
	})

	// 4. Channels
	deps.hub = gateway.NewHub(0)
	if err := registerChannels(cfg, deps, stop); err != nil {
		return nil, err
	}
	deps.hub.RegisterHealth(deps.health)

	// 5. Dispatcher
	deps.dispatcher = dispatcher.New(dispatcher.Config{
		PerChannel:    cfg.Dispatch.PerChannel,
		GlobalFloor:   cfg.Dispatch.GlobalFloor,
		GlobalCeiling: cfg.Dispatch.GlobalCeiling,
		Timeout:       config.Seconds(cfg.Dispatch.TimeoutSec),
		SendTimeout:   config.Seconds(cfg.Dispatch.SendTimeoutSec),
	}, contexts, orch, deps.hub)
	deps.health.RegisterInfo("dispatcher", func() interface{} {
		return deps.dispatcher.Stats()
	})
	deps.health.RegisterInfo("conversations", func() interface{} {
		return contexts.Len()
	})

	deps.mux.Handle("/health", deps.health.Handler())

	logger.InfoCF("main", "Dependency injection complete",
		map[string]interface{}{
			"provider": provider.Name(),
			"tools":    len(runner.Specs()),
		})
	return deps, nil
}

type classifierSetter interface {
	SetOverflowClassifier(c llm.OverflowClassifier)
}

// buildProvider は provider.kind に応じて1つのプロバイダーを作る
func buildProvider(cfg *config.Config, deps *Dependencies) (llm.Provider, error) {
	p := cfg.Provider
	var provider llm.Provider

	switch p.Kind {
	case config.ProviderOpenAI:
		provider = openai.NewOpenAIProvider(openai.Config{
			APIKey:     p.OpenAI.APIKey,
			Model:      p.OpenAI.Model,
			BaseURL:    p.OpenAI.BaseURL,
			Label:      p.OpenAI.Label,
			Vision:     p.OpenAI.Vision,
			MaxTokens:  p.OpenAI.MaxTokens,
			Timeout:    config.Seconds(p.OpenAI.TimeoutSec),
			MaxRetries: p.OpenAI.MaxRetries,
		})
	case config.ProviderClaude:
		provider = claude.NewClaudeProvider(claude.Config{
			APIKey:     p.Claude.APIKey,
			Model:      p.Claude.Model,
			BaseURL:    p.Claude.BaseURL,
			MaxTokens:  p.Claude.MaxTokens,
			Timeout:    config.Seconds(p.Claude.TimeoutSec),
			MaxRetries: p.Claude.MaxRetries,
		})
	case config.ProviderOllama:
		o := ollama.NewOllamaProvider(p.Ollama.BaseURL, p.Ollama.Model)
		o.SetNumPredict(p.Ollama.NumPredict)
		deps.health.Register("provider:ollama", health.OllamaCheck(p.Ollama.BaseURL, healthCheckTimeout))
		if len(p.Ollama.RequiredModels) > 0 {
			reqs := make([]health.ModelRequirement, 0, len(p.Ollama.RequiredModels))
			for _, m := range p.Ollama.RequiredModels {
				reqs = append(reqs, health.ModelRequirement{Name: m.Name, MinContext: m.MinContext, MaxContext: m.MaxContext})
			}
			deps.health.Register("provider:ollama:models", health.OllamaModelsCheck(p.Ollama.BaseURL, healthCheckTimeout, reqs))
		}
		provider = o
	case config.ProviderKiro:
		k := kiro.NewProvider(kiro.Config{
			Path:         p.Kiro.Path,
			Agent:        p.Kiro.Agent,
			Model:        p.Kiro.Model,
			OneShotStdin: p.Kiro.OneShotStdin,
			Daemon:       p.Kiro.Daemon,
			DaemonArgs:   p.Kiro.DaemonArgs,
			Stream:       p.Kiro.Stream,
			ReadTimeout:  config.Seconds(p.Kiro.ReadTimeoutSec),
		})
		deps.closers = append(deps.closers, k.Close)
		provider = k
	default:
		return nil, fmt.Errorf("unknown provider kind: %q", p.Kind)
	}

	if len(p.OverflowKeywords) > 0 {
		if s, ok := provider.(classifierSetter); ok {
			s.SetOverflowClassifier(llm.NewKeywordClassifier(p.OverflowKeywords...))
		}
	}
	return provider, nil
}

// registerChannels は有効なチャネルをハブに登録し、HTTP で受けるものはマウントする
func registerChannels(cfg *config.Config, deps *Dependencies, stop context.CancelFunc) error {
	ch := cfg.Channels
	var adapters []channel.Adapter

	if ch.Telegram.Enabled {
		a, err := telegram.NewAdapter(telegram.Config{Token: ch.Telegram.Token, AllowFrom: ch.Telegram.AllowFrom})
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
	}
	if ch.Discord.Enabled {
		adapters = append(adapters, discord.NewAdapter(discord.Config{Token: ch.Discord.Token, AllowFrom: ch.Discord.AllowFrom}))
	}
	if ch.Slack.Enabled {
		adapters = append(adapters, slack.NewAdapter(slack.Config{
			BotToken:  ch.Slack.BotToken,
			AppToken:  ch.Slack.AppToken,
			AllowFrom: ch.Slack.AllowFrom,
		}))
	}
	for _, lc := range []struct {
		name string
		cfg  config.LarkConfig
	}{{"lark", ch.Lark}, {"feishu", ch.Feishu}} {
		if lc.cfg.Enabled {
			adapters = append(adapters, lark.NewAdapter(lark.Config{
				Name:      lc.name,
				AppID:     lc.cfg.AppID,
				AppSecret: lc.cfg.AppSecret,
				AllowFrom: lc.cfg.AllowFrom,
			}))
		}
	}
	if ch.DingTalk.Enabled {
		adapters = append(adapters, dingtalk.NewAdapter(dingtalk.Config{
			ClientID:     ch.DingTalk.ClientID,
			ClientSecret: ch.DingTalk.ClientSecret,
			AllowFrom:    ch.DingTalk.AllowFrom,
		}))
	}
	if ch.QQ.Enabled {
		adapters = append(adapters, qq.NewAdapter(qq.Config{
			AppID:     ch.QQ.AppID,
			AppSecret: ch.QQ.AppSecret,
			Sandbox:   ch.QQ.Sandbox,
			AllowFrom: ch.QQ.AllowFrom,
		}))
	}
	if ch.LINE.Enabled {
		a := line.NewAdapter(line.Config{
			ChannelSecret:      ch.LINE.ChannelSecret,
			ChannelAccessToken: ch.LINE.ChannelAccessToken,
			BotUserID:          ch.LINE.BotUserID,
			AllowFrom:          ch.LINE.AllowFrom,
			MediaDir:           filepath.Join(cfg.Workspace, "media", "line"),
		})
		deps.mux.Handle(ch.LINE.WebhookPath, a)
		adapters = append(adapters, a)
	}
	if ch.WebSocket.Enabled {
		a := websocket.NewAdapter(websocket.Config{AllowedOrigins: ch.WebSocket.AllowedOrigins})
		deps.mux.Handle(ch.WebSocket.Path, a)
		deps.health.RegisterInfo("websocket_clients", func() interface{} {
			return a.Clients()
		})
		adapters = append(adapters, a)
	}
	if ch.CLI.Enabled {
		adapters = append(adapters, cli.NewAdapter(cli.Config{
			Prompt:      ch.CLI.Prompt,
			User:        ch.CLI.User,
			HistoryFile: filepath.Join(cfg.Workspace, ".cli_history"),
			OnExit:      stop,
		}))
	}
	if ch.Cron.Enabled {
		jobs := make([]cron.Job, 0, len(ch.Cron.Jobs))
		for _, j := range ch.Cron.Jobs {
			jobs = append(jobs, cron.Job{Name: j.Name, Schedule: j.Schedule, Prompt: j.Prompt, DeliverTo: j.DeliverTo})
		}
		a, err := cron.NewAdapter(jobs)
		if err != nil {
			return err
		}
		a.SetForwarder(deps.hub)
		adapters = append(adapters, a)
	}

	for _, a := range adapters {
		if err := deps.hub.Register(a); err != nil {
			return err
		}
	}
	if len(adapters) == 0 {
		logger.WarnC("main", "No channel is enabled; only /health will be served")
	}
	return nil
}
