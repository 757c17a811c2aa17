package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Log       LogConfig      `yaml:"log"`
	Workspace string         `yaml:"workspace" env:"PICOCLAW_WORKSPACE"`
	Provider  ProviderConfig `yaml:"provider"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	Context   ContextConfig  `yaml:"context"`
	Loop      LoopConfig     `yaml:"loop"`
	Prompt    PromptConfig   `yaml:"prompt"`
	Memory    MemoryConfig   `yaml:"memory"`
	Tools     ToolsConfig    `yaml:"tools"`
	MCP       MCPConfig      `yaml:"mcp"`
	Channels  ChannelsConfig `yaml:"channels"`
}

// ServerConfig は /health・LINE webhook・Webチャットを提供するHTTPサーバー設定
type ServerConfig struct {
	Port int    `yaml:"port" env:"PICOCLAW_SERVER_PORT"`
	Host string `yaml:"host" env:"PICOCLAW_SERVER_HOST"`
}

// Addr は host:port を返す
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string `yaml:"level" env:"PICOCLAW_LOG_LEVEL"`
	Format string `yaml:"format" env:"PICOCLAW_LOG_FORMAT"`
}

// プロバイダー種別
const (
	ProviderOpenAI = "openai"
	ProviderClaude = "claude"
	ProviderOllama = "ollama"
	ProviderKiro   = "kiro"
)

// ProviderConfig は使用するLLMプロバイダー。kind で1つ選ぶ
type ProviderConfig struct {
	Kind   string       `yaml:"kind" env:"PICOCLAW_PROVIDER"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Claude ClaudeConfig `yaml:"claude"`
	Ollama OllamaConfig `yaml:"ollama"`
	Kiro   KiroConfig   `yaml:"kiro"`
	// OverflowKeywords はコンテキスト超過とみなす追加の語彙
	OverflowKeywords []string `yaml:"overflow_keywords"`
}

// OpenAIConfig はOpenAI互換API設定（DeepSeek等は base_url で指定）
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key" env:"OPENAI_API_KEY"` // 環境変数から読み込み推奨
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url" env:"OPENAI_BASE_URL"`
	Label      string `yaml:"label"`
	Vision     bool   `yaml:"vision"`
	MaxTokens  int    `yaml:"max_tokens"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxRetries int    `yaml:"max_retries"`
}

// ClaudeConfig はClaude API設定
type ClaudeConfig struct {
	APIKey     string `yaml:"api_key" env:"ANTHROPIC_API_KEY"` // 環境変数から読み込み推奨
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	MaxTokens  int    `yaml:"max_tokens"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxRetries int    `yaml:"max_retries"`
}

// OllamaConfig はOllama設定
type OllamaConfig struct {
	BaseURL    string `yaml:"base_url" env:"OLLAMA_BASE_URL"`
	Model      string `yaml:"model"`
	NumPredict int    `yaml:"num_predict"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// RequiredModels は /health で常駐を確認するモデル
	RequiredModels []OllamaModel `yaml:"required_models"`
}

// OllamaModel は常駐必須のモデルとコンテキスト長の許容範囲（0 は無制限）
type OllamaModel struct {
	Name       string `yaml:"name"`
	MinContext int    `yaml:"min_context"`
	MaxContext int    `yaml:"max_context"`
}

// KiroConfig は kiro-cli サブプロセス設定
type KiroConfig struct {
	Path           string   `yaml:"path" env:"KIRO_CLI_PATH"`
	Agent          string   `yaml:"agent" env:"KIRO_AGENT"`
	Model          string   `yaml:"model"`
	OneShotStdin   bool     `yaml:"oneshot_stdin"`
	Daemon         bool     `yaml:"daemon"`
	DaemonArgs     []string `yaml:"daemon_args"`
	Stream         bool     `yaml:"stream"`
	ReadTimeoutSec int      `yaml:"read_timeout_sec"`
}

// DispatchConfig は同時実行と時間制限
type DispatchConfig struct {
	PerChannel     int `yaml:"per_channel" env:"PICOCLAW_DISPATCH_PER_CHANNEL"`
	GlobalFloor    int `yaml:"global_floor"`
	GlobalCeiling  int `yaml:"global_ceiling"`
	TimeoutSec     int `yaml:"timeout_sec" env:"PICOCLAW_DISPATCH_TIMEOUT_SEC"`
	SendTimeoutSec int `yaml:"send_timeout_sec"`
}

// ContextConfig は履歴・圧縮・記憶注入の上限
type ContextConfig struct {
	HistoryCap          int `yaml:"history_cap"`
	CompactKeep         int `yaml:"compact_keep"`
	CompactMaxChars     int `yaml:"compact_max_chars"`
	MemoryMaxEntries    int `yaml:"memory_max_entries"`
	MemoryEntryMaxChars int `yaml:"memory_entry_max_chars"`
	MemoryTotalMaxChars int `yaml:"memory_total_max_chars"`
}

// LoopConfig はツール呼び出しループ設定
type LoopConfig struct {
	MaxIterations      int `yaml:"max_iterations" env:"PICOCLAW_LOOP_MAX_ITERATIONS"`
	MaxImageBytes      int `yaml:"max_image_bytes"`
	ToolOutputMaxChars int `yaml:"tool_output_max_chars"`
}

// PromptConfig はシステムプロンプト
type PromptConfig struct {
	System         string `yaml:"system"`
	SystemFile     string `yaml:"system_file"`
	SystemMaxChars int    `yaml:"system_max_chars"`
}

// MemoryConfig はMarkdown記憶ストア設定
type MemoryConfig struct {
	Enabled    bool   `yaml:"enabled" env:"PICOCLAW_MEMORY_ENABLED"`
	RecentDays int    `yaml:"recent_days"`
	Timezone   string `yaml:"timezone"`
}

// ToolsConfig はビルトインツール設定
type ToolsConfig struct {
	Shell           bool `yaml:"shell" env:"PICOCLAW_TOOLS_SHELL"`
	ShellTimeoutSec int  `yaml:"shell_timeout_sec"`
}

// MCPConfig はMCPサーバー一覧
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig はMCPサーバー1件
type MCPServerConfig struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// ChannelsConfig は各チャネルの設定
type ChannelsConfig struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	Lark      LarkConfig      `yaml:"lark" envPrefix:"PICOCLAW_CHANNELS_LARK_"`
	Feishu    LarkConfig      `yaml:"feishu" envPrefix:"PICOCLAW_CHANNELS_FEISHU_"`
	DingTalk  DingTalkConfig  `yaml:"dingtalk"`
	QQ        QQConfig        `yaml:"qq"`
	LINE      LINEConfig      `yaml:"line"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	CLI       CLIConfig       `yaml:"cli"`
	Cron      CronConfig      `yaml:"cron"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled" env:"PICOCLAW_CHANNELS_TELEGRAM_ENABLED"`
	Token     string   `yaml:"token" env:"PICOCLAW_CHANNELS_TELEGRAM_TOKEN"`
	AllowFrom []string `yaml:"allow_from" env:"PICOCLAW_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool     `yaml:"enabled" env:"PICOCLAW_CHANNELS_DISCORD_ENABLED"`
	Token     string   `yaml:"token" env:"PICOCLAW_CHANNELS_DISCORD_TOKEN"`
	AllowFrom []string `yaml:"allow_from" env:"PICOCLAW_CHANNELS_DISCORD_ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool     `yaml:"enabled" env:"PICOCLAW_CHANNELS_SLACK_ENABLED"`
	BotToken  string   `yaml:"bot_token" env:"PICOCLAW_CHANNELS_SLACK_BOT_TOKEN"`
	AppToken  string   `yaml:"app_token" env:"PICOCLAW_CHANNELS_SLACK_APP_TOKEN"`
	AllowFrom []string `yaml:"allow_from" env:"PICOCLAW_CHANNELS_SLACK_ALLOW_FROM"`
}

// LarkConfig は Lark / Feishu 共通（長時間接続モード）
type LarkConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	AppID     string   `yaml:"app_id" env:"APP_ID"`
	AppSecret string   `yaml:"app_secret" env:"APP_SECRET"`
	AllowFrom []string `yaml:"allow_from" env:"ALLOW_FROM"`
}

type DingTalkConfig struct {
	Enabled      bool     `yaml:"enabled" env:"PICOCLAW_CHANNELS_DINGTALK_ENABLED"`
	ClientID     string   `yaml:"client_id" env:"PICOCLAW_CHANNELS_DINGTALK_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"PICOCLAW_CHANNELS_DINGTALK_CLIENT_SECRET"`
	AllowFrom    []string `yaml:"allow_from" env:"PICOCLAW_CHANNELS_DINGTALK_ALLOW_FROM"`
}

type QQConfig struct {
	Enabled   bool     `yaml:"enabled" env:"PICOCLAW_CHANNELS_QQ_ENABLED"`
	AppID     string   `yaml:"app_id" env:"PICOCLAW_CHANNELS_QQ_APP_ID"`
	AppSecret string   `yaml:"app_secret" env:"PICOCLAW_CHANNELS_QQ_APP_SECRET"`
	Sandbox   bool     `yaml:"sandbox"`
	AllowFrom []string `yaml:"allow_from" env:"PICOCLAW_CHANNELS_QQ_ALLOW_FROM"`
}

type LINEConfig struct {
	Enabled            bool     `yaml:"enabled" env:"PICOCLAW_CHANNELS_LINE_ENABLED"`
	ChannelSecret      string   `yaml:"channel_secret" env:"PICOCLAW_CHANNELS_LINE_CHANNEL_SECRET"`
	ChannelAccessToken string   `yaml:"channel_access_token" env:"PICOCLAW_CHANNELS_LINE_CHANNEL_ACCESS_TOKEN"`
	WebhookPath        string   `yaml:"webhook_path"`
	BotUserID          string   `yaml:"bot_user_id"`
	AllowFrom          []string `yaml:"allow_from" env:"PICOCLAW_CHANNELS_LINE_ALLOW_FROM"`
}

// WebSocketConfig はWebチャット（ブラウザ）用
type WebSocketConfig struct {
	Enabled        bool     `yaml:"enabled" env:"PICOCLAW_CHANNELS_WEBSOCKET_ENABLED"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CLIConfig struct {
	Enabled bool   `yaml:"enabled" env:"PICOCLAW_CHANNELS_CLI_ENABLED"`
	Prompt  string `yaml:"prompt"`
	User    string `yaml:"user"`
}

// CronConfig は定期実行するプロンプト
type CronConfig struct {
	Enabled bool      `yaml:"enabled" env:"PICOCLAW_CHANNELS_CRON_ENABLED"`
	Jobs    []CronJob `yaml:"jobs"`
}

// CronJob は cron 式と、その時刻に投げるプロンプト
// deliver_to を指定すると応答を別チャネルへ転送する（例: telegram:12345）
type CronJob struct {
	Name      string `yaml:"name"`
	Schedule  string `yaml:"schedule"`
	Prompt    string `yaml:"prompt"`
	DeliverTo string `yaml:"deliver_to"`
}

// LoadConfig は設定ファイルを読み込む
func LoadConfig(path string) (*Config, error) {
	// ファイル読み込み
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// YAMLパース
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// 環境変数で上書き（API キー等はファイルに平文保存しない）
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	// デフォルト値設定
	cfg.setDefaults()

	if cfg.Prompt.System == "" && cfg.Prompt.SystemFile != "" {
		b, err := os.ReadFile(cfg.resolve(cfg.Prompt.SystemFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read system prompt: %w", err)
		}
		cfg.Prompt.System = string(b)
	}

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults はデフォルト値を設定
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 18790
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Workspace == "" {
		c.Workspace = "~/.picoclaw/workspace"
	}
	c.Workspace = expandHome(c.Workspace)

	c.Provider.Kind = strings.ToLower(strings.TrimSpace(c.Provider.Kind))
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderOllama
	}
	if c.Provider.OpenAI.Model == "" {
		c.Provider.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Provider.Claude.Model == "" {
		c.Provider.Claude.Model = "claude-sonnet-4-20250514"
	}
	if c.Provider.Ollama.BaseURL == "" {
		c.Provider.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.Provider.Ollama.Model == "" {
		c.Provider.Ollama.Model = "chat-v1"
	}
	if c.Provider.Kiro.Path == "" {
		c.Provider.Kiro.Path = "kiro-cli"
	}

	if c.Memory.RecentDays == 0 {
		c.Memory.RecentDays = 7
	}
	if c.Memory.Timezone == "" {
		c.Memory.Timezone = "Asia/Tokyo"
	}

	if c.Channels.LINE.WebhookPath == "" {
		c.Channels.LINE.WebhookPath = "/webhook/line"
	}
	if c.Channels.WebSocket.Path == "" {
		c.Channels.WebSocket.Path = "/ws"
	}
	if c.Channels.CLI.Prompt == "" {
		c.Channels.CLI.Prompt = "> "
	}
	if c.Channels.CLI.User == "" {
		c.Channels.CLI.User = "local"
	}
}

// Validate は設定の妥当性を検証
func (c *Config) Validate() error {
	// サーバー設定検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}

	switch c.Provider.Kind {
	case ProviderOpenAI:
		if c.Provider.OpenAI.APIKey == "" {
			return fmt.Errorf("openai api_key is required (set OPENAI_API_KEY)")
		}
	case ProviderClaude:
		if c.Provider.Claude.APIKey == "" {
			return fmt.Errorf("claude api_key is required (set ANTHROPIC_API_KEY)")
		}
	case ProviderOllama:
		if c.Provider.Ollama.BaseURL == "" {
			return fmt.Errorf("ollama base_url is required")
		}
		for i, m := range c.Provider.Ollama.RequiredModels {
			if m.Name == "" {
				return fmt.Errorf("ollama required_models[%d]: name is required", i)
			}
			if m.MaxContext > 0 && m.MinContext > m.MaxContext {
				return fmt.Errorf("ollama required_models[%d]: min_context exceeds max_context", i)
			}
		}
	case ProviderKiro:
		if c.Provider.Kiro.Daemon && len(c.Provider.Kiro.DaemonArgs) == 0 {
			return fmt.Errorf("kiro daemon_args is required when daemon is enabled")
		}
	default:
		return fmt.Errorf("unknown provider kind: %q", c.Provider.Kind)
	}

	if c.Dispatch.PerChannel < 0 || c.Dispatch.GlobalFloor < 0 || c.Dispatch.GlobalCeiling < 0 {
		return fmt.Errorf("dispatch limits must not be negative")
	}
	if c.Dispatch.GlobalFloor > 0 && c.Dispatch.GlobalCeiling > 0 && c.Dispatch.GlobalCeiling < c.Dispatch.GlobalFloor {
		return fmt.Errorf("dispatch global_ceiling (%d) is below global_floor (%d)", c.Dispatch.GlobalCeiling, c.Dispatch.GlobalFloor)
	}

	seen := map[string]bool{}
	for _, s := range c.MCP.Servers {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("mcp server requires name and url")
		}
		if strings.Contains(s.Name, "__") {
			return fmt.Errorf("mcp server name %q must not contain '__'", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate mcp server: %s", s.Name)
		}
		seen[s.Name] = true
	}

	ch := c.Channels
	if ch.Telegram.Enabled && ch.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	if ch.Discord.Enabled && ch.Discord.Token == "" {
		return fmt.Errorf("discord token is required")
	}
	if ch.Slack.Enabled && (ch.Slack.BotToken == "" || ch.Slack.AppToken == "") {
		return fmt.Errorf("slack bot_token and app_token are required")
	}
	if ch.Lark.Enabled && (ch.Lark.AppID == "" || ch.Lark.AppSecret == "") {
		return fmt.Errorf("lark app_id and app_secret are required")
	}
	if ch.Feishu.Enabled && (ch.Feishu.AppID == "" || ch.Feishu.AppSecret == "") {
		return fmt.Errorf("feishu app_id and app_secret are required")
	}
	if ch.DingTalk.Enabled && (ch.DingTalk.ClientID == "" || ch.DingTalk.ClientSecret == "") {
		return fmt.Errorf("dingtalk client_id and client_secret are required")
	}
	if ch.QQ.Enabled && (ch.QQ.AppID == "" || ch.QQ.AppSecret == "") {
		return fmt.Errorf("qq app_id and app_secret are required")
	}
	if ch.LINE.Enabled && (ch.LINE.ChannelSecret == "" || ch.LINE.ChannelAccessToken == "") {
		return fmt.Errorf("line channel_secret and channel_access_token are required")
	}
	if ch.Cron.Enabled {
		for _, job := range ch.Cron.Jobs {
			if job.Name == "" || job.Schedule == "" || job.Prompt == "" {
				return fmt.Errorf("cron job requires name, schedule and prompt")
			}
		}
	}

	return nil
}

// Location はメモリの日付計算に使うタイムゾーン。読めなければUTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Memory.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Seconds は秒数の設定値を Duration に変換する
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *Config) resolve(path string) string {
	path = expandHome(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Workspace, path)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
