package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

// NameSeparator はサーバー名とツール名の区切り
const NameSeparator = "__"

// ServerConfig はMCPサーバー設定
type ServerConfig struct {
	Name    string        // サーバー名（ツール名の接頭辞）
	URL     string        // ベースURL（/mcp, /health を持つ）
	Timeout time.Duration // リクエストタイムアウト
}

// Validate は設定の妥当性を検証
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// Registrar はツールの登録先（tools.ToolRunner）
type Registrar interface {
	Register(spec llm.ToolSpec, fn func(ctx context.Context, args map[string]interface{}) (string, error))
}

// Bridge は複数のMCPサーバーのツールをローカルのツールとして公開する
type Bridge struct {
	mu      sync.RWMutex
	servers map[string]*Client
}

// NewBridge は新しいBridgeを作成
func NewBridge() *Bridge {
	return &Bridge{
		servers: make(map[string]*Client),
	}
}

// RegisterServer はMCPサーバーを登録
func (b *Bridge) RegisterServer(config ServerConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.servers[config.Name]; exists {
		return fmt.Errorf("server '%s' already registered", config.Name)
	}

	b.servers[config.Name] = NewClient(config.URL, config.Timeout)
	return nil
}

// ListServers は登録されているサーバー名を名前順で返す
func (b *Bridge) ListServers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	servers := make([]string, 0, len(b.servers))
	for name := range b.servers {
		servers = append(servers, name)
	}
	sort.Strings(servers)
	return servers
}

func (b *Bridge) client(serverName string) (*Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.servers[serverName]
	if !ok {
		return nil, fmt.Errorf("server '%s' not registered", serverName)
	}
	return c, nil
}

// CallTool は指定されたサーバーのツールを呼び出し、テキストを返す
func (b *Bridge) CallTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) (string, error) {
	c, err := b.client(serverName)
	if err != nil {
		return "", err
	}
	resp, err := c.CallTool(ctx, toolName, args)
	if err != nil {
		return "", fmt.Errorf("%s%s%s: %w", serverName, NameSeparator, toolName, err)
	}
	text := resp.Text()
	if resp.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

// RegisterTools は全サーバーのツールを <server>__<tool> として登録する
// 到達できないサーバーは警告してスキップする。登録したツール数を返す
func (b *Bridge) RegisterTools(ctx context.Context, reg Registrar) int {
	total := 0
	for _, serverName := range b.ListServers() {
		c, err := b.client(serverName)
		if err != nil {
			continue
		}
		list, err := c.ListTools(ctx)
		if err != nil {
			logger.WarnCF("mcp", "Failed to list tools",
				map[string]interface{}{
					"server": serverName,
					"error":  err.Error(),
				})
			continue
		}

		for _, tool := range list.Tools {
			server, name := serverName, tool.Name
			params := tool.InputSchema
			if params == nil {
				params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			reg.Register(llm.ToolSpec{
				Name:        server + NameSeparator + name,
				Description: tool.Description,
				Parameters:  params,
			}, func(ctx context.Context, args map[string]interface{}) (string, error) {
				return b.CallTool(ctx, server, name, args)
			})
			total++
		}

		logger.InfoCF("mcp", "Registered MCP tools",
			map[string]interface{}{
				"server": serverName,
				"count":  len(list.Tools),
			})
	}
	return total
}

// Ping は指定サーバーの /health を確認する
func (b *Bridge) Ping(ctx context.Context, serverName string) error {
	c, err := b.client(serverName)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}
