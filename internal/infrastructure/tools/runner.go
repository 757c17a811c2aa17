package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxListEntries      = 1000
	maxOutputChars      = 16000
	shellWaitDelay      = 500 * time.Millisecond
)

// ToolFunc はツール実行関数の型
type ToolFunc = func(ctx context.Context, args map[string]interface{}) (string, error)

// Options はビルトインツールの設定
type Options struct {
	// Workspace は相対パスの基準ディレクトリ
	Workspace    string
	ShellTimeout time.Duration
	// DisableShell は shell ツールを登録しない
	DisableShell bool
}

type registered struct {
	spec llm.ToolSpec
	fn   ToolFunc
}

// ToolRunner はツールのレジストリ兼実行器
type ToolRunner struct {
	opts Options

	mu    sync.RWMutex
	tools map[string]registered
}

// NewToolRunner は新しいToolRunnerを作成
func NewToolRunner(opts Options) *ToolRunner {
	if opts.ShellTimeout <= 0 {
		opts.ShellTimeout = defaultShellTimeout
	}
	runner := &ToolRunner{
		opts:  opts,
		tools: make(map[string]registered),
	}

	// ツール登録
	runner.registerTools()

	return runner
}

// registerTools は利用可能なツールを登録
func (r *ToolRunner) registerTools() {
	if !r.opts.DisableShell {
		r.Register(llm.ToolSpec{
			Name:        "shell",
			Description: "Run a shell command and return its combined output",
			Parameters:  objectSchema(map[string]string{"command": "Command line passed to sh -c"}, "command"),
		}, r.executeShell)
	}
	r.Register(llm.ToolSpec{
		Name:        "file_read",
		Description: "Read a text file",
		Parameters:  objectSchema(map[string]string{"path": "File path"}, "path"),
	}, r.executeFileRead)
	r.Register(llm.ToolSpec{
		Name:        "file_write",
		Description: "Write content to a file, creating parent directories",
		Parameters:  objectSchema(map[string]string{"path": "File path", "content": "Full file content"}, "path", "content"),
	}, r.executeFileWrite)
	r.Register(llm.ToolSpec{
		Name:        "file_list",
		Description: "List the entries of a directory",
		Parameters:  objectSchema(map[string]string{"path": "Directory path"}, "path"),
	}, r.executeFileList)
}

// Register はツールを登録する。同名は上書き
func (r *ToolRunner) Register(spec llm.ToolSpec, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		logger.WarnCF("tools", "Tool re-registered",
			map[string]interface{}{
				"tool": spec.Name,
			})
	}
	r.tools[spec.Name] = registered{spec: spec, fn: fn}
}

// Specs は登録済みツールの定義を名前順で返す
func (r *ToolRunner) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute はツールを実行
func (r *ToolRunner) Execute(ctx context.Context, toolName string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	t, exists := r.tools[toolName]
	r.mu.RUnlock()
	if !exists {
		return "", fmt.Errorf("unknown tool: %s", toolName)
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	out, err := t.fn(ctx, args)
	if err != nil {
		return "", err
	}
	return clip(out, maxOutputChars), nil
}

// List は利用可能なツール名を名前順で返す
func (r *ToolRunner) List(ctx context.Context) ([]string, error) {
	specs := r.Specs()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names, nil
}

// resolve は相対パスをワークスペース基準にする
func (r *ToolRunner) resolve(path string) string {
	if filepath.IsAbs(path) || r.opts.Workspace == "" {
		return path
	}
	return filepath.Join(r.opts.Workspace, path)
}

// executeShell はシェルコマンドを実行
func (r *ToolRunner) executeShell(ctx context.Context, args map[string]interface{}) (string, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	setProcessGroup(cmd)
	// 孫プロセスがパイプを握っていても Wait を打ち切る
	cmd.WaitDelay = shellWaitDelay
	if r.opts.Workspace != "" {
		cmd.Dir = r.opts.Workspace
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("command failed: %w, output: %s", err, clip(string(output), 2000))
	}

	return string(output), nil
}

// executeFileRead はファイルを読み込む
func (r *ToolRunner) executeFileRead(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}

	content, err := os.ReadFile(r.resolve(path))
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return string(content), nil
}

// executeFileWrite はファイルに書き込む
func (r *ToolRunner) executeFileWrite(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return "", err
	}
	path = r.resolve(path)

	// ディレクトリが存在しない場合は作成
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

// executeFileList はディレクトリ内のファイル一覧を取得
func (r *ToolRunner) executeFileList(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(r.resolve(path))
	if err != nil {
		return "", fmt.Errorf("failed to read directory: %w", err)
	}

	var result strings.Builder
	for i, entry := range entries {
		if i >= maxListEntries {
			result.WriteString("... (truncated, too many entries)\n")
			break
		}
		if entry.IsDir() {
			result.WriteString(entry.Name() + "/\n")
		} else {
			result.WriteString(entry.Name() + "\n")
		}
	}

	return result.String(), nil
}

func stringArg(args map[string]interface{}, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok {
		return "", fmt.Errorf("'%s' argument is required and must be a string", name)
	}
	return v, nil
}

// objectSchema は文字列引数だけを持つ JSON Schema を作る
func objectSchema(props map[string]string, required ...string) map[string]interface{} {
	properties := make(map[string]interface{}, len(props))
	for name, desc := range props {
		properties[name] = map[string]interface{}{
			"type":        "string",
			"description": desc,
		}
	}
	req := make([]interface{}, len(required))
	for i, name := range required {
		req[i] = name
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
		"required":   req,
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
