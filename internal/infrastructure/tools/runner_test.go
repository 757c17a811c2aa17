package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/llm"
)

func TestNewToolRunner(t *testing.T) {
	runner := NewToolRunner(Options{})

	if runner == nil {
		t.Fatal("NewToolRunner should not return nil")
	}
}

func TestToolRunner_List(t *testing.T) {
	runner := NewToolRunner(Options{})

	tools, err := runner.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	// 最低限のツールが登録されているか
	expectedTools := []string{"shell", "file_read", "file_write", "file_list"}
	for _, expected := range expectedTools {
		found := false
		for _, tool := range tools {
			if tool == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected tool '%s' not found in list: %v", expected, tools)
		}
	}
}

func TestToolRunner_Execute_Shell_Success(t *testing.T) {
	runner := NewToolRunner(Options{})

	args := map[string]interface{}{
		"command": "echo 'Hello, World!'",
	}

	result, err := runner.Execute(context.Background(), "shell", args)
	if err != nil {
		t.Fatalf("Execute shell failed: %v", err)
	}

	if !strings.Contains(result, "Hello, World!") {
		t.Errorf("Expected 'Hello, World!' in result, got: %s", result)
	}
}

func TestToolRunner_Execute_Shell_MissingCommand(t *testing.T) {
	runner := NewToolRunner(Options{})

	args := map[string]interface{}{}

	_, err := runner.Execute(context.Background(), "shell", args)
	if err == nil {
		t.Error("Expected error when command is missing")
	}
}

func TestToolRunner_Execute_FileRead_Success(t *testing.T) {
	runner := NewToolRunner(Options{})

	// テスト用ファイル作成
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.txt")
	testContent := "This is a test file"
	os.WriteFile(testFile, []byte(testContent), 0644)

	args := map[string]interface{}{
		"path": testFile,
	}

	result, err := runner.Execute(context.Background(), "file_read", args)
	if err != nil {
		t.Fatalf("Execute file_read failed: %v", err)
	}

	if result != testContent {
		t.Errorf("Expected '%s', got '%s'", testContent, result)
	}
}

func TestToolRunner_Execute_FileRead_NotFound(t *testing.T) {
	runner := NewToolRunner(Options{})

	args := map[string]interface{}{
		"path": "/nonexistent/file.txt",
	}

	_, err := runner.Execute(context.Background(), "file_read", args)
	if err == nil {
		t.Error("Expected error when file not found")
	}
}

func TestToolRunner_Execute_FileWrite_Success(t *testing.T) {
	runner := NewToolRunner(Options{})

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "output.txt")
	testContent := "Written content"

	args := map[string]interface{}{
		"path":    testFile,
		"content": testContent,
	}

	result, err := runner.Execute(context.Background(), "file_write", args)
	if err != nil {
		t.Fatalf("Execute file_write failed: %v", err)
	}

	// ファイルが作成されたか確認
	if _, err := os.Stat(testFile); os.IsNotExist(err) {
		t.Error("File was not created")
	}

	// 内容確認
	content, _ := os.ReadFile(testFile)
	if string(content) != testContent {
		t.Errorf("Expected '%s', got '%s'", testContent, string(content))
	}

	if !strings.Contains(strings.ToLower(result), "success") {
		t.Errorf("Expected success message, got: %s", result)
	}
}

func TestToolRunner_Execute_FileList_Success(t *testing.T) {
	runner := NewToolRunner(Options{})

	tmpDir := t.TempDir()
	// テスト用ファイル作成
	os.WriteFile(filepath.Join(tmpDir, "file1.txt"), []byte("test"), 0644)
	os.WriteFile(filepath.Join(tmpDir, "file2.txt"), []byte("test"), 0644)
	os.Mkdir(filepath.Join(tmpDir, "subdir"), 0755)

	args := map[string]interface{}{
		"path": tmpDir,
	}

	result, err := runner.Execute(context.Background(), "file_list", args)
	if err != nil {
		t.Fatalf("Execute file_list failed: %v", err)
	}

	// 作成したファイルが含まれているか
	if !strings.Contains(result, "file1.txt") {
		t.Error("Expected 'file1.txt' in result")
	}
	if !strings.Contains(result, "file2.txt") {
		t.Error("Expected 'file2.txt' in result")
	}
	if !strings.Contains(result, "subdir") {
		t.Error("Expected 'subdir' in result")
	}
}

func TestToolRunner_Execute_UnknownTool(t *testing.T) {
	runner := NewToolRunner(Options{})

	args := map[string]interface{}{}

	_, err := runner.Execute(context.Background(), "unknown_tool", args)
	if err == nil {
		t.Error("Expected error for unknown tool")
	}
}

func TestToolRunner_Execute_Shell_Timeout(t *testing.T) {
	runner := NewToolRunner(Options{ShellTimeout: 50 * time.Millisecond})

	args := map[string]interface{}{
		"command": "sleep 5",
	}

	start := time.Now()
	_, err := runner.Execute(context.Background(), "shell", args)
	if err == nil {
		t.Fatal("Expected error when command exceeds timeout")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestToolRunner_Execute_Shell_CallerDeadline(t *testing.T) {
	runner := NewToolRunner(Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	args := map[string]interface{}{
		"command": "sleep 3; echo done",
	}

	start := time.Now()
	out, err := runner.Execute(ctx, "shell", args)
	if err == nil {
		t.Fatalf("Expected error after caller deadline, got %q", out)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("caller deadline not enforced, took %v", elapsed)
	}
}

func TestToolRunner_Execute_FileWrite_CreateDirectory(t *testing.T) {
	runner := NewToolRunner(Options{})

	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "subdir", "nested", "file.txt")
	testContent := "Nested content"

	args := map[string]interface{}{
		"path":    testFile,
		"content": testContent,
	}

	_, err := runner.Execute(context.Background(), "file_write", args)
	if err != nil {
		t.Fatalf("Execute file_write with nested path failed: %v", err)
	}

	// ファイルが作成されたか確認
	content, err := os.ReadFile(testFile)
	if err != nil {
		t.Fatalf("Failed to read created file: %v", err)
	}

	if string(content) != testContent {
		t.Errorf("Expected '%s', got '%s'", testContent, string(content))
	}
}

func TestToolRunner_Execute_FileRead_MissingPath(t *testing.T) {
	runner := NewToolRunner(Options{})

	args := map[string]interface{}{}

	_, err := runner.Execute(context.Background(), "file_read", args)
	if err == nil {
		t.Error("Expected error when path is missing")
	}
}

func TestToolRunner_Execute_FileWrite_MissingContent(t *testing.T) {
	runner := NewToolRunner(Options{})

	tmpDir := t.TempDir()
	args := map[string]interface{}{
		"path": filepath.Join(tmpDir, "test.txt"),
	}

	_, err := runner.Execute(context.Background(), "file_write", args)
	if err == nil {
		t.Error("Expected error when content is missing")
	}
}

func TestToolRunner_Execute_FileList_MissingPath(t *testing.T) {
	runner := NewToolRunner(Options{})

	args := map[string]interface{}{}

	_, err := runner.Execute(context.Background(), "file_list", args)
	if err == nil {
		t.Error("Expected error when path is missing")
	}
}

func TestToolRunner_Specs(t *testing.T) {
	runner := NewToolRunner(Options{})

	specs := runner.Specs()
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
		if s.Parameters["type"] != "object" {
			t.Errorf("%s: parameters must be an object schema", s.Name)
		}
	}
	want := []string{"file_list", "file_read", "file_write", "shell"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Specs() names = %v, want %v", names, want)
	}
}

func TestToolRunner_DisableShell(t *testing.T) {
	runner := NewToolRunner(Options{DisableShell: true})

	_, err := runner.Execute(context.Background(), "shell", map[string]interface{}{"command": "echo hi"})
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("expected unknown tool error, got %v", err)
	}
}

func TestToolRunner_Register(t *testing.T) {
	runner := NewToolRunner(Options{})

	runner.Register(llm.ToolSpec{Name: "greet", Parameters: map[string]interface{}{"type": "object"}},
		func(ctx context.Context, args map[string]interface{}) (string, error) {
			name, _ := args["name"].(string)
			return "hello " + name, nil
		})

	result, err := runner.Execute(context.Background(), "greet", map[string]interface{}{"name": "mio"})
	if err != nil {
		t.Fatalf("Execute greet failed: %v", err)
	}
	if result != "hello mio" {
		t.Errorf("result = %q", result)
	}

	// nil 引数でも関数には空のmapが渡る
	if _, err := runner.Execute(context.Background(), "greet", nil); err != nil {
		t.Errorf("nil args should be accepted: %v", err)
	}
}

func TestToolRunner_WorkspaceRelativePaths(t *testing.T) {
	ws := t.TempDir()
	runner := NewToolRunner(Options{Workspace: ws})

	_, err := runner.Execute(context.Background(), "file_write", map[string]interface{}{
		"path":    "notes/today.md",
		"content": "buy milk",
	})
	if err != nil {
		t.Fatalf("file_write failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws, "notes", "today.md")); err != nil {
		t.Fatalf("file not written under workspace: %v", err)
	}

	result, err := runner.Execute(context.Background(), "file_read", map[string]interface{}{"path": "notes/today.md"})
	if err != nil || result != "buy milk" {
		t.Errorf("file_read = %q, %v", result, err)
	}

	result, err = runner.Execute(context.Background(), "shell", map[string]interface{}{"command": "ls notes"})
	if err != nil || !strings.Contains(result, "today.md") {
		t.Errorf("shell should run in workspace, got %q, %v", result, err)
	}
}

func TestToolRunner_OutputClipped(t *testing.T) {
	runner := NewToolRunner(Options{})
	runner.Register(llm.ToolSpec{Name: "big"}, func(ctx context.Context, args map[string]interface{}) (string, error) {
		return strings.Repeat("x", maxOutputChars*2), nil
	})

	result, err := runner.Execute(context.Background(), "big", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(result, "(truncated)") || len(result) > maxOutputChars+32 {
		t.Errorf("output not clipped, len=%d", len(result))
	}
}
