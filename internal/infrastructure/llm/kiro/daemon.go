package kiro

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

var errReadTimeout = errors.New("daemon read timed out")

// daemonRequest は1行1リクエストのNDJSON
type daemonRequest struct {
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// daemonResponse は1行1レスポンス。ストリーミング時は done:true まで続く
type daemonResponse struct {
	Content string `json:"content"`
	Done    *bool  `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

// modelError はデーモンが返したモデル側のエラー（通信は正常）
type modelError struct {
	msg string
}

func (e *modelError) Error() string {
	return "kiro daemon: " + e.msg
}

// daemonSession は常駐プロセスとの入出力。会話履歴とは独立
type daemonSession struct {
	stdin   io.WriteCloser
	reader  *bufio.Reader
	closeFn func()
	once    sync.Once
}

func (s *daemonSession) close() {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}

// spawnProcess はデーモンを起動する。プロセスの寿命はリクエストから独立
func (p *Provider) spawnProcess() (*daemonSession, error) {
	cmd := exec.Command(p.cfg.Path, p.cfg.DaemonArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}

	logger.InfoCF("kiro", "Daemon started",
		map[string]interface{}{
			"pid":  cmd.Process.Pid,
			"args": strings.Join(p.cfg.DaemonArgs, " "),
		})

	return &daemonSession{
		stdin:  stdin,
		reader: bufio.NewReader(stdout),
		closeFn: func() {
			stdin.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		},
	}, nil
}

// daemonChat はデーモンに1リクエストを送る
// 送信後の入出力は呼び出し元の取消から切り離す。呼び出し元が先に離脱しても応答は最後まで読み切る
func (p *Provider) daemonChat(ctx context.Context, prompt string) (string, error) {
	type result struct {
		content string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// ロック待ちの間に離脱した呼び出しはデーモンへ送らない
		if err := ctx.Err(); err != nil {
			done <- result{err: err}
			return
		}
		content, err := p.exchangeLocked(prompt)
		done <- result{content: content, err: err}
	}()

	select {
	case r := <-done:
		return r.content, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Provider) exchangeLocked(prompt string) (string, error) {
	if p.session == nil {
		s, err := p.spawn()
		if err != nil {
			return "", fmt.Errorf("spawn daemon: %w", err)
		}
		p.session = s
	}
	s := p.session

	line, err := json.Marshal(daemonRequest{Prompt: prompt, Stream: p.cfg.Stream})
	if err != nil {
		return "", err
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		p.markDeadLocked(err)
		return "", fmt.Errorf("write request: %w", err)
	}

	var b strings.Builder
	for {
		raw, err := p.readLine(s)
		if err != nil {
			p.markDeadLocked(err)
			return "", fmt.Errorf("read response: %w", err)
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		var resp daemonResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			p.markDeadLocked(err)
			return "", fmt.Errorf("decode response: %w", err)
		}
		if resp.Error != "" {
			return "", &modelError{msg: resp.Error}
		}
		b.WriteString(resp.Content)

		if !p.cfg.Stream || (resp.Done != nil && *resp.Done) {
			return strings.TrimSpace(b.String()), nil
		}
	}
}

// readLine は ReadTimeout 以内に1行読む
// タイムアウト時に残った読み取りは、セッション破棄でパイプが閉じて終わる
func (p *Provider) readLine(s *daemonSession) (string, error) {
	type lineResult struct {
		line string
		err  error
	}
	ch := make(chan lineResult, 1)
	go func() {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- lineResult{line: line, err: err}
	}()

	timer := time.NewTimer(p.cfg.ReadTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-timer.C:
		return "", errReadTimeout
	}
}

// markDeadLocked はセッションを破棄する。次のリクエストで再起動する
func (p *Provider) markDeadLocked(cause error) {
	if p.session == nil {
		return
	}
	logger.WarnCF("kiro", "Daemon session marked dead",
		map[string]interface{}{
			"cause": cause.Error(),
		})
	p.session.close()
	p.session = nil
}
