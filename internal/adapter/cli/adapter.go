package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/attachment"
	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName  = "cli"
	listenBuffer = 8
)

// Config はローカル端末チャネルの設定
type Config struct {
	Prompt      string
	User        string
	HistoryFile string
	// OnExit は /exit・/quit・Ctrl-D で呼ばれる（プロセス停止など）
	OnExit func()

	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Adapter は readline で1行ずつ読み、応答を端末に書くチャネル
type Adapter struct {
	cfg Config
	seq atomic.Int64

	mu      sync.Mutex
	rl      *readline.Instance
	out     chan channel.Message
	stdout  io.Writer
	exitOne sync.Once
}

// NewAdapter は新しいAdapterを作成
func NewAdapter(cfg Config) *Adapter {
	if cfg.Prompt == "" {
		cfg.Prompt = "> "
	}
	if cfg.User == "" {
		cfg.User = "local"
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Adapter{cfg: cfg, stdout: stdout}
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen は端末からの読み取りを開始する
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out != nil {
		return nil, errors.New("cli: already listening")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          a.cfg.Prompt,
		HistoryFile:     a.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           a.cfg.Stdin,
		Stdout:          a.cfg.Stdout,
	})
	if err != nil {
		return nil, fmt.Errorf("cli readline: %w", err)
	}
	out := make(chan channel.Message, listenBuffer)
	a.rl = rl
	a.out = out
	a.stdout = rl.Stdout()

	go a.readLoop(ctx, rl, out)
	go func() {
		<-ctx.Done()
		rl.Close()
	}()
	return out, nil
}

func (a *Adapter) readLoop(ctx context.Context, rl *readline.Instance, out chan<- channel.Message) {
	defer close(out)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				a.exit()
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.WarnCF("cli", "Readline failed",
					map[string]interface{}{
						"error": err.Error(),
					})
			}
			if ctx.Err() == nil {
				a.exit()
			}
			return
		}

		msg, action := a.handleLine(line)
		switch action {
		case actionExit:
			a.exit()
			return
		case actionSkip:
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

type lineAction int

const (
	actionSend lineAction = iota
	actionSkip
	actionExit
)

// handleLine は入力1行を分類する。空行は無視、/exit と /quit は終了
func (a *Adapter) handleLine(line string) (channel.Message, lineAction) {
	text := strings.TrimSpace(line)
	switch text {
	case "":
		return channel.Message{}, actionSkip
	case "/exit", "/quit":
		return channel.Message{}, actionExit
	}
	return channel.Message{
		ID:          strconv.FormatInt(a.seq.Add(1), 10),
		SenderID:    a.cfg.User,
		ReplyTarget: a.cfg.User,
		Content:     text,
		Channel:     ChannelName,
		Timestamp:   time.Now(),
	}, actionSend
}

func (a *Adapter) exit() {
	a.exitOne.Do(func() {
		if a.cfg.OnExit != nil {
			a.cfg.OnExit()
		}
	})
}

// Send は応答を端末に書く。ファイル添付はパスとして表示する
func (a *Adapter) Send(_ context.Context, msg channel.SendMessage) error {
	text := attachment.Flatten(msg.Content)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := fmt.Fprintf(a.stdout, "%s\n\n", text); err != nil {
		return fmt.Errorf("cli write: %w", err)
	}
	if a.rl != nil {
		a.rl.Refresh()
	}
	return nil
}

// HealthCheck は端末を読んでいるか
func (a *Adapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rl != nil
}
