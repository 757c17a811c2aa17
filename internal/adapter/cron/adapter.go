package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
	"github.com/Nyukimin/picoclaw_dispatch/pkg/logger"
)

const (
	ChannelName  = "cron"
	listenBuffer = 16
)

// Job は cron 式とプロンプト。DeliverTo は "channel:recipient" 形式
type Job struct {
	Name      string
	Schedule  string
	Prompt    string
	DeliverTo string
}

// Forwarder は応答を別チャネルへ送る（gateway.Hub が満たす）
type Forwarder interface {
	Send(ctx context.Context, channelName string, msg channel.SendMessage) error
}

// Adapter は毎分 cron 式を評価し、該当ジョブのプロンプトを受信メッセージとして流す
type Adapter struct {
	jobs  map[string]Job
	order []string
	gron  *gronx.Gronx
	now   func() time.Time

	mu        sync.Mutex
	forwarder Forwarder
	out       chan channel.Message
	lastTick  time.Time
}

// NewAdapter は cron 式を検証して Adapter を作成
func NewAdapter(jobs []Job) (*Adapter, error) {
	g := gronx.New()
	a := &Adapter{
		jobs: make(map[string]Job, len(jobs)),
		gron: g,
		now:  time.Now,
	}
	for _, job := range jobs {
		if job.Name == "" || job.Prompt == "" {
			return nil, errors.New("cron job requires name and prompt")
		}
		if !g.IsValid(job.Schedule) {
			return nil, fmt.Errorf("cron job %s: invalid schedule %q", job.Name, job.Schedule)
		}
		if _, dup := a.jobs[job.Name]; dup {
			return nil, fmt.Errorf("duplicate cron job: %s", job.Name)
		}
		if job.DeliverTo != "" {
			if _, _, ok := parseTarget(job.DeliverTo); !ok {
				return nil, fmt.Errorf("cron job %s: deliver_to must be channel:recipient", job.Name)
			}
		}
		a.jobs[job.Name] = job
		a.order = append(a.order, job.Name)
	}
	return a, nil
}

// SetForwarder は deliver_to の送り先を設定する
func (a *Adapter) SetForwarder(f Forwarder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwarder = f
}

// Name はチャネル名
func (a *Adapter) Name() string { return ChannelName }

// Listen は分の境目ごとにジョブを評価する
func (a *Adapter) Listen(ctx context.Context) (<-chan channel.Message, error) {
	a.mu.Lock()
	if a.out != nil {
		a.mu.Unlock()
		return nil, errors.New("cron: already listening")
	}
	out := make(chan channel.Message, listenBuffer)
	a.out = out
	a.mu.Unlock()

	go func() {
		defer close(out)
		for {
			now := a.now()
			next := now.Truncate(time.Minute).Add(time.Minute)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			for _, msg := range a.tick(next) {
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// tick は now の分に該当するジョブをメッセージにする。同じ分は2度評価しない
func (a *Adapter) tick(now time.Time) []channel.Message {
	minute := now.Truncate(time.Minute)
	a.mu.Lock()
	if !minute.After(a.lastTick) {
		a.mu.Unlock()
		return nil
	}
	a.lastTick = minute
	a.mu.Unlock()

	var msgs []channel.Message
	for _, name := range a.order {
		job := a.jobs[name]
		due, err := a.gron.IsDue(job.Schedule, minute)
		if err != nil {
			logger.WarnCF("cron", "Schedule evaluation failed",
				map[string]interface{}{
					"job":   name,
					"error": err.Error(),
				})
			continue
		}
		if !due {
			continue
		}
		logger.InfoCF("cron", "Job triggered",
			map[string]interface{}{
				"job": name,
			})
		msgs = append(msgs, channel.Message{
			ID:          fmt.Sprintf("%s-%d", name, minute.Unix()),
			SenderID:    name,
			ReplyTarget: name,
			Content:     job.Prompt,
			Channel:     ChannelName,
			Timestamp:   minute,
		})
	}
	return msgs
}

// Send はジョブの deliver_to へ転送する。未指定ならログに残すだけ
func (a *Adapter) Send(ctx context.Context, msg channel.SendMessage) error {
	job, ok := a.jobs[msg.Recipient]
	if !ok {
		return fmt.Errorf("cron: unknown job %s", msg.Recipient)
	}
	if job.DeliverTo == "" {
		logger.InfoCF("cron", "Job finished",
			map[string]interface{}{
				"job":    job.Name,
				"result": msg.Content,
			})
		return nil
	}

	a.mu.Lock()
	f := a.forwarder
	a.mu.Unlock()
	if f == nil {
		return fmt.Errorf("cron: no forwarder for job %s", job.Name)
	}
	target, recipient, _ := parseTarget(job.DeliverTo)
	if target == ChannelName {
		return fmt.Errorf("cron: job %s cannot deliver to itself", job.Name)
	}
	return f.Send(ctx, target, channel.SendMessage{Content: msg.Content, Recipient: recipient})
}

// HealthCheck は常に true（外部接続なし）
func (a *Adapter) HealthCheck(context.Context) bool {
	return true
}

// Next は各ジョブの次回実行時刻
func (a *Adapter) Next(after time.Time) map[string]time.Time {
	next := make(map[string]time.Time, len(a.jobs))
	for name, job := range a.jobs {
		if t, err := gronx.NextTickAfter(job.Schedule, after, false); err == nil {
			next[name] = t
		}
	}
	return next
}

func parseTarget(s string) (string, string, bool) {
	name, recipient, ok := strings.Cut(s, ":")
	if !ok || name == "" || recipient == "" {
		return "", "", false
	}
	return name, recipient, true
}
