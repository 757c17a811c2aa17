package line

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Nyukimin/picoclaw_dispatch/internal/domain/channel"
)

const testSecret = "test-channel-secret"

func postWebhook(t *testing.T, a *Adapter, body string, signature string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/line", bytes.NewBufferString(body))
	req.Header.Set(SignatureHeader, signature)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	return rec.Code
}

func receive(t *testing.T, in <-chan channel.Message) channel.Message {
	t.Helper()
	select {
	case msg := <-in:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return channel.Message{}
	}
}

func expectNone(t *testing.T, in <-chan channel.Message) {
	t.Helper()
	select {
	case msg := <-in:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func listening(t *testing.T, cfg Config) (*Adapter, <-chan channel.Message) {
	t.Helper()
	cfg.ChannelSecret = testSecret
	a := NewAdapter(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	in, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return a, in
}

func TestAdapter_TextMessage(t *testing.T) {
	a, in := listening(t, Config{})
	body := `{"events":[{"type":"message","timestamp":1700000000000,
		"source":{"type":"user","userId":"U1"},
		"message":{"type":"text","id":"m1","text":" hello "}}]}`

	if code := postWebhook(t, a, body, sign([]byte(body), testSecret)); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	msg := receive(t, in)
	if msg.Content != "hello" || msg.SenderID != "U1" || msg.ReplyTarget != "U1" || msg.Channel != "line" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.ThreadID != "" {
		t.Errorf("direct chat should have no thread, got %q", msg.ThreadID)
	}
	if !msg.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestAdapter_InvalidSignature(t *testing.T) {
	a, in := listening(t, Config{})
	body := `{"events":[{"type":"message","source":{"type":"user","userId":"U1"},"message":{"type":"text","text":"hi"}}]}`

	if code := postWebhook(t, a, body, "bogus"); code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", code)
	}
	expectNone(t, in)
}

func TestAdapter_InvalidJSON(t *testing.T) {
	a, _ := listening(t, Config{})
	body := `{not json`
	if code := postWebhook(t, a, body, sign([]byte(body), testSecret)); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestAdapter_MethodNotAllowed(t *testing.T) {
	a, _ := listening(t, Config{})
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook/line", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAdapter_GroupRequiresMention(t *testing.T) {
	a, in := listening(t, Config{BotUserID: "Ubot"})

	ignored := `{"events":[{"type":"message","source":{"type":"group","groupId":"G1","userId":"U1"},
		"message":{"type":"text","id":"m1","text":"chatter"}}]}`
	postWebhook(t, a, ignored, sign([]byte(ignored), testSecret))
	expectNone(t, in)

	mentioned := `{"events":[{"type":"message","source":{"type":"group","groupId":"G1","userId":"U1"},
		"message":{"type":"text","id":"m2","text":"@bot hi","mention":{"mentionees":[{"index":0,"length":4,"userId":"Ubot"}]}}}]}`
	postWebhook(t, a, mentioned, sign([]byte(mentioned), testSecret))
	msg := receive(t, in)
	if msg.ReplyTarget != "G1" || msg.ThreadID != "G1" || msg.SenderID != "U1" {
		t.Errorf("unexpected group message: %+v", msg)
	}
}

func TestAdapter_AllowList(t *testing.T) {
	a, in := listening(t, Config{AllowFrom: []string{"U2"}})
	body := `{"events":[
		{"type":"message","source":{"type":"user","userId":"U1"},"message":{"type":"text","id":"m1","text":"blocked"}},
		{"type":"follow","source":{"type":"user","userId":"U2"}},
		{"type":"message","source":{"type":"user","userId":"U2"},"message":{"type":"text","id":"m2","text":"allowed"}}]}`
	postWebhook(t, a, body, sign([]byte(body), testSecret))

	msg := receive(t, in)
	if msg.Content != "allowed" {
		t.Errorf("content = %q", msg.Content)
	}
	expectNone(t, in)
}

func TestAdapter_ImageMessage(t *testing.T) {
	srv := newMediaServer(t, http.StatusOK, "image/jpeg", []byte("jpeg"))
	dir := t.TempDir()
	a, in := listening(t, Config{MediaDir: dir, ChannelAccessToken: "test-token"})
	a.media.contentEndpoint = srv.URL + "/%s/content"

	body := `{"events":[{"type":"message","source":{"type":"user","userId":"U1"},"message":{"type":"image","id":"123456"}}]}`
	postWebhook(t, a, body, sign([]byte(body), testSecret))

	msg := receive(t, in)
	want := filepath.Join(dir, "123456.jpg")
	if msg.Content != "[IMAGE:"+want+"]" {
		t.Errorf("content = %q", msg.Content)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("image not saved: %v", err)
	}
}

func TestAdapter_ListenTwice(t *testing.T) {
	a, _ := listening(t, Config{})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("second Listen should fail")
	}
}

func TestAdapter_StreamClosesOnCancel(t *testing.T) {
	a := NewAdapter(Config{ChannelSecret: testSecret})
	ctx, cancel := context.WithCancel(context.Background())
	in, err := a.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case _, ok := <-in:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}

	// 終了後のイベントは捨てられる（panic しない）
	body := `{"events":[{"type":"message","source":{"type":"user","userId":"U1"},"message":{"type":"text","text":"late"}}]}`
	if code := postWebhook(t, a, body, sign([]byte(body), testSecret)); code != http.StatusOK {
		t.Errorf("status = %d", code)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestAdapter_SendAndHealth(t *testing.T) {
	rec := &pushRecorder{}
	srv := rec.server(t, http.StatusOK)
	a := NewAdapter(Config{ChannelSecret: testSecret, ChannelAccessToken: "test-token"})
	a.sender.pushEndpoint = srv.URL + "/push"
	a.sender.infoEndpoint = srv.URL + "/info"

	if err := a.Send(context.Background(), channel.SendMessage{Recipient: "U1", Content: "reply"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(rec.payloads) != 1 || rec.payloads[0]["to"] != "U1" {
		t.Errorf("payloads = %v", rec.payloads)
	}
	if !a.HealthCheck(context.Background()) {
		t.Error("expected healthy")
	}
}
