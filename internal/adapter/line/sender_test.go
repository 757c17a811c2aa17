package line

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type pushRecorder struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
}

func (p *pushRecorder) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Method == http.MethodPost {
			if ct := r.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var payload map[string]interface{}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode body: %v", err)
			}
			p.mu.Lock()
			p.payloads = append(p.payloads, payload)
			p.mu.Unlock()
		}
		w.WriteHeader(status)
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSender(url string) *MessageSender {
	s := NewMessageSender("test-token")
	s.pushEndpoint = url + "/push"
	s.infoEndpoint = url + "/info"
	return s
}

func TestMessageSender_Push(t *testing.T) {
	rec := &pushRecorder{}
	srv := rec.server(t, http.StatusOK)
	s := newTestSender(srv.URL)

	if err := s.Push(context.Background(), "U123456", "Hello"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if len(rec.payloads) != 1 {
		t.Fatalf("expected 1 request, got %d", len(rec.payloads))
	}
	if rec.payloads[0]["to"] != "U123456" {
		t.Errorf("to = %v", rec.payloads[0]["to"])
	}
	msgs := rec.payloads[0]["messages"].([]interface{})
	if len(msgs) != 1 || msgs[0].(map[string]interface{})["text"] != "Hello" {
		t.Errorf("messages = %v", msgs)
	}
}

func TestMessageSender_PushValidation(t *testing.T) {
	s := NewMessageSender("test-token")
	if err := s.Push(context.Background(), "", "Hello"); err == nil {
		t.Error("expected error for empty recipient")
	}
	if err := s.Push(context.Background(), "U1", "   "); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestMessageSender_PushAPIError(t *testing.T) {
	rec := &pushRecorder{}
	srv := rec.server(t, http.StatusBadRequest)
	s := newTestSender(srv.URL)

	err := s.Push(context.Background(), "U1", "Hello")
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestMessageSender_PushBatches(t *testing.T) {
	rec := &pushRecorder{}
	srv := rec.server(t, http.StatusOK)
	s := newTestSender(srv.URL)

	var b strings.Builder
	b.WriteString("text")
	for i := 0; i < 6; i++ {
		b.WriteString(" [IMAGE:https://example.com/" + string(rune('a'+i)) + ".png]")
	}
	if err := s.Push(context.Background(), "U1", b.String()); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	// 1 text + 6 images = 7 messages -> 5 + 2
	if len(rec.payloads) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(rec.payloads))
	}
	if n := len(rec.payloads[0]["messages"].([]interface{})); n != 5 {
		t.Errorf("first batch = %d messages", n)
	}
}

func TestMessageSender_BotInfo(t *testing.T) {
	rec := &pushRecorder{}
	srv := rec.server(t, http.StatusOK)
	if err := newTestSender(srv.URL).BotInfo(context.Background()); err != nil {
		t.Errorf("BotInfo failed: %v", err)
	}

	bad := (&pushRecorder{}).server(t, http.StatusUnauthorized)
	if err := newTestSender(bad.URL).BotInfo(context.Background()); err == nil {
		t.Error("expected error for 401")
	}
}

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages("Look [IMAGE:https://example.com/a.png] [IMAGE:/tmp/local.png] [DOCUMENT:https://example.com/r.pdf]")
	if len(msgs) != 2 {
		t.Fatalf("expected text + image, got %d: %v", len(msgs), msgs)
	}
	if msgs[0]["text"] != "Look\n/tmp/local.png\nhttps://example.com/r.pdf" {
		t.Errorf("text = %q", msgs[0]["text"])
	}
	if msgs[1]["type"] != "image" || msgs[1]["originalContentUrl"] != "https://example.com/a.png" {
		t.Errorf("image = %v", msgs[1])
	}

	if got := buildMessages("[IMAGE:https://example.com/a.png]"); len(got) != 1 || got[0]["type"] != "image" {
		t.Errorf("image only = %v", got)
	}
}
