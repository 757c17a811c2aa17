package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"error", ERROR},
		{"", INFO},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInfoCF_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "info", "json")
	defer SetOutput(&bytes.Buffer{}, "info", "text")

	InfoCF("dispatcher", "ticket started", map[string]interface{}{
		"ticket_id": "t-1",
		"channel":   "telegram",
	})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "ticket started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["component"] != "dispatcher" {
		t.Errorf("component = %v", entry["component"])
	}
	if entry["ticket_id"] != "t-1" {
		t.Errorf("ticket_id = %v", entry["ticket_id"])
	}
}

func TestDebugCF_SuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "info", "text")
	defer SetOutput(&bytes.Buffer{}, "info", "text")

	DebugCF("loop", "hidden", nil)
	WarnCF("loop", "shown", nil)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line leaked at info level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %q", out)
	}
}
