// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_AllHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("telegram", func(ctx context.Context) (bool, string) { return true, "connected" })
	r.Register("provider", func(ctx context.Context) (bool, string) { return true, "ok" })
	r.RegisterInfo("dispatcher", func() interface{} { return map[string]int{"running": 2} })

	report := r.Run(context.Background())

	if report.Status != "ok" {
		t.Errorf("Expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 || report.Checks["telegram"].Message != "connected" {
		t.Errorf("unexpected checks: %+v", report.Checks)
	}
	if report.Info["dispatcher"] == nil {
		t.Error("info section missing")
	}
	if names := r.Names(); len(names) != 2 || names[0] != "provider" {
		t.Errorf("Names() = %v", names)
	}
}

func TestRegistry_Degraded(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("ok", func(ctx context.Context) (bool, string) { return true, "ok" })
	r.Register("slack", func(ctx context.Context) (bool, string) { return false, "socket closed" })

	report := r.Run(context.Background())
	if report.Status != "degraded" {
		t.Errorf("Expected degraded, got %s", report.Status)
	}
	if report.Checks["slack"].OK {
		t.Error("slack should be failing")
	}
}

func TestRegistry_TimeoutPropagates(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) (bool, string) {
		select {
		case <-ctx.Done():
			return false, "timed out"
		case <-time.After(2 * time.Second):
			return true, "ok"
		}
	})

	start := time.Now()
	report := r.Run(context.Background())
	if time.Since(start) > time.Second {
		t.Error("Run should respect the registry timeout")
	}
	if report.Checks["slow"].Message != "timed out" {
		t.Errorf("unexpected result: %+v", report.Checks["slow"])
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry(time.Second)
	var healthy atomic.Bool
	healthy.Store(true)
	r.Register("x", func(ctx context.Context) (bool, string) { return healthy.Load(), "" })

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	var report Report
	json.NewDecoder(resp.Body).Decode(&report)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || report.Status != "ok" {
		t.Errorf("healthy: status=%d report=%+v", resp.StatusCode, report)
	}

	healthy.Store(false)
	resp, err = http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status=%d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST: status=%d", resp.StatusCode)
	}
}

func TestHTTPCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if ok, _ := HTTPCheck(server.URL+"/health", time.Second)(context.Background()); !ok {
		t.Error("expected ok")
	}
	if ok, msg := HTTPCheck(server.URL+"/missing", time.Second)(context.Background()); ok || msg != "status 404" {
		t.Errorf("expected 404 failure, got %v %q", ok, msg)
	}
}
