// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package health aggregates named readiness checks and serves them over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// CheckFunc reports whether a dependency is healthy plus a short human message.
type CheckFunc func(ctx context.Context) (bool, string)

// InfoFunc contributes a free-form section to the report (e.g. dispatcher stats).
type InfoFunc func() interface{}

// CheckResult is one entry of a Report.
type CheckResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Report is the JSON body served at /health.
type Report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime"`
	Checks map[string]CheckResult `json:"checks"`
	Info   map[string]interface{} `json:"info,omitempty"`
}

// Registry holds named checks. Checks run concurrently on every Run.
type Registry struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	info    map[string]InfoFunc
	timeout time.Duration
	started time.Time
}

// NewRegistry creates an empty registry. timeout bounds each Run.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{
		checks:  make(map[string]CheckFunc),
		info:    make(map[string]InfoFunc),
		timeout: timeout,
		started: time.Now(),
	}
}

// Register adds or replaces a check.
func (r *Registry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = fn
}

// RegisterInfo adds or replaces an info section.
func (r *Registry) RegisterInfo(name string, fn InfoFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info[name] = fn
}

// Names returns the registered check names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes every check and builds a report. Status is "ok" only when all checks pass.
func (r *Registry) Run(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.mu.RLock()
	checks := make(map[string]CheckFunc, len(r.checks))
	for k, v := range r.checks {
		checks[k] = v
	}
	infos := make(map[string]InfoFunc, len(r.info))
	for k, v := range r.info {
		infos[k] = v
	}
	r.mu.RUnlock()

	report := Report{
		Status: "ok",
		Uptime: time.Since(r.started).Round(time.Second).String(),
		Checks: make(map[string]CheckResult, len(checks)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			ok, msg := fn(ctx)
			mu.Lock()
			report.Checks[name] = CheckResult{OK: ok, Message: msg}
			if !ok {
				report.Status = "degraded"
			}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	if len(infos) > 0 {
		report.Info = make(map[string]interface{}, len(infos))
		for name, fn := range infos {
			report.Info[name] = fn()
		}
	}
	return report
}

// Handler serves the report as JSON: 200 when healthy, 503 otherwise.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet && req.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		report := r.Run(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	})
}
