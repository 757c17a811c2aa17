package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPCheck reports ok when a GET on url answers 200.
func HTTPCheck(url string, timeout time.Duration) CheckFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) (bool, string) {
		resp, msg := get(ctx, client, url)
		if resp == nil {
			return false, msg
		}
		resp.Body.Close()
		return true, "ok"
	}
}

// OllamaCheck probes the Ollama root endpoint.
func OllamaCheck(baseURL string, timeout time.Duration) CheckFunc {
	return HTTPCheck(baseURL, timeout)
}

// get returns a 200 response or a failure message.
func get(ctx context.Context, client *http.Client, url string) (*http.Response, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Sprintf("bad request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Sprintf("unreachable: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Sprintf("status %d", resp.StatusCode)
	}
	return resp, ""
}

// ModelRequirement names a model the chat provider depends on.
// A zero bound is not checked.
type ModelRequirement struct {
	Name       string
	MinContext int
	MaxContext int
}

func (m ModelRequirement) violation(loaded int) string {
	switch {
	case m.MinContext > 0 && loaded < m.MinContext:
		return fmt.Sprintf("%s(ctx=%d,want>=%d)", m.Name, loaded, m.MinContext)
	case m.MaxContext > 0 && loaded > m.MaxContext:
		return fmt.Sprintf("%s(ctx=%d,want<=%d)", m.Name, loaded, m.MaxContext)
	}
	return ""
}

// OllamaModelsCheck asks /api/ps whether the required models are resident
// with a context window inside their bounds.
func OllamaModelsCheck(baseURL string, timeout time.Duration, required []ModelRequirement) CheckFunc {
	client := &http.Client{Timeout: timeout}
	psURL := strings.TrimSuffix(baseURL, "/") + "/api/ps"

	return func(ctx context.Context) (bool, string) {
		resp, msg := get(ctx, client, psURL)
		if resp == nil {
			return false, msg
		}
		defer resp.Body.Close()

		var ps struct {
			Models []struct {
				Name          string `json:"name"`
				ContextLength int    `json:"context_length"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ps); err != nil {
			return false, fmt.Sprintf("decode error: %v", err)
		}
		loaded := make(map[string]int, len(ps.Models))
		for _, m := range ps.Models {
			loaded[m.Name] = m.ContextLength
		}

		var missing, mismatched []string
		for _, m := range required {
			n, ok := loaded[m.Name]
			if !ok {
				missing = append(missing, m.Name)
				continue
			}
			if v := m.violation(n); v != "" {
				mismatched = append(mismatched, v)
			}
		}
		if len(missing) > 0 {
			return false, "not loaded: " + strings.Join(missing, ", ")
		}
		if len(mismatched) > 0 {
			return false, "context mismatch: " + strings.Join(mismatched, ", ")
		}
		return true, fmt.Sprintf("%d models ok", len(required))
	}
}
