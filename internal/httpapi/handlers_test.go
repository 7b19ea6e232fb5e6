package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/allaspects/cacheproxy/internal/config"
	"github.com/allaspects/cacheproxy/internal/dispatch"
	"github.com/allaspects/cacheproxy/internal/memcache"
	"github.com/allaspects/cacheproxy/internal/selector"
	"github.com/allaspects/cacheproxy/internal/store"
	"github.com/allaspects/cacheproxy/internal/upstream"
	"github.com/allaspects/cacheproxy/internal/vault"
)

type fakeUpstream struct {
	response upstream.Response
}

func (f *fakeUpstream) Do(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	r := f.response
	return &r, nil
}

func testHandlers(t *testing.T) *Handlers {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.MaxConcurrentRequests = 10
	cfg.CacheHitPoolSize = 10
	cfg.CacheMissPoolSize = 10
	cfg.APIEndpoints = []config.EndpointConfig{{URL: "https://a.example", Weight: 1, Model: "m"}}

	client := &fakeUpstream{response: upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}}
	cache := memcache.New(64)
	sel := selector.New(cfg.APIEndpoints)
	engine := dispatch.New(cache, st, sel, client, nil, vault.New(), zerolog.Nop(), cfg)

	return NewHandlers(engine, cfg.APIEndpoints, zerolog.Nop())
}

func TestChatCompletions_RejectsStream(t *testing.T) {
	h := testHandlers(t)

	body, _ := json.Marshal(map[string]any{
		"model":    "m",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for stream=true, got %d", rec.Code)
	}
}

func TestChatCompletions_AcceptsNonStream(t *testing.T) {
	h := testHandlers(t)

	body, _ := json.Marshal(map[string]any{
		"model":    "m",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletions_RejectsMissingFields(t *testing.T) {
	h := testHandlers(t)

	body, _ := json.Marshal(map[string]any{"model": "m"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ChatCompletions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing messages, got %d", rec.Code)
	}
}
