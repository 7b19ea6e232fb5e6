package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/allaspects/cacheproxy/internal/config"
	"github.com/allaspects/cacheproxy/internal/fingerprint"
	"github.com/allaspects/cacheproxy/internal/memcache"
	"github.com/allaspects/cacheproxy/internal/selector"
	"github.com/allaspects/cacheproxy/internal/store"
	"github.com/allaspects/cacheproxy/internal/upstream"
	"github.com/allaspects/cacheproxy/internal/vault"
)

type fakeUpstream struct {
	calls    int32
	response upstream.Response
	err      error
	delay    chan struct{}

	mu       sync.Mutex
	lastBody []byte
}

func (f *fakeUpstream) Do(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.lastBody = req.Body
	f.mu.Unlock()
	if f.delay != nil {
		<-f.delay
	}
	if f.err != nil {
		return nil, f.err
	}
	r := f.response
	return &r, nil
}

func testEngine(t *testing.T, client upstream.Client, cfg *config.Config) *Engine {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := memcache.New(64)
	sel := selector.New(cfg.APIEndpoints)
	return New(cache, st, sel, client, nil, vault.New(), zerolog.Nop(), cfg)
}

func baseConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MaxConcurrentRequests = 10
	cfg.CacheHitPoolSize = 10
	cfg.CacheMissPoolSize = 10
	cfg.APIEndpoints = []config.EndpointConfig{{URL: "https://a.example", Weight: 1}}
	return cfg
}

func chatReq(model string) ChatRequest {
	raw, _ := json.Marshal(map[string]any{"model": model, "messages": []map[string]string{{"role": "user", "content": "hi"}}})
	return ChatRequest{
		Model:    model,
		Messages: []fingerprint.Message{{Role: "user", Content: "hi"}},
		Raw:      raw,
	}
}

func TestChat_MissCallsUpstreamAndCaches(t *testing.T) {
	client := &fakeUpstream{response: upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}}
	e := testEngine(t, client, baseConfig())

	out, err := e.Chat(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.CacheHit {
		t.Fatal("expected a cache miss on first call")
	}
	if string(out.Body) != `{"ok":true}` {
		t.Fatalf("Body: got %q", out.Body)
	}
	if client.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", client.calls)
	}
}

func TestChat_SecondIdenticalRequestHitsMemoryCache(t *testing.T) {
	client := &fakeUpstream{response: upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}}
	e := testEngine(t, client, baseConfig())

	if _, err := e.Chat(context.Background(), chatReq("m")); err != nil {
		t.Fatalf("Chat (first): %v", err)
	}
	out, err := e.Chat(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("Chat (second): %v", err)
	}
	if !out.CacheHit {
		t.Fatal("expected a cache hit on second identical call")
	}
	if client.calls != 1 {
		t.Fatalf("expected only 1 upstream call total, got %d", client.calls)
	}
}

func TestChat_ConcurrentIdenticalMisses_SingleFlight(t *testing.T) {
	delay := make(chan struct{})
	client := &fakeUpstream{response: upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}, delay: delay}
	e := testEngine(t, client, baseConfig())

	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := e.Chat(context.Background(), chatReq("m")); err != nil {
				t.Errorf("Chat: %v", err)
			}
		}()
	}
	close(delay)
	wg.Wait()

	if client.calls != 1 {
		t.Fatalf("expected singleflight to collapse to 1 upstream call, got %d", client.calls)
	}
}

func TestChat_AdmissionExhausted_Rejects(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrentRequests = 1

	upstreamEntered := make(chan struct{})
	release := make(chan struct{})
	client := &fakeUpstream{response: upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}}
	client.delay = release

	e := testEngine(t, client, cfg)

	go func() {
		close(upstreamEntered)
		e.Chat(context.Background(), chatReq("m1"))
	}()

	<-upstreamEntered
	// Give the first Chat call a chance to reach the blocked upstream call
	// and hold its admission slot. There is no signal for "inside Do" short
	// of the fake itself, so block on a second, distinct fingerprint which
	// only needs the admission slot to be held, not drained to zero.
	var err error
	for i := 0; i < 200 && err == nil; i++ {
		_, err = e.Chat(context.Background(), chatReq("m2"))
	}
	close(release)

	if !errors.Is(err, ErrAdmissionExhausted) {
		t.Fatalf("expected ErrAdmissionExhausted, got %v", err)
	}
}

func TestChat_UpstreamErrorStatusIsNotGoError(t *testing.T) {
	client := &fakeUpstream{response: upstream.Response{StatusCode: http.StatusServiceUnavailable, Body: []byte(`{"error":"down"}`)}}
	e := testEngine(t, client, baseConfig())

	out, err := e.Chat(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out.StatusCode != http.StatusBadGateway {
		t.Fatalf("StatusCode: got %d, want 502", out.StatusCode)
	}
}

func TestOverrideModel_RewritesModelField(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"model": "original", "messages": []string{}})
	out := overrideModel(raw, "replacement")

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["model"] != "replacement" {
		t.Fatalf("model: got %v, want replacement", parsed["model"])
	}
}

func TestOverrideMessages_RewritesMessagesField(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"model": "m", "messages": []map[string]string{{"role": "user", "content": "long history"}}})
	out, err := overrideMessages(raw, []fingerprint.Message{{Role: "user", Content: "trimmed"}})
	if err != nil {
		t.Fatalf("overrideMessages: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["model"] != "m" {
		t.Fatalf("model should be untouched, got %v", parsed["model"])
	}
	msgs := parsed["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["content"] != "trimmed" {
		t.Fatalf("messages: got %v, want trimmed content", parsed["messages"])
	}
}

func TestChat_FingerprintIgnoresTrimming(t *testing.T) {
	// Two requests with identical messages but different context-trim
	// settings must still map to the same cache entry: fingerprinting
	// runs on the caller's original messages, before any trimming.
	client := &fakeUpstream{response: upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}}

	cfgNoTrim := baseConfig()
	cfgNoTrim.ContextTrim = config.ContextTrimConfig{Enabled: false}
	e := testEngine(t, client, cfgNoTrim)

	if _, err := e.Chat(context.Background(), chatReq("m")); err != nil {
		t.Fatalf("Chat (no trim): %v", err)
	}

	cfgTrim := baseConfig()
	cfgTrim.ContextTrim = config.ContextTrimConfig{Enabled: true, MaxContextTokens: 1}
	e2 := testEngine(t, client, cfgTrim)
	e2.cache = e.cache // share the memory tier as if served by the same process

	out, err := e2.Chat(context.Background(), chatReq("m"))
	if err != nil {
		t.Fatalf("Chat (trim enabled): %v", err)
	}
	if !out.CacheHit {
		t.Fatal("expected cache hit: trimming must not change the fingerprint")
	}
	if client.calls != 1 {
		t.Fatalf("expected only the first call to reach upstream, got %d calls", client.calls)
	}
}

func TestChat_TrimmedRequestForwardsTrimmedBody(t *testing.T) {
	// When context trimming drops messages, the body actually sent
	// upstream must carry the trimmed messages, not the original raw body.
	// The first system message and the last user message are protected
	// from dropping, so the middle two messages here are the ones that
	// must disappear from the outbound body.
	client := &fakeUpstream{response: upstream.Response{StatusCode: http.StatusOK, Body: []byte(`{"ok":true}`)}}
	cfg := baseConfig()
	cfg.ContextTrim = config.ContextTrimConfig{Enabled: true, MaxContextTokens: 1}
	e := testEngine(t, client, cfg)

	messages := []fingerprint.Message{
		{Role: "system", Content: "be concise"},
		{Role: "user", Content: "a long earlier question that should be dropped under trimming"},
		{Role: "assistant", Content: "a long earlier answer that should also be dropped under trimming"},
		{Role: "user", Content: "the final question"},
	}
	raw, _ := json.Marshal(map[string]any{"model": "m", "messages": messages})
	req := ChatRequest{Model: "m", Messages: messages, Raw: raw}

	if _, err := e.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", client.calls)
	}

	var sent struct {
		Messages []fingerprint.Message `json:"messages"`
	}
	if err := json.Unmarshal(client.lastBody, &sent); err != nil {
		t.Fatalf("unmarshal forwarded body: %v", err)
	}
	if len(sent.Messages) != 2 {
		t.Fatalf("expected trimming to leave only the protected system+final-user messages, got %d: %+v", len(sent.Messages), sent.Messages)
	}
	if sent.Messages[0].Role != "system" || sent.Messages[1].Content != "the final question" {
		t.Fatalf("unexpected forwarded messages: %+v", sent.Messages)
	}
}
