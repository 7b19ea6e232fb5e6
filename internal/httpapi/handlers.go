package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/rs/zerolog"

	"github.com/allaspects/cacheproxy/internal/config"
	"github.com/allaspects/cacheproxy/internal/dispatch"
	"github.com/allaspects/cacheproxy/internal/fingerprint"
)

// Handlers adapts HTTP requests to the dispatch engine (C7).
type Handlers struct {
	engine    *dispatch.Engine
	endpoints []config.EndpointConfig
	logger    zerolog.Logger
}

// NewHandlers builds the Handlers for a Server.
func NewHandlers(engine *dispatch.Engine, endpoints []config.EndpointConfig, logger zerolog.Logger) *Handlers {
	return &Handlers{engine: engine, endpoints: endpoints, logger: logger}
}

type chatCompletionBody struct {
	Model          string                 `json:"model"`
	Messages       []fingerprint.Message  `json:"messages"`
	Temperature    *float64               `json:"temperature"`
	MaxTokens      int                    `json:"max_tokens"`
	Stream         bool                   `json:"stream"`
	EnableThinking bool                   `json:"enable_thinking"`
}

// ChatCompletions handles POST /v1/chat/completions and /chat/completions.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	var body chatCompletionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Model == "" || len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}
	if body.Stream {
		writeError(w, http.StatusBadRequest, "stream=true is not supported")
		return
	}

	out, err := h.engine.Chat(r.Context(), dispatch.ChatRequest{
		Model:          body.Model,
		Messages:       body.Messages,
		Temperature:    body.Temperature,
		MaxTokens:      body.MaxTokens,
		Stream:         body.Stream,
		EnableThinking: body.EnableThinking,
		Raw:            raw,
	})
	h.writeOutcome(w, out, err)
}

type embeddingBody struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// Embeddings handles POST /v1/embeddings and /embeddings.
func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	var body embeddingBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Model == "" || body.Input == "" {
		writeError(w, http.StatusBadRequest, "model and input are required")
		return
	}

	out, err := h.engine.Embedding(r.Context(), dispatch.EmbeddingRequest{
		Model: body.Model,
		Input: body.Input,
		Raw:   raw,
	})
	h.writeOutcome(w, out, err)
}

// Models handles GET /v1/models and /models: the union of models declared
// across configured endpoints, without contacting any upstream.
func (h *Handlers) Models(w http.ResponseWriter, r *http.Request) {
	if len(h.endpoints) == 0 {
		writeError(w, http.StatusNotFound, "no endpoints configured")
		return
	}

	seen := make(map[string]bool)
	for _, ep := range h.endpoints {
		if ep.Model != "" {
			seen[ep.Model] = true
		}
	}
	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)

	data := make([]map[string]any, len(models))
	for i, m := range models {
		data[i] = map[string]any{"id": m, "object": "model"}
	}

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) writeOutcome(w http.ResponseWriter, out dispatch.Outcome, err error) {
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrAdmissionExhausted):
			writeError(w, http.StatusServiceUnavailable, "server is at capacity, try again shortly")
		default:
			h.logger.Error().Err(err).Msg("httpapi: dispatch failed")
			writeError(w, http.StatusBadGateway, "upstream request failed")
		}
		return
	}

	cacheStatus := "MISS"
	if out.CacheHit {
		cacheStatus = "HIT"
	}
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.StatusCode)
	_, _ = w.Write(out.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": message}})
}
