// Package dispatch implements the dispatch engine (C7): the request state
// machine wiring fingerprinting, context trimming, the two cache tiers, the
// upstream selector, and the idle flusher together behind admission and
// pool concurrency limits.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/allaspects/cacheproxy/internal/config"
	"github.com/allaspects/cacheproxy/internal/fingerprint"
	"github.com/allaspects/cacheproxy/internal/flusher"
	"github.com/allaspects/cacheproxy/internal/memcache"
	"github.com/allaspects/cacheproxy/internal/selector"
	"github.com/allaspects/cacheproxy/internal/store"
	"github.com/allaspects/cacheproxy/internal/tracing"
	"github.com/allaspects/cacheproxy/internal/trim"
	"github.com/allaspects/cacheproxy/internal/upstream"
	"github.com/allaspects/cacheproxy/internal/vault"
)

// ErrAdmissionExhausted is returned when the request could not be admitted
// because max_concurrent_requests in-flight requests are already being
// served. Admission exhaustion rejects the request rather than queuing it.
var ErrAdmissionExhausted = errors.New("dispatch: admission limit exhausted")

// ChatRequest is the subset of an inbound chat-completion request the
// engine needs, already parsed from JSON by the HTTP layer (A3).
type ChatRequest struct {
	Model          string
	Messages       []fingerprint.Message
	Temperature    *float64
	MaxTokens      int
	Stream         bool
	EnableThinking bool
	Raw            json.RawMessage // original body, forwarded upstream on miss
}

// Outcome is the result of Dispatch, enough for the HTTP layer to write a
// response.
type Outcome struct {
	StatusCode int
	Body       []byte
	CacheHit   bool
}

// Engine is the C7 dispatch engine.
type Engine struct {
	cache    *memcache.Cache
	store    *store.Store
	selector *selector.Selector
	client   upstream.Client
	flusher  *flusher.Flusher
	vault    *vault.Vault
	logger   zerolog.Logger

	admission *semaphore.Weighted
	hitPool   *semaphore.Weighted
	missPool  *semaphore.Weighted
	inflight  singleflight.Group

	cacheVersion         int
	cacheOverrideMode    bool
	compressionThreshold int
	contextTrim          config.ContextTrimConfig
	maxRetryAttempts     int
	apiHeaders           map[string]string
}

// New builds an Engine from its collaborators and the live config snapshot.
func New(
	cache *memcache.Cache,
	st *store.Store,
	sel *selector.Selector,
	client upstream.Client,
	fl *flusher.Flusher,
	vlt *vault.Vault,
	logger zerolog.Logger,
	cfg *config.Config,
) *Engine {
	return &Engine{
		cache:                cache,
		store:                st,
		selector:             sel,
		client:               client,
		flusher:              fl,
		vault:                vlt,
		logger:               logger,
		admission:            semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		hitPool:              semaphore.NewWeighted(int64(cfg.CacheHitPoolSize)),
		missPool:             semaphore.NewWeighted(int64(cfg.CacheMissPoolSize)),
		cacheVersion:         cfg.CacheVersion,
		cacheOverrideMode:    cfg.CacheOverrideMode,
		compressionThreshold: cfg.Compression.ThresholdBytes,
		contextTrim:          cfg.ContextTrim,
		maxRetryAttempts:     maxInt(len(cfg.APIEndpoints), 1),
		apiHeaders:           cfg.APIHeaders,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Chat serves a chat-completion request: cache-first, with a singleflight
// upstream call on a true miss. Fingerprinting always runs over the
// caller's original messages, before any trimming, so that two callers
// sending the same content map to the same cache entry regardless of the
// context-trim policy in effect when either of them was served. Trimming
// only ever touches the body forwarded upstream on a miss. The fingerprint
// uses the model named in the request; an endpoint's model override is
// applied only to the forwarded body and does not enter the fingerprint.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (Outcome, error) {
	if !e.admission.TryAcquire(1) {
		return Outcome{}, ErrAdmissionExhausted
	}
	defer e.admission.Release(1)

	fp := fingerprint.Hex(fingerprint.Chat(req.Model, req.Messages, req.Temperature, req.MaxTokens, req.Stream, req.EnableThinking))

	if out, ok := e.lookupCached(fp); ok {
		return out, nil
	}

	// True miss: de-dup concurrent identical requests via singleflight, and
	// bound in-flight miss traffic via the miss pool.
	if err := e.missPool.Acquire(ctx, 1); err != nil {
		return Outcome{}, fmt.Errorf("dispatch: acquiring miss pool slot: %w", err)
	}
	defer e.missPool.Release(1)

	outbound := req.Raw
	if e.contextTrim.Enabled {
		result := trim.Trim(req.Messages, e.contextTrim.MaxContextTokens)
		if result.Trimmed {
			e.logger.Debug().
				Int("original_tokens", result.OriginalTokens).
				Int("remaining_tokens", result.RemainingTokens).
				Int("dropped", result.DroppedCount).
				Msg("dispatch: trimmed context")
			if trimmed, err := overrideMessages(req.Raw, result.Messages); err == nil {
				outbound = trimmed
			} else {
				e.logger.Warn().Err(err).Msg("dispatch: failed to rewrite trimmed messages, forwarding original body")
			}
		}
	}

	v, err, _ := e.inflight.Do(fp, func() (any, error) {
		return e.forwardAndCache(ctx, fp, req.Model, outbound)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

// EmbeddingRequest is the subset of an inbound embeddings request the
// engine needs.
type EmbeddingRequest struct {
	Model string
	Input string
	Raw   json.RawMessage
}

// Embedding serves an embeddings request with the same cache-first,
// singleflight-on-miss flow as Chat.
func (e *Engine) Embedding(ctx context.Context, req EmbeddingRequest) (Outcome, error) {
	if !e.admission.TryAcquire(1) {
		return Outcome{}, ErrAdmissionExhausted
	}
	defer e.admission.Release(1)

	fp := fingerprint.Hex(fingerprint.Embedding(req.Model, req.Input))

	if out, ok := e.lookupCached(fp); ok {
		return out, nil
	}

	if err := e.missPool.Acquire(ctx, 1); err != nil {
		return Outcome{}, fmt.Errorf("dispatch: acquiring miss pool slot: %w", err)
	}
	defer e.missPool.Release(1)

	v, err, _ := e.inflight.Do(fp, func() (any, error) {
		return e.forwardAndCache(ctx, fp, req.Model, req.Raw)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

// lookupCached checks the memory cache then the persistent store for an
// existing answer at the live cache version. On a store hit it repopulates
// the memory cache as clean (already durable) so subsequent reads are
// served from memory.
func (e *Engine) lookupCached(fp string) (Outcome, bool) {
	if entry, ok := e.cache.Get(fp); ok && entry.Version == e.cacheVersion {
		if e.hitPool.TryAcquire(1) {
			defer e.hitPool.Release(1)
			e.bumpAccessAsync(fp)
		}
		// Pool exhausted: still serve the hit, just skip the async
		// bookkeeping bump rather than blocking the request.
		return Outcome{StatusCode: http.StatusOK, Body: entry.AnswerPayload, CacheHit: true}, true
	}

	q, a, err := e.store.GetByFingerprint(fp, e.cacheVersion)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Err(err).Str("fingerprint", fp).Msg("dispatch: store lookup failed, treating as miss")
		}
		return Outcome{}, false
	}

	e.cache.Put(fp, memcache.Entry{
		Fingerprint:    fp,
		RequestPayload: q.Payload,
		Version:        q.Version,
		AnswerPayload:  a.Payload,
	}, false)
	e.bumpAccessAsync(fp)

	return Outcome{StatusCode: http.StatusOK, Body: a.Payload, CacheHit: true}, true
}

func (e *Engine) bumpAccessAsync(fp string) {
	go func() {
		now := time.Now().UTC().Format(time.RFC3339)
		if err := e.store.BumpAccess(fp, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Err(err).Str("fingerprint", fp).Msg("dispatch: bump access failed")
		}
	}()
}

// forwardAndCache performs the actual upstream call for a cache miss and
// records the result in both cache tiers. raw carries the body to forward
// upstream: for chat requests with context trimming applied, this is
// already the trimmed body, not the caller's original.
func (e *Engine) forwardAndCache(ctx context.Context, fp, model string, raw json.RawMessage) (Outcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch.forward")
	defer span.End()
	tracing.SetRequestAttributes(ctx, fp, model)

	result, err := e.selector.Dispatch(ctx, e.maxRetryAttempts, func(ctx context.Context, ep config.EndpointConfig) (any, error) {
		return e.callEndpoint(ctx, ep, raw)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		tracing.RecordError(ctx, err)
		if errors.Is(err, selector.ErrNoEndpoints) {
			return Outcome{}, fmt.Errorf("dispatch: %w", err)
		}
		return Outcome{}, fmt.Errorf("dispatch: upstream call failed: %w", err)
	}

	resp := result.(*upstream.Response)
	if resp.StatusCode >= 400 {
		return Outcome{StatusCode: http.StatusBadGateway, Body: resp.Body}, nil
	}

	e.cache.Put(fp, memcache.Entry{
		Fingerprint:    fp,
		RequestPayload: raw,
		Version:        e.cacheVersion,
		AnswerPayload:  resp.Body,
	}, true)
	if e.flusher != nil {
		e.flusher.Touch()
	}

	return Outcome{StatusCode: resp.StatusCode, Body: resp.Body, CacheHit: false}, nil
}

func (e *Engine) callEndpoint(ctx context.Context, ep config.EndpointConfig, raw json.RawMessage) (*upstream.Response, error) {
	ctx, span := tracing.StartUpstreamSpan(ctx, ep.URL)
	defer span.End()

	headers := make(map[string]string, len(e.apiHeaders)+2)
	for k, v := range e.apiHeaders {
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	tracing.InjectHeaders(ctx, headers)

	if ep.KeyRef != "" {
		key, err := e.vault.ResolveEndpointKey(ep.KeyRef)
		if err != nil {
			tracing.RecordError(ctx, err)
			return nil, fmt.Errorf("resolving credential for %s: %w", ep.URL, err)
		}
		if key != "" {
			headers["Authorization"] = "Bearer " + key
		}
	}

	body := raw
	if ep.Model != "" {
		body = overrideModel(raw, ep.Model)
	}

	resp, err := e.client.Do(ctx, upstream.Request{
		Method:  http.MethodPost,
		URL:     ep.URL,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	tracing.SetResponseAttributes(ctx, resp.StatusCode)
	return resp, nil
}

// overrideMessages rewrites the "messages" field of a raw JSON chat request
// body to the trimmed message list, leaving every other field untouched.
// Falls back to an error (and the original body) if the raw body doesn't
// decode as a JSON object.
func overrideMessages(raw json.RawMessage, messages []fingerprint.Message) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw, fmt.Errorf("decoding request body: %w", err)
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return raw, fmt.Errorf("encoding trimmed messages: %w", err)
	}
	generic["messages"] = messagesJSON
	out, err := json.Marshal(generic)
	if err != nil {
		return raw, fmt.Errorf("encoding request body: %w", err)
	}
	return out, nil
}

// overrideModel rewrites the "model" field of a raw JSON chat request body
// to the endpoint's configured model, leaving every other field untouched.
func overrideModel(raw json.RawMessage, model string) json.RawMessage {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	modelJSON, err := json.Marshal(model)
	if err != nil {
		return raw
	}
	generic["model"] = modelJSON
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}
