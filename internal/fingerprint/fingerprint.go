// Package fingerprint computes the deterministic cache key for an inbound
// request: a SHA-256 digest over the semantically relevant fields, with
// header order, timestamps, upstream URL, and cache version excluded.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Message is the canonical (role, content) pair carried in a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the subset of an inbound chat-completion request that
// participates in fingerprinting. EnableThinking is included because it
// changes the upstream answer, so two requests that differ only in that
// flag must not collide on the same cache entry.
type ChatRequest struct {
	Model          string
	Messages       []Message
	Temperature    *float64
	MaxTokens      int
	Stream         bool
	EnableThinking bool
}

// EmbeddingRequest is the subset of an inbound embeddings request that
// participates in fingerprinting.
type EmbeddingRequest struct {
	Model string
	Input string
}

// canonicalChat mirrors ChatRequest but with temperature and max_tokens
// already reduced to their stable string/int forms, so that encoding/json
// produces byte-identical output across platforms for equivalent inputs.
type canonicalChat struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    string    `json:"temperature"`
	MaxTokens      int       `json:"max_tokens"`
	Stream         bool      `json:"stream"`
	EnableThinking bool      `json:"enable_thinking"`
}

type canonicalEmbedding struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// noTempSentinel marks "temperature unspecified" distinctly from any
// representable rounded value.
const noTempSentinel = "none"

// Chat computes the 32-byte fingerprint of a chat request. model is hashed
// as given: Chat does not resolve any upstream model override, and the
// dispatch engine passes the model named in the client's request.
func Chat(model string, messages []Message, temperature *float64, maxTokens int, stream, enableThinking bool) [32]byte {
	c := canonicalChat{
		Model:          model,
		Messages:       messages,
		Temperature:    formatTemperature(temperature),
		MaxTokens:      maxTokens,
		Stream:         stream,
		EnableThinking: enableThinking,
	}
	return digest(c)
}

// Embedding computes the 32-byte fingerprint of an embeddings request.
func Embedding(model, input string) [32]byte {
	return digest(canonicalEmbedding{Model: model, Input: input})
}

// formatTemperature renders temperature rounded to 6 decimal places as a
// stable string, or the sentinel when unset. strconv.FormatFloat with
// 'f' and precision 6 is used rather than fmt.Sprintf so the output is
// the same across Go versions and architectures.
func formatTemperature(t *float64) string {
	if t == nil {
		return noTempSentinel
	}
	return strconv.FormatFloat(*t, 'f', 6, 64)
}

// digest serializes v as canonical JSON (struct field order is fixed by
// the json tags above, not a map, so there is no key-ordering ambiguity)
// and returns its SHA-256 sum.
func digest(v any) [32]byte {
	b, err := json.Marshal(v)
	if err != nil {
		// json.Marshal on these concrete struct types cannot fail; fall
		// back to hashing a type-tagged error string rather than panic,
		// so a fingerprint is always produced.
		return sha256.Sum256([]byte("fingerprint-marshal-error"))
	}
	return sha256.Sum256(b)
}

// Hex renders a fingerprint as a lowercase hex string, the form stored as
// the questions table primary key.
func Hex(fp [32]byte) string {
	return hex.EncodeToString(fp[:])
}
