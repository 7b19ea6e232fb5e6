// Package trim implements the context trimmer (C6): when a request's
// estimated token count exceeds the configured budget, it drops whole
// messages oldest-first until the estimate fits, while always preserving
// the first system message and the last user message. Messages are
// dropped outright rather than summarized — content is never truncated.
package trim

import "github.com/allaspects/cacheproxy/internal/fingerprint"

// charsPerToken is a rough token-length heuristic: good enough to decide
// whether trimming is needed without pulling in a real tokenizer.
const charsPerToken = 4

// EstimateTokens returns the rough token count of a single message using
// the char/4 heuristic.
func EstimateTokens(msg fingerprint.Message) int {
	return estimateChars(len(msg.Content))
}

func estimateChars(n int) int {
	tok := n / charsPerToken
	if tok == 0 && n > 0 {
		return 1
	}
	return tok
}

// EstimateTotal returns the rough total token count across all messages.
func EstimateTotal(messages []fingerprint.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m)
	}
	return total
}

// Result reports what Trim did.
type Result struct {
	Messages        []fingerprint.Message
	Trimmed         bool
	OriginalTokens  int
	RemainingTokens int
	DroppedCount    int
}

// Trim drops whole messages, oldest first, until the estimated token count
// is at or below maxTokens. The first system message and the last user
// message are never dropped. If even after dropping every droppable
// message the total still exceeds maxTokens, the protected messages are
// returned as-is — content is never truncated.
func Trim(messages []fingerprint.Message, maxTokens int) Result {
	original := EstimateTotal(messages)
	if maxTokens <= 0 || original <= maxTokens {
		return Result{Messages: messages, OriginalTokens: original, RemainingTokens: original}
	}

	protected := protectedIndices(messages)

	kept := make([]fingerprint.Message, len(messages))
	copy(kept, messages)
	keepFlags := make([]bool, len(messages))
	for i := range keepFlags {
		keepFlags[i] = true
	}

	total := original
	dropped := 0
	for i := 0; i < len(messages) && total > maxTokens; i++ {
		if protected[i] {
			continue
		}
		if !keepFlags[i] {
			continue
		}
		keepFlags[i] = false
		total -= EstimateTokens(messages[i])
		dropped++
	}

	out := make([]fingerprint.Message, 0, len(messages)-dropped)
	for i, m := range messages {
		if keepFlags[i] {
			out = append(out, m)
		}
	}

	return Result{
		Messages:        out,
		Trimmed:         dropped > 0,
		OriginalTokens:  original,
		RemainingTokens: total,
		DroppedCount:    dropped,
	}
}

// protectedIndices marks the first system message and the last user
// message as never droppable.
func protectedIndices(messages []fingerprint.Message) map[int]bool {
	protected := make(map[int]bool, 2)
	for i, m := range messages {
		if m.Role == "system" {
			protected[i] = true
			break
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			protected[i] = true
			break
		}
	}
	return protected
}
