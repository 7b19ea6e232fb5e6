package trim

import (
	"strings"
	"testing"

	"github.com/allaspects/cacheproxy/internal/fingerprint"
)

func msg(role string, chars int) fingerprint.Message {
	return fingerprint.Message{Role: role, Content: strings.Repeat("x", chars)}
}

func TestTrim_NoopWhenUnderBudget(t *testing.T) {
	messages := []fingerprint.Message{
		msg("system", 40),
		msg("user", 40),
	}
	res := Trim(messages, 1000)
	if res.Trimmed {
		t.Fatal("expected no trimming under budget")
	}
	if len(res.Messages) != 2 {
		t.Fatalf("expected messages unchanged, got %d", len(res.Messages))
	}
}

func TestTrim_DropsOldestFirst(t *testing.T) {
	messages := []fingerprint.Message{
		msg("system", 40),  // protected: first system
		msg("user", 400),   // oldest droppable
		msg("assistant", 400),
		msg("user", 400),   // protected: last user
	}
	// total ~ (40+400+400+400)/4 = 310 tokens
	res := Trim(messages, 200)
	if !res.Trimmed {
		t.Fatal("expected trimming")
	}
	if res.RemainingTokens > 200 {
		// protected messages alone may still exceed budget; that's fine
		// as long as the trimmer dropped what it could.
	}
	// system and last user message must survive.
	if res.Messages[0].Role != "system" {
		t.Fatalf("expected first message to remain system, got %s", res.Messages[0].Role)
	}
	if res.Messages[len(res.Messages)-1].Role != "user" {
		t.Fatalf("expected last message to remain user, got %s", res.Messages[len(res.Messages)-1].Role)
	}
}

func TestTrim_NeverDropsProtectedMessages(t *testing.T) {
	messages := []fingerprint.Message{
		msg("system", 4000),
		msg("user", 4000),
	}
	res := Trim(messages, 1)
	if len(res.Messages) != 2 {
		t.Fatalf("expected both protected messages retained, got %d", len(res.Messages))
	}
}

func TestTrim_NeverTruncatesContent(t *testing.T) {
	long := strings.Repeat("y", 4000)
	messages := []fingerprint.Message{
		{Role: "system", Content: long},
		msg("user", 40),
	}
	res := Trim(messages, 1)
	if res.Messages[0].Content != long {
		t.Fatal("content must never be truncated, only whole messages dropped")
	}
}

func TestTrim_DropsMiddleKeepingOrder(t *testing.T) {
	messages := []fingerprint.Message{
		msg("system", 40),
		msg("user", 800),
		msg("assistant", 40),
		msg("user", 40),
	}
	res := Trim(messages, 50)
	if res.DroppedCount == 0 {
		t.Fatal("expected at least one dropped message")
	}
	if res.Messages[0].Role != "system" {
		t.Fatalf("first message role: got %s", res.Messages[0].Role)
	}
	if res.Messages[len(res.Messages)-1].Role != "user" {
		t.Fatalf("last message role: got %s", res.Messages[len(res.Messages)-1].Role)
	}
}

func TestEstimateTokens_CharDivFour(t *testing.T) {
	if got := EstimateTokens(msg("user", 40)); got != 10 {
		t.Fatalf("EstimateTokens: got %d, want 10", got)
	}
}

func TestEstimateTokens_ShortNonEmptyRoundsUpToOne(t *testing.T) {
	if got := EstimateTokens(msg("user", 2)); got != 1 {
		t.Fatalf("EstimateTokens: got %d, want 1", got)
	}
}
