package window

import (
	"fmt"
	"testing"

	"github.com/hollowlog/parley/internal/conversation"
)

func record(persona string, turns int) []conversation.Message {
	msgs := []conversation.Message{conversation.SystemMessage(persona)}
	for i := 0; i < turns; i++ {
		msgs = append(msgs, conversation.Message{
			Role:    conversation.RoleUser,
			Content: fmt.Sprintf("turn-%d", i),
		})
	}
	return msgs
}

func TestOptimizeForCall_HalfLengthBudget(t *testing.T) {
	// Length-20 record, threshold 4, cap 20: expect system + the 10 most
	// recent non-system messages.
	cfg := Config{MaxLength: 20, SkipThreshold: 4, Persona: "p"}
	rec := record("p", 19) // 1 system + 19 turns = 20

	got := OptimizeForCall(rec, cfg)
	if len(got) != 11 {
		t.Fatalf("len = %d, want 11 (system + 10 recent)", len(got))
	}
	if got[0].Role != conversation.RoleSystem {
		t.Fatalf("index 0 role = %q, want system", got[0].Role)
	}
	if got[1].Content != "turn-9" || got[10].Content != "turn-18" {
		t.Errorf("window = [%s .. %s], want [turn-9 .. turn-18]", got[1].Content, got[10].Content)
	}
}

func TestOptimizeForCall_SkipOnCheap(t *testing.T) {
	cfg := Config{MaxLength: 20, SkipThreshold: 4, Persona: "p"}
	rec := record("p", 3)

	got := OptimizeForCall(rec, cfg)
	if len(got) != len(rec) {
		t.Fatalf("len = %d, want record returned unchanged", len(got))
	}
}

func TestOptimizeForCall_SynthesizesMissingSystem(t *testing.T) {
	cfg := Config{MaxLength: 10, SkipThreshold: 2, Persona: "synthesized persona"}
	rec := []conversation.Message{
		{Role: conversation.RoleUser, Content: "a"},
		{Role: conversation.RoleUser, Content: "b"},
		{Role: conversation.RoleUser, Content: "c"},
	}

	got := OptimizeForCall(rec, cfg)
	if got[0].Role != conversation.RoleSystem || got[0].Content != "synthesized persona" {
		t.Fatalf("index 0 = %+v, want synthesized system message", got[0])
	}
}

func TestOptimizeForCall_NeverExceedsCap(t *testing.T) {
	cfg := Config{MaxLength: 8, SkipThreshold: 2, Persona: "p"}
	got := OptimizeForCall(record("p", 100), cfg)
	if len(got) > 8 {
		t.Errorf("len = %d, want <= cap", len(got))
	}
}

func TestDefaultStrategies_OrderAndFallback(t *testing.T) {
	strategies := DefaultStrategies()
	wantNames := []string{"optimized", "tail", "minimal"}
	if len(strategies) != len(wantNames) {
		t.Fatalf("strategy count = %d, want %d", len(strategies), len(wantNames))
	}
	for i, want := range wantNames {
		if strategies[i].Name != want {
			t.Errorf("strategy %d = %q, want %q", i, strategies[i].Name, want)
		}
	}

	cfg := Config{MaxLength: 10, SkipThreshold: 2, Persona: "p"}
	rec := record("p", 30)
	for _, s := range strategies {
		out, err := s.Apply(rec, cfg)
		if err != nil {
			t.Fatalf("strategy %s failed: %v", s.Name, err)
		}
		if out[0].Role != conversation.RoleSystem {
			t.Errorf("strategy %s: slice must start with system", s.Name)
		}
		if len(out) > cfg.MaxLength {
			t.Errorf("strategy %s: len %d over cap", s.Name, len(out))
		}
	}
}

func TestMinimalStrategy_EmptyRecord(t *testing.T) {
	minimal := DefaultStrategies()[2]
	out, err := minimal.Apply(nil, Config{Persona: "p"})
	if err != nil {
		t.Fatalf("minimal must not fail: %v", err)
	}
	if len(out) != 1 || out[0].Role != conversation.RoleSystem {
		t.Fatalf("got %+v, want single system message", out)
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{MaxLength: 5, Persona: "p"}
	if err := validate(nil, cfg); err == nil {
		t.Error("empty slice should fail validation")
	}
	double := []conversation.Message{
		conversation.SystemMessage("p"),
		conversation.SystemMessage("p"),
	}
	if err := validate(double, cfg); err == nil {
		t.Error("two system messages should fail validation")
	}
	if err := validate(record("p", 2), cfg); err != nil {
		t.Errorf("valid slice failed: %v", err)
	}
	if err := validate(record("p", 10), cfg); err == nil {
		t.Error("over-cap slice should fail validation")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty = %d, want 0", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("4 chars = %d, want 1", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("5 chars = %d, want 2 (round up)", got)
	}
}
