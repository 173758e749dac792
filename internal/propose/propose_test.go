package propose

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/rdloop/internal/llm"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name, in, content, rationale string
	}{
		{"markers", "HYPOTHESIS: sort then scan\nRATIONALE: linear after sort", "sort then scan", "linear after sort"},
		{"bold markers", "**Hypothesis:** use a heap\n\n**Rationale:** k is small\n", "use a heap", "k is small"},
		{"multi-line", "HYPOTHESIS: one\ntwo\nRATIONALE: r", "one\ntwo", "r"},
		{"plain", "  just try caching  ", "just try caching", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, r := Parse(tt.in)
			if c != tt.content || r != tt.rationale {
				t.Errorf("Parse = (%q, %q), want (%q, %q)", c, r, tt.content, tt.rationale)
			}
		})
	}
}

func TestPropose(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	gen := llm.NewScripted().Reply(llm.PurposePropose, "HYPOTHESIS: memoize\nRATIONALE: repeated subproblems")
	m := New(gen, WithClock(func() time.Time { return now }))

	prev := &Attempt{
		Hypothesis: &workspace.Hypothesis{ID: "r/g0", Generation: 0, Content: "brute force"},
		Feedback:   &workspace.Feedback{ID: "r/g0/feedback", Score: workspace.WorstScore, Critique: "status: timeout"},
	}
	h, err := m.Propose(context.Background(), Request{
		RunID:      "r",
		Generation: 1,
		Problem:    workspace.Problem{Description: "fibonacci of 90"},
		Previous:   prev,
		Best:       prev,
		History:    []Attempt{*prev},
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if h.ID != "r/g1" || h.Generation != 1 || h.FeedbackID != "r/g0/feedback" {
		t.Errorf("hypothesis = %+v", h)
	}
	if h.Content != "memoize" || h.Rationale != "repeated subproblems" || !h.CreatedAt.Equal(now) {
		t.Errorf("hypothesis = %+v", h)
	}

	p := gen.Calls()[0].Prompt
	for _, want := range []string{"fibonacci of 90", "status: timeout", "generation 0 (score failed): brute force"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "Best so far") {
		t.Error("prompt shows a failed generation as the best")
	}
}

func TestPropose_RetriesTransient(t *testing.T) {
	gen := llm.NewScripted().Push(llm.PurposePropose,
		llm.Step{Err: llm.ErrRateLimited},
		llm.Step{Text: "HYPOTHESIS: greedy"},
	)
	h, err := New(gen).Propose(context.Background(), Request{RunID: "r"})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if h.Content != "greedy" || h.FeedbackID != "" {
		t.Errorf("hypothesis = %+v", h)
	}
}

func TestPropose_EmptyReplies(t *testing.T) {
	gen := llm.NewScripted().Reply(llm.PurposePropose, "   ")
	_, err := New(gen, WithMaxAttempts(2)).Propose(context.Background(), Request{RunID: "r"})
	if !errors.Is(err, llm.ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
	if n := len(gen.Calls()); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestPropose_FatalError(t *testing.T) {
	boom := errors.New("bad api key")
	gen := llm.NewScripted().Push(llm.PurposePropose, llm.Step{Err: boom})
	_, err := New(gen).Propose(context.Background(), Request{RunID: "r"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if n := len(gen.Calls()); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}
