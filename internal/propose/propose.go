// Package propose asks the generator for the next hypothesis of a run.
package propose

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/llm"
	"github.com/lucasnoah/rdloop/internal/prompt"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Attempt pairs a past hypothesis with the feedback it earned.
type Attempt struct {
	Hypothesis *workspace.Hypothesis
	Feedback   *workspace.Feedback
}

// Request is everything the proposer may condition on.
type Request struct {
	RunID      string
	Generation int
	Problem    workspace.Problem
	Previous   *Attempt  // nil for generation 0
	Best       *Attempt  // nil until a generation has been scored
	History    []Attempt // oldest first
}

const (
	maxHistory      = 5
	maxSummaryChars = 200
	systemPrompt    = "You are a research scientist proposing the next experiment."
)

var sectionRe = regexp.MustCompile(`(?im)^\s*\**(HYPOTHESIS|RATIONALE)\**\s*:\s*(?:\*\*)?\s*`)

// Model proposes hypotheses with a generator.
type Model struct {
	gen         llm.Generator
	prompts     *prompt.Set
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// Option configures a Model.
type Option func(*Model)

func WithLogger(l *zap.Logger) Option       { return func(m *Model) { m.logger = l } }
func WithPrompts(s *prompt.Set) Option      { return func(m *Model) { m.prompts = s } }
func WithClock(now func() time.Time) Option { return func(m *Model) { m.now = now } }

// WithMaxAttempts bounds generator calls per proposal.
func WithMaxAttempts(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// New returns a Model proposer.
func New(gen llm.Generator, opts ...Option) *Model {
	m := &Model{gen: gen, prompts: prompt.NewSet(""), logger: zap.NewNop(), maxAttempts: 3, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Propose returns the hypothesis for req.Generation.
func (m *Model) Propose(ctx context.Context, req Request) (*workspace.Hypothesis, error) {
	ctx, span := otel.Tracer("rdloop/propose").Start(ctx, "propose.Propose")
	defer span.End()
	span.SetAttributes(attribute.Int("generation", req.Generation))

	text, err := m.prompts.Render(prompt.Propose, vars(req))
	if err != nil {
		return nil, fmt.Errorf("render propose prompt: %w", err)
	}

	var last error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		resp, err := m.gen.Generate(ctx, llm.Request{Purpose: llm.PurposePropose, System: systemPrompt, Prompt: text})
		if err == nil {
			content, rationale := Parse(resp.Text)
			if content != "" {
				h := &workspace.Hypothesis{
					ID:         workspace.HypothesisID(req.RunID, req.Generation),
					RunID:      req.RunID,
					Generation: req.Generation,
					Content:    content,
					Rationale:  rationale,
					CreatedAt:  m.now().UTC(),
				}
				if req.Previous != nil && req.Previous.Feedback != nil {
					h.FeedbackID = req.Previous.Feedback.ID
				}
				return h, nil
			}
			err = fmt.Errorf("%w: empty hypothesis", llm.ErrMalformed)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !llm.Transient(err) && !errors.Is(err, llm.ErrMalformed) {
			span.RecordError(err)
			return nil, fmt.Errorf("propose hypothesis: %w", err)
		}
		m.logger.Warn("proposal failed", zap.Int("attempt", attempt), zap.Error(err))
		last = err
	}
	span.RecordError(last)
	return nil, fmt.Errorf("propose hypothesis after %d attempts: %w", m.maxAttempts, last)
}

// Parse splits a reply into hypothesis content and rationale. A reply
// without markers is taken whole as the content.
func Parse(text string) (content, rationale string) {
	idx := sectionRe.FindAllStringSubmatchIndex(text, -1)
	if len(idx) == 0 {
		return strings.TrimSpace(text), ""
	}
	for i, m := range idx {
		end := len(text)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		body := strings.TrimSpace(text[m[1]:end])
		switch strings.ToUpper(text[m[2]:m[3]]) {
		case "HYPOTHESIS":
			if content == "" {
				content = body
			}
		case "RATIONALE":
			if rationale == "" {
				rationale = body
			}
		}
	}
	return content, rationale
}

func vars(req Request) prompt.Vars {
	v := prompt.Vars{
		"problem":             req.Problem.Description,
		"generation":          strconv.Itoa(req.Generation),
		"history":             history(req.History),
		"previous_feedback":   "",
		"previous_hypothesis": "",
		"previous_score":      "",
		"best_hypothesis":     "",
		"best_score":          "",
	}
	if p := req.Previous; p != nil && p.Hypothesis != nil && p.Feedback != nil {
		v["previous_hypothesis"] = p.Hypothesis.Content
		v["previous_score"] = FormatScore(p.Feedback.Score)
		v["previous_feedback"] = p.Feedback.Critique
	}
	if b := req.Best; b != nil && b.Hypothesis != nil && b.Feedback != nil && !b.Feedback.Score.IsWorst() {
		v["best_hypothesis"] = b.Hypothesis.Content
		v["best_score"] = FormatScore(b.Feedback.Score)
	}
	return v
}

func history(attempts []Attempt) string {
	if len(attempts) > maxHistory {
		attempts = attempts[len(attempts)-maxHistory:]
	}
	var b strings.Builder
	for _, a := range attempts {
		if a.Hypothesis == nil {
			continue
		}
		score := "unscored"
		if a.Feedback != nil {
			score = FormatScore(a.Feedback.Score)
		}
		content := strings.Join(strings.Fields(a.Hypothesis.Content), " ")
		if len(content) > maxSummaryChars {
			content = content[:maxSummaryChars] + "..."
		}
		fmt.Fprintf(&b, "- generation %d (score %s): %s\n", a.Hypothesis.Generation, score, content)
	}
	return b.String()
}

// FormatScore renders a score for prompts and CLI output.
func FormatScore(s workspace.Score) string {
	if s.IsWorst() {
		return "failed"
	}
	return strconv.FormatFloat(float64(s), 'g', 6, 64)
}
