// Package evaluate turns execution results into scored feedback.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Directions in which a score improves.
const (
	Maximize = "maximize"
	Minimize = "minimize"
)

// DefaultCritiqueBytes caps critique text.
const DefaultCritiqueBytes = 4000

// Score is what a Scorer reports for a successful execution.
type Score struct {
	Value   workspace.Score
	Metrics map[string]workspace.Score
	Summary string
}

// Scorer is the pluggable domain scoring function. passed reports whether
// the artifacts satisfy the domain's own success criteria.
type Scorer interface {
	Score(ctx context.Context, artifacts map[string]string) (s Score, passed bool, err error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, artifacts map[string]string) (Score, bool, error)

func (f ScorerFunc) Score(ctx context.Context, artifacts map[string]string) (Score, bool, error) {
	return f(ctx, artifacts)
}

// Config holds acceptance settings.
type Config struct {
	Threshold     float64
	Direction     string // Maximize when empty
	CritiqueBytes int
}

// Evaluator produces Feedback. It reads no clock and no randomness, so the
// same result and scorer output always give the same Feedback.
type Evaluator struct {
	cfg    Config
	logger *zap.Logger
}

// New returns an Evaluator.
func New(cfg Config, logger *zap.Logger) *Evaluator {
	if cfg.Direction == "" {
		cfg.Direction = Maximize
	}
	if cfg.CritiqueBytes <= 0 {
		cfg.CritiqueBytes = DefaultCritiqueBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{cfg: cfg, logger: logger}
}

// Accepts reports whether v meets the threshold in the configured direction.
func (e *Evaluator) Accepts(v workspace.Score) bool {
	f := float64(v)
	if math.IsNaN(f) || v.IsWorst() {
		return false
	}
	if e.cfg.Direction == Minimize {
		return f <= e.cfg.Threshold
	}
	return f >= e.cfg.Threshold
}

// Better reports whether a improves on b in the configured direction.
// A worst score never improves on anything.
func (e *Evaluator) Better(a, b workspace.Score) bool {
	if a.IsWorst() || math.IsNaN(float64(a)) {
		return false
	}
	if b.IsWorst() || math.IsNaN(float64(b)) {
		return true
	}
	if e.cfg.Direction == Minimize {
		return a < b
	}
	return a > b
}

// Evaluate scores res. Non-success results get the worst score and a
// critique built from the captured error output. A scorer failure also
// yields worst-score feedback; only context errors are returned.
func (e *Evaluator) Evaluate(ctx context.Context, res *workspace.ExecutionResult, scorer Scorer) (*workspace.Feedback, error) {
	ctx, span := otel.Tracer("rdloop/evaluate").Start(ctx, "evaluate.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("execution", res.ID), attribute.String("status", string(res.Status)))

	fb := &workspace.Feedback{
		ID:          workspace.FeedbackID(workspace.HypothesisID(res.RunID, res.Generation)),
		RunID:       res.RunID,
		Generation:  res.Generation,
		ExecutionID: res.ID,
		Score:       workspace.WorstScore,
	}
	if res.Status != workspace.StatusSuccess {
		fb.Critique = FailureCritique(res, e.cfg.CritiqueBytes)
		fb.Decision = "execution " + string(res.Status)
		return fb, nil
	}

	s, passed, err := scorer.Score(ctx, res.Artifacts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrScoringTimeout) {
			return nil, ctxErr
		}
		e.logger.Warn("scorer failed", zap.String("execution", res.ID), zap.Error(err))
		fb.Critique = capTail("scoring failed: "+err.Error(), e.cfg.CritiqueBytes)
		fb.Decision = "scorer error"
		return fb, nil
	}

	fb.Score = s.Value
	if len(s.Metrics) > 0 {
		fb.Metrics = s.Metrics
	}
	fb.Accepted = passed && e.Accepts(s.Value)
	switch {
	case fb.Accepted:
		fb.Decision = "accepted"
	case !passed:
		fb.Decision = "scorer rejected"
	default:
		fb.Decision = "below threshold"
	}
	fb.Critique = e.successCritique(s, passed, fb.Accepted)
	return fb, nil
}

func (e *Evaluator) successCritique(s Score, passed, accepted bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "score %s (%s, threshold %s)", formatScore(s.Value), e.cfg.Direction, strconv.FormatFloat(e.cfg.Threshold, 'g', -1, 64))
	switch {
	case accepted:
		b.WriteString(": accepted")
	case !passed:
		b.WriteString(": the scorer reported the result as not passing")
	default:
		b.WriteString(": below threshold")
	}
	b.WriteByte('\n')
	if len(s.Metrics) > 0 {
		keys := make([]string, 0, len(s.Metrics))
		for k := range s.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s = %s\n", k, formatScore(s.Metrics[k]))
		}
	}
	if strings.TrimSpace(s.Summary) != "" {
		b.WriteString(Clean(s.Summary))
		b.WriteByte('\n')
	}
	return capTail(strings.TrimRight(b.String(), "\n"), e.cfg.CritiqueBytes)
}

// FailureCritique describes a non-success execution: a status line followed
// by the cleaned tail of stderr, or of stdout when stderr is empty.
func FailureCritique(res *workspace.ExecutionResult, limit int) string {
	var head string
	switch res.Status {
	case workspace.StatusTimeout:
		head = fmt.Sprintf("execution timed out after %s", res.Duration.Round(time.Millisecond))
	case workspace.StatusResourceExceeded:
		head = fmt.Sprintf("execution exceeded its resource limits (exit code %d)", res.ExitCode)
	default:
		head = fmt.Sprintf("execution failed with %s (exit code %d)", res.Status, res.ExitCode)
	}
	if res.Detail != "" {
		head += ": " + res.Detail
	}
	out := res.Stderr
	if strings.TrimSpace(out) == "" {
		out = res.Stdout
	}
	body := Clean(out)
	if body == "" {
		return capTail(head, limit)
	}
	return capTail(head+"\n"+body, limit)
}

// SynthesisFailure is the feedback of a generation whose implementation could
// not be synthesized.
func SynthesisFailure(runID string, generation int, err error, limit int) *workspace.Feedback {
	if limit <= 0 {
		limit = DefaultCritiqueBytes
	}
	return &workspace.Feedback{
		ID:         workspace.FeedbackID(workspace.HypothesisID(runID, generation)),
		RunID:      runID,
		Generation: generation,
		Score:      workspace.WorstScore,
		Critique:   capTail("could not synthesize an implementation: "+err.Error(), limit),
		Decision:   "synthesis failed",
	}
}

var floatRunRe = regexp.MustCompile(`(?:[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?\s*,\s*){49,}[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)

// Clean drops warning lines and collapses long runs of comma-separated
// numbers, which carry no signal for the next proposal.
func Clean(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if strings.Contains(strings.ToLower(ln), "warning") {
			continue
		}
		kept = append(kept, ln)
	}
	out := strings.Join(kept, "\n")
	out = floatRunRe.ReplaceAllStringFunc(out, func(m string) string {
		return fmt.Sprintf("[%d numbers omitted]", strings.Count(m, ",")+1)
	})
	return strings.TrimSpace(out)
}

const truncMarker = "…(truncated)\n"

// capTail keeps the last limit bytes of s, cut on a rune boundary.
func capTail(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	keep := limit - len(truncMarker)
	if keep < 0 {
		keep = 0
	}
	start := len(s) - keep
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return truncMarker + s[start:]
}

func formatScore(s workspace.Score) string {
	if s.IsWorst() {
		return "-inf"
	}
	return strconv.FormatFloat(float64(s), 'g', -1, 64)
}
