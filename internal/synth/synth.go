// Package synth turns hypotheses into executable implementations and repairs
// implementations that fail to run.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/llm"
	"github.com/lucasnoah/rdloop/internal/metrics"
	"github.com/lucasnoah/rdloop/internal/prompt"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Defaults for the attempt bounds.
const (
	DefaultMaxAttempts = 3
	DefaultMaxRepairs  = 3
)

// ErrSynthesis is matched by every synthesis failure.
var ErrSynthesis = errors.New("synthesis failed")

// SynthesisError reports that no valid implementation was produced.
type SynthesisError struct {
	Attempts int
	Errors   []SyntaxError // syntax errors of the last attempt, if any
	Last     error
}

func (e *SynthesisError) Error() string {
	msg := fmt.Sprintf("synthesis failed after %d attempts", e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrSynthesis}
	}
	return []error{ErrSynthesis, e.Last}
}

// Task is what synthesis works from.
type Task struct {
	Problem    workspace.Problem
	Hypothesis *workspace.Hypothesis
}

const systemPrompt = "You write small, complete, runnable programs. Reply only with fenced code blocks."

// Engine synthesizes and repairs implementations with a generator.
type Engine struct {
	gen         llm.Generator
	prompts     *prompt.Set
	logger      *zap.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	maxRepairs  int
	now         func() time.Time
	progress    io.Writer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records repairs on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPrompts sets the template set.
func WithPrompts(s *prompt.Set) Option {
	return func(e *Engine) { e.prompts = s }
}

// WithMaxAttempts bounds attempts per Synthesize call.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithMaxRepairs bounds the repair chain of one implementation.
func WithMaxRepairs(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRepairs = n
		}
	}
}

// WithClock sets the time source for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProgress writes human-readable progress lines to w.
func WithProgress(w io.Writer) Option {
	return func(e *Engine) { e.progress = w }
}

// New creates an Engine around gen.
func New(gen llm.Generator, opts ...Option) *Engine {
	e := &Engine{
		gen:         gen,
		prompts:     prompt.NewSet(""),
		logger:      zap.NewNop(),
		maxAttempts: DefaultMaxAttempts,
		maxRepairs:  DefaultMaxRepairs,
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// Synthesize produces revision 0 of the implementation of task.Hypothesis.
// Output that fails to parse is regenerated with the syntax errors attached.
func (e *Engine) Synthesize(ctx context.Context, task Task) (*workspace.Implementation, error) {
	ctx, span := otel.Tracer("rdloop/synth").Start(ctx, "synth.Synthesize")
	defer span.End()
	span.SetAttributes(attribute.String("hypothesis", task.Hypothesis.ID))

	lang := NormalizeLanguage(task.Problem.Language)
	var errs []SyntaxError
	var last error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vars := prompt.Vars{
			"problem":         task.Problem.Description,
			"hypothesis":      task.Hypothesis.Content,
			"language":        lang,
			"outputs":         strings.Join(task.Problem.Outputs, ", "),
			"inputs":          baseNames(task.Problem.Inputs),
			"previous_errors": FormatErrors(errs),
		}
		if last != nil && len(errs) == 0 && errors.Is(last, ErrNoCode) {
			vars["previous_errors"] = "The reply contained no fenced code block."
		}
		text, err := e.prompts.Render(prompt.Synthesize, vars)
		if err != nil {
			return nil, fmt.Errorf("render synthesize prompt: %w", err)
		}

		e.logf("synthesizing %s (attempt %d/%d)", task.Hypothesis.ID, attempt, e.maxAttempts)
		resp, err := e.gen.Generate(ctx, llm.Request{Purpose: llm.PurposeSynthesize, System: systemPrompt, Prompt: text})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if llm.Transient(err) || errors.Is(err, llm.ErrMalformed) {
				e.logger.Warn("synthesis generator error", zap.Int("attempt", attempt), zap.Error(err))
				last, errs = err, nil
				continue
			}
			return nil, fmt.Errorf("generate implementation: %w", err)
		}

		files, main, err := ExtractFiles(resp.Text, lang)
		if err != nil {
			last, errs = err, nil
			continue
		}
		errs, err = Validate(ctx, files)
		if err != nil {
			return nil, err
		}
		if len(errs) > 0 {
			last = fmt.Errorf("%d syntax errors, first %s", len(errs), errs[0])
			e.logger.Debug("synthesized code does not parse", zap.Int("attempt", attempt), zap.Int("errors", len(errs)))
			continue
		}
		impl := e.build(task, files, entryPoint(task.Problem, lang, main), 0, nil, "")
		e.logger.Info("implementation synthesized", zap.String("id", impl.ID), zap.Int("files", len(files)), zap.Int("attempt", attempt))
		return impl, nil
	}

	serr := &SynthesisError{Attempts: e.maxAttempts, Errors: errs, Last: last}
	span.RecordError(serr)
	span.SetStatus(codes.Error, serr.Error())
	return nil, serr
}

func entryPoint(p workspace.Problem, lang, main string) []string {
	if len(p.EntryPoint) > 0 {
		return append([]string(nil), p.EntryPoint...)
	}
	return DefaultEntryPoint(lang, main)
}

func (e *Engine) build(task Task, files map[string]string, argv []string, idx int, parent *workspace.Implementation, strategy string) *workspace.Implementation {
	h := task.Hypothesis
	impl := &workspace.Implementation{
		ID:             workspace.ImplementationID(h.ID, idx),
		RunID:          h.RunID,
		Generation:     h.Generation,
		HypothesisID:   h.ID,
		RepairIndex:    idx,
		RepairStrategy: strategy,
		Language:       NormalizeLanguage(task.Problem.Language),
		Files:          files,
		EntryPoint:     argv,
		Inputs:         task.Problem.Inputs,
		Outputs:        task.Problem.Outputs,
		Env:            task.Problem.Env,
		CreatedAt:      e.now().UTC(),
	}
	if parent != nil {
		impl.ParentID = parent.ID
	}
	return impl
}

func baseNames(paths []string) string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p[strings.LastIndexByte(p, '/')+1:]
	}
	return strings.Join(out, ", ")
}

// formatFiles renders files as fenced blocks in name order.
func formatFiles(files map[string]string, lang string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		l := LanguageFor(name)
		if l == "" {
			l = lang
		}
		fmt.Fprintf(&b, "```%s %s\n%s", l, name, files[name])
		if !strings.HasSuffix(files[name], "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("```\n\n")
	}
	return b.String()
}
