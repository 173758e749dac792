package synth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/llm"
	"github.com/lucasnoah/rdloop/internal/prompt"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// ErrRepairExhausted is returned when an implementation is already at the
// end of its repair chain.
var ErrRepairExhausted = errors.New("repair attempts exhausted")

const (
	maxLocalizedCandidates = 3
	maxContextLines        = 200
	maxErrorBytes          = 4000
)

// Repair returns the next revision of impl given the failed result. It tries
// a localized edit at the reported fault first and regenerates the whole
// implementation when no localized edit validates.
func (e *Engine) Repair(ctx context.Context, task Task, impl *workspace.Implementation, res *workspace.ExecutionResult) (*workspace.Implementation, error) {
	if impl.RepairIndex >= e.maxRepairs {
		return nil, fmt.Errorf("%w: %s is revision %d of %d", ErrRepairExhausted, impl.HypothesisID, impl.RepairIndex, e.maxRepairs)
	}
	ctx, span := otel.Tracer("rdloop/synth").Start(ctx, "synth.Repair")
	defer span.End()
	span.SetAttributes(attribute.String("implementation", impl.ID))

	errText := FailureText(res)
	files, err := e.repairLocalized(ctx, impl, errText)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !llm.Transient(err) && !errors.Is(err, llm.ErrMalformed) {
			span.RecordError(err)
			return nil, err
		}
		e.logger.Warn("localized repair generator error, regenerating", zap.Error(err))
	}
	if files != nil {
		next := e.build(task, files, impl.EntryPoint, impl.RepairIndex+1, impl, workspace.RepairLocalized)
		e.metrics.Repair(workspace.RepairLocalized)
		e.logf("repaired %s locally", impl.ID)
		e.logger.Info("localized repair", zap.String("id", next.ID), zap.String("parent", impl.ID))
		return next, nil
	}

	next, err := e.regenerate(ctx, task, impl, errText)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	e.metrics.Repair(workspace.RepairRegenerate)
	e.logf("regenerated %s", impl.ID)
	e.logger.Info("regenerated implementation", zap.String("id", next.ID), zap.String("parent", impl.ID))
	return next, nil
}

// FailureText is the error description a repair works from.
func FailureText(res *workspace.ExecutionResult) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s (exit code %d)\n", res.Status, res.ExitCode)
	if res.Detail != "" {
		b.WriteString(res.Detail)
		b.WriteByte('\n')
	}
	out := res.Stderr
	if strings.TrimSpace(out) == "" {
		out = res.Stdout
	}
	if len(out) > maxErrorBytes {
		out = out[len(out)-maxErrorBytes:]
	}
	b.WriteString(out)
	return b.String()
}

// repairLocalized returns the repaired file set, or nil when no localized
// edit produced a valid implementation.
func (e *Engine) repairLocalized(ctx context.Context, impl *workspace.Implementation, errText string) (map[string]string, error) {
	syntaxErrs, err := Validate(ctx, impl.Files)
	if err != nil {
		return nil, err
	}

	if len(syntaxErrs) > 0 {
		fixed := copyFiles(impl.Files)
		changed := false
		for _, name := range errorFiles(syntaxErrs) {
			out, ok, err := FixMissing(ctx, LanguageFor(name), fixed[name])
			if err != nil {
				return nil, err
			}
			if ok {
				fixed[name] = out
				changed = true
			}
		}
		if changed {
			if errs, err := Validate(ctx, fixed); err == nil && len(errs) == 0 {
				return fixed, nil
			}
		}
	}

	locs := ParseLocations(errText, impl.Files)
	for _, se := range syntaxErrs {
		locs = append(locs, Location{File: se.File, Line: se.Line})
	}

	tried := 0
	seen := make(map[[2]int]bool)
	fileIdx := make(map[string]int)
	for _, loc := range locs {
		if tried >= maxLocalizedCandidates {
			break
		}
		src, ok := impl.Files[loc.File]
		lang := LanguageFor(loc.File)
		if !ok || grammar(lang) == nil {
			continue
		}
		loc = Reanchor(loc, src)
		target, ok, err := TargetNode(ctx, lang, src, loc.Line)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, ok := fileIdx[loc.File]; !ok {
			fileIdx[loc.File] = len(fileIdx)
		}
		k := [2]int{fileIdx[loc.File], target.StartByte}
		if seen[k] {
			continue
		}
		seen[k] = true
		tried++

		files, err := e.rewriteNode(ctx, impl, loc.File, lang, target, errText)
		if err != nil {
			return nil, err
		}
		if files != nil {
			return files, nil
		}
	}
	return nil, nil
}

func (e *Engine) rewriteNode(ctx context.Context, impl *workspace.Implementation, file, lang string, t Target, errText string) (map[string]string, error) {
	src := impl.Files[file]
	vars := prompt.Vars{
		"file":       file,
		"language":   lang,
		"node_kind":  strings.ReplaceAll(t.Kind, "_", " "),
		"start_line": strconv.Itoa(t.StartLine),
		"end_line":   strconv.Itoa(t.EndLine),
		"error":      strings.TrimSpace(errText),
		"node_text":  t.Text(src),
		"context":    "",
	}
	if strings.Count(src, "\n") <= maxContextLines {
		vars["context"] = src
	}
	text, err := e.prompts.Render(prompt.RepairLocal, vars)
	if err != nil {
		return nil, fmt.Errorf("render repair prompt: %w", err)
	}
	resp, err := e.gen.Generate(ctx, llm.Request{Purpose: llm.PurposeRepair, System: systemPrompt, Prompt: text})
	if err != nil {
		return nil, err
	}
	out := Splice(src, t, ExtractSnippet(resp.Text))
	if out == src {
		return nil, nil
	}
	files := copyFiles(impl.Files)
	files[file] = out
	errs, err := Validate(ctx, files)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		e.logger.Debug("localized edit does not parse", zap.String("file", file), zap.Int("line", t.StartLine))
		return nil, nil
	}
	return files, nil
}

func (e *Engine) regenerate(ctx context.Context, task Task, impl *workspace.Implementation, errText string) (*workspace.Implementation, error) {
	lang := NormalizeLanguage(task.Problem.Language)
	text, err := e.prompts.Render(prompt.Regenerate, prompt.Vars{
		"problem":    task.Problem.Description,
		"hypothesis": task.Hypothesis.Content,
		"language":   lang,
		"files":      formatFiles(impl.Files, lang),
		"error":      strings.TrimSpace(errText),
	})
	if err != nil {
		return nil, fmt.Errorf("render regenerate prompt: %w", err)
	}
	resp, err := e.gen.Generate(ctx, llm.Request{Purpose: llm.PurposeRepair, System: systemPrompt, Prompt: text})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if llm.Transient(err) || errors.Is(err, llm.ErrMalformed) {
			return nil, &SynthesisError{Attempts: 1, Last: err}
		}
		return nil, fmt.Errorf("regenerate implementation: %w", err)
	}
	files, main, err := ExtractFiles(resp.Text, lang)
	if err != nil {
		return nil, &SynthesisError{Attempts: 1, Last: err}
	}
	errs, err := Validate(ctx, files)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		return nil, &SynthesisError{Attempts: 1, Errors: errs, Last: fmt.Errorf("regenerated implementation does not parse: %s", errs[0])}
	}
	argv := impl.EntryPoint
	if len(task.Problem.EntryPoint) == 0 {
		argv = DefaultEntryPoint(lang, main)
	}
	return e.build(task, files, argv, impl.RepairIndex+1, impl, workspace.RepairRegenerate), nil
}

func copyFiles(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out
}

func errorFiles(errs []SyntaxError) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range errs {
		if !seen[e.File] {
			seen[e.File] = true
			out = append(out, e.File)
		}
	}
	sort.Strings(out)
	return out
}
