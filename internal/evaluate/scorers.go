package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Scoring errors.
var (
	ErrMissingArtifact = errors.New("scoring artifact missing")
	ErrMissingMetric   = errors.New("metric missing from artifact")
	ErrScoringTimeout  = errors.New("scoring timed out")
)

// MetricScorer reads a JSON object of numbers from an output artifact and
// scores by one of its keys. Every numeric top-level key becomes a metric.
type MetricScorer struct {
	Artifact string
	Key      string
}

func (m *MetricScorer) Score(_ context.Context, artifacts map[string]string) (Score, bool, error) {
	raw, ok := artifacts[m.Artifact]
	if !ok {
		return Score{}, false, fmt.Errorf("%w: %s", ErrMissingArtifact, m.Artifact)
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return Score{}, false, fmt.Errorf("parse %s: %w", m.Artifact, err)
	}
	metrics := make(map[string]workspace.Score)
	for k, v := range obj {
		if f, ok := v.(float64); ok {
			metrics[k] = workspace.Score(f)
		}
	}
	v, ok := metrics[m.Key]
	if !ok {
		return Score{}, false, fmt.Errorf("%w: %q in %s", ErrMissingMetric, m.Key, m.Artifact)
	}
	passed := true
	if p, ok := obj["passed"].(bool); ok {
		passed = p
	}
	return Score{Value: v, Metrics: metrics}, passed, nil
}

// ExitScorer scores every successful execution 1.
type ExitScorer struct{}

func (ExitScorer) Score(context.Context, map[string]string) (Score, bool, error) {
	return Score{Value: 1, Summary: "program exited successfully"}, true, nil
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// CommandScorer writes the artifacts into a scratch directory, runs Command
// there and parses the last non-empty stdout line as the score. A non-zero
// exit marks the result as not passing.
type CommandScorer struct {
	Command string
	Runner  CommandRunner // ExecRunner when nil
	BaseDir string        // os.TempDir when empty
}

func (c *CommandScorer) Score(ctx context.Context, artifacts map[string]string) (Score, bool, error) {
	dir, err := os.MkdirTemp(c.BaseDir, "rdloop-score-*")
	if err != nil {
		return Score{}, false, fmt.Errorf("create scoring dir: %w", err)
	}
	defer os.RemoveAll(dir)

	for name, content := range artifacts {
		p, err := workspace.ContainedPath(dir, name)
		if err != nil {
			return Score{}, false, err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return Score{}, false, fmt.Errorf("create artifact dir: %w", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return Score{}, false, fmt.Errorf("write artifact %s: %w", name, err)
		}
	}

	runner := c.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	stdout, stderr, exitCode, err := runner.Run(ctx, dir, c.Command)
	if err != nil {
		return Score{}, false, fmt.Errorf("run scoring command: %w", err)
	}

	line := lastLine(stdout)
	v, perr := strconv.ParseFloat(line, 64)
	if perr != nil || math.IsNaN(v) {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = line
		}
		return Score{}, false, fmt.Errorf("scoring command exit %d: no numeric score: %s", exitCode, msg)
	}
	summary := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stdout), line))
	return Score{Value: workspace.Score(v), Summary: summary}, exitCode == 0, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type timeoutScorer struct {
	next Scorer
	d    time.Duration
}

// WithTimeout bounds each Score call of s by d. A zero d disables the bound.
func WithTimeout(s Scorer, d time.Duration) Scorer {
	if d <= 0 {
		return s
	}
	return &timeoutScorer{next: s, d: d}
}

func (t *timeoutScorer) Score(ctx context.Context, artifacts map[string]string) (Score, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()

	type result struct {
		s      Score
		passed bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, p, err := t.next.Score(ctx, artifacts)
		done <- result{s, p, err}
	}()
	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Score{}, false, fmt.Errorf("%w after %s", ErrScoringTimeout, t.d)
		}
		return r.s, r.passed, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Score{}, false, fmt.Errorf("%w after %s", ErrScoringTimeout, t.d)
		}
		return Score{}, false, ctx.Err()
	}
}

// Builtin scorer kinds.
const (
	ScorerMetric  = "metric"
	ScorerExit    = "exit"
	ScorerCommand = "command"
)

// ScorerConfig selects a builtin scorer. It is recorded with a run, so a
// resumed run scores with the scorer it started with.
type ScorerConfig struct {
	Kind     string        `json:"kind"`
	Artifact string        `json:"artifact,omitempty"`
	Key      string        `json:"key,omitempty"`
	Command  string        `json:"command,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// NewScorer builds the scorer c names, bounded by c.Timeout.
func NewScorer(c ScorerConfig) (Scorer, error) {
	var s Scorer
	switch c.Kind {
	case ScorerMetric:
		s = &MetricScorer{Artifact: c.Artifact, Key: c.Key}
	case ScorerExit:
		s = ExitScorer{}
	case ScorerCommand:
		s = &CommandScorer{Command: c.Command}
	default:
		return nil, fmt.Errorf("unknown scorer %q", c.Kind)
	}
	return WithTimeout(s, c.Timeout), nil
}
