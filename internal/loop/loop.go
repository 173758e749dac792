// Package loop drives a run through propose, synthesize, execute, evaluate
// and decide until it stops, persisting every transition.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/evaluate"
	"github.com/lucasnoah/rdloop/internal/metrics"
	"github.com/lucasnoah/rdloop/internal/propose"
	"github.com/lucasnoah/rdloop/internal/sandbox"
	"github.com/lucasnoah/rdloop/internal/synth"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Errors reported in Report.Err.
var (
	ErrCancelled       = errors.New("run cancelled")
	ErrRepairExhausted = errors.New("repair attempts exhausted")
	ErrTooManyFailures = errors.New("too many consecutive failed generations")
	ErrRunExists       = errors.New("run already exists")
)

// Policy decides what happens when a generation runs out of repairs.
type Policy string

const (
	// PolicyStop stops the run with unrecoverable_error.
	PolicyStop Policy = "stop"
	// PolicyAdvance evaluates the last failed result and moves on.
	PolicyAdvance Policy = "advance"
)

// Proposer produces the hypothesis of a generation.
type Proposer interface {
	Propose(ctx context.Context, req propose.Request) (*workspace.Hypothesis, error)
}

// Synthesizer produces revision 0 of an implementation.
type Synthesizer interface {
	Synthesize(ctx context.Context, task synth.Task) (*workspace.Implementation, error)
}

// Repairer produces the next revision of a failed implementation.
type Repairer interface {
	Repair(ctx context.Context, task synth.Task, impl *workspace.Implementation, res *workspace.ExecutionResult) (*workspace.Implementation, error)
}

// Executor runs an implementation once.
type Executor interface {
	Execute(ctx context.Context, impl *workspace.Implementation, limits sandbox.Limits) (*workspace.ExecutionResult, error)
}

// Evaluator scores an execution result.
type Evaluator interface {
	Evaluate(ctx context.Context, res *workspace.ExecutionResult, scorer evaluate.Scorer) (*workspace.Feedback, error)
}

// Config is the run configuration. It is recorded in the run manifest so a
// resumed run continues with identical settings.
type Config struct {
	Problem                workspace.Problem `json:"problem"`
	MaxIterations          int               `json:"max_iterations"` // 0 is unbounded
	WallClock              time.Duration     `json:"wall_clock"`     // 0 is unbounded
	MaxRepairAttempts      int               `json:"max_repair_attempts"`
	MaxConsecutiveFailures int               `json:"max_consecutive_failures"` // 0 disables
	RepairExhaustedPolicy  Policy            `json:"repair_exhausted_policy"`
	Threshold              float64           `json:"threshold"`
	Direction              string            `json:"direction"`
	CritiqueBytes          int               `json:"critique_bytes"`
	Limits                 sandbox.Limits    `json:"limits"`

	// Scoring is empty in manifests written before it was recorded.
	Scoring evaluate.ScorerConfig `json:"scoring"`
}

// Validate reports configuration that cannot drive a run.
func (c Config) Validate() error {
	var errs []error
	if c.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max iterations must be >= 0, got %d", c.MaxIterations))
	}
	if c.MaxRepairAttempts < 0 {
		errs = append(errs, fmt.Errorf("max repair attempts must be >= 0, got %d", c.MaxRepairAttempts))
	}
	if c.MaxConsecutiveFailures < 0 {
		errs = append(errs, fmt.Errorf("max consecutive failures must be >= 0, got %d", c.MaxConsecutiveFailures))
	}
	if c.WallClock < 0 {
		errs = append(errs, fmt.Errorf("wall clock must be >= 0, got %s", c.WallClock))
	}
	switch c.RepairExhaustedPolicy {
	case PolicyStop, PolicyAdvance:
	default:
		errs = append(errs, fmt.Errorf("repair exhausted policy must be %q or %q, got %q", PolicyStop, PolicyAdvance, c.RepairExhaustedPolicy))
	}
	switch c.Direction {
	case "", evaluate.Maximize, evaluate.Minimize:
	default:
		errs = append(errs, fmt.Errorf("direction must be %q or %q, got %q", evaluate.Maximize, evaluate.Minimize, c.Direction))
	}
	return errors.Join(errs...)
}

// Evaluator returns the Evaluator for c's acceptance settings.
func (c Config) Evaluator(logger *zap.Logger) *evaluate.Evaluator {
	return evaluate.New(evaluate.Config{
		Threshold:     c.Threshold,
		Direction:     c.Direction,
		CritiqueBytes: c.CritiqueBytes,
	}, logger)
}

// Manifest is the generation 0 run record.
type Manifest struct {
	RunID     string    `json:"run_id"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Workspace   *workspace.Workspace
	Proposer    Proposer
	Synthesizer Synthesizer
	Repairer    Repairer
	Executor    Executor
	Evaluator   Evaluator // built from the Config acceptance settings when nil
	Scorer      evaluate.Scorer
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
	Progress    io.Writer // live progress output; nil = silent
}

// Report summarizes a stopped run.
type Report struct {
	RunID          string              `json:"run_id"`
	Reason         workspace.Reason    `json:"reason"`
	Generations    int                 `json:"generations"`
	Best           *workspace.Feedback `json:"best,omitempty"`
	BestGeneration int                 `json:"best_generation"`
	Err            error               `json:"-"`
}

// Controller runs the state machine for one run at a time. It holds no
// per-run state, so one Controller may drive runs sequentially.
type Controller struct {
	cfg  Config
	deps Deps
	cmp  *evaluate.Evaluator
}

// New validates cfg and deps and returns a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}
	switch {
	case deps.Workspace == nil:
		return nil, errors.New("loop: workspace is required")
	case deps.Proposer == nil, deps.Synthesizer == nil, deps.Repairer == nil:
		return nil, errors.New("loop: proposer, synthesizer and repairer are required")
	case deps.Executor == nil, deps.Scorer == nil:
		return nil, errors.New("loop: executor and scorer are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = cfg.Evaluator(deps.Logger)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Controller{
		cfg:  cfg,
		deps: deps,
		cmp:  cfg.Evaluator(nil),
	}, nil
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.deps.Progress != nil {
		fmt.Fprintf(c.deps.Progress, "  → "+format+"\n", args...)
	}
}

// Start begins a new run. The returned error is non-nil only when the run
// could not be started; how a started run ended is in the Report.
func (c *Controller) Start(ctx context.Context, runID string) (*Report, error) {
	if _, err := c.deps.Workspace.LatestState(ctx, runID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	} else if !errors.Is(err, workspace.ErrRunNotFound) {
		return nil, err
	}

	now := c.deps.Clock().UTC()
	man := Manifest{RunID: runID, Config: c.cfg, CreatedAt: now}
	if _, err := c.deps.Workspace.Append(ctx, workspace.Key{RunID: runID, Generation: 0, Kind: workspace.KindRun}, man); err != nil {
		return nil, fmt.Errorf("record manifest: %w", err)
	}

	r := c.newRun(runID)
	r.st = workspace.LoopState{
		RunID:          runID,
		Phase:          workspace.PhaseProposing,
		IterationsLeft: -1,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if c.cfg.MaxIterations > 0 {
		r.st.IterationsLeft = c.cfg.MaxIterations
	}
	if c.cfg.WallClock > 0 {
		r.st.Deadline = now.Add(c.cfg.WallClock)
	}
	if err := r.saveState(ctx); err != nil {
		return nil, fmt.Errorf("record initial state: %w", err)
	}

	c.deps.Logger.Info("run started", zap.String("run_id", runID))
	c.logf("run %s started", runID)
	return r.drive(ctx), nil
}

// Resume continues a run from its latest recorded state. Collaborator calls
// whose records already exist are not repeated.
func (c *Controller) Resume(ctx context.Context, runID string) (*Report, error) {
	hist, err := c.deps.Workspace.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	st := hist.Latest()
	if st == nil {
		return nil, fmt.Errorf("resume %s: no recorded state", runID)
	}

	r := c.newRun(runID)
	r.st = *st
	r.hist = hist
	r.restore()
	if st.Stopped() {
		return r.report(nil), nil
	}

	c.deps.Logger.Info("run resumed", zap.String("run_id", runID),
		zap.Int("generation", st.Generation), zap.String("phase", string(st.Phase)))
	c.logf("run %s resumed at generation %d (%s)", runID, st.Generation, st.Phase)
	return r.drive(ctx), nil
}

// LoadManifest returns the recorded configuration of a run.
func LoadManifest(ctx context.Context, ws *workspace.Workspace, runID string) (*Manifest, error) {
	hist, err := ws.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(hist.Manifest) == 0 {
		return nil, fmt.Errorf("run %s has no manifest", runID)
	}
	var m Manifest
	rec, _ := hist.Lookup(workspace.Key{RunID: runID, Generation: 0, Kind: workspace.KindRun})
	if err := rec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
