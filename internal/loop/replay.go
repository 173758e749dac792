package loop

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/lucasnoah/rdloop/internal/evaluate"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// ReplayResult compares recorded feedback with a fresh evaluation of the
// same execution result.
type ReplayResult struct {
	RunID      string              `json:"run_id"`
	Generation int                 `json:"generation"`
	Recorded   *workspace.Feedback `json:"recorded"`
	Replayed   *workspace.Feedback `json:"replayed"`
	Identical  bool                `json:"identical"`
	Diff       string              `json:"diff,omitempty"`
}

// Replay re-evaluates the last recorded execution of a generation with ev and
// scorer. Generations whose feedback came from a synthesis failure have no
// execution to replay.
func Replay(ctx context.Context, ws *workspace.Workspace, ev Evaluator, scorer evaluate.Scorer, runID string, generation int) (*ReplayResult, error) {
	hist, err := ws.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	g := hist.Generation(generation)
	if g == nil {
		return nil, fmt.Errorf("run %s has no generation %d", runID, generation)
	}
	if g.Feedback == nil {
		return nil, fmt.Errorf("generation %d of %s has no feedback yet", generation, runID)
	}
	var res *workspace.ExecutionResult
	for i := range g.Executions {
		if g.Executions[i].ID == g.Feedback.ExecutionID {
			res = &g.Executions[i]
		}
	}
	if res == nil {
		return nil, fmt.Errorf("generation %d of %s has no recorded execution to replay", generation, runID)
	}

	fb, err := ev.Evaluate(ctx, res, scorer)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", res.ID, err)
	}
	diff := cmp.Diff(g.Feedback, fb, cmpopts.EquateEmpty())
	return &ReplayResult{
		RunID:      runID,
		Generation: generation,
		Recorded:   g.Feedback,
		Replayed:   fb,
		Identical:  diff == "",
		Diff:       diff,
	}, nil
}
