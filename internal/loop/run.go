package loop

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/evaluate"
	"github.com/lucasnoah/rdloop/internal/propose"
	"github.com/lucasnoah/rdloop/internal/synth"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// run is the in-memory context of one driven run.
type run struct {
	c    *Controller
	id   string
	st   workspace.LoopState
	hist *workspace.History // recorded history when resuming, nil for fresh runs

	hyp  *workspace.Hypothesis
	impl *workspace.Implementation
	res  *workspace.ExecutionResult
	fb   *workspace.Feedback

	attempts  []propose.Attempt // completed generations, oldest first
	bestHyp   *workspace.Hypothesis
	finishErr error
}

func (c *Controller) newRun(id string) *run {
	return &run{c: c, id: id}
}

func (r *run) log() *zap.Logger {
	return r.c.deps.Logger.With(zap.String("run_id", r.id), zap.Int("generation", r.st.Generation))
}

// drive runs transitions until the run stops.
func (r *run) drive(ctx context.Context) *Report {
	r.c.deps.Metrics.RunStarted()
	defer r.c.deps.Metrics.RunFinished()

	for !r.st.Stopped() {
		if err := ctx.Err(); err != nil {
			return r.stop(ctx, workspace.ReasonCancelled, fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		var err error
		switch r.st.Phase {
		case workspace.PhaseProposing:
			err = r.propose(ctx)
		case workspace.PhaseSynthesizing:
			err = r.synthesize(ctx)
		case workspace.PhaseExecuting:
			err = r.execute(ctx)
		case workspace.PhaseRepairing:
			err = r.repair(ctx)
		case workspace.PhaseEvaluating:
			err = r.evaluate(ctx)
		case workspace.PhaseDeciding:
			err = r.decide(ctx)
		default:
			err = fmt.Errorf("unknown phase %q", r.st.Phase)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return r.stop(ctx, workspace.ReasonCancelled, fmt.Errorf("%w: %w", ErrCancelled, ctxErr))
			}
			return r.stop(ctx, workspace.ReasonUnrecoverableError, err)
		}
	}
	return r.report(nil)
}

func (r *run) key(kind workspace.Kind, revision int) workspace.Key {
	return workspace.Key{RunID: r.id, Generation: r.st.Generation, Kind: kind, Revision: revision}
}

// recorded decodes an existing record into v when resuming.
func (r *run) recorded(key workspace.Key, v interface{}) (bool, error) {
	if r.hist == nil {
		return false, nil
	}
	rec, ok := r.hist.Lookup(key)
	if !ok {
		return false, nil
	}
	if err := rec.Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

func (r *run) append(ctx context.Context, key workspace.Key, v interface{}) error {
	if _, err := r.c.deps.Workspace.Append(ctx, key, v); err != nil {
		return fmt.Errorf("record %s: %w", key.Kind, err)
	}
	return nil
}

func (r *run) saveState(ctx context.Context) error {
	return r.append(ctx, r.key(workspace.KindState, r.st.Seq), r.st)
}

// transition moves to phase and persists the new state before it begins.
func (r *run) transition(ctx context.Context, phase workspace.Phase) error {
	r.st.Seq++
	r.st.Phase = phase
	r.st.UpdatedAt = r.c.deps.Clock().UTC()
	return r.saveState(ctx)
}

func (r *run) task() synth.Task {
	return synth.Task{Problem: r.c.cfg.Problem, Hypothesis: r.hyp}
}

func (r *run) propose(ctx context.Context) error {
	var hyp workspace.Hypothesis
	key := r.key(workspace.KindHypothesis, 0)
	found, err := r.recorded(key, &hyp)
	if err != nil {
		return err
	}
	if !found {
		req := propose.Request{
			RunID:      r.id,
			Generation: r.st.Generation,
			Problem:    r.c.cfg.Problem,
			History:    r.attempts,
		}
		if n := len(r.attempts); n > 0 {
			prev := r.attempts[n-1]
			req.Previous = &prev
		}
		if r.st.Best != nil && r.bestHyp != nil {
			req.Best = &propose.Attempt{Hypothesis: r.bestHyp, Feedback: r.st.Best}
		}
		r.c.logf("generation %d: proposing", r.st.Generation)
		h, err := r.c.deps.Proposer.Propose(ctx, req)
		if err != nil {
			return fmt.Errorf("propose: %w", err)
		}
		h.ID = workspace.HypothesisID(r.id, r.st.Generation)
		h.RunID, h.Generation = r.id, r.st.Generation
		h.FeedbackID = ""
		if req.Previous != nil && req.Previous.Feedback != nil {
			h.FeedbackID = req.Previous.Feedback.ID
		}
		if err := r.append(ctx, key, h); err != nil {
			return err
		}
		hyp = *h
	}
	r.hyp = &hyp
	r.impl, r.res, r.fb = nil, nil, nil
	r.st.HypothesisID = hyp.ID
	r.st.ImplementationID, r.st.ExecutionID, r.st.FeedbackID = "", "", ""
	r.log().Info("hypothesis recorded", zap.String("id", hyp.ID))
	return r.transition(ctx, workspace.PhaseSynthesizing)
}

func (r *run) synthesize(ctx context.Context) error {
	var fb workspace.Feedback
	if failed, err := r.recorded(r.key(workspace.KindFeedback, 0), &fb); err != nil {
		return err
	} else if failed {
		return r.useFeedback(ctx, &fb)
	}

	var impl workspace.Implementation
	key := r.key(workspace.KindImplementation, 0)
	found, err := r.recorded(key, &impl)
	if err != nil {
		return err
	}
	if !found {
		r.c.logf("generation %d: synthesizing", r.st.Generation)
		got, err := r.c.deps.Synthesizer.Synthesize(ctx, r.task())
		if errors.Is(err, synth.ErrSynthesis) && ctx.Err() == nil {
			r.log().Warn("synthesis failed", zap.Error(err))
			return r.recordFeedback(ctx, evaluate.SynthesisFailure(r.id, r.st.Generation, err, r.c.cfg.CritiqueBytes))
		}
		if err != nil {
			return fmt.Errorf("synthesize: %w", err)
		}
		if err := r.append(ctx, key, got); err != nil {
			return err
		}
		impl = *got
	}
	r.impl = &impl
	r.st.ImplementationID = impl.ID
	r.st.RepairAttempts = 0
	return r.transition(ctx, workspace.PhaseExecuting)
}

func (r *run) execute(ctx context.Context) error {
	if r.impl == nil {
		return fmt.Errorf("execute: no implementation for generation %d", r.st.Generation)
	}
	var res workspace.ExecutionResult
	key := r.key(workspace.KindExecution, r.impl.RepairIndex)
	found, err := r.recorded(key, &res)
	if err != nil {
		return err
	}
	if !found {
		r.c.logf("generation %d: executing %s", r.st.Generation, r.impl.ID)
		got, err := r.c.deps.Executor.Execute(ctx, r.impl, r.c.cfg.Limits)
		if err != nil {
			// A cancelled execution is not recorded; resume runs it again.
			return fmt.Errorf("execute %s: %w", r.impl.ID, err)
		}
		if err := r.append(ctx, key, got); err != nil {
			return err
		}
		res = *got
	}
	r.res = &res
	r.st.ExecutionID = res.ID
	r.log().Info("execution recorded", zap.String("id", res.ID), zap.String("status", string(res.Status)))

	if res.Status == workspace.StatusSuccess {
		return r.transition(ctx, workspace.PhaseEvaluating)
	}
	if r.st.RepairAttempts < r.c.cfg.MaxRepairAttempts {
		return r.transition(ctx, workspace.PhaseRepairing)
	}
	return r.repairExhausted(ctx)
}

func (r *run) repair(ctx context.Context) error {
	if r.impl == nil || r.res == nil {
		return fmt.Errorf("repair: no failed execution for generation %d", r.st.Generation)
	}
	var next workspace.Implementation
	key := r.key(workspace.KindImplementation, r.impl.RepairIndex+1)
	found, err := r.recorded(key, &next)
	if err != nil {
		return err
	}
	r.st.RepairAttempts++
	if !found {
		r.c.logf("generation %d: repairing %s (attempt %d/%d)", r.st.Generation, r.impl.ID, r.st.RepairAttempts, r.c.cfg.MaxRepairAttempts)
		got, err := r.c.deps.Repairer.Repair(ctx, r.task(), r.impl, r.res)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return err
		case errors.Is(err, synth.ErrRepairExhausted):
			return r.repairExhausted(ctx)
		case errors.Is(err, synth.ErrSynthesis):
			r.log().Warn("repair attempt failed", zap.Int("attempt", r.st.RepairAttempts), zap.Error(err))
			if r.st.RepairAttempts < r.c.cfg.MaxRepairAttempts {
				return r.transition(ctx, workspace.PhaseRepairing)
			}
			return r.repairExhausted(ctx)
		default:
			return fmt.Errorf("repair %s: %w", r.impl.ID, err)
		}
		if err := r.append(ctx, key, got); err != nil {
			return err
		}
		next = *got
	}
	r.impl = &next
	r.res = nil
	r.st.ImplementationID = next.ID
	r.st.ExecutionID = ""
	return r.transition(ctx, workspace.PhaseExecuting)
}

func (r *run) repairExhausted(ctx context.Context) error {
	r.log().Warn("repair attempts exhausted",
		zap.Int("attempts", r.st.RepairAttempts), zap.String("policy", string(r.c.cfg.RepairExhaustedPolicy)))
	if r.c.cfg.RepairExhaustedPolicy == PolicyAdvance {
		return r.transition(ctx, workspace.PhaseEvaluating)
	}
	return fmt.Errorf("%w: generation %d after %d attempts", ErrRepairExhausted, r.st.Generation, r.st.RepairAttempts)
}

func (r *run) evaluate(ctx context.Context) error {
	if r.res == nil {
		return fmt.Errorf("evaluate: no execution for generation %d", r.st.Generation)
	}
	var fb workspace.Feedback
	found, err := r.recorded(r.key(workspace.KindFeedback, 0), &fb)
	if err != nil {
		return err
	}
	if found {
		return r.useFeedback(ctx, &fb)
	}
	got, err := r.c.deps.Evaluator.Evaluate(ctx, r.res, r.c.deps.Scorer)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", r.res.ID, err)
	}
	return r.recordFeedback(ctx, got)
}

func (r *run) recordFeedback(ctx context.Context, fb *workspace.Feedback) error {
	if err := r.append(ctx, r.key(workspace.KindFeedback, 0), fb); err != nil {
		return err
	}
	return r.useFeedback(ctx, fb)
}

func (r *run) useFeedback(ctx context.Context, fb *workspace.Feedback) error {
	r.fb = fb
	r.st.FeedbackID = fb.ID
	r.log().Info("feedback recorded", zap.String("score", propose.FormatScore(fb.Score)), zap.Bool("accepted", fb.Accepted))
	return r.transition(ctx, workspace.PhaseDeciding)
}

func (r *run) decide(ctx context.Context) error {
	if r.fb == nil {
		return fmt.Errorf("decide: no feedback for generation %d", r.st.Generation)
	}
	fb := r.fb
	r.attempts = append(r.attempts, propose.Attempt{Hypothesis: r.hyp, Feedback: fb})
	if r.st.Best == nil || r.c.cmp.Better(fb.Score, r.st.Best.Score) {
		best := *fb
		r.st.Best = &best
		r.st.BestGeneration = r.st.Generation
		r.bestHyp = r.hyp
	}
	if r.res == nil || r.res.Status != workspace.StatusSuccess {
		r.st.ConsecutiveFailures++
	} else {
		r.st.ConsecutiveFailures = 0
	}
	if r.st.IterationsLeft > 0 {
		r.st.IterationsLeft--
	}

	outcome := "rejected"
	switch {
	case fb.Accepted:
		outcome = "accepted"
	case fb.Score.IsWorst():
		outcome = "failed"
	}
	r.c.deps.Metrics.Generation(outcome)
	r.c.logf("generation %d: %s (score %s)", r.st.Generation, outcome, propose.FormatScore(fb.Score))

	switch {
	case fb.Accepted:
		r.finish(ctx, workspace.ReasonSucceeded, nil)
		return nil
	case r.st.IterationsLeft == 0:
		r.finish(ctx, workspace.ReasonBudgetExhausted, nil)
		return nil
	case !r.st.Deadline.IsZero() && !r.c.deps.Clock().Before(r.st.Deadline):
		r.finish(ctx, workspace.ReasonBudgetExhausted, nil)
		return nil
	case r.c.cfg.MaxConsecutiveFailures > 0 && r.st.ConsecutiveFailures >= r.c.cfg.MaxConsecutiveFailures:
		return fmt.Errorf("%w: %d", ErrTooManyFailures, r.st.ConsecutiveFailures)
	}

	r.st.Generation++
	r.st.RepairAttempts = 0
	r.st.HypothesisID, r.st.ImplementationID, r.st.ExecutionID, r.st.FeedbackID = "", "", "", ""
	r.hyp, r.impl, r.res, r.fb = nil, nil, nil, nil
	return r.transition(ctx, workspace.PhaseProposing)
}

// finish records the stopped state. The write is not cancelled with ctx so
// a cancelled run still records why it stopped.
func (r *run) finish(ctx context.Context, reason workspace.Reason, cause error) {
	r.st.Reason = reason
	if cause != nil {
		r.st.Error = cause.Error()
	}
	if err := r.transition(context.WithoutCancel(ctx), workspace.PhaseStopped); err != nil {
		r.log().Error("record stopped state", zap.Error(err))
		r.finishErr = err
	}
	r.log().Info("run stopped", zap.String("reason", string(reason)), zap.NamedError("cause", cause))
	r.c.logf("run %s stopped: %s", r.id, reason)
}

func (r *run) stop(ctx context.Context, reason workspace.Reason, cause error) *Report {
	r.finish(ctx, reason, cause)
	return r.report(cause)
}

func (r *run) report(err error) *Report {
	rep := &Report{
		RunID:          r.id,
		Reason:         r.st.Reason,
		Generations:    r.st.Generation + 1,
		BestGeneration: r.st.BestGeneration,
		Err:            err,
	}
	if r.st.Best != nil {
		best := *r.st.Best
		rep.Best = &best
	}
	if err == nil && r.st.Error != "" {
		rep.Err = errors.New(r.st.Error)
	}
	if r.finishErr != nil {
		rep.Err = errors.Join(rep.Err, r.finishErr)
	}
	return rep
}

// restore re-derives the in-memory context of a resumed run from its history.
func (r *run) restore() {
	for _, g := range r.hist.Generations {
		if g.Generation >= r.st.Generation {
			break
		}
		if g.Hypothesis != nil && g.Feedback != nil {
			r.attempts = append(r.attempts, propose.Attempt{Hypothesis: g.Hypothesis, Feedback: g.Feedback})
		}
	}
	if g := r.hist.Generation(r.st.BestGeneration); g != nil && r.st.Best != nil {
		r.bestHyp = g.Hypothesis
	}

	cur := r.hist.Generation(r.st.Generation)
	if cur == nil {
		return
	}
	r.hyp = cur.Hypothesis
	for i := range cur.Implementations {
		if cur.Implementations[i].ID == r.st.ImplementationID {
			r.impl = &cur.Implementations[i]
		}
	}
	if r.impl != nil {
		for i := range cur.Executions {
			if cur.Executions[i].ImplementationID == r.impl.ID {
				r.res = &cur.Executions[i]
			}
		}
	}
	if cur.Feedback != nil && cur.Feedback.ID == r.st.FeedbackID {
		r.fb = cur.Feedback
	}
}
