package workspace

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind names the type of a persisted record.
type Kind string

const (
	KindRun            Kind = "run"
	KindHypothesis     Kind = "hypothesis"
	KindImplementation Kind = "implementation"
	KindExecution      Kind = "execution"
	KindFeedback       Kind = "feedback"
	KindState          Kind = "state"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindRun, KindHypothesis, KindImplementation, KindExecution, KindFeedback, KindState}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Key is the identity of a record. Appending the same key twice is a no-op.
type Key struct {
	RunID      string `json:"run_id"`
	Generation int    `json:"generation"`
	Kind       Kind   `json:"kind"`
	Revision   int    `json:"revision"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/g%d/%s/%d", k.RunID, k.Generation, k.Kind, k.Revision)
}

// Record is the persisted envelope of every workspace entry.
type Record struct {
	Key
	Seq       int64           `json:"seq"` // assigned by the backend, increasing in append order
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the record payload into v.
func (r *Record) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", r.Key, err)
	}
	return nil
}

// Problem is the research context a run works on.
type Problem struct {
	Description string            `json:"description" yaml:"description"`
	Language    string            `json:"language" yaml:"language"`
	EntryPoint  []string          `json:"entry_point,omitempty" yaml:"entry_point"`
	Inputs      []string          `json:"inputs,omitempty" yaml:"inputs"`
	Outputs     []string          `json:"outputs,omitempty" yaml:"outputs"`
	Env         map[string]string `json:"env,omitempty" yaml:"env"`
}

// Hypothesis is a proposed approach for one generation. Immutable once recorded.
type Hypothesis struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Generation int       `json:"generation"`
	Content    string    `json:"content"`
	Rationale  string    `json:"rationale,omitempty"`
	FeedbackID string    `json:"feedback_id,omitempty"` // empty for generation 0
	CreatedAt  time.Time `json:"created_at"`
}

// Repair strategies recorded on repaired implementations.
const (
	RepairLocalized  = "localized"
	RepairRegenerate = "regenerate"
)

// Implementation is one revision of the executable artifact for a hypothesis.
// RepairIndex 0 is the synthesized original; each repair supersedes its parent.
type Implementation struct {
	ID             string            `json:"id"`
	RunID          string            `json:"run_id"`
	Generation     int               `json:"generation"`
	HypothesisID   string            `json:"hypothesis_id"`
	RepairIndex    int               `json:"repair_index"`
	ParentID       string            `json:"parent_id,omitempty"`
	RepairStrategy string            `json:"repair_strategy,omitempty"`
	Language       string            `json:"language"`
	Files          map[string]string `json:"files"`
	EntryPoint     []string          `json:"entry_point"`
	Inputs         []string          `json:"inputs,omitempty"`
	Outputs        []string          `json:"outputs,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Status is the outcome class of one execution.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusRuntimeError     Status = "runtime_error"
	StatusTimeout          Status = "timeout"
	StatusResourceExceeded Status = "resource_exceeded"
)

// ExecutionResult is the immutable record of running one implementation once.
type ExecutionResult struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	Generation       int               `json:"generation"`
	ImplementationID string            `json:"implementation_id"`
	Status           Status            `json:"status"`
	ExitCode         int               `json:"exit_code"`
	Stdout           string            `json:"stdout"`
	Stderr           string            `json:"stderr"`
	StdoutTruncated  bool              `json:"stdout_truncated,omitempty"`
	StderrTruncated  bool              `json:"stderr_truncated,omitempty"`
	Duration         time.Duration     `json:"duration"`
	Artifacts        map[string]string `json:"artifacts,omitempty"`
	Cancelled        bool              `json:"cancelled,omitempty"`
	Cached           bool              `json:"cached,omitempty"`
	Detail           string            `json:"detail,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
}

// Score is a scalar score that survives JSON round trips for infinities.
type Score float64

// WorstScore is the sentinel recorded for generations that produced nothing scoreable.
var WorstScore = Score(math.Inf(-1))

// IsWorst reports whether s is the worst-score sentinel.
func (s Score) IsWorst() bool { return math.IsInf(float64(s), -1) }

func (s Score) MarshalJSON() ([]byte, error) {
	f := float64(s)
	switch {
	case math.IsInf(f, -1):
		return []byte(`"-inf"`), nil
	case math.IsInf(f, 1):
		return []byte(`"inf"`), nil
	case math.IsNaN(f):
		return []byte(`"nan"`), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func (s *Score) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		switch str {
		case "-inf":
			*s = Score(math.Inf(-1))
		case "inf":
			*s = Score(math.Inf(1))
		case "nan":
			*s = Score(math.NaN())
		default:
			f, err := strconv.ParseFloat(str, 64)
			if err != nil {
				return fmt.Errorf("parse score %q: %w", str, err)
			}
			*s = Score(f)
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse score: %w", err)
	}
	*s = Score(f)
	return nil
}

// Feedback is the scored critique of one generation, consumed by the next proposal.
type Feedback struct {
	ID          string           `json:"id"`
	RunID       string           `json:"run_id"`
	Generation  int              `json:"generation"`
	ExecutionID string           `json:"execution_id,omitempty"` // empty when synthesis failed
	Score       Score            `json:"score"`
	Metrics     map[string]Score `json:"metrics,omitempty"`
	Critique    string           `json:"critique"`
	Accepted    bool             `json:"accepted"`
	Decision    string           `json:"decision,omitempty"`
}

// Phase is a Loop Controller state.
type Phase string

const (
	PhaseProposing    Phase = "proposing"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseExecuting    Phase = "executing"
	PhaseRepairing    Phase = "repairing"
	PhaseEvaluating   Phase = "evaluating"
	PhaseDeciding     Phase = "deciding"
	PhaseStopped      Phase = "stopped"
)

// Reason is why a run stopped.
type Reason string

const (
	ReasonSucceeded          Reason = "succeeded"
	ReasonBudgetExhausted    Reason = "budget_exhausted"
	ReasonUnrecoverableError Reason = "unrecoverable_error"
	ReasonCancelled          Reason = "cancelled"
)

// LoopState is the per-run controller state, persisted after every transition.
type LoopState struct {
	RunID               string    `json:"run_id"`
	Seq                 int       `json:"seq"`
	Generation          int       `json:"generation"`
	Phase               Phase     `json:"phase"`
	Best                *Feedback `json:"best,omitempty"`
	BestGeneration      int       `json:"best_generation"`
	IterationsLeft      int       `json:"iterations_left"` // -1 when unbounded
	Deadline            time.Time `json:"deadline,omitempty"`
	RepairAttempts      int       `json:"repair_attempts"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HypothesisID        string    `json:"hypothesis_id,omitempty"`
	ImplementationID    string    `json:"implementation_id,omitempty"`
	ExecutionID         string    `json:"execution_id,omitempty"`
	FeedbackID          string    `json:"feedback_id,omitempty"`
	Reason              Reason    `json:"reason,omitempty"`
	Error               string    `json:"error,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Stopped reports whether the run has a termination reason.
func (s *LoopState) Stopped() bool {
	return s.Phase == PhaseStopped
}

// HypothesisID returns the identifier of the hypothesis for a generation.
func HypothesisID(runID string, generation int) string {
	return fmt.Sprintf("%s/g%d", runID, generation)
}

// ImplementationID returns the arena identifier of an implementation revision.
func ImplementationID(hypothesisID string, repairIndex int) string {
	return fmt.Sprintf("%s/impl-%d", hypothesisID, repairIndex)
}

// ExecutionID returns the identifier of the execution of an implementation revision.
func ExecutionID(implementationID string) string {
	return implementationID + "/exec"
}

// FeedbackID returns the identifier of a generation's feedback.
func FeedbackID(hypothesisID string) string {
	return hypothesisID + "/feedback"
}
