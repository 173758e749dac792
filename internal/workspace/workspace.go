package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrStorageUnavailable wraps every backend failure that survived the retry budget.
	// It is fatal to the run.
	ErrStorageUnavailable = errors.New("workspace storage unavailable")

	// ErrOutOfOrder is returned when an append would leave a generation gap
	// or write behind a later generation.
	ErrOutOfOrder = errors.New("workspace append out of order")

	// ErrRunNotFound is returned when a run has no records.
	ErrRunNotFound = errors.New("run not found")
)

// Backend is the durable record log. Implementations must make Insert
// durable before returning and must treat an existing key as a no-op.
type Backend interface {
	Insert(ctx context.Context, rec Record) (inserted bool, err error)
	Has(ctx context.Context, key Key) (bool, error)
	MaxGeneration(ctx context.Context, runID string) (gen int, ok bool, err error)
	Records(ctx context.Context, runID string) ([]Record, error)
	LatestState(ctx context.Context, runID string) (*Record, error)
	Runs(ctx context.Context) ([]string, error)
	Close() error
}

// AppendObserver receives the outcome of every append ("inserted", "duplicate", "error").
type AppendObserver interface {
	ObserveAppend(result string)
}

// Workspace is the append-only provenance store shared by all runs.
type Workspace struct {
	backend  Backend
	logger   *zap.Logger
	observer AppendObserver
	now      func() time.Time

	retries   int
	baseDelay time.Duration

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Workspace) { w.logger = l }
}

// WithObserver sets a metrics observer for appends.
func WithObserver(o AppendObserver) Option {
	return func(w *Workspace) { w.observer = o }
}

// WithClock overrides the clock used for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(w *Workspace) { w.now = now }
}

// WithRetry overrides the bounded backoff applied to backend failures.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(w *Workspace) {
		w.retries = attempts
		w.baseDelay = baseDelay
	}
}

// New creates a Workspace over the given backend.
func New(b Backend, opts ...Option) *Workspace {
	w := &Workspace{
		backend:   b,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		retries:   3,
		baseDelay: 50 * time.Millisecond,
		runLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Close closes the backend.
func (w *Workspace) Close() error {
	return w.backend.Close()
}

func (w *Workspace) runLock(runID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		w.runLocks[runID] = l
	}
	return l
}

// Append durably records payload under key. Re-appending an existing key
// returns (false, nil) and leaves history unchanged. Appends for one run are
// serialized; appends for different runs proceed in parallel.
func (w *Workspace) Append(ctx context.Context, key Key, payload interface{}) (bool, error) {
	if key.RunID == "" {
		return false, fmt.Errorf("append: empty run id")
	}
	if !key.Kind.Valid() {
		return false, fmt.Errorf("append: unknown record kind %q", key.Kind)
	}
	if key.Generation < 0 || key.Revision < 0 {
		return false, fmt.Errorf("append %s: negative generation or revision", key)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}

	l := w.runLock(key.RunID)
	l.Lock()
	defer l.Unlock()

	var exists bool
	if err := w.retry(ctx, "has "+key.String(), func() error {
		var err error
		exists, err = w.backend.Has(ctx, key)
		return err
	}); err != nil {
		w.observe("error")
		return false, err
	}
	if exists {
		w.observe("duplicate")
		w.logger.Debug("duplicate append ignored", zap.String("key", key.String()))
		return false, nil
	}

	var maxGen int
	var hasRecords bool
	if err := w.retry(ctx, "max generation "+key.RunID, func() error {
		var err error
		maxGen, hasRecords, err = w.backend.MaxGeneration(ctx, key.RunID)
		return err
	}); err != nil {
		w.observe("error")
		return false, err
	}
	if err := checkOrder(key, maxGen, hasRecords); err != nil {
		w.observe("error")
		return false, err
	}

	rec := Record{Key: key, Payload: data, CreatedAt: w.now()}
	var inserted bool
	if err := w.retry(ctx, "insert "+key.String(), func() error {
		var err error
		inserted, err = w.backend.Insert(ctx, rec)
		return err
	}); err != nil {
		w.observe("error")
		return false, err
	}
	if inserted {
		w.observe("inserted")
	} else {
		w.observe("duplicate")
	}
	return inserted, nil
}

// checkOrder enforces gapless, generation-ordered appends within a run.
func checkOrder(key Key, maxGen int, hasRecords bool) error {
	if !hasRecords {
		if key.Generation != 0 {
			return fmt.Errorf("%w: %s is the first record of the run but not generation 0", ErrOutOfOrder, key)
		}
		return nil
	}
	if key.Generation > maxGen+1 {
		return fmt.Errorf("%w: %s skips generation %d", ErrOutOfOrder, key, maxGen+1)
	}
	if key.Generation < maxGen {
		return fmt.Errorf("%w: %s is behind generation %d", ErrOutOfOrder, key, maxGen)
	}
	return nil
}

func (w *Workspace) observe(result string) {
	if w.observer != nil {
		w.observer.ObserveAppend(result)
	}
}

// retry runs op with a small bounded backoff and wraps the final failure in
// ErrStorageUnavailable. Context errors are returned unwrapped.
func (w *Workspace) retry(ctx context.Context, op string, fn func() error) error {
	attempts := w.retries
	if attempts <= 0 {
		attempts = 1
	}
	delay := w.baseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("workspace backend call failed",
			zap.String("op", op), zap.Int("attempt", i+1), zap.Error(err))
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// GenerationRecords groups the decoded records of one generation.
type GenerationRecords struct {
	Generation      int               `json:"generation"`
	Hypothesis      *Hypothesis       `json:"hypothesis,omitempty"`
	Implementations []Implementation  `json:"implementations,omitempty"` // ordered by repair index
	Executions      []ExecutionResult `json:"executions,omitempty"`      // ordered by revision
	Feedback        *Feedback         `json:"feedback,omitempty"`
}

// History is the full ordered record log of a run.
type History struct {
	RunID       string              `json:"run_id"`
	Records     []Record            `json:"records"`
	Manifest    json.RawMessage     `json:"manifest,omitempty"`
	Generations []GenerationRecords `json:"generations"`
	States      []LoopState         `json:"states"`
}

// Latest returns the most recent state in the history, or nil.
func (h *History) Latest() *LoopState {
	if len(h.States) == 0 {
		return nil
	}
	return &h.States[len(h.States)-1]
}

// Generation returns the records of generation n, or nil.
func (h *History) Generation(n int) *GenerationRecords {
	for i := range h.Generations {
		if h.Generations[i].Generation == n {
			return &h.Generations[i]
		}
	}
	return nil
}

// Lookup returns the stored record for key, if any.
func (h *History) Lookup(key Key) (*Record, bool) {
	for i := range h.Records {
		if h.Records[i].Key == key {
			return &h.Records[i], true
		}
	}
	return nil, false
}

// LoadRun returns the full ordered history of a run.
func (w *Workspace) LoadRun(ctx context.Context, runID string) (*History, error) {
	var recs []Record
	if err := w.retry(ctx, "records "+runID, func() error {
		var err error
		recs, err = w.backend.Records(ctx, runID)
		return err
	}); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return buildHistory(runID, recs)
}

func buildHistory(runID string, recs []Record) (*History, error) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	h := &History{RunID: runID, Records: recs}
	byGen := make(map[int]*GenerationRecords)
	var gens []int
	group := func(n int) *GenerationRecords {
		g, ok := byGen[n]
		if !ok {
			g = &GenerationRecords{Generation: n}
			byGen[n] = g
			gens = append(gens, n)
		}
		return g
	}

	for i := range recs {
		rec := &recs[i]
		switch rec.Kind {
		case KindRun:
			h.Manifest = rec.Payload
		case KindState:
			var st LoopState
			if err := rec.Decode(&st); err != nil {
				return nil, err
			}
			h.States = append(h.States, st)
		case KindHypothesis:
			var hyp Hypothesis
			if err := rec.Decode(&hyp); err != nil {
				return nil, err
			}
			group(rec.Generation).Hypothesis = &hyp
		case KindImplementation:
			var impl Implementation
			if err := rec.Decode(&impl); err != nil {
				return nil, err
			}
			g := group(rec.Generation)
			g.Implementations = append(g.Implementations, impl)
		case KindExecution:
			var res ExecutionResult
			if err := rec.Decode(&res); err != nil {
				return nil, err
			}
			g := group(rec.Generation)
			g.Executions = append(g.Executions, res)
		case KindFeedback:
			var fb Feedback
			if err := rec.Decode(&fb); err != nil {
				return nil, err
			}
			group(rec.Generation).Feedback = &fb
		}
	}

	sort.Ints(gens)
	for _, n := range gens {
		g := byGen[n]
		sort.SliceStable(g.Implementations, func(i, j int) bool {
			return g.Implementations[i].RepairIndex < g.Implementations[j].RepairIndex
		})
		h.Generations = append(h.Generations, *g)
	}
	return h, nil
}

// LatestState returns the most recent LoopState of a run.
func (w *Workspace) LatestState(ctx context.Context, runID string) (*LoopState, error) {
	var rec *Record
	if err := w.retry(ctx, "latest state "+runID, func() error {
		var err error
		rec, err = w.backend.LatestState(ctx, runID)
		return err
	}); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var st LoopState
	if err := rec.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// RunSummary pairs a run id with its latest state.
type RunSummary struct {
	RunID string     `json:"run_id"`
	State *LoopState `json:"state,omitempty"`
}

// ListRuns returns every run with its latest state, sorted by run id.
func (w *Workspace) ListRuns(ctx context.Context) ([]RunSummary, error) {
	var ids []string
	if err := w.retry(ctx, "runs", func() error {
		var err error
		ids, err = w.backend.Runs(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		st, err := w.LatestState(ctx, id)
		if err != nil && !errors.Is(err, ErrRunNotFound) {
			return nil, err
		}
		out = append(out, RunSummary{RunID: id, State: st})
	}
	return out, nil
}
