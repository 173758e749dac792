package workspace

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testWorkspace(t *testing.T) (*Workspace, *Memory) {
	t.Helper()
	mem := NewMemory()
	ws := New(mem, WithRetry(3, time.Millisecond))
	t.Cleanup(func() { ws.Close() })
	return ws, mem
}

func mustAppend(t *testing.T, ws *Workspace, key Key, v interface{}) {
	t.Helper()
	if _, err := ws.Append(context.Background(), key, v); err != nil {
		t.Fatalf("append %s: %v", key, err)
	}
}

func TestAppendIdempotent(t *testing.T) {
	ws, _ := testWorkspace(t)
	ctx := context.Background()
	key := Key{RunID: "r1", Generation: 0, Kind: KindHypothesis}

	ok, err := ws.Append(ctx, key, Hypothesis{ID: "r1/g0", Content: "first"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !ok {
		t.Fatal("first append reported not inserted")
	}

	ok, err = ws.Append(ctx, key, Hypothesis{ID: "r1/g0", Content: "second"})
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if ok {
		t.Error("duplicate append reported inserted")
	}

	h, err := ws.LoadRun(ctx, "r1")
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if len(h.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(h.Records))
	}
	if got := h.Generations[0].Hypothesis.Content; got != "first" {
		t.Errorf("Content = %q, want %q", got, "first")
	}
}

func TestAppendRejectsGaps(t *testing.T) {
	ws, _ := testWorkspace(t)
	ctx := context.Background()

	_, err := ws.Append(ctx, Key{RunID: "r1", Generation: 1, Kind: KindHypothesis}, Hypothesis{})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("first record at generation 1: err = %v, want ErrOutOfOrder", err)
	}

	mustAppend(t, ws, Key{RunID: "r1", Generation: 0, Kind: KindHypothesis}, Hypothesis{})
	_, err = ws.Append(ctx, Key{RunID: "r1", Generation: 2, Kind: KindHypothesis}, Hypothesis{})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("skip to generation 2: err = %v, want ErrOutOfOrder", err)
	}

	mustAppend(t, ws, Key{RunID: "r1", Generation: 1, Kind: KindHypothesis}, Hypothesis{})
	_, err = ws.Append(ctx, Key{RunID: "r1", Generation: 0, Kind: KindFeedback}, Feedback{})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("write behind latest generation: err = %v, want ErrOutOfOrder", err)
	}
}

func TestCheckOrder(t *testing.T) {
	tests := []struct {
		name       string
		gen        int
		maxGen     int
		hasRecords bool
		wantErr    bool
	}{
		{"first record at 0", 0, 0, false, false},
		{"first record past 0", 1, 0, false, true},
		{"same generation", 2, 2, true, false},
		{"next generation", 3, 2, true, false},
		{"skipped generation", 4, 2, true, true},
		{"behind latest", 1, 2, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkOrder(Key{RunID: "r1", Generation: tt.gen, Kind: KindHypothesis}, tt.maxGen, tt.hasRecords)
			if got := errors.Is(err, ErrOutOfOrder); got != tt.wantErr {
				t.Errorf("checkOrder() = %v, want out of order %v", err, tt.wantErr)
			}
		})
	}
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	ws, _ := testWorkspace(t)
	if _, err := ws.Append(context.Background(), Key{RunID: "r1", Kind: "bogus"}, nil); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestLoadRunGroupsGenerations(t *testing.T) {
	ws, _ := testWorkspace(t)
	ctx := context.Background()

	mustAppend(t, ws, Key{RunID: "r1", Kind: KindRun}, map[string]string{"run_id": "r1"})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindState, Revision: 0}, LoopState{RunID: "r1", Phase: PhaseProposing})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindHypothesis}, Hypothesis{ID: "r1/g0"})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindImplementation, Revision: 1}, Implementation{ID: "b", RepairIndex: 1})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindImplementation, Revision: 0}, Implementation{ID: "a", RepairIndex: 0})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindFeedback}, Feedback{ID: "fb", Score: WorstScore})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindState, Revision: 1}, LoopState{RunID: "r1", Seq: 1, Phase: PhaseStopped, Reason: ReasonBudgetExhausted})

	h, err := ws.LoadRun(ctx, "r1")
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if h.Manifest == nil {
		t.Error("manifest missing")
	}
	if len(h.States) != 2 {
		t.Fatalf("states = %d, want 2", len(h.States))
	}
	if got := h.Latest().Reason; got != ReasonBudgetExhausted {
		t.Errorf("latest reason = %q, want %q", got, ReasonBudgetExhausted)
	}
	g := h.Generation(0)
	if g == nil {
		t.Fatal("generation 0 missing")
	}
	var ids []string
	for _, impl := range g.Implementations {
		ids = append(ids, impl.ID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("implementation order (-want +got):\n%s", diff)
	}
	if !g.Feedback.Score.IsWorst() {
		t.Errorf("feedback score = %v, want worst", g.Feedback.Score)
	}
	for i := 1; i < len(h.Records); i++ {
		if h.Records[i].Seq <= h.Records[i-1].Seq {
			t.Errorf("records not ordered by seq at %d", i)
		}
	}

	st, err := ws.LatestState(ctx, "r1")
	if err != nil {
		t.Fatalf("latest state: %v", err)
	}
	if st.Seq != 1 {
		t.Errorf("Seq = %d, want 1", st.Seq)
	}
}

func TestLoadRunNotFound(t *testing.T) {
	ws, _ := testWorkspace(t)
	_, err := ws.LoadRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

// flakyBackend fails the first n calls of every operation.
type flakyBackend struct {
	*Memory
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyBackend) Has(ctx context.Context, key Key) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return false, fmt.Errorf("disk I/O error")
	}
	return f.Memory.Has(ctx, key)
}

func TestAppendRetriesTransientFailures(t *testing.T) {
	fb := &flakyBackend{Memory: NewMemory(), fails: 2}
	ws := New(fb, WithRetry(3, time.Millisecond))

	ok, err := ws.Append(context.Background(), Key{RunID: "r1", Kind: KindRun}, "m")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !ok {
		t.Error("append not inserted after retries")
	}
	if fb.calls != 3 {
		t.Errorf("calls = %d, want 3", fb.calls)
	}
}

func TestAppendStorageUnavailable(t *testing.T) {
	fb := &flakyBackend{Memory: NewMemory(), fails: 100}
	ws := New(fb, WithRetry(3, time.Millisecond))

	_, err := ws.Append(context.Background(), Key{RunID: "r1", Kind: KindRun}, "m")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
	if fb.calls != 3 {
		t.Errorf("calls = %d, want 3", fb.calls)
	}
}

func TestParallelRunsAppend(t *testing.T) {
	ws, _ := testWorkspace(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			run := fmt.Sprintf("run-%d", r)
			for gen := 0; gen < 5; gen++ {
				if _, err := ws.Append(ctx, Key{RunID: run, Generation: gen, Kind: KindHypothesis}, Hypothesis{Generation: gen}); err != nil {
					errs <- err
					return
				}
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("parallel append: %v", err)
	}

	runs, err := ws.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 8 {
		t.Fatalf("runs = %d, want 8", len(runs))
	}
	for _, r := range runs {
		h, err := ws.LoadRun(ctx, r.RunID)
		if err != nil {
			t.Fatalf("load %s: %v", r.RunID, err)
		}
		if len(h.Generations) != 5 {
			t.Errorf("%s generations = %d, want 5", r.RunID, len(h.Generations))
		}
	}
}

func TestScoreJSON(t *testing.T) {
	tests := []struct {
		score Score
		want  string
	}{
		{WorstScore, `"-inf"`},
		{Score(math.Inf(1)), `"inf"`},
		{Score(0.5), `0.5`},
	}
	for _, tt := range tests {
		data, err := tt.score.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal %v: %v", tt.score, err)
		}
		if string(data) != tt.want {
			t.Errorf("marshal %v = %s, want %s", tt.score, data, tt.want)
		}
		var back Score
		if err := back.UnmarshalJSON(data); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if back != tt.score {
			t.Errorf("round trip %v = %v", tt.score, back)
		}
	}
}

func TestExport(t *testing.T) {
	ws, _ := testWorkspace(t)
	ctx := context.Background()

	mustAppend(t, ws, Key{RunID: "r1", Kind: KindRun}, map[string]string{"run_id": "r1"})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindHypothesis}, Hypothesis{ID: "r1/g0", Content: "try"})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindImplementation}, Implementation{
		ID: "r1/g0/impl-0", Files: map[string]string{"pkg/main.py": "print(1)\n"},
	})
	mustAppend(t, ws, Key{RunID: "r1", Kind: KindFeedback}, Feedback{ID: "r1/g0/feedback", Score: 1})

	dir := t.TempDir()
	root, err := ws.Export(ctx, "r1", dir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	var hyp Hypothesis
	if err := ReadJSON(filepath.Join(root, "gen-000", "hypothesis.json"), &hyp); err != nil {
		t.Fatalf("read hypothesis: %v", err)
	}
	if hyp.Content != "try" {
		t.Errorf("Content = %q, want %q", hyp.Content, "try")
	}
	data, err := os.ReadFile(filepath.Join(root, "gen-000", "implementation-0", "pkg", "main.py"))
	if err != nil {
		t.Fatalf("read exported file: %v", err)
	}
	if string(data) != "print(1)\n" {
		t.Errorf("file = %q", data)
	}
	if _, err := os.Stat(filepath.Join(root, "run.json")); err != nil {
		t.Errorf("run.json: %v", err)
	}
}

func TestContainedPath(t *testing.T) {
	base := t.TempDir()
	if _, err := ContainedPath(base, "../escape.py"); err == nil {
		t.Error("expected error for escaping path")
	}
	p, err := ContainedPath(base, "a/b.py")
	if err != nil {
		t.Fatalf("contained path: %v", err)
	}
	if p != filepath.Join(base, "a", "b.py") {
		t.Errorf("path = %q", p)
	}
}

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.json")
	if err := WriteJSON(path, map[string]int{"a": 1}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	var got map[string]int
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if got["a"] != 1 {
		t.Errorf("a = %d, want 1", got["a"])
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("leftover temp files: %d entries", len(entries))
	}
}
