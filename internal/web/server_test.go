package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/rdloop/internal/metrics"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

func seedRun(t *testing.T, ws *workspace.Workspace, runID string, stopped bool) {
	t.Helper()
	ctx := context.Background()
	app := func(kind workspace.Kind, rev int, v interface{}) {
		t.Helper()
		key := workspace.Key{RunID: runID, Generation: 0, Kind: kind, Revision: rev}
		if _, err := ws.Append(ctx, key, v); err != nil {
			t.Fatalf("Append %s: %v", key, err)
		}
	}
	hid := workspace.HypothesisID(runID, 0)
	iid := workspace.ImplementationID(hid, 0)
	fb := workspace.Feedback{
		ID: workspace.FeedbackID(hid), RunID: runID, ExecutionID: workspace.ExecutionID(iid),
		Score: 0.75, Accepted: true, Critique: "score 0.75 (maximize, threshold 0.5)",
	}

	app(workspace.KindRun, 0, map[string]string{"run_id": runID})
	app(workspace.KindState, 0, workspace.LoopState{RunID: runID, Phase: workspace.PhaseProposing, IterationsLeft: 3})
	app(workspace.KindHypothesis, 0, workspace.Hypothesis{ID: hid, RunID: runID, Content: "use a binary heap"})
	app(workspace.KindImplementation, 0, workspace.Implementation{ID: iid, RunID: runID, HypothesisID: hid, Language: "python"})
	app(workspace.KindExecution, 0, workspace.ExecutionResult{
		ID: workspace.ExecutionID(iid), RunID: runID, ImplementationID: iid,
		Status: workspace.StatusSuccess, Duration: 1500 * time.Millisecond,
	})
	app(workspace.KindFeedback, 0, fb)
	if stopped {
		app(workspace.KindState, 1, workspace.LoopState{
			RunID: runID, Seq: 1, Phase: workspace.PhaseStopped, Reason: workspace.ReasonSucceeded,
			Best: &fb, UpdatedAt: time.Now(),
		})
	}
}

func newTestServer(t *testing.T) (*Server, *workspace.Workspace) {
	t.Helper()
	ws := workspace.New(workspace.NewMemory())
	s := NewServer(ws, metrics.New(), 0, nil)
	s.poll = 10 * time.Millisecond
	return s, ws
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestDashboard(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "r1", true)

	rec := get(t, s, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`href="/runs/r1"`, "succeeded", "0.75"} {
		if !strings.Contains(body, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
}

func TestDashboardEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/")
	if !strings.Contains(rec.Body.String(), "No runs recorded") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestRunDetail(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "r1", true)

	rec := get(t, s, "/runs/r1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"use a binary heap", "1.5s", `class="best"`, "threshold 0.5"} {
		if !strings.Contains(body, want) {
			t.Errorf("run page missing %q", want)
		}
	}
}

func TestAPIRuns(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "r1", true)
	seedRun(t, ws, "r2", false)

	rec := get(t, s, "/api/runs")
	var runs []workspace.RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r1" || runs[1].State.Phase != workspace.PhaseProposing {
		t.Errorf("runs = %+v", runs)
	}
}

func TestAPIHistory(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "r1", true)

	rec := get(t, s, "/api/runs/r1")
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var hist workspace.History
	if err := json.Unmarshal(rec.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hist.Generations) != 1 || len(hist.States) != 2 || len(hist.Records) != 7 {
		t.Errorf("history = %d generations, %d states, %d records", len(hist.Generations), len(hist.States), len(hist.Records))
	}
}

func TestAPIState(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "r1", true)

	var st workspace.LoopState
	if err := json.Unmarshal(get(t, s, "/api/runs/r1/state").Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Stopped() || st.Reason != workspace.ReasonSucceeded {
		t.Errorf("state = %+v", st)
	}
}

func TestAPIGeneration(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "r1", true)

	tests := []struct {
		target string
		code   int
	}{
		{"/api/runs/r1/generations/0", http.StatusOK},
		{"/api/runs/r1/generations/4", http.StatusNotFound},
		{"/api/runs/r1/generations/x", http.StatusBadRequest},
		{"/api/runs/r1/generations/-1", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := get(t, s, tt.target); rec.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.target, rec.Code, tt.code)
		}
	}
}

func TestUnknownRun(t *testing.T) {
	s, _ := newTestServer(t)
	for _, target := range []string{"/api/runs/nope", "/api/runs/nope/state", "/runs/nope", "/runs/nope/extra/path", "/elsewhere"} {
		if rec := get(t, s, target); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, rec.Code)
		}
	}
}

func TestEscapedRunID(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "team/r1", true)
	if rec := get(t, s, "/api/runs/team%2Fr1/state"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "rdloop_active_runs") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}

	bare := NewServer(workspace.New(workspace.NewMemory()), nil, 0, nil)
	rec = get(t, bare, "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Errorf("metrics without registry = %d, want 404", rec.Code)
	}
}

func TestStateStream_Stopped(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "r1", true)

	body := get(t, s, "/runs/r1/stream").Body.String()
	if strings.Count(body, "event: state") != 1 {
		t.Errorf("expected one state event:\n%s", body)
	}
	if !strings.HasSuffix(body, "event: done\ndata: succeeded\n\n") {
		t.Errorf("stream did not end with done event:\n%s", body)
	}
}

func TestStateStream_FollowsRun(t *testing.T) {
	s, ws := newTestServer(t)
	seedRun(t, ws, "r1", false)

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/r1/stream", nil))
	}()

	time.Sleep(30 * time.Millisecond)
	key := workspace.Key{RunID: "r1", Generation: 0, Kind: workspace.KindState, Revision: 1}
	st := workspace.LoopState{RunID: "r1", Seq: 1, Phase: workspace.PhaseStopped, Reason: workspace.ReasonCancelled}
	if _, err := ws.Append(context.Background(), key, st); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after run stopped")
	}
	body := rec.Body.String()
	if strings.Count(body, "event: state") != 2 || !strings.Contains(body, "data: cancelled") {
		t.Errorf("stream body:\n%s", body)
	}
}

func TestStateStream_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	body := get(t, s, "/runs/ghost/stream").Body.String()
	if !strings.Contains(body, "data: run not found") {
		t.Errorf("body = %q", body)
	}
}
