package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/propose"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// ---- view models ----

type DashboardData struct {
	Runs []RunRow
}

type RunRow struct {
	RunID      string
	Phase      string
	Reason     string
	Generation int
	BestScore  string
	UpdatedAgo string
}

type RunDetailData struct {
	RunID       string
	State       *workspace.LoopState
	Generations []GenerationRow
}

type GenerationRow struct {
	Generation int
	Hypothesis string
	Repairs    int
	Status     string
	Duration   time.Duration
	Score      string
	Accepted   bool
	Critique   string
	IsBest     bool
}

// ---- helpers ----

func relTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func fmtDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	d = d.Round(time.Millisecond)
	if d >= time.Minute {
		d = d.Round(time.Second)
	}
	return d.String()
}

func scoreText(fb *workspace.Feedback) string {
	if fb == nil {
		return "-"
	}
	return propose.FormatScore(fb.Score)
}

func unescape(s string) (string, error) {
	return url.PathUnescape(s)
}

func (s *Server) execTemplate(w http.ResponseWriter, tmpl *template.Template, data interface{}) {
	if err := tmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

// writeError maps workspace errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrRunNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, workspace.ErrStorageUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func onlyGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// ---- Dashboard ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !onlyGET(w, r) {
		return
	}
	runs, err := s.ws.ListRuns(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	data := DashboardData{}
	for _, run := range runs {
		row := RunRow{RunID: run.RunID, BestScore: "-"}
		if st := run.State; st != nil {
			row.Phase = string(st.Phase)
			row.Reason = string(st.Reason)
			row.Generation = st.Generation
			row.BestScore = scoreText(st.Best)
			row.UpdatedAgo = relTime(st.UpdatedAt)
		}
		data.Runs = append(data.Runs, row)
	}
	s.execTemplate(w, s.dashboardTmpl, data)
}

// ---- Run detail ----

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	if !onlyGET(w, r) {
		return
	}
	hist, err := s.ws.LoadRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data := RunDetailData{RunID: runID, State: hist.Latest()}
	for _, g := range hist.Generations {
		row := GenerationRow{Generation: g.Generation, Score: scoreText(g.Feedback), Status: "-"}
		if g.Hypothesis != nil {
			row.Hypothesis = g.Hypothesis.Content
		}
		if n := len(g.Implementations); n > 0 {
			row.Repairs = n - 1
		}
		if n := len(g.Executions); n > 0 {
			row.Status = string(g.Executions[n-1].Status)
			row.Duration = g.Executions[n-1].Duration
		}
		if g.Feedback != nil {
			row.Accepted = g.Feedback.Accepted
			row.Critique = g.Feedback.Critique
		}
		if st := data.State; st != nil && st.Best != nil && st.BestGeneration == g.Generation {
			row.IsBest = true
		}
		data.Generations = append(data.Generations, row)
	}
	s.execTemplate(w, s.runTmpl, data)
}

// ---- JSON API ----

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if !onlyGET(w, r) {
		return
	}
	runs, err := s.ws.ListRuns(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, runs)
}

func (s *Server) handleAPIHistory(w http.ResponseWriter, r *http.Request, runID string) {
	if !onlyGET(w, r) {
		return
	}
	hist, err := s.ws.LoadRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, hist)
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request, runID string) {
	if !onlyGET(w, r) {
		return
	}
	st, err := s.ws.LatestState(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, st)
}

func (s *Server) handleAPIGeneration(w http.ResponseWriter, r *http.Request, runID, genStr string) {
	if !onlyGET(w, r) {
		return
	}
	gen, err := strconv.Atoi(genStr)
	if err != nil || gen < 0 {
		http.Error(w, "invalid generation", http.StatusBadRequest)
		return
	}
	hist, err := s.ws.LoadRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	g := hist.Generation(gen)
	if g == nil {
		http.Error(w, fmt.Sprintf("run %s has no generation %d", runID, gen), http.StatusNotFound)
		return
	}
	s.writeJSON(w, g)
}
