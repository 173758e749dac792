// Package web serves a read-only view of the workspace: an HTML dashboard,
// JSON run histories, a state event stream and Prometheus metrics.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/metrics"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(s string) string {
		return "badge badge-" + strings.ReplaceAll(s, "_", "-")
	},
	"relTime":     relTime,
	"score":       scoreText,
	"fmtDuration": fmtDuration,
}

// Server is the read-only inspection server.
type Server struct {
	ws      *workspace.Workspace
	metrics *metrics.Metrics
	port    int
	logger  *zap.Logger

	// poll is how often the state stream re-reads the latest state.
	poll time.Duration

	dashboardTmpl *template.Template
	runTmpl       *template.Template
}

// NewServer creates a Server with parsed templates. m may be nil, in which
// case /metrics is not served.
func NewServer(ws *workspace.Workspace, m *metrics.Metrics, port int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ws:            ws,
		metrics:       m,
		port:          port,
		logger:        logger,
		poll:          2 * time.Second,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
		runTmpl:       mustParseTmpl("base.html", "run.html"),
	}
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleDashboard(w, r)
		case strings.HasPrefix(r.URL.Path, "/runs/"):
			s.routeRun(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/runs", s.handleAPIRuns)
	mux.HandleFunc("/api/runs/", s.routeAPIRun)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start listens on the configured port until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("inspection server listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// splitRunPath splits "/prefix/<id>/<rest...>". Run ids are path-escaped by
// clients, so "/" inside an id arrives as %2F and is not split.
func splitRunPath(r *http.Request, prefix string) (string, []string, bool) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil, false
	}
	id, err := unescape(parts[0])
	if err != nil || strings.HasPrefix(id, ".") {
		return "", nil, false
	}
	return id, parts[1:], true
}

func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := splitRunPath(r, "/runs/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(rest) == 0:
		s.handleRunDetail(w, r, id)
	case len(rest) == 1 && rest[0] == "stream":
		s.handleStateStream(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) routeAPIRun(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := splitRunPath(r, "/api/runs/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(rest) == 0:
		s.handleAPIHistory(w, r, id)
	case len(rest) == 1 && rest[0] == "state":
		s.handleAPIState(w, r, id)
	case len(rest) == 2 && rest[0] == "generations":
		s.handleAPIGeneration(w, r, id, rest[1])
	default:
		http.NotFound(w, r)
	}
}
