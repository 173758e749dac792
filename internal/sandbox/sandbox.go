// Package sandbox runs implementations in isolated, resource-limited
// environments and captures what they did.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/metrics"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

const (
	DefaultTimeout     = 120 * time.Second
	DefaultOutputBytes = 64 << 10
	defaultPath        = "/usr/local/bin:/usr/bin:/bin"
)

// ErrBusy is returned when an implementation already has an execution in flight.
var ErrBusy = errors.New("implementation already executing")

var errOutputOverflow = errors.New("output limit exceeded")

// Limits bounds one execution. Zero values mean "no limit" except Timeout
// and OutputBytes, which fall back to the package defaults.
type Limits struct {
	Timeout              time.Duration `json:"timeout"`
	MemoryBytes          int64         `json:"memory_bytes,omitempty"`
	OutputBytes          int64         `json:"output_bytes,omitempty"`
	CPUTime              time.Duration `json:"cpu_time,omitempty"`
	KillOnOutputOverflow bool          `json:"kill_on_output_overflow,omitempty"`
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.OutputBytes <= 0 {
		l.OutputBytes = DefaultOutputBytes
	}
	return l
}

// Spec is what a Runtime needs to start one process tree.
type Spec struct {
	Dir    string
	Argv   []string
	Env    []string
	Limits Limits
	Stdout io.Writer
	Stderr io.Writer
}

// Outcome is how a process tree ended.
type Outcome struct {
	ExitCode int
	Signal   string // signal name such as "SIGKILL", empty when the process exited
	Killed   bool   // the runtime killed the tree because ctx was done
}

// Runtime starts a process tree and waits for it. Run must kill the whole tree
// when ctx is done and must not return while any process of the tree runs.
// The error is non-nil only when the process could not be started.
type Runtime interface {
	Name() string
	Run(ctx context.Context, spec Spec) (Outcome, error)
}

// Engine executes implementations through a Runtime.
type Engine struct {
	runtime Runtime
	logger  *zap.Logger
	metrics *metrics.Metrics
	cache   *Cache
	baseDir string
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCache enables the execution cache.
func WithCache(c *Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBaseDir places per-execution directories under dir instead of os.TempDir.
func WithBaseDir(dir string) Option { return func(e *Engine) { e.baseDir = dir } }

// New creates an Engine.
func New(rt Runtime, opts ...Option) *Engine {
	e := &Engine{
		runtime:  rt,
		logger:   zap.NewNop(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) inFlight(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// Execute runs impl once under limits. Timeouts and resource violations are
// reported through the result status. On parent cancellation the result is
// marked Cancelled and ctx.Err() is returned with it.
func (e *Engine) Execute(ctx context.Context, impl *workspace.Implementation, limits Limits) (*workspace.ExecutionResult, error) {
	if len(impl.EntryPoint) == 0 {
		return nil, fmt.Errorf("execute %s: empty entry point", impl.ID)
	}
	if !e.acquire(impl.ID) {
		return nil, fmt.Errorf("execute %s: %w", impl.ID, ErrBusy)
	}
	defer e.release(impl.ID)

	limits = limits.withDefaults()

	ctx, span := otel.Tracer("rdloop/sandbox").Start(ctx, "sandbox.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("implementation.id", impl.ID),
		attribute.String("runtime", e.runtime.Name()),
	)

	var cacheKey string
	if e.cache != nil {
		cacheKey = CacheKey(impl, limits)
		if hit, ok := e.cache.Get(cacheKey); ok {
			res := hit
			res.ID = workspace.ExecutionID(impl.ID)
			res.RunID = impl.RunID
			res.Generation = impl.Generation
			res.ImplementationID = impl.ID
			res.Cached = true
			e.logger.Debug("execution cache hit", zap.String("implementation", impl.ID))
			e.metrics.Execution(string(res.Status), 0)
			return &res, nil
		}
	}

	res, err := e.execute(ctx, impl, limits)
	if res != nil {
		span.SetAttributes(attribute.String("status", string(res.Status)))
		e.metrics.Execution(string(res.Status), res.Duration)
		e.logger.Info("execution finished",
			zap.String("implementation", impl.ID),
			zap.String("status", string(res.Status)),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration),
			zap.Bool("cancelled", res.Cancelled))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if e.cache != nil && res.Status == workspace.StatusSuccess {
		e.cache.Put(cacheKey, *res)
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, impl *workspace.Implementation, limits Limits) (*workspace.ExecutionResult, error) {
	dir, err := os.MkdirTemp(e.baseDir, "rdloop-exec-*")
	if err != nil {
		return nil, fmt.Errorf("create execution dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := materialize(dir, impl); err != nil {
		return nil, err
	}

	causeCtx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	runCtx, cancel := context.WithTimeout(causeCtx, limits.Timeout)
	defer cancel()

	overflow := func() {}
	if limits.KillOnOutputOverflow {
		overflow = func() { cancelCause(errOutputOverflow) }
	}
	stdout := newTailBuffer(limits.OutputBytes, overflow)
	stderr := newTailBuffer(limits.OutputBytes, overflow)

	res := &workspace.ExecutionResult{
		ID:               workspace.ExecutionID(impl.ID),
		RunID:            impl.RunID,
		Generation:       impl.Generation,
		ImplementationID: impl.ID,
		StartedAt:        e.now(),
	}
	start := time.Now()
	out, runErr := e.runtime.Run(runCtx, Spec{
		Dir:    dir,
		Argv:   impl.EntryPoint,
		Env:    buildEnv(dir, impl.Env),
		Limits: limits,
		Stdout: stdout,
		Stderr: stderr,
	})
	res.Duration = time.Since(start)
	res.ExitCode = out.ExitCode
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.StdoutTruncated = stdout.Truncated()
	res.StderrTruncated = stderr.Truncated()

	if runErr != nil {
		res.Status = workspace.StatusRuntimeError
		res.ExitCode = -1
		res.Detail = runErr.Error()
		if res.Stderr == "" {
			res.Stderr = runErr.Error()
		}
		return res, nil
	}

	switch {
	case ctx.Err() != nil:
		res.Status = workspace.StatusRuntimeError
		res.Cancelled = true
		res.Detail = "execution cancelled"
		return res, ctx.Err()
	case errors.Is(context.Cause(causeCtx), errOutputOverflow):
		res.Status = workspace.StatusResourceExceeded
		res.Detail = fmt.Sprintf("output exceeded %d bytes", limits.OutputBytes)
	case out.Killed && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Status = workspace.StatusTimeout
		res.Detail = fmt.Sprintf("killed after %s timeout", limits.Timeout)
	default:
		res.Status, res.Detail = classify(out, res.Stderr, limits)
	}

	if len(impl.Outputs) > 0 {
		res.Artifacts, res.Detail = collectOutputs(dir, impl.Outputs, limits.OutputBytes, res.Detail)
	}
	return res, nil
}

// classify maps a finished process to a status. A signal death or an
// allocation failure under an active limit counts as resource_exceeded.
func classify(out Outcome, stderr string, limits Limits) (workspace.Status, string) {
	if out.ExitCode == 0 && out.Signal == "" {
		return workspace.StatusSuccess, ""
	}
	switch out.Signal {
	case "SIGXCPU":
		if limits.CPUTime > 0 {
			return workspace.StatusResourceExceeded, fmt.Sprintf("cpu time limit %s exceeded", limits.CPUTime)
		}
	case "SIGKILL":
		if limits.MemoryBytes > 0 || limits.CPUTime > 0 {
			return workspace.StatusResourceExceeded, "killed under resource limit"
		}
	}
	if limits.MemoryBytes > 0 {
		lower := strings.ToLower(stderr)
		for _, marker := range []string{"memoryerror", "out of memory", "cannot allocate memory", "bad_alloc", "heap out of memory"} {
			if strings.Contains(lower, marker) {
				return workspace.StatusResourceExceeded, fmt.Sprintf("memory limit %d bytes exceeded", limits.MemoryBytes)
			}
		}
	}
	if out.Signal != "" {
		return workspace.StatusRuntimeError, "terminated by signal: " + out.Signal
	}
	return workspace.StatusRuntimeError, fmt.Sprintf("exit code %d", out.ExitCode)
}

// buildEnv returns the scrubbed environment of an execution.
func buildEnv(dir string, declared map[string]string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + dir,
		"TMPDIR=" + filepath.Join(dir, "tmp"),
	}
	keys := make([]string, 0, len(declared))
	for k := range declared {
		switch k {
		case "PATH", "HOME", "TMPDIR":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+declared[k])
	}
	return env
}

func materialize(dir string, impl *workspace.Implementation) error {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o700); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}
	names := make([]string, 0, len(impl.Files))
	for name := range impl.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := workspace.ContainedPath(dir, name)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", impl.ID, err)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
		mode := os.FileMode(0o644)
		if strings.HasSuffix(name, ".sh") {
			mode = 0o755
		}
		if err := os.WriteFile(p, []byte(impl.Files[name]), mode); err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
	}
	for _, in := range impl.Inputs {
		if err := copyInput(in, filepath.Join(dir, filepath.Base(in))); err != nil {
			return fmt.Errorf("copy input %s: %w", in, err)
		}
	}
	return nil
}

// copyInput copies a host file or directory into the sandbox, read-only.
func copyInput(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o444)
	})
}

// collectOutputs reads declared artifacts, capping each at max bytes.
func collectOutputs(dir string, outputs []string, max int64, detail string) (map[string]string, string) {
	artifacts := make(map[string]string, len(outputs))
	var missing []string
	for _, name := range outputs {
		p, err := workspace.ContainedPath(dir, name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		data, err := io.ReadAll(io.LimitReader(f, max))
		f.Close()
		if err != nil {
			missing = append(missing, name)
			continue
		}
		artifacts[name] = string(data)
	}
	if len(missing) > 0 {
		note := "missing outputs: " + strings.Join(missing, ", ")
		if detail != "" {
			detail += "; " + note
		} else {
			detail = note
		}
	}
	return artifacts, detail
}
