package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func shImpl(id, script string) *workspace.Implementation {
	return &workspace.Implementation{
		ID:         id,
		RunID:      "r1",
		Language:   "bash",
		Files:      map[string]string{"run.sh": script},
		EntryPoint: []string{"sh", "run.sh"},
	}
}

func testEngine(t *testing.T, opts ...Option) (*Engine, string) {
	t.Helper()
	base := t.TempDir()
	opts = append([]Option{WithBaseDir(base)}, opts...)
	return New(NewLocalRuntime(nil), opts...), base
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("execution dir not removed: %d entries left in %s", len(entries), dir)
	}
}

func TestExecuteSuccess(t *testing.T) {
	e, base := testEngine(t)
	res, err := e.Execute(context.Background(), shImpl("r1/g0/impl-0", "echo hello\necho oops >&2\n"), Limits{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workspace.StatusSuccess {
		t.Fatalf("Status = %q, want %q (stderr %q)", res.Status, workspace.StatusSuccess, res.Stderr)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello\n")
	}
	if res.Stderr != "oops\n" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "oops\n")
	}
	if res.ID != "r1/g0/impl-0/exec" || res.ImplementationID != "r1/g0/impl-0" {
		t.Errorf("ids = %q, %q", res.ID, res.ImplementationID)
	}
	assertEmptyDir(t, base)
}

func TestExecuteRuntimeError(t *testing.T) {
	e, _ := testEngine(t)
	res, err := e.Execute(context.Background(), shImpl("i", "echo bad >&2\nexit 3\n"), Limits{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workspace.StatusRuntimeError {
		t.Errorf("Status = %q, want %q", res.Status, workspace.StatusRuntimeError)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestExecuteMissingBinary(t *testing.T) {
	e, _ := testEngine(t)
	impl := shImpl("i", "")
	impl.EntryPoint = []string{"rdloop-no-such-binary"}
	res, err := e.Execute(context.Background(), impl, Limits{Timeout: time.Second})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workspace.StatusRuntimeError {
		t.Errorf("Status = %q, want %q", res.Status, workspace.StatusRuntimeError)
	}
	if res.Stderr == "" {
		t.Error("expected start error in stderr")
	}
}

// processGone reports whether pid no longer runs. Zombies count as gone.
func processGone(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(data))
	return len(fields) > 2 && fields[2] == "Z"
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("needs /proc")
	}
	e, base := testEngine(t)
	script := "sleep 30 &\necho $!\nsleep 30\n"

	start := time.Now()
	res, err := e.Execute(context.Background(), shImpl("i", script), Limits{Timeout: 300 * time.Millisecond})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workspace.StatusTimeout {
		t.Fatalf("Status = %q, want %q", res.Status, workspace.StatusTimeout)
	}
	if elapsed > 5*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		t.Fatalf("parse background pid from %q: %v", res.Stdout, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !processGone(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("background process %d still running after timeout", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
	assertEmptyDir(t, base)
}

func TestExecuteCancellation(t *testing.T) {
	e, base := testEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := e.Execute(ctx, shImpl("i", "sleep 30\n"), Limits{Timeout: 30 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil || !res.Cancelled {
		t.Fatalf("result not marked cancelled: %+v", res)
	}
	if res.Status != workspace.StatusRuntimeError {
		t.Errorf("Status = %q, want %q", res.Status, workspace.StatusRuntimeError)
	}
	assertEmptyDir(t, base)
}

func TestExecuteOutputTruncation(t *testing.T) {
	e, _ := testEngine(t)
	script := "i=0\nwhile [ $i -lt 2000 ]; do echo line-$i; i=$((i+1)); done\necho done\n"
	res, err := e.Execute(context.Background(), shImpl("i", script), Limits{Timeout: 10 * time.Second, OutputBytes: 256})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workspace.StatusSuccess {
		t.Fatalf("Status = %q, want %q", res.Status, workspace.StatusSuccess)
	}
	if !res.StdoutTruncated {
		t.Error("StdoutTruncated = false, want true")
	}
	if res.StderrTruncated {
		t.Error("StderrTruncated = true, want false")
	}
	if len(res.Stdout) > 256 {
		t.Errorf("len(Stdout) = %d, want <= 256", len(res.Stdout))
	}
	if !strings.HasSuffix(res.Stdout, "done\n") {
		t.Errorf("tail not kept: %q", res.Stdout)
	}
}

func TestExecuteOutputOverflowKills(t *testing.T) {
	e, _ := testEngine(t)
	res, err := e.Execute(context.Background(), shImpl("i", "while true; do echo spam; done\n"),
		Limits{Timeout: 10 * time.Second, OutputBytes: 1024, KillOnOutputOverflow: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workspace.StatusResourceExceeded {
		t.Errorf("Status = %q, want %q", res.Status, workspace.StatusResourceExceeded)
	}
}

func TestExecuteScrubsEnvironment(t *testing.T) {
	t.Setenv("RDLOOP_SECRET_TOKEN", "leak")
	e, _ := testEngine(t)
	impl := shImpl("i", "env\n")
	impl.Env = map[string]string{"MODE": "fast"}
	res, err := e.Execute(context.Background(), impl, Limits{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(res.Stdout, "RDLOOP_SECRET_TOKEN") {
		t.Error("host environment leaked into sandbox")
	}
	if !strings.Contains(res.Stdout, "MODE=fast") {
		t.Errorf("declared env missing:\n%s", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "HOME=") || !strings.Contains(res.Stdout, "TMPDIR=") {
		t.Errorf("HOME/TMPDIR missing:\n%s", res.Stdout)
	}
}

func TestExecuteInputsAndArtifacts(t *testing.T) {
	host := t.TempDir()
	input := filepath.Join(host, "data.txt")
	if err := os.WriteFile(input, []byte("42\n"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	e, _ := testEngine(t)
	impl := shImpl("i", "v=$(cat data.txt)\nprintf '{\"score\": %s}' \"$v\" > out/metrics.json\n")
	impl.Files["out/.keep"] = ""
	impl.Inputs = []string{input}
	impl.Outputs = []string{"out/metrics.json", "missing.txt"}

	res, err := e.Execute(context.Background(), impl, Limits{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != workspace.StatusSuccess {
		t.Fatalf("Status = %q (stderr %q)", res.Status, res.Stderr)
	}
	if got := res.Artifacts["out/metrics.json"]; got != `{"score": 42}` {
		t.Errorf("artifact = %q", got)
	}
	if !strings.Contains(res.Detail, "missing.txt") {
		t.Errorf("Detail = %q, want missing output noted", res.Detail)
	}
}

func TestExecuteRejectsEscapingFiles(t *testing.T) {
	e, _ := testEngine(t)
	impl := shImpl("i", "true\n")
	impl.Files["../evil.sh"] = "rm -rf /"
	if _, err := e.Execute(context.Background(), impl, Limits{Timeout: time.Second}); err == nil {
		t.Fatal("expected error for file escaping the execution dir")
	}
}

func TestExecuteBusy(t *testing.T) {
	e, _ := testEngine(t)
	impl := shImpl("same", "sleep 1\n")

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), impl, Limits{Timeout: 10 * time.Second})
		done <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !e.inFlight("same") {
		if time.Now().After(deadline) {
			t.Fatal("first execution never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, err := e.Execute(context.Background(), impl, Limits{Timeout: 10 * time.Second})
	if !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first execution: %v", err)
	}
}

func TestExecuteCache(t *testing.T) {
	cache := NewCache(0)
	e, _ := testEngine(t, WithCache(cache))
	limits := Limits{Timeout: 10 * time.Second}

	first, err := e.Execute(context.Background(), shImpl("a", "echo $$\n"), limits)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	second, err := e.Execute(context.Background(), shImpl("b", "echo $$\n"), limits)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !second.Cached {
		t.Fatal("second execution not served from cache")
	}
	if second.Stdout != first.Stdout {
		t.Errorf("cached Stdout = %q, want %q", second.Stdout, first.Stdout)
	}
	if second.ImplementationID != "b" {
		t.Errorf("ImplementationID = %q, want %q", second.ImplementationID, "b")
	}

	// failures are not cached
	if _, err := e.Execute(context.Background(), shImpl("c", "exit 1\n"), limits); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if cache.Len() != 1 {
		t.Errorf("cache entries = %d, want 1", cache.Len())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		out    Outcome
		stderr string
		limits Limits
		want   workspace.Status
	}{
		{"clean exit", Outcome{ExitCode: 0}, "", Limits{}, workspace.StatusSuccess},
		{"nonzero", Outcome{ExitCode: 1}, "Traceback", Limits{}, workspace.StatusRuntimeError},
		{"sigkill under memory limit", Outcome{ExitCode: -1, Signal: "SIGKILL"}, "", Limits{MemoryBytes: 1 << 20}, workspace.StatusResourceExceeded},
		{"sigkill without limit", Outcome{ExitCode: -1, Signal: "SIGKILL"}, "", Limits{}, workspace.StatusRuntimeError},
		{"sigxcpu", Outcome{ExitCode: -1, Signal: "SIGXCPU"}, "", Limits{CPUTime: time.Second}, workspace.StatusResourceExceeded},
		{"python MemoryError", Outcome{ExitCode: 1}, "MemoryError\n", Limits{MemoryBytes: 1 << 20}, workspace.StatusResourceExceeded},
		{"MemoryError without limit", Outcome{ExitCode: 1}, "MemoryError\n", Limits{}, workspace.StatusRuntimeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := classify(tt.out, tt.stderr, tt.limits)
			if got != tt.want {
				t.Errorf("classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTailBuffer(t *testing.T) {
	fired := 0
	b := newTailBuffer(8, func() { fired++ })
	b.Write([]byte("abcd"))
	if b.Truncated() {
		t.Error("truncated before cap")
	}
	b.Write([]byte("efghij"))
	b.Write([]byte("k"))
	if got := b.String(); got != "defghijk" {
		t.Errorf("String() = %q, want %q", got, "defghijk")
	}
	if !b.Truncated() {
		t.Error("Truncated() = false after overflow")
	}
	if fired != 1 {
		t.Errorf("overflow fired %d times, want 1", fired)
	}
}

func TestDockerArgs(t *testing.T) {
	d := NewDockerRuntime("python:3.12-slim", nil)
	args := d.buildArgs("rdloop-x", Spec{
		Dir:    "/tmp/exec-1",
		Argv:   []string{"python3", "main.py"},
		Env:    []string{"PATH=/usr/bin", "HOME=/tmp/exec-1", "TMPDIR=/tmp/exec-1/tmp", "MODE=fast"},
		Limits: Limits{MemoryBytes: 1024, CPUTime: 2 * time.Second},
	})
	got := strings.Join(args, " ")
	for _, want := range []string{
		"run --rm --name rdloop-x --network none",
		"-v /tmp/exec-1:/workspace:rw -w /workspace",
		"--memory 1024",
		"--ulimit cpu=2:3",
		"-e HOME=/workspace -e TMPDIR=/workspace/tmp -e MODE=fast",
		"python:3.12-slim python3 main.py",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("args missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "PATH=") {
		t.Errorf("host PATH forwarded into container: %s", got)
	}
}

// fakeHost records the docker CLI invocation instead of running it.
type fakeHost struct {
	argv []string
	out  Outcome
}

func (f *fakeHost) Name() string { return "fake" }

func (f *fakeHost) Run(ctx context.Context, spec Spec) (Outcome, error) {
	f.argv = spec.Argv
	return f.out, nil
}

func TestDockerRunKillsContainerOnCancel(t *testing.T) {
	host := &fakeHost{out: Outcome{ExitCode: -1, Killed: true}}
	d := NewDockerRuntime("alpine", nil)
	d.Host = host
	var killed string
	d.kill = func(name string) error { killed = name; return nil }

	if _, err := d.Run(context.Background(), Spec{Dir: "/tmp/x", Argv: []string{"true"}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if host.argv[0] != "docker" {
		t.Errorf("argv[0] = %q, want docker", host.argv[0])
	}
	if !strings.HasPrefix(killed, "rdloop-") {
		t.Errorf("killed container = %q", killed)
	}
}

func TestDockerExit137IsSigkill(t *testing.T) {
	d := NewDockerRuntime("alpine", nil)
	d.Host = &fakeHost{out: Outcome{ExitCode: 137}}
	out, err := d.Run(context.Background(), Spec{Dir: "/tmp/x", Argv: []string{"true"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", out.Signal)
	}
}

func TestCacheKeyStable(t *testing.T) {
	a := shImpl("a", "echo 1\n")
	b := shImpl("b", "echo 1\n")
	c := shImpl("c", "echo 2\n")
	l := Limits{Timeout: time.Second}
	if CacheKey(a, l) != CacheKey(b, l) {
		t.Error("identical content produced different keys")
	}
	if CacheKey(a, l) == CacheKey(c, l) {
		t.Error("different content produced the same key")
	}
	if CacheKey(a, l) == CacheKey(a, Limits{Timeout: 2 * time.Second}) {
		t.Error("limits not part of the key")
	}
}
