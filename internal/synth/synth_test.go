package synth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/rdloop/internal/llm"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func testTask(lang string) Task {
	return Task{
		Problem: workspace.Problem{Description: "average a list", Language: lang, Outputs: []string{"metrics.json"}},
		Hypothesis: &workspace.Hypothesis{
			ID: workspace.HypothesisID("run1", 0), RunID: "run1", Generation: 0, Content: "use the arithmetic mean",
		},
	}
}

func newEngine(gen llm.Generator, opts ...Option) *Engine {
	return New(gen, append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestExtractFiles(t *testing.T) {
	reply := "Here you go.\n\n```python main.py\nimport util\nprint(util.x)\n```\n\n" +
		"```python\n# file: util.py\nx = 1\n```\n\nRun it with:\n\n```bash\npython3 main.py\n```\n"
	files, main, err := ExtractFiles(reply, "python")
	if err != nil {
		t.Fatalf("ExtractFiles: %v", err)
	}
	if main != "main.py" {
		t.Errorf("main = %q, want %q", main, "main.py")
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2: %v", len(files), files)
	}
	if files["util.py"] != "x = 1\n" {
		t.Errorf("util.py = %q, want %q", files["util.py"], "x = 1\n")
	}
}

func TestExtractFiles_UnnamedBecomesMain(t *testing.T) {
	files, main, err := ExtractFiles("```js\nconsole.log(1)\n```", "javascript")
	if err != nil {
		t.Fatalf("ExtractFiles: %v", err)
	}
	if main != "main.js" || files["main.js"] != "console.log(1)\n" {
		t.Errorf("got main %q files %v", main, files)
	}
}

func TestExtractFiles_NoCode(t *testing.T) {
	if _, _, err := ExtractFiles("I cannot do that.", "python"); !errors.Is(err, ErrNoCode) {
		t.Errorf("err = %v, want ErrNoCode", err)
	}
}

func TestValidate(t *testing.T) {
	errs, err := Validate(context.Background(), map[string]string{
		"ok.py":     "def f(x):\n    return x\n",
		"bad.py":    "def f(:\n    return\n",
		"notes.txt": "not code (",
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(errs) == 0 {
		t.Fatal("expected syntax errors in bad.py")
	}
	for _, e := range errs {
		if e.File != "bad.py" {
			t.Errorf("error reported for %s: %s", e.File, e)
		}
	}
}

func TestParse_TreeOutlivesParser(t *testing.T) {
	for i := 0; i < 20; i++ {
		tree, err := parse(context.Background(), "python", []byte("def f(x):\n    return x\n"))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		root := tree.RootNode()
		if root.Type() != "module" || root.HasError() {
			t.Fatalf("root = %s, has error %v", root.Type(), root.HasError())
		}
		if n := root.NamedChild(0); n == nil || n.Type() != "function_definition" {
			t.Fatalf("first child = %v", n)
		}
	}
}

func TestSynthesize(t *testing.T) {
	gen := llm.NewScripted().Reply(llm.PurposeSynthesize, "```python main.py\nprint('hi')\n```")
	impl, err := newEngine(gen).Synthesize(context.Background(), testTask("python"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if impl.ID != "run1/g0/impl-0" {
		t.Errorf("ID = %q, want %q", impl.ID, "run1/g0/impl-0")
	}
	if impl.RepairIndex != 0 || impl.ParentID != "" {
		t.Errorf("RepairIndex = %d ParentID = %q, want original", impl.RepairIndex, impl.ParentID)
	}
	if got := strings.Join(impl.EntryPoint, " "); got != "python3 main.py" {
		t.Errorf("EntryPoint = %q, want %q", got, "python3 main.py")
	}
	if !impl.CreatedAt.Equal(fixedNow) {
		t.Errorf("CreatedAt = %v, want %v", impl.CreatedAt, fixedNow)
	}
	if len(impl.Outputs) != 1 || impl.Outputs[0] != "metrics.json" {
		t.Errorf("Outputs = %v", impl.Outputs)
	}
	calls := gen.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Prompt, "use the arithmetic mean") {
		t.Errorf("prompt does not carry the hypothesis: %+v", calls)
	}
}

func TestSynthesize_RetriesWithSyntaxErrors(t *testing.T) {
	gen := llm.NewScripted().Reply(llm.PurposeSynthesize,
		"```python\ndef main(:\n    pass\n```",
		"```python\ndef main():\n    pass\n```",
	)
	impl, err := newEngine(gen).Synthesize(context.Background(), testTask("python"))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !strings.Contains(impl.Files["main.py"], "def main():") {
		t.Errorf("main.py = %q", impl.Files["main.py"])
	}
	calls := gen.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, "did not parse") {
		t.Errorf("second prompt lacks syntax errors:\n%s", calls[1].Prompt)
	}
}

func TestSynthesize_Exhausted(t *testing.T) {
	gen := llm.NewScripted().Reply(llm.PurposeSynthesize, "```python\ndef main(:\n```")
	_, err := newEngine(gen, WithMaxAttempts(2)).Synthesize(context.Background(), testTask("python"))
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("err = %v, want ErrSynthesis", err)
	}
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("err %T is not a *SynthesisError", err)
	}
	if serr.Attempts != 2 || len(serr.Errors) == 0 {
		t.Errorf("SynthesisError = %+v", serr)
	}
	if n := len(gen.Calls()); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestSynthesize_TransientErrorsSurface(t *testing.T) {
	gen := llm.NewScripted().Push(llm.PurposeSynthesize, llm.Step{Err: llm.ErrTimeout})
	_, err := newEngine(gen).Synthesize(context.Background(), testTask("python"))
	if !errors.Is(err, ErrSynthesis) || !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("err = %v, want ErrSynthesis wrapping ErrTimeout", err)
	}
	if n := len(gen.Calls()); n != DefaultMaxAttempts {
		t.Errorf("calls = %d, want %d", n, DefaultMaxAttempts)
	}
}

func TestSynthesize_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := llm.NewScripted().Reply(llm.PurposeSynthesize, "```python\nprint(1)\n```")
	if _, err := newEngine(gen).Synthesize(ctx, testTask("python")); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

const traceback = `Traceback (most recent call last):
  File "/tmp/rdloop-exec-1/main.py", line 10, in <module>
    main()
  File "/tmp/rdloop-exec-1/main.py", line 6, in main
    print(compute([]))
  File "/tmp/rdloop-exec-1/main.py", line 2, in compute
    return sum(xs) / len(xs)
ZeroDivisionError: division by zero
`

const meanSrc = `def compute(xs):
    return sum(xs) / len(xs)


def main():
    print(compute([]))


main()
`

func TestParseLocations_Traceback(t *testing.T) {
	locs := ParseLocations(traceback, map[string]string{"main.py": meanSrc})
	if len(locs) != 3 {
		t.Fatalf("locs = %+v, want 3", locs)
	}
	if locs[0].Line != 2 || locs[0].File != "main.py" {
		t.Errorf("innermost = %+v, want main.py:2", locs[0])
	}
	if locs[0].Text != "return sum(xs) / len(xs)" {
		t.Errorf("Text = %q", locs[0].Text)
	}
}

func TestParseLocations_CompilerStyle(t *testing.T) {
	out := "# command-line-arguments\n./main.go:7:2: undefined: fmtx\n"
	locs := ParseLocations(out, map[string]string{"main.go": "package main\n"})
	if len(locs) != 1 || locs[0].File != "main.go" || locs[0].Line != 7 {
		t.Errorf("locs = %+v, want main.go:7", locs)
	}
}

func TestParseLocations_IgnoresForeignFiles(t *testing.T) {
	out := `  File "/usr/lib/python3.12/json/__init__.py", line 293, in load`
	if locs := ParseLocations(out, map[string]string{"main.py": meanSrc}); len(locs) != 0 {
		t.Errorf("locs = %+v, want none", locs)
	}
}

func TestReanchor(t *testing.T) {
	src := "a = 1\n\n\nb = a / 0\nc = 2\n"
	got := Reanchor(Location{File: "main.py", Line: 2, Text: "b = a / 0"}, src)
	if got.Line != 4 {
		t.Errorf("Line = %d, want 4", got.Line)
	}
	same := Reanchor(Location{File: "main.py", Line: 2, Text: "not present"}, src)
	if same.Line != 2 {
		t.Errorf("Line = %d, want 2 when text is absent", same.Line)
	}
}

func TestTargetNode_NarrowsLargeDefinition(t *testing.T) {
	src := "def big():\n" + strings.Repeat("    x = 1\n", 100)
	target, ok, err := TargetNode(context.Background(), Python, src, 50)
	if err != nil || !ok {
		t.Fatalf("TargetNode: ok=%v err=%v", ok, err)
	}
	if target.StartLine != 50 || target.EndLine != 50 {
		t.Errorf("target lines %d-%d, want 50-50 (%s)", target.StartLine, target.EndLine, target.Kind)
	}
}

func TestSplice_Reindents(t *testing.T) {
	src := "class A:\n    def f(self):\n        return 1\n\n    def g(self):\n        return 2\n"
	target, ok, err := TargetNode(context.Background(), Python, src, 3)
	if err != nil || !ok {
		t.Fatalf("TargetNode: ok=%v err=%v", ok, err)
	}
	if target.Kind != "function_definition" || target.StartLine != 2 {
		t.Fatalf("target = %+v", target)
	}
	got := Splice(src, target, "def f(self):\n    return 10\n")
	want := "class A:\n    def f(self):\n        return 10\n\n    def g(self):\n        return 2\n"
	if got != want {
		t.Errorf("Splice =\n%s\nwant\n%s", got, want)
	}
}

func failedImpl(files map[string]string, lang string) *workspace.Implementation {
	return &workspace.Implementation{
		ID:           workspace.ImplementationID("run1/g0", 0),
		RunID:        "run1",
		HypothesisID: "run1/g0",
		Language:     lang,
		Files:        files,
		EntryPoint:   DefaultEntryPoint(lang, "main"+extensionFor(lang)),
	}
}

func TestRepair_MissingToken(t *testing.T) {
	gen := llm.NewScripted()
	src := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n"
	impl := failedImpl(map[string]string{"main.go": src}, Go)
	res := &workspace.ExecutionResult{Status: workspace.StatusRuntimeError, ExitCode: 1, Stderr: "./main.go:5:1: syntax error: unexpected EOF, expected }\n"}

	next, err := newEngine(gen).Repair(context.Background(), testTask("go"), impl, res)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if next.RepairStrategy != workspace.RepairLocalized {
		t.Errorf("RepairStrategy = %q, want localized", next.RepairStrategy)
	}
	if errs, _ := Validate(context.Background(), next.Files); len(errs) != 0 {
		t.Errorf("repaired file still invalid: %s\n%s", FormatErrors(errs), next.Files["main.go"])
	}
	if n := len(gen.Calls()); n != 0 {
		t.Errorf("generator calls = %d, want 0 for a deterministic fix", n)
	}
}

func TestRepair_TracebackLocalized(t *testing.T) {
	gen := llm.NewScripted().Reply(llm.PurposeRepair,
		"```python\ndef compute(xs):\n    if not xs:\n        return 0.0\n    return sum(xs) / len(xs)\n```")
	impl := failedImpl(map[string]string{"main.py": meanSrc}, Python)
	res := &workspace.ExecutionResult{Status: workspace.StatusRuntimeError, ExitCode: 1, Stderr: traceback}

	next, err := newEngine(gen).Repair(context.Background(), testTask("python"), impl, res)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if next.RepairIndex != 1 || next.ParentID != impl.ID || next.ID != "run1/g0/impl-1" {
		t.Errorf("lineage = (%d, %q, %q)", next.RepairIndex, next.ParentID, next.ID)
	}
	if next.RepairStrategy != workspace.RepairLocalized {
		t.Errorf("RepairStrategy = %q, want localized", next.RepairStrategy)
	}
	got := next.Files["main.py"]
	if !strings.Contains(got, "if not xs:") || !strings.Contains(got, "def main():\n    print(compute([]))") {
		t.Errorf("repaired source:\n%s", got)
	}
	calls := gen.Calls()
	if len(calls) != 1 || !strings.Contains(calls[0].Prompt, "function definition at lines 1-2") {
		t.Errorf("repair prompt:\n%+v", calls)
	}
	if impl.Files["main.py"] != meanSrc {
		t.Error("Repair modified the parent implementation")
	}
}

func TestRepair_FallsBackToRegenerate(t *testing.T) {
	gen := llm.NewScripted().Reply(llm.PurposeRepair, "```python main.py\nprint('fixed')\n```")
	impl := failedImpl(map[string]string{"main.py": "print('x')\n"}, Python)
	res := &workspace.ExecutionResult{Status: workspace.StatusTimeout, ExitCode: -1}

	next, err := newEngine(gen).Repair(context.Background(), testTask("python"), impl, res)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if next.RepairStrategy != workspace.RepairRegenerate {
		t.Errorf("RepairStrategy = %q, want regenerate", next.RepairStrategy)
	}
	if next.Files["main.py"] != "print('fixed')\n" {
		t.Errorf("main.py = %q", next.Files["main.py"])
	}
}

func TestRepair_InvalidRegenerationIsSynthesisError(t *testing.T) {
	gen := llm.NewScripted().Reply(llm.PurposeRepair, "no code here")
	impl := failedImpl(map[string]string{"main.py": "print('x')\n"}, Python)
	res := &workspace.ExecutionResult{Status: workspace.StatusRuntimeError, ExitCode: 2}

	_, err := newEngine(gen).Repair(context.Background(), testTask("python"), impl, res)
	if !errors.Is(err, ErrSynthesis) {
		t.Errorf("err = %v, want ErrSynthesis", err)
	}
}

func TestRepair_Exhausted(t *testing.T) {
	impl := failedImpl(map[string]string{"main.py": "print('x')\n"}, Python)
	impl.RepairIndex = 2
	_, err := newEngine(llm.NewScripted(), WithMaxRepairs(2)).Repair(context.Background(), testTask("python"), impl, &workspace.ExecutionResult{})
	if !errors.Is(err, ErrRepairExhausted) {
		t.Errorf("err = %v, want ErrRepairExhausted", err)
	}
}

func TestFixMissing_NoMissingNodes(t *testing.T) {
	_, ok, err := FixMissing(context.Background(), Python, "print(1)\n")
	if err != nil || ok {
		t.Errorf("FixMissing = ok %v err %v, want false nil", ok, err)
	}
}
