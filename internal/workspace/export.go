package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Export writes the history of runID as a directory tree under dir:
//
//	<dir>/<run>/run.json
//	<dir>/<run>/states.json
//	<dir>/<run>/gen-000/hypothesis.json
//	<dir>/<run>/gen-000/implementation-0.json
//	<dir>/<run>/gen-000/implementation-0/<file>
//	<dir>/<run>/gen-000/execution-0.json
//	<dir>/<run>/gen-000/feedback.json
//
// It returns the run directory.
func (w *Workspace) Export(ctx context.Context, runID, dir string) (string, error) {
	h, err := w.LoadRun(ctx, runID)
	if err != nil {
		return "", err
	}
	root := filepath.Join(dir, safeName(runID))

	if h.Manifest != nil {
		var manifest interface{}
		if err := json.Unmarshal(h.Manifest, &manifest); err != nil {
			return "", fmt.Errorf("decode manifest: %w", err)
		}
		if err := WriteJSON(filepath.Join(root, "run.json"), manifest); err != nil {
			return "", err
		}
	}
	if err := WriteJSON(filepath.Join(root, "states.json"), h.States); err != nil {
		return "", err
	}

	for _, g := range h.Generations {
		genDir := filepath.Join(root, fmt.Sprintf("gen-%03d", g.Generation))
		if g.Hypothesis != nil {
			if err := WriteJSON(filepath.Join(genDir, "hypothesis.json"), g.Hypothesis); err != nil {
				return "", err
			}
		}
		for _, impl := range g.Implementations {
			base := fmt.Sprintf("implementation-%d", impl.RepairIndex)
			if err := WriteJSON(filepath.Join(genDir, base+".json"), impl); err != nil {
				return "", err
			}
			for name, content := range impl.Files {
				p, err := ContainedPath(filepath.Join(genDir, base), name)
				if err != nil {
					return "", err
				}
				if err := WriteAtomic(p, []byte(content)); err != nil {
					return "", err
				}
			}
		}
		for i, res := range g.Executions {
			if err := WriteJSON(filepath.Join(genDir, fmt.Sprintf("execution-%d.json", i)), res); err != nil {
				return "", err
			}
		}
		if g.Feedback != nil {
			if err := WriteJSON(filepath.Join(genDir, "feedback.json"), g.Feedback); err != nil {
				return "", err
			}
		}
	}
	return root, nil
}

func safeName(s string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_", "..", "_").Replace(s)
}

// ContainedPath joins name under base and refuses paths escaping base.
func ContainedPath(base, name string) (string, error) {
	p := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file %q escapes implementation directory", name)
	}
	return p, nil
}
