package synth

import (
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Location is a fault position inside one implementation file.
type Location struct {
	File string
	Line int    // 1-based
	Text string // offending source line when the error output carries it
}

var (
	pyFrameRe   = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	colonLineRe = regexp.MustCompile(`(?m)(?:^|[\s(])((?:\.{0,2}/)?[\w./-]+\.\w+):(\d+)(?::\d+)?`)
	bashLineRe  = regexp.MustCompile(`(?m)([\w./-]+\.(?:sh|bash)): line (\d+):`)
	lineOnlyRe  = regexp.MustCompile(`(?i)\bline (\d+)\b`)
)

// ParseLocations extracts fault locations from error output, innermost first,
// keeping only frames that resolve to one of files.
func ParseLocations(output string, files map[string]string) []Location {
	var locs []Location
	seen := make(map[Location]bool)
	add := func(l Location) {
		key := Location{File: l.File, Line: l.Line}
		if seen[key] {
			return
		}
		seen[key] = true
		locs = append(locs, l)
	}

	// Python tracebacks list the innermost frame last.
	lines := strings.Split(output, "\n")
	var py []Location
	foreign := false
	for i, ln := range lines {
		m := pyFrameRe.FindStringSubmatch(ln)
		if m == nil {
			continue
		}
		name, ok := matchFile(m[1], files)
		if !ok {
			foreign = true
			continue
		}
		n, _ := strconv.Atoi(m[2])
		l := Location{File: name, Line: n}
		if i+1 < len(lines) {
			next := strings.TrimSpace(lines[i+1])
			if next != "" && !strings.HasPrefix(next, "File \"") && !strings.HasPrefix(next, "^") {
				l.Text = next
			}
		}
		py = append(py, l)
	}
	for i := len(py) - 1; i >= 0; i-- {
		add(py[i])
	}

	for _, re := range []*regexp.Regexp{bashLineRe, colonLineRe} {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			name, ok := matchFile(m[1], files)
			if !ok {
				foreign = true
				continue
			}
			n, _ := strconv.Atoi(m[2])
			add(Location{File: name, Line: n})
		}
	}

	// A bare "line N" only points into the sole file when no frame names another one.
	if len(locs) == 0 && len(files) == 1 && !foreign {
		for name := range files {
			if m := lineOnlyRe.FindStringSubmatch(output); m != nil {
				n, _ := strconv.Atoi(m[1])
				add(Location{File: name, Line: n})
			}
		}
	}

	out := locs[:0]
	for _, l := range locs {
		if l.Line > 0 {
			out = append(out, l)
		}
	}
	return out
}

// matchFile resolves a path from error output against the implementation
// files by exact name, then path suffix, then base name.
func matchFile(p string, files map[string]string) (string, bool) {
	p = strings.TrimPrefix(path.Clean(p), "./")
	if _, ok := files[p]; ok {
		return p, true
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.HasSuffix(p, "/"+name) {
			return name, true
		}
	}
	base := path.Base(p)
	for _, name := range names {
		if path.Base(name) == base {
			return name, true
		}
	}
	return "", false
}

// Reanchor moves loc to the line of src holding loc.Text nearest to the
// reported line. Output lines can drift from the current source after an
// earlier repair; the offending text is the stable part.
func Reanchor(loc Location, src string) Location {
	want := strings.TrimSpace(loc.Text)
	if want == "" {
		return loc
	}
	best, bestDist := 0, -1
	for i, ln := range strings.Split(src, "\n") {
		if strings.TrimSpace(ln) != want {
			continue
		}
		d := i + 1 - loc.Line
		if d < 0 {
			d = -d
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = i+1, d
		}
	}
	if bestDist >= 0 {
		loc.Line = best
	}
	return loc
}
