package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var tagRe = regexp.MustCompile(`\{\{\s*(#if\s+[a-zA-Z_][a-zA-Z0-9_]*|else|/if|[a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Vars maps variable names to values for template rendering.
type Vars map[string]string

type node struct {
	text      string // literal text, when kind == textNode
	name      string // variable or condition name
	kind      int
	then      []node
	otherwise []node
}

const (
	textNode = iota
	varNode
	ifNode
)

// Render expands tmpl with vars.
//
//	{{name}}                        replaced by the value; missing names are an error
//	{{#if name}}...{{else}}...{{/if}} first branch when name is non-empty
//
// Values are inserted verbatim and never re-scanned, so generated code that
// contains braces is safe to pass through.
func Render(tmpl string, vars Vars) (string, error) {
	nodes, err := parse(tmpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	missing := map[string]bool{}
	emit(&b, nodes, vars, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(names, ", "))
	}
	return b.String(), nil
}

func parse(tmpl string) ([]node, error) {
	type frame struct {
		name      string
		then      []node
		inElse    bool
		otherwise []node
	}
	root := &frame{}
	stack := []*frame{root}
	add := func(n node) {
		top := stack[len(stack)-1]
		if top.inElse {
			top.otherwise = append(top.otherwise, n)
		} else {
			top.then = append(top.then, n)
		}
	}

	pos := 0
	for _, loc := range tagRe.FindAllStringSubmatchIndex(tmpl, -1) {
		if loc[0] > pos {
			add(node{kind: textNode, text: tmpl[pos:loc[0]]})
		}
		pos = loc[1]
		tag := tmpl[loc[2]:loc[3]]
		switch {
		case strings.HasPrefix(tag, "#if"):
			stack = append(stack, &frame{name: strings.TrimSpace(strings.TrimPrefix(tag, "#if"))})
		case tag == "else":
			top := stack[len(stack)-1]
			if top == root || top.inElse {
				return nil, fmt.Errorf("unexpected {{else}} at offset %d", loc[0])
			}
			top.inElse = true
		case tag == "/if":
			if len(stack) == 1 {
				return nil, fmt.Errorf("dangling {{/if}} without matching {{#if}}")
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			add(node{kind: ifNode, name: top.name, then: top.then, otherwise: top.otherwise})
		default:
			add(node{kind: varNode, name: tag})
		}
	}
	if pos < len(tmpl) {
		add(node{kind: textNode, text: tmpl[pos:]})
	}
	if len(stack) > 1 {
		return nil, fmt.Errorf("unclosed conditional block: {{#if %s}}", stack[len(stack)-1].name)
	}
	return root.then, nil
}

func emit(b *strings.Builder, nodes []node, vars Vars, missing map[string]bool) {
	for _, n := range nodes {
		switch n.kind {
		case textNode:
			b.WriteString(n.text)
		case varNode:
			v, ok := vars[n.name]
			if !ok {
				missing[n.name] = true
				continue
			}
			b.WriteString(v)
		case ifNode:
			if vars[n.name] != "" {
				emit(b, n.then, vars, missing)
			} else {
				emit(b, n.otherwise, vars, missing)
			}
		}
	}
}

// Set resolves named templates, preferring files in an override directory.
type Set struct {
	dir string
}

// NewSet returns a Set reading overrides from dir. An empty dir uses builtins only.
func NewSet(dir string) *Set {
	return &Set{dir: dir}
}

// Get returns the template text for name.
func (s *Set) Get(name string) (string, error) {
	if s != nil && s.dir != "" {
		p := filepath.Join(s.dir, name)
		absDir, err1 := filepath.Abs(s.dir)
		absP, err2 := filepath.Abs(p)
		if err1 == nil && err2 == nil && !strings.HasPrefix(absP, absDir+string(filepath.Separator)) {
			return "", fmt.Errorf("template path %q escapes %s", name, s.dir)
		}
		if data, err := os.ReadFile(p); err == nil {
			return string(data), nil
		}
	}
	if t, ok := builtinTemplates[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// Render looks up name and renders it with vars.
func (s *Set) Render(name string, vars Vars) (string, error) {
	tmpl, err := s.Get(name)
	if err != nil {
		return "", err
	}
	out, err := Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// Install writes the builtin templates into dir without overwriting existing files.
func Install(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}
	for name, content := range builtinTemplates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write template %q: %w", name, err)
		}
	}
	return nil
}
