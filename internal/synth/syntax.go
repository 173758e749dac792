package synth

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/bash"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// Languages with a grammar. Files in other languages are carried but not validated.
const (
	Python     = "python"
	Go         = "go"
	JavaScript = "javascript"
	Bash       = "bash"
)

// NormalizeLanguage maps common aliases onto the language constants.
func NormalizeLanguage(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "py", "python3":
		return Python
	case "go", "golang":
		return Go
	case "javascript", "js", "node", "nodejs", "mjs":
		return JavaScript
	case "bash", "sh", "shell", "zsh":
		return Bash
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// LanguageFor detects a file's language from its extension.
func LanguageFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".pyi":
		return Python
	case ".go":
		return Go
	case ".js", ".mjs", ".cjs":
		return JavaScript
	case ".sh", ".bash":
		return Bash
	}
	return ""
}

func extensionFor(lang string) string {
	switch lang {
	case Python:
		return ".py"
	case Go:
		return ".go"
	case JavaScript:
		return ".js"
	case Bash:
		return ".sh"
	}
	return ".txt"
}

func grammar(lang string) *sitter.Language {
	switch lang {
	case Python:
		return python.GetLanguage()
	case Go:
		return golang.GetLanguage()
	case JavaScript:
		return javascript.GetLanguage()
	case Bash:
		return bash.GetLanguage()
	}
	return nil
}

// parse returns the syntax tree of src, or nil for languages without a grammar.
func parse(ctx context.Context, lang string, src []byte) (*sitter.Tree, error) {
	g := grammar(lang)
	if g == nil {
		return nil, nil
	}
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(g)
	tree, err := p.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", lang, err)
	}
	return tree, nil
}

// SyntaxError is one ERROR or MISSING node.
type SyntaxError struct {
	File    string
	Line    int // 1-based
	Column  int // 0-based
	Message string
	Missing string // token type of a MISSING node
}

func (e SyntaxError) String() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

const maxSyntaxErrors = 50

func collectErrors(file string, root *sitter.Node, src []byte) []SyntaxError {
	var out []SyntaxError
	var walk func(n *sitter.Node, depth int)
	walk = func(n *sitter.Node, depth int) {
		if n == nil || depth > 1000 || len(out) >= maxSyntaxErrors {
			return
		}
		if n.IsMissing() || n.IsError() {
			pt := n.StartPoint()
			e := SyntaxError{File: file, Line: int(pt.Row) + 1, Column: int(pt.Column)}
			if n.IsMissing() {
				e.Missing = n.Type()
				e.Message = fmt.Sprintf("missing %q", n.Type())
			} else {
				text := strings.TrimSpace(n.Content(src))
				if len(text) > 50 {
					text = text[:50] + "..."
				}
				e.Message = "unexpected " + fmt.Sprintf("%q", text)
			}
			out = append(out, e)
		}
		if !n.HasError() && !n.IsMissing() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i), depth+1)
		}
	}
	walk(root, 0)
	return out
}

// Validate parses every file that has a grammar and returns all syntax errors,
// ordered by file then position.
func Validate(ctx context.Context, files map[string]string) ([]SyntaxError, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var all []SyntaxError
	for _, name := range names {
		src := []byte(files[name])
		tree, err := parse(ctx, LanguageFor(name), src)
		if err != nil {
			return nil, err
		}
		if tree == nil {
			continue
		}
		all = append(all, collectErrors(name, tree.RootNode(), src)...)
		tree.Close()
	}
	return all, nil
}

// FormatErrors renders syntax errors one per line, capped at ten.
func FormatErrors(errs []SyntaxError) string {
	var b strings.Builder
	for i, e := range errs {
		if i == 10 {
			fmt.Fprintf(&b, "... and %d more\n", len(errs)-10)
			break
		}
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
