package synth

import (
	"context"
	"sort"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
)

// maxDefinitionLines bounds how large an enclosing definition may be before
// repair narrows to the statement instead.
const maxDefinitionLines = 80

var definitionTypes = map[string]map[string]bool{
	Python:     {"function_definition": true, "class_definition": true, "decorated_definition": true},
	Go:         {"function_declaration": true, "method_declaration": true, "type_declaration": true},
	JavaScript: {"function_declaration": true, "method_definition": true, "class_declaration": true, "generator_function_declaration": true},
	Bash:       {"function_definition": true},
}

var blockTypes = map[string]map[string]bool{
	Python:     {"module": true, "block": true},
	Go:         {"source_file": true, "block": true},
	JavaScript: {"program": true, "statement_block": true, "class_body": true},
	Bash:       {"program": true, "compound_statement": true, "do_group": true, "if_statement": true, "elif_clause": true, "else_clause": true},
}

// Target is the byte range of the node a repair rewrites.
type Target struct {
	Kind      string
	StartByte int
	EndByte   int
	StartLine int // 1-based, inclusive
	EndLine   int
}

// Text returns the target's source text.
func (t Target) Text(src string) string { return src[t.StartByte:t.EndByte] }

// TargetNode maps a 1-based line of src to the nearest enclosing meaningful
// node: the innermost definition when it is small enough, otherwise the
// smallest statement containing the line.
func TargetNode(ctx context.Context, lang, src string, line int) (Target, bool, error) {
	lines := strings.Split(src, "\n")
	if line < 1 || line > len(lines) {
		return Target{}, false, nil
	}
	col := len(lines[line-1]) - len(strings.TrimLeftFunc(lines[line-1], unicode.IsSpace))
	if col == len(lines[line-1]) {
		return Target{}, false, nil
	}

	tree, err := parse(ctx, lang, []byte(src))
	if err != nil || tree == nil {
		return Target{}, false, err
	}
	defer tree.Close()

	pt := sitter.Point{Row: uint32(line - 1), Column: uint32(col)}
	n := tree.RootNode().NamedDescendantForPointRange(pt, pt)
	if n == nil {
		return Target{}, false, nil
	}

	var stmt, def *sitter.Node
	for cur := n; cur != nil; cur = cur.Parent() {
		parent := cur.Parent()
		if stmt == nil && parent != nil && blockTypes[lang][parent.Type()] {
			stmt = cur
		}
		if definitionTypes[lang][cur.Type()] {
			def = cur
			if parent != nil && parent.Type() == "decorated_definition" {
				def = parent
			}
			break
		}
	}

	pick := stmt
	if def != nil && int(def.EndPoint().Row-def.StartPoint().Row)+1 <= maxDefinitionLines {
		pick = def
	}
	if pick == nil {
		pick = n
	}
	if pick.Type() == "module" || pick.Type() == "program" || pick.Type() == "source_file" {
		return Target{}, false, nil
	}
	return Target{
		Kind:      pick.Type(),
		StartByte: int(pick.StartByte()),
		EndByte:   int(pick.EndByte()),
		StartLine: int(pick.StartPoint().Row) + 1,
		EndLine:   int(pick.EndPoint().Row) + 1,
	}, true, nil
}

// Splice replaces the target range of src with replacement, re-indented to
// the target's column.
func Splice(src string, t Target, replacement string) string {
	lineStart := strings.LastIndexByte(src[:t.StartByte], '\n') + 1
	indent := src[lineStart:t.StartByte]
	if strings.TrimSpace(indent) != "" {
		indent = ""
	}

	body := dedent(strings.TrimRight(replacement, "\n"))
	rl := strings.Split(body, "\n")
	for i := 1; i < len(rl); i++ {
		if rl[i] != "" {
			rl[i] = indent + rl[i]
		}
	}
	return src[:t.StartByte] + strings.Join(rl, "\n") + src[t.EndByte:]
}

func dedent(s string) string {
	lines := strings.Split(s, "\n")
	common := -1
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		n := len(ln) - len(strings.TrimLeft(ln, " \t"))
		if common < 0 || n < common {
			common = n
		}
	}
	if common <= 0 {
		return s
	}
	for i, ln := range lines {
		if len(ln) >= common {
			lines[i] = ln[common:]
		} else {
			lines[i] = strings.TrimLeft(ln, " \t")
		}
	}
	return strings.Join(lines, "\n")
}

type missingToken struct {
	pos int
	tok string
}

// FixMissing inserts every token the parser reported as MISSING. It reports
// false when src has no missing tokens or one of them is not a literal token.
func FixMissing(ctx context.Context, lang, src string) (string, bool, error) {
	tree, err := parse(ctx, lang, []byte(src))
	if err != nil || tree == nil {
		return src, false, err
	}
	defer tree.Close()

	var toks []missingToken
	literal := true
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if n.IsMissing() {
			if n.IsNamed() || n.Type() == "" {
				literal = false
			}
			toks = append(toks, missingToken{pos: int(n.StartByte()), tok: n.Type()})
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(tree.RootNode())
	if len(toks) == 0 || !literal {
		return src, false, nil
	}

	sort.SliceStable(toks, func(i, j int) bool { return toks[i].pos > toks[j].pos })
	out := src
	for _, m := range toks {
		ins := m.tok
		if isWord(ins) {
			switch ins {
			case "fi", "done", "esac", "end":
				ins = "\n" + ins
			default:
				ins = " " + ins
			}
		}
		out = out[:m.pos] + ins + out[m.pos:]
	}
	return out, true, nil
}

func isWord(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}
