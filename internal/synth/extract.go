package synth

import (
	"errors"
	"path"
	"regexp"
	"strings"
)

// ErrNoCode is returned when a reply contains no usable code block.
var ErrNoCode = errors.New("no fenced code block in reply")

var fileHeaderRe = regexp.MustCompile(`^\s*(?:#|//|--)\s*(?:file(?:name)?|path)\s*:\s*(\S+)\s*$`)

type codeBlock struct {
	lang string
	name string
	body string
}

// openFence returns the fence marker and info string when line opens a
// fenced block ("```python main.py", "~~~").
func openFence(line string) (fence, info string, ok bool) {
	t := strings.TrimLeft(line, " \t")
	if len(t) < 3 || (t[0] != '`' && t[0] != '~') {
		return "", "", false
	}
	n := 0
	for n < len(t) && t[n] == t[0] {
		n++
	}
	if n < 3 {
		return "", "", false
	}
	info = strings.TrimSpace(t[n:])
	if t[0] == '`' && strings.Contains(info, "`") {
		return "", "", false
	}
	return t[:n], info, true
}

// closesFence reports whether line closes a block opened with fence.
func closesFence(line, fence string) bool {
	t := strings.TrimSpace(line)
	return len(t) >= len(fence) && strings.Trim(t, fence[:1]) == ""
}

// parseBlocks returns the fenced blocks of text in order. A path is taken
// from the info string ("python main.py", "file=main.py", "main.py") or from
// a "# file: path" first line, which is then dropped from the body. A block
// left open at the end of the reply runs to the end.
func parseBlocks(text string) []codeBlock {
	var out []codeBlock
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		fence, info, ok := openFence(lines[i])
		if !ok {
			continue
		}
		var body []string
		for i++; i < len(lines) && !closesFence(lines[i], fence); i++ {
			body = append(body, lines[i])
		}
		out = append(out, newBlock(info, strings.Join(body, "\n")))
	}
	return out
}

func newBlock(info, body string) codeBlock {
	b := codeBlock{body: body}
	for _, tok := range strings.Fields(info) {
		tok = strings.TrimPrefix(tok, "file=")
		tok = strings.TrimPrefix(tok, "path=")
		switch {
		case b.lang == "" && !strings.Contains(tok, ".") && !strings.Contains(tok, "/"):
			b.lang = NormalizeLanguage(tok)
		case b.name == "" && (strings.Contains(tok, ".") || strings.Contains(tok, "/")):
			b.name = tok
		}
	}
	if first, rest, ok := strings.Cut(b.body, "\n"); ok || first != "" {
		if h := fileHeaderRe.FindStringSubmatch(first); h != nil {
			if b.name == "" {
				b.name = h[1]
			}
			b.body = rest
		}
	}
	if b.lang == "" && b.name != "" {
		b.lang = LanguageFor(b.name)
	}
	if !strings.HasSuffix(b.body, "\n") {
		b.body += "\n"
	}
	return b
}

// ExtractFiles turns a reply into implementation files. Named blocks become
// their own files; the first unnamed block in lang becomes the main file.
// Unnamed blocks in other languages (usage examples, shell transcripts) are ignored.
func ExtractFiles(text, lang string) (map[string]string, string, error) {
	lang = NormalizeLanguage(lang)
	files := make(map[string]string)
	var main string
	for _, b := range parseBlocks(text) {
		if b.name != "" {
			name := path.Clean(strings.TrimPrefix(b.name, "./"))
			files[name] = b.body
			if main == "" && LanguageFor(name) == lang {
				main = name
			}
			continue
		}
		if b.lang != "" && b.lang != lang {
			continue
		}
		name := defaultMain(lang)
		if _, taken := files[name]; taken {
			continue
		}
		files[name] = b.body
		if main == "" {
			main = name
		}
	}
	if len(files) == 0 {
		return nil, "", ErrNoCode
	}
	if main == "" {
		for name := range files {
			if main == "" || name < main {
				main = name
			}
		}
	}
	return files, main, nil
}

// ExtractSnippet returns the body of the first code block, or the trimmed
// reply when it contains no fences.
func ExtractSnippet(text string) string {
	if blocks := parseBlocks(text); len(blocks) > 0 {
		return blocks[0].body
	}
	return strings.TrimSpace(text) + "\n"
}

func defaultMain(lang string) string {
	return "main" + extensionFor(lang)
}

// DefaultEntryPoint is the command that runs main for lang.
func DefaultEntryPoint(lang, main string) []string {
	switch lang {
	case Python:
		return []string{"python3", main}
	case Go:
		return []string{"go", "run", main}
	case JavaScript:
		return []string{"node", main}
	case Bash:
		return []string{"bash", main}
	}
	return []string{"sh", main}
}
