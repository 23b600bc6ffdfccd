// Package highlight colours rendered patches for terminals, using chroma
// lexers for the code on each diff line.
package highlight

import (
	"log/slog"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	darkmode "github.com/thiagokokada/dark-mode-go"

	"github.com/thiagokokada/gitbrowse/internal/git"
)

const (
	reset = "\x1b[0m"
	bold  = "\x1b[1m"
	red   = "\x1b[31m"
	green = "\x1b[32m"
	cyan  = "\x1b[36m"
)

type Theme int

const (
	ThemeAuto Theme = iota
	ThemeLight
	ThemeDark
)

func (t Theme) String() string {
	switch t {
	case ThemeLight:
		return "light"
	case ThemeDark:
		return "dark"
	default:
		return "auto"
	}
}

func ThemeFromString(raw string) Theme {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ThemeDark.String():
		return ThemeDark
	case ThemeLight.String():
		return ThemeLight
	default:
		return ThemeAuto
	}
}

var detectDarkMode = darkmode.IsDarkMode

func styleForTheme(t Theme) *chroma.Style {
	dark := t == ThemeDark
	if t == ThemeAuto {
		var err error
		if dark, err = detectDarkMode(); err != nil {
			slog.Debug("detect dark mode", slog.Any("error", err))
			dark = true
		}
	}
	name := "github"
	if dark {
		name = "github-dark"
	}
	if st := styles.Get(name); st != nil {
		return st
	}
	return styles.Fallback
}

// Highlighter is not safe for concurrent use.
type Highlighter struct {
	style     *chroma.Style
	formatter chroma.Formatter
	lexers    map[string]chroma.Lexer
}

func New(theme Theme) *Highlighter {
	return &Highlighter{
		style:     styleForTheme(theme),
		formatter: formatters.TTY256,
		lexers:    map[string]chroma.Lexer{},
	}
}

// Patch colours text as produced by git.RenderPatch, with sections marking
// where each file starts.
func (h *Highlighter) Patch(text string, sections []git.FileSection) string {
	starts := make(map[int]string, len(sections))
	for _, s := range sections {
		starts[s.Line] = s.Path
	}
	var (
		b         strings.Builder
		lexer     chroma.Lexer
		inSection bool
		inHunk    bool
	)
	lineNo := 0
	for line := range strings.SplitSeq(text, "\n") {
		lineNo++
		if lineNo > 1 {
			b.WriteByte('\n')
		}
		if path, ok := starts[lineNo]; ok {
			lexer = h.lexerForPath(path)
			inSection, inHunk = true, false
			b.WriteString(bold + line + reset)
			continue
		}
		switch {
		case !inSection || line == "":
			b.WriteString(line)
		case strings.HasPrefix(line, "@@"):
			inHunk = true
			b.WriteString(cyan + line + reset)
		case !inHunk:
			b.WriteString(bold + line + reset)
		case line[0] == '+':
			b.WriteString(green + "+" + reset)
			h.code(&b, lexer, line[1:])
		case line[0] == '-':
			b.WriteString(red + "-" + reset)
			h.code(&b, lexer, line[1:])
		case line[0] == ' ':
			b.WriteByte(' ')
			h.code(&b, lexer, line[1:])
		default:
			b.WriteString(line)
		}
	}
	return b.String()
}

func (h *Highlighter) code(b *strings.Builder, lexer chroma.Lexer, code string) {
	if lexer == nil || code == "" {
		b.WriteString(code)
		return
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		b.WriteString(code)
		return
	}
	var out strings.Builder
	if err := h.formatter.Format(&out, h.style, iterator); err != nil {
		b.WriteString(code)
		return
	}
	// Lexers may terminate the line themselves.
	b.WriteString(strings.ReplaceAll(out.String(), "\n", ""))
}

func (h *Highlighter) lexerForPath(path string) chroma.Lexer {
	if path == "" {
		return nil
	}
	if l, ok := h.lexers[path]; ok {
		return l
	}
	lexer := lexers.Match(path)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)
	h.lexers[path] = lexer
	return lexer
}
