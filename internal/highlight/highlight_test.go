package highlight

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/thiagokokada/gitbrowse/internal/git"
	"github.com/thiagokokada/gitbrowse/internal/git/treediff"
)

var ansi = regexp.MustCompile("\x1b\\[[0-9;]*m")

func samplePatch() (string, []git.FileSection) {
	return git.RenderPatch("commit 1234\n\n    message", []treediff.Entry{{
		OldPath: "main.go", NewPath: "main.go",
		OldID:   plumbing.NewHash("1111111111111111111111111111111111111111"),
		NewID:   plumbing.NewHash("2222222222222222222222222222222222222222"),
		OldMode: filemode.Regular, NewMode: filemode.Regular,
		Kind: treediff.Modified,
		Hunks: []treediff.Hunk{{
			OldStart: 1, OldLines: 2, NewStart: 1, NewLines: 2,
			Lines: []treediff.Line{
				{Op: treediff.OpContext, Text: "package main\n"},
				{Op: treediff.OpRemoved, Text: "func old() {}\n"},
				{Op: treediff.OpAdded, Text: "func shiny() {}\n"},
			},
		}},
	}}, 3)
}

func TestPatchKeepsTextAndAddsColour(t *testing.T) {
	text, sections := samplePatch()
	got := New(ThemeDark).Patch(text, sections)

	if plain := ansi.ReplaceAllString(got, ""); plain != text {
		t.Fatalf("highlighting changed the text:\n%q\nwant\n%q", plain, text)
	}
	lines := strings.Split(got, "\n")
	if lines[0] != "commit 1234" {
		t.Fatalf("header line coloured: %q", lines[0])
	}
	if !strings.HasPrefix(lines[sections[0].Line-1], bold+"diff --git") {
		t.Fatalf("file line not bold: %q", lines[sections[0].Line-1])
	}
	var sawAdd, sawDel, sawHunk bool
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, green+"+"+reset):
			sawAdd = true
		case strings.HasPrefix(l, red+"-"+reset):
			sawDel = true
		case strings.HasPrefix(l, cyan+"@@"):
			sawHunk = true
		}
	}
	if !sawAdd || !sawDel || !sawHunk {
		t.Fatalf("missing colours (add=%v del=%v hunk=%v):\n%q", sawAdd, sawDel, sawHunk, got)
	}
}

func TestThemeFromString(t *testing.T) {
	tests := map[string]Theme{
		"dark":   ThemeDark,
		" Light": ThemeLight,
		"auto":   ThemeAuto,
		"weird":  ThemeAuto,
	}
	for in, want := range tests {
		if got := ThemeFromString(in); got != want {
			t.Fatalf("ThemeFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAutoThemeFollowsDesktop(t *testing.T) {
	orig := detectDarkMode
	t.Cleanup(func() { detectDarkMode = orig })

	detectDarkMode = func() (bool, error) { return false, nil }
	if got := styleForTheme(ThemeAuto).Name; got != "github" {
		t.Fatalf("light desktop style = %q", got)
	}
	detectDarkMode = func() (bool, error) { return false, errors.New("no desktop") }
	if got := styleForTheme(ThemeAuto).Name; got != "github-dark" {
		t.Fatalf("fallback style = %q", got)
	}
}
