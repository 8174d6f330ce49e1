package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"golang.org/x/term"
)

const (
	defaultWidth = 60
	maxWidth     = 80
)

// verdict is the outcome a line of output reports.
type verdict int

const (
	verdictOK verdict = iota
	verdictFail
	verdictWarn
	verdictNote
)

// palette renders gittrail's terminal output. The zero value renders plain
// text at the default width.
type palette struct {
	color bool
	width int

	marks  map[verdict]lipgloss.Style
	accent lipgloss.Style
	strong lipgloss.Style
	faint  lipgloss.Style
}

var markGlyphs = map[verdict]string{
	verdictOK:   "✓",
	verdictFail: "✕",
	verdictWarn: "!",
	verdictNote: "·",
}

// newPalette inspects w and enables color only for terminals.
func newPalette(w io.Writer) palette {
	p := palette{width: terminalWidth(w)}
	if !colorTerminal(w) {
		return p
	}
	p.color = true
	p.marks = map[verdict]lipgloss.Style{
		verdictOK:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		verdictFail: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		verdictWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		verdictNote: lipgloss.NewStyle().Faint(true),
	}
	p.accent = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	p.strong = lipgloss.NewStyle().Bold(true)
	p.faint = lipgloss.NewStyle().Faint(true)
	return p
}

func (p palette) paint(style lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return style.Render(text)
}

// mark returns the glyph for v, colored by outcome.
func (p palette) mark(v verdict) string {
	return p.tint(v, markGlyphs[v])
}

// tint colors text like the mark of v.
func (p palette) tint(v verdict, text string) string {
	return p.paint(p.marks[v], text)
}

// fields joins the parts of a listing line with a faint separator.
func (p palette) fields(parts ...string) string {
	return strings.Join(parts, p.paint(p.faint, " · "))
}

// heading renders "── label ────" filling the palette's width.
func (p palette) heading(label string) string {
	fill := p.lineWidth() - len([]rune(label)) - 4
	return p.paint(p.faint, "── "+label+" "+strings.Repeat("─", max(fill, 1)))
}

// rule renders a faint line across the palette's width.
func (p palette) rule() string {
	return p.paint(p.faint, strings.Repeat("─", p.lineWidth()))
}

func (p palette) lineWidth() int {
	if p.width <= 0 {
		return defaultWidth
	}
	return p.width
}

// colorTerminal reports whether w is a terminal and NO_COLOR is unset.
func colorTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the width of w's terminal, capped at maxWidth.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return min(width, maxWidth)
}

// age formats how long before now t happened.
func age(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
