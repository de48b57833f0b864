package experiment

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/wlantb/wtb/internal/fleet"
	"golang.org/x/term"
)

// Semantic colors, plain ANSI codes for terminal compatibility.
const (
	colorSuccess lipgloss.Color = "2" // green
	colorError   lipgloss.Color = "1" // red
	colorMuted   lipgloss.Color = "8" // gray
	colorHeader  lipgloss.Color = "4" // blue
)

// RenderSummary prints a per-host result summary of an experiment run.
// Styling is skipped when the writer is not a terminal.
func RenderSummary(w io.Writer, results []fleet.Result) {
	successStyle := lipgloss.NewStyle().Foreground(colorSuccess)
	errorStyle := lipgloss.NewStyle().Foreground(colorError)
	mutedStyle := lipgloss.NewStyle().Foreground(colorMuted)
	headerStyle := lipgloss.NewStyle().Foreground(colorHeader).Bold(true)

	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		plain := lipgloss.NewStyle()
		successStyle, errorStyle, mutedStyle, headerStyle = plain, plain, plain, plain
	}

	divider := mutedStyle.Render(strings.Repeat("─", 60))

	fmt.Fprintln(w)
	fmt.Fprintln(w, divider)
	fmt.Fprintln(w, headerStyle.Render("Experiment Summary"))
	fmt.Fprintln(w)

	sorted := make([]fleet.Result, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Host.ID < sorted[j].Host.ID
	})

	passed := 0
	for _, res := range sorted {
		if res.Success() {
			passed++
			fmt.Fprintf(w, "  %s %s\n", successStyle.Render("✓"), res.Host.ID)
		} else {
			fmt.Fprintf(w, "  %s %s %s\n", errorStyle.Render("✗"), res.Host.ID,
				mutedStyle.Render(fmt.Sprintf("(exit %d)", res.ExitCode)))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %d/%d hosts finished cleanly\n", passed, len(sorted))
	fmt.Fprintln(w, divider)
}
