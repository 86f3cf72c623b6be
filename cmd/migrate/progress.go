package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go-data-migrate/internal/model"
	"go-data-migrate/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle   = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// progressRenderer draws progress snapshots on a terminal, at most every
// interval. Snapshots in between are dropped; the final one always renders.
type progressRenderer struct {
	w           io.Writer
	interactive bool
	interval    time.Duration
	dryRun      bool

	mu    sync.Mutex
	last  time.Time
	lines int
}

func newProgressRenderer(w io.Writer, interactive, dryRun bool) *progressRenderer {
	return &progressRenderer{w: w, interactive: interactive, interval: 100 * time.Millisecond, dryRun: dryRun}
}

func (r *progressRenderer) Observe(p model.MigrationProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !p.Done && now.Sub(r.last) < r.interval {
		return
	}
	r.last = now

	if !r.interactive {
		// Plain output is for logs; only the outcome matters there.
		if p.Done {
			fmt.Fprintln(r.w, strings.Join(progressLines(p, r.dryRun), "\n"))
		}
		return
	}

	lines := progressLines(p, r.dryRun)
	if r.lines > 0 {
		fmt.Fprintf(r.w, "\x1b[%dA", r.lines)
	}
	for _, l := range lines {
		fmt.Fprintf(r.w, "\x1b[2K%s\n", l)
	}
	r.lines = len(lines)
}

func progressLines(p model.MigrationProgress, dryRun bool) []string {
	committedLabel := "Transactions committed"
	if dryRun {
		committedLabel = "Transactions recorded"
	}
	row := func(label string, n int) string {
		return labelStyle.Render(fmt.Sprintf("%-24s", label)) + valueStyle.Render(humanize.Comma(int64(n)))
	}

	lines := []string{
		row("Documents processed", p.Documents),
		row("Mutations generated", p.Mutations),
		row("Requests pending", p.Pending),
		row(committedLabel, p.Committed()),
	}
	if n := len(p.TransformErrors); n > 0 {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("%-24s%s", "Documents failed", humanize.Comma(int64(n)))))
	}
	if len(p.CurrentTransactions) > 0 {
		lines = append(lines, labelStyle.Render("Current: ")+utils.Truncate(summarizeTransaction(p.CurrentTransactions[0]), 72))
	} else {
		lines = append(lines, "")
	}
	return lines
}

func summarizeTransaction(tx model.Transaction) string {
	ids := tx.DocumentIDs()
	head := strings.Join(ids[:min(3, len(ids))], ", ")
	if len(ids) > 3 {
		head += fmt.Sprintf(" and %d more", len(ids)-3)
	}
	return fmt.Sprintf("%s (%s)", head, english.Plural(tx.Instructions(), "instruction", "instructions"))
}

// printSummary reports how a run ended.
func printSummary(w io.Writer, name string, p model.MigrationProgress, runErr error, dryRun bool, elapsed time.Duration) {
	verb := "committed"
	if dryRun {
		verb = "would be committed"
	}
	switch {
	case runErr == nil:
		fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("✓ Migration %q completed in %s", name, elapsed.Round(time.Millisecond))))
	case p.Cancelled:
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("■ Migration %q cancelled after %s", name, elapsed.Round(time.Millisecond))))
	default:
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("✗ Migration %q failed after %s", name, elapsed.Round(time.Millisecond))))
	}
	fmt.Fprintf(w, "  %s documents processed, %s mutations in %s transactions %s\n",
		humanize.Comma(int64(p.Documents)),
		humanize.Comma(int64(p.Mutations)),
		humanize.Comma(int64(p.Committed())),
		verb)
	for _, de := range p.TransformErrors[:min(5, len(p.TransformErrors))] {
		fmt.Fprintf(w, "  %s %s: %s\n", warnStyle.Render("!"), de.DocumentID, de.Message)
	}
	if n := len(p.TransformErrors); n > 5 {
		fmt.Fprintf(w, "  ... and %d more failed documents\n", n-5)
	}
}

func stateStyle(state string) lipgloss.Style {
	switch model.RunState(state) {
	case model.StateDone:
		return successStyle
	case model.StateFailed:
		return errorStyle
	case model.StateCancelled:
		return warnStyle
	default:
		return valueStyle
	}
}
