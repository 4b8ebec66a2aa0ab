package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"holdings-sync/config"
	"holdings-sync/journal"
	"holdings-sync/pipeline"
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("63")).Foreground(lipgloss.Color("255")).Padding(0, 1)
	styleKey     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	styleSuccess = lipgloss.NewStyle().Background(lipgloss.Color("28")).Foreground(lipgloss.Color("255")).Padding(0, 1)
	styleError   = lipgloss.NewStyle().Background(lipgloss.Color("196")).Foreground(lipgloss.Color("255")).Padding(0, 1)
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, styleTitle.Render("Holdings sync"))
	destination := cfg.Sheet.Worksheet
	if cfg.DryRun {
		destination += " (dry run)"
	}
	for _, kv := range [][2]string{
		{"Mode", string(cfg.Mode)},
		{"Work dir", cfg.WorkDir},
		{"Worksheet", destination},
		{"Log file", cfg.LogFile},
	} {
		fmt.Fprintf(w, "  %s %s\n", styleKey.Render(kv[0]+":"), kv[1])
	}
	fmt.Fprintln(w)
}

// confirm asks a yes/no question. Anything but y or yes is a no.
func confirm(r io.Reader, w io.Writer, question string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", question)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func waitForEnter(r io.Reader, w io.Writer) {
	fmt.Fprint(w, styleDim.Render("Press Enter to exit..."))
	_, _ = bufio.NewReader(r).ReadString('\n')
}

func printSummary(w io.Writer, res *pipeline.Result, logFile string) {
	fmt.Fprintln(w)
	if res.Success {
		fmt.Fprintln(w, styleSuccess.Render(fmt.Sprintf("Published %d rows x %d columns in %s", res.Rows, res.Cols, res.Duration().Round(time.Second))))
		return
	}
	fmt.Fprintln(w, styleError.Render(fmt.Sprintf("Failed at stage %q", res.FailedStage)))
	if res.Err != nil {
		fmt.Fprintf(w, "  %s\n", res.Err)
	}
	if logFile != "" {
		fmt.Fprintf(w, "  %s\n", styleDim.Render("Details: "+logFile))
	}
}

// formatHistory prints journal entries as an aligned table.
func formatHistory(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMODE\tSTATUS\tSTAGE\tROWS\tDURATION\tERROR")
	for _, e := range entries {
		stage := e.FailedStage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.Mode,
			e.Status,
			stage,
			e.Rows,
			e.FinishedAt.Sub(e.StartedAt).Round(time.Second),
			truncate(e.Error, 60))
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
