package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"dtiqc/internal/proclog"
)

// statusKind pairs a bracketed label with its terminal color.
type statusKind struct {
	label string
	color text.Color
}

var (
	statusInfo  = statusKind{"INFO", text.FgBlue}
	statusOK    = statusKind{"OK", text.FgGreen}
	statusWarn  = statusKind{"WARN", text.FgYellow}
	statusError = statusKind{"ERROR", text.FgRed}
)

const statusLabelWidth = 20

// renderStatusLine formats "  label:   [KIND] message".
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	status := "[" + kind.label + "]"
	if message != "" {
		status += " " + message
	}
	line := fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", status)
	if colorize {
		return kind.color.Sprint(line)
	}
	return line
}

// outcomeKind colors a history outcome: green for progress, yellow for work
// an operator still owes, red for failures.
func outcomeKind(outcome proclog.Outcome) statusKind {
	switch outcome {
	case proclog.OutcomeDone, proclog.OutcomePass, proclog.OutcomeRedone:
		return statusOK
	case proclog.OutcomeEdit, proclog.OutcomeCancelled:
		return statusWarn
	case proclog.OutcomeFail, proclog.OutcomeError:
		return statusError
	}
	return statusInfo
}

func renderSectionHeader(title string, colorize bool) []string {
	title = strings.TrimSpace(title)
	lines := []string{title, strings.Repeat("─", utf8.RuneCountInString(title)+2)}
	if colorize {
		for i := range lines {
			lines[i] = text.Bold.Sprint(lines[i])
		}
	}
	return lines
}

// shouldColorize reports whether w is an interactive terminal and NO_COLOR is unset.
func shouldColorize(w io.Writer) bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// column describes one table column; numeric columns are right aligned.
type column struct {
	title   string
	numeric bool
}

func columns(titles ...string) []column {
	cols := make([]column, len(titles))
	for i, t := range titles {
		cols[i] = column{title: t}
	}
	return cols
}

func renderTable(cols []column, rows [][]string) string {
	if len(cols) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(cols))
	configs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		header[i] = c.title
		configs[i] = table.ColumnConfig{Number: i + 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft}
		if c.numeric {
			configs[i].Align = text.AlignRight
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(cols))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}
