// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/eclrun/pkg/dispatch"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	redRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
)

// tableWithReds is a table where some rows are highlighted in red.
type tableWithReds struct {
	Table *lgtable.Table
	Count int
	Reds  map[int]bool
}

func (t *tableWithReds) Row(isRed bool, row ...string) {
	if isRed {
		t.Reds[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newTableWithReds(alignments ...lipgloss.Position) *tableWithReds {
	t := &tableWithReds{Reds: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				s = headerRowStyle
			case t.Reds[row]:
				s = redRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// printSummary of the run: one table with the launch parameters, and one with the value returned by each core.
func printSummary(w io.Writer, report *dispatch.Report) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Run %s", report.RunID)))

	params := newTableWithReds(lipgloss.Right, lipgloss.Left)
	params.Row(false, "Runtime", report.Runtime)
	params.Row(false, "Entry", report.Entry)
	params.Row(false, "Devices", humanize.Comma(int64(report.NDevs)))
	params.Row(false, "Cores", humanize.Comma(int64(len(report.Cores))))
	params.Row(false, "Arguments", fmt.Sprintf("%s (%s used)",
		humanize.Bytes(uint64(report.ArgsSize)), humanize.Bytes(uint64(report.ArgsLogicalSize))))
	if report.SharedSize > 0 {
		params.Row(false, "Shared memory", humanize.Bytes(uint64(report.SharedSize)))
	}
	if len(report.Companions) > 0 {
		params.Row(false, "Companions", strings.Join(report.Companions, ", "))
	}
	params.Row(false, "Elapsed", report.Elapsed.String())
	_, _ = fmt.Fprintln(w, params.Table.Render())

	values := newTableWithReds(lipgloss.Right)
	values.Table.Headers("Core", "Value")
	for ii, core := range report.Cores {
		value := report.Values[ii]
		values.Row(value != 0, strconv.Itoa(core), strconv.FormatUint(uint64(value), 10))
	}
	_, _ = fmt.Fprintln(w, values.Table.Render())
	status := report.ExitStatus()
	if core, failed := report.FailedCore(); failed {
		_, _ = fmt.Fprintln(w, redRowStyle.Render(fmt.Sprintf("Exit status %d (core %d)", status, core)))
	} else {
		_, _ = fmt.Fprintf(w, "Exit status %d\n", status)
	}
}
