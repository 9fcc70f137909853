package ui

import (
	"bytes"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// RenderSummary tabulates a run: one row per container under the root, with
// the run totals in the footer. The table colour follows the run status.
func RenderSummary(result *types.RunResult) string {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle("Run " + result.RunID)
	t.AppendHeader(table.Row{
		"Type", "Name", "Duration", "Tests", "Passed", "Failed", "Skipped", "Errored", "Status",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "Name", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Errored", Align: text.AlignRight},
	})

	if result.Root != nil {
		for _, c := range result.Root.Children {
			t.AppendRow(table.Row{
				title(string(c.Type)),
				c.FullName,
				formatDuration(c.Duration),
				c.Stats.Total,
				c.Stats.Passed,
				c.Stats.Failed,
				c.Stats.Skipped,
				c.Stats.Errored,
				statusString(c.Status),
			})
		}
	}

	switch {
	case result.Status == types.TestStatusFail || result.Status == types.TestStatusError:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case result.Cancelled || result.Stats.Skipped > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	overall := statusString(result.Status)
	if result.Cancelled {
		overall += " (cancelled)"
	}
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(result.Duration),
		result.Stats.Total,
		result.Stats.Passed,
		result.Stats.Failed,
		result.Stats.Skipped,
		result.Stats.Errored,
		overall,
	})

	t.Render()
	return buf.String()
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func statusString(s types.TestStatus) string {
	return strings.ToUpper(string(s))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}
