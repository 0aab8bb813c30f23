package reporting

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// printSummary renders one row per test application. Callers hold r.mu.
func (r *Reporter) printSummary() {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(fmt.Sprintf("Test Run Results (%s)", formatDuration(r.state.EndTime.Sub(r.state.StartTime))))

	t.AppendHeader(table.Row{
		"Module", "Framework", "Arch", "Duration", "Tests", "Passed", "Failed", "Exit Code", "Status",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Module", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Exit Code", Align: text.AlignRight},
	})

	for _, a := range r.state.Assemblies {
		exitCode := "-"
		if a.Completed {
			exitCode = fmt.Sprintf("%d", a.ExitCode)
		}
		t.AppendRow(table.Row{
			a.Info.ModulePath,
			a.Info.TargetFramework,
			a.Info.Architecture,
			formatDuration(a.Duration),
			a.Passed + a.Failed,
			a.Passed,
			a.Failed,
			exitCode,
			getResultString(!a.Succeeded()),
		})
	}

	if r.state.ProtocolErrors > 0 {
		t.AppendSeparator()
		t.AppendRow(table.Row{"Protocol errors", "", "", "", "", "", "", "", fmt.Sprintf("%d", r.state.ProtocolErrors)})
	}

	// Update the table style setting based on result status
	switch {
	case !r.opts.UseANSI:
		t.SetStyle(table.StyleLight)
	case r.state.Failed:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	// Add summary footer
	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		"",
		formatDuration(r.state.EndTime.Sub(r.state.StartTime)),
		r.state.TotalPassed() + r.state.TotalFailed(),
		r.state.TotalPassed(),
		r.state.TotalFailed(),
		"",
		getResultString(r.state.Failed),
	})

	t.Render()
}

func getResultString(failed bool) string {
	if failed {
		return "✗ fail"
	}
	return "✓ pass"
}
