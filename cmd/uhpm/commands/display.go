package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/arthur-debert/uhpm/pkg/engine"
	"github.com/arthur-debert/uhpm/pkg/fetcher"
	"github.com/arthur-debert/uhpm/pkg/store"
)

// watchFetchProgress renders download completions while an engine
// operation runs. The returned stop function closes the channel and
// waits for the renderer to drain it; call it before touching the
// terminal again.
func watchFetchProgress(cmd *cobra.Command, events chan fetcher.Event) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if !ev.Done {
				continue
			}
			pterm.Fprintln(cmd.OutOrStdout(),
				pterm.Gray(fmt.Sprintf("fetched %s (%d bytes)", ev.Package, ev.Bytes)))
		}
	}()
	return func() {
		close(events)
		<-done
	}
}

// renderReport prints the per-package outcome table. A report with a
// failed package also makes the command exit non-zero.
func renderReport(cmd *cobra.Command, report *engine.Report) error {
	if len(report.Outcomes) == 0 {
		pterm.Println(MsgNothingToDo)
		return nil
	}

	rows := pterm.TableData{{"PACKAGE", "VERSION", "RESULT", "DETAIL"}}
	for _, o := range report.Outcomes {
		detail := ""
		if o.Err != nil {
			detail = o.Err.Error()
		}
		result := string(o.State)
		switch o.State {
		case engine.StateFailed:
			result = pterm.Red(result)
		case engine.StateSkipped:
			result = pterm.Yellow(result)
		default:
			result = pterm.Green(result)
		}
		rows = append(rows, []string{o.Name, o.Version, result, detail})
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		// Fall back to plain output if the terminal rejects the table
		for _, o := range report.Outcomes {
			cmd.Printf("%s-%s: %s\n", o.Name, o.Version, o.State)
		}
	}

	if report.Failed() {
		return report.Err()
	}
	return nil
}

// renderInstalled prints the installed package listing, marking the
// current version of each name.
func renderInstalled(cmd *cobra.Command, installed []store.Package) {
	if len(installed) == 0 {
		pterm.Println(MsgNoPackages)
		return
	}

	rows := pterm.TableData{{"", "PACKAGE", "VERSION", "AUTHOR"}}
	for _, row := range installed {
		marker := MsgNotCurrentMarker
		if row.IsCurrent {
			marker = MsgCurrentMarker
		}
		rows = append(rows, []string{marker, row.Name, row.Version, row.Author})
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		for _, row := range installed {
			cmd.Printf("%s %s %s\n", row.Name, row.Version, row.Author)
		}
	}
}
