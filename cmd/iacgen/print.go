package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/based/iacgen/pkg/iac"
	"github.com/based/iacgen/pkg/orchestrator"
)

func statusColor(status string) *color.Color {
	switch status {
	case string(iac.StatusPass):
		return color.New(color.FgGreen)
	case string(iac.StatusWarning):
		return color.New(color.FgYellow)
	case string(iac.StatusFail):
		return color.New(color.FgRed)
	}
	return color.New(color.FgRed, color.Bold)
}

func printReport(w io.Writer, report *orchestrator.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTATUS\tTERMINATION\tITERATIONS\tATTEMPTS\tERRORS\tWARNINGS")
	for _, u := range report.Units {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			u.ID, statusColor(u.Status).Sprint(u.Status), u.Termination, u.Iterations, u.Attempts, u.Errors, u.Warnings)
	}
	_ = tw.Flush()

	s := report.Summary
	fmt.Fprintf(w, "\n%s %d  %s %d  %s %d  %s %d  (not validated: %d, cancelled: %d, unresolved issues: %d)\n",
		color.GreenString("passed"), s.Passed,
		color.YellowString("warnings"), s.Warnings,
		color.RedString("failed"), s.Failed,
		color.New(color.FgRed, color.Bold).Sprint("errored"), s.Errored,
		s.NotValidated, s.Cancelled, s.Unresolved)
	fmt.Fprintf(w, "tokens: %d in / %d out, estimated cost: %.4f USD, duration: %.1fs\n",
		s.InputTokens, s.OutputTokens, s.CostUSD, report.DurationSeconds)

	for _, u := range report.Units {
		if u.Error != "" {
			fmt.Fprintf(w, "%s %s: %s\n", color.RedString("error"), u.ID, u.Error)
		}
	}
}

func printValidation(w io.Writer, dir string, res iac.ValidationResult) {
	for _, issue := range res.Issues {
		sev := string(issue.Severity)
		c := statusColor(string(iac.StatusWarning))
		if issue.Severity == iac.SeverityError {
			c = statusColor(string(iac.StatusFail))
		}
		fmt.Fprintf(w, "%s(%d,%d): %s: %s\n", issue.File, issue.Line, issue.Column, c.Sprint(sev), issue.Message)
	}
	fmt.Fprintf(w, "%s: %s (%d errors, %d warnings)\n", dir, statusColor(string(res.Status)).Sprint(res.Status), res.ErrorCount(), res.WarningCount())
}
