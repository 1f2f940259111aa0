package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/based/iacgen/pkg/iac"
)

// ReportFile is written to the output root after a run.
const ReportFile = "report.json"

// UnitStatusErrored marks a unit whose executor failed before files existed
// or whose files could not be persisted.
const UnitStatusErrored = "errored"

// UnitReport is the outcome of one unit.
type UnitReport struct {
	ID              string          `json:"id"`
	Dir             string          `json:"dir"`
	Key             iac.ResourceKey `json:"key"`
	Status          string          `json:"status"`
	Validated       bool            `json:"validated"`
	Termination     string          `json:"termination,omitempty"`
	Iterations      int             `json:"iterations"`
	Attempts        int             `json:"attempts"`
	Errors          int             `json:"errors"`
	Warnings        int             `json:"warnings"`
	Files           []string        `json:"files,omitempty"`
	InputTokens     int64           `json:"inputTokens"`
	OutputTokens    int64           `json:"outputTokens"`
	CostUSD         float64         `json:"cost"`
	DurationSeconds float64         `json:"durationSeconds"`
	Cancelled       bool            `json:"cancelled,omitempty"`
	Error           string          `json:"error,omitempty"`

	// Issues left after the repair loop.
	Issues []iac.ValidationIssue `json:"issues,omitempty"`
	// Unresolved is the subset of Issues that was excluded from repair.
	Unresolved []iac.ValidationIssue `json:"unresolved,omitempty"`
}

// Summary aggregates the unit reports.
type Summary struct {
	Total         int     `json:"total"`
	Passed        int     `json:"passed"`
	Warnings      int     `json:"warnings"`
	Failed        int     `json:"failed"`
	Errored       int     `json:"errored"`
	Cancelled     int     `json:"cancelled"`
	NotValidated  int     `json:"notValidated"`
	TotalErrors   int     `json:"totalErrors"`
	TotalWarnings int     `json:"totalWarnings"`
	Unresolved    int     `json:"unresolved"`
	InputTokens   int64   `json:"inputTokens"`
	OutputTokens  int64   `json:"outputTokens"`
	CostUSD       float64 `json:"cost"`
}

// Report is the aggregate result of a run.
type Report struct {
	RunID           string       `json:"runId"`
	Format          string       `json:"format"`
	StartedAt       time.Time    `json:"startedAt"`
	DurationSeconds float64      `json:"durationSeconds"`
	Requests        int          `json:"requests"`
	Summary         Summary      `json:"summary"`
	Units           []UnitReport `json:"units"`
}

// Summarize recomputes Summary from Units.
func (r *Report) Summarize() {
	s := Summary{Total: len(r.Units)}
	for _, u := range r.Units {
		switch u.Status {
		case string(iac.StatusPass):
			s.Passed++
		case string(iac.StatusWarning):
			s.Warnings++
		case string(iac.StatusFail):
			s.Failed++
		default:
			s.Errored++
		}
		if u.Cancelled {
			s.Cancelled++
		}
		if u.Status != UnitStatusErrored && !u.Validated {
			s.NotValidated++
		}
		s.TotalErrors += u.Errors
		s.TotalWarnings += u.Warnings
		s.Unresolved += len(u.Unresolved)
		s.InputTokens += u.InputTokens
		s.OutputTokens += u.OutputTokens
		s.CostUSD += u.CostUSD
	}
	r.Summary = s
}

// Failed reports whether any unit did not produce a validated-or-warning
// module.
func (r *Report) Failed() bool {
	return r.Summary.Failed > 0 || r.Summary.Errored > 0
}

// WriteJSON writes the report to dir/report.json.
func (r *Report) WriteJSON(dir string) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, ReportFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

func unitReport(unit iac.Unit, ex Execution, duration time.Duration) UnitReport {
	ur := UnitReport{
		ID:              unit.ID,
		Dir:             unit.Dir,
		Key:             unit.Request.Key,
		Attempts:        ex.Retry.Attempt,
		DurationSeconds: duration.Seconds(),
	}
	if set := ex.Set; set != nil {
		ur.Status = string(set.Validation.Status)
		ur.Validated = set.Validation.Validated
		ur.Termination = set.Termination
		ur.Iterations = set.Iterations
		ur.Errors = set.Validation.ErrorCount()
		ur.Warnings = set.Validation.WarningCount()
		ur.Files = set.Paths()
		sort.Strings(ur.Files)
		ur.InputTokens = set.InputTokens
		ur.OutputTokens = set.OutputTokens
		ur.CostUSD = set.CostUSD
		ur.Issues = set.Validation.Issues
		ur.Unresolved = set.Unresolved
	}
	if ex.Err != nil {
		ur.Status = UnitStatusErrored
		ur.Error = ex.Err.Error()
		var execErr *iac.ExecutionError
		if errors.As(ex.Err, &execErr) {
			ur.Cancelled = execErr.Cancelled
		}
	}
	return ur
}
