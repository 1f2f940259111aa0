package repair

import (
	"context"
	"fmt"
	"regexp"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/iac"
)

var tracer = otel.Tracer("iacgen/repair")

// Termination says why a loop stopped.
type Termination string

const (
	TerminationSuccess       Termination = "success"
	TerminationMaxIterations Termination = "max_iterations"
	TerminationStalled       Termination = "stalled"
	TerminationRepairFailed  Termination = "repair_failed"
	// TerminationAborted is set on the partial result returned with an error.
	TerminationAborted Termination = "aborted"
)

// Checker validates a file set. *validation.Validator satisfies it.
type Checker interface {
	Validate(ctx context.Context, files map[string]string) (iac.ValidationResult, error)
}

// LoopResult is the frozen outcome of a loop.
type LoopResult struct {
	Files         map[string]string
	Validation    iac.ValidationResult
	Iterations    int
	ValidatorRuns int
	Termination   Termination
	Applied       []Applied
	// Unresolved are the issues left in Validation that were never
	// eligible for repair.
	Unresolved []iac.ValidationIssue
}

// Loop alternates validation and repair until the files are clean, the
// iteration budget is spent or no progress is possible. It calls the
// checker at most MaxIterations+1 times.
type Loop struct {
	checker       Checker
	requester     Requester
	applier       *Applier
	maxIterations int
	unfixable     []*regexp.Regexp
	log           logr.Logger
}

func NewLoop(checker Checker, requester Requester, cfg config.RepairConfig, log logr.Logger) *Loop {
	return &Loop{
		checker:       checker,
		requester:     requester,
		applier:       NewApplier(log),
		maxIterations: cfg.MaxIterations,
		unfixable:     cfg.UnfixableMatchers(),
		log:           log.WithName("repair-loop"),
	}
}

// Run executes the loop on files. An error is returned when the checker
// fails, ctx is cancelled or a repair request is throttled. The result is
// then still non-nil: it holds the files reached so far, the last validation
// and TerminationAborted, so the caller can persist them. A throttled request
// is left to the caller's backoff.
func (l *Loop) Run(ctx context.Context, files map[string]string) (*LoopResult, error) {
	ctx, span := tracer.Start(ctx, "repair.loop")
	defer span.End()

	res := &LoopResult{Files: files}
	ledger := NewLedger()

	abort := func(err error, validation iac.ValidationResult) (*LoopResult, error) {
		res.Termination = TerminationAborted
		res.Validation = validation
		span.RecordError(err)
		span.SetStatus(codes.Error, "repair loop aborted")
		RecordRepairLoop(string(res.Termination), res.Iterations)
		l.log.Info("Repair loop aborted", "iteration", res.Iterations, "error", err.Error())
		return res, err
	}

	validation, err := l.checker.Validate(ctx, files)
	if err != nil {
		return abort(fmt.Errorf("validate: %w", err), validation)
	}
	res.ValidatorRuns++

	for {
		if !validation.HasErrors() {
			res.Termination = TerminationSuccess
			break
		}
		if res.Iterations >= l.maxIterations {
			res.Termination = TerminationMaxIterations
			break
		}
		fixable := l.FixableIssues(validation.Issues)
		if len(fixable) == 0 {
			l.log.V(1).Info("Only unfixable errors remain", "errors", validation.ErrorCount())
			res.Termination = TerminationStalled
			break
		}

		res.Iterations++
		applied, err := l.iterate(ctx, res, fixable, ledger)
		if err != nil {
			if ctx.Err() != nil || iac.IsThrottle(err) {
				return abort(fmt.Errorf("repair iteration %d: %w", res.Iterations, err), validation)
			}
			l.log.Info("Repair request failed", "iteration", res.Iterations, "error", err.Error())
			res.Termination = TerminationRepairFailed
			break
		}
		if !applied {
			res.Termination = TerminationStalled
			break
		}

		next, err := l.checker.Validate(ctx, res.Files)
		if err != nil {
			return abort(fmt.Errorf("validate: %w", err), validation)
		}
		validation = next
		res.ValidatorRuns++
	}

	res.Validation = validation
	for _, issue := range validation.Issues {
		if issue.Severity == iac.SeverityError && !l.isFixable(issue) {
			res.Unresolved = append(res.Unresolved, issue)
		}
	}

	RecordRepairLoop(string(res.Termination), res.Iterations)
	span.SetAttributes(
		attribute.String("repair.termination", string(res.Termination)),
		attribute.Int("repair.iterations", res.Iterations),
		attribute.Int("repair.fixes_applied", len(res.Applied)),
		attribute.String("repair.status", string(validation.Status)),
	)
	l.log.Info("Repair loop finished",
		"termination", res.Termination,
		"iterations", res.Iterations,
		"fixesApplied", len(res.Applied),
		"status", validation.Status)
	return res, nil
}

// iterate requests and applies one round of fixes. It reports whether any
// fix changed the files.
func (l *Loop) iterate(ctx context.Context, res *LoopResult, fixable []iac.ValidationIssue, ledger *Ledger) (bool, error) {
	ctx, span := tracer.Start(ctx, "repair.iteration")
	defer span.End()
	span.SetAttributes(
		attribute.Int("repair.iteration", res.Iterations),
		attribute.Int("repair.fixable_issues", len(fixable)),
	)

	fixes, err := l.requester.Request(ctx, res.Files, fixable)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repair request failed")
		return false, err
	}
	if len(fixes) == 0 {
		l.log.Info("No fixes proposed", "iteration", res.Iterations)
		return false, nil
	}

	out := l.applier.Apply(res.Files, fixes, ledger)
	span.SetAttributes(
		attribute.Int("repair.fixes_proposed", len(fixes)),
		attribute.Int("repair.fixes_applied", len(out.Applied)),
	)
	if len(out.Applied) == 0 {
		l.log.Info("No proposed fix could be applied", "iteration", res.Iterations, "proposed", len(fixes))
		return false, nil
	}

	res.Files = out.Files
	res.Applied = append(res.Applied, out.Applied...)
	return true, nil
}

// FixableIssues returns the error issues a single-unit repair call can
// address: located in a known file and not about other units.
func (l *Loop) FixableIssues(issues []iac.ValidationIssue) []iac.ValidationIssue {
	var out []iac.ValidationIssue
	for _, issue := range issues {
		if issue.Severity == iac.SeverityError && l.isFixable(issue) {
			out = append(out, issue)
		}
	}
	return out
}

func (l *Loop) isFixable(issue iac.ValidationIssue) bool {
	if issue.File == "" || issue.File == iac.UnknownFile {
		return false
	}
	for _, re := range l.unfixable {
		if re.MatchString(issue.Message) {
			return false
		}
	}
	return true
}

// IsStalled reports whether t left errors in place without spending the
// whole budget.
func (t Termination) IsStalled() bool {
	return t == TerminationStalled || t == TerminationRepairFailed
}
