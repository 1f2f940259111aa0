package repair

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/iac"
)

// scriptedChecker replays a fixed sequence of results, repeating the last.
type scriptedChecker struct {
	results []iac.ValidationResult
	calls   int
	seen    []map[string]string
}

func (c *scriptedChecker) Validate(ctx context.Context, files map[string]string) (iac.ValidationResult, error) {
	c.seen = append(c.seen, files)
	i := c.calls
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	c.calls++
	return c.results[i], nil
}

// markerChecker fails while any file still contains the marker.
type markerChecker struct {
	marker string
	calls  int
}

func (c *markerChecker) Validate(ctx context.Context, files map[string]string) (iac.ValidationResult, error) {
	c.calls++
	var issues []iac.ValidationIssue
	for name, content := range files {
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(line, c.marker) {
				issues = append(issues, iac.ValidationIssue{
					File: name, Line: i + 1, Severity: iac.SeverityError,
					Message: "bad token", OffendingSnippet: strings.TrimSpace(line),
				})
			}
		}
	}
	return iac.NewValidationResult(issues), nil
}

type fakeRequester struct {
	fixes func(issues []iac.ValidationIssue) []iac.Fix
	err   error
	calls int
	asked [][]iac.ValidationIssue
}

func (r *fakeRequester) Request(ctx context.Context, files map[string]string, issues []iac.ValidationIssue) ([]iac.Fix, error) {
	r.calls++
	r.asked = append(r.asked, issues)
	if r.err != nil {
		return nil, r.err
	}
	if r.fixes == nil {
		return nil, nil
	}
	return r.fixes(issues), nil
}

func failing(issues ...iac.ValidationIssue) iac.ValidationResult {
	return iac.NewValidationResult(issues)
}

var brokenLine = iac.ValidationIssue{File: "main.tf", Line: 1, Severity: iac.SeverityError, Message: "bad token", OffendingSnippet: "broken = true"}

func newTestLoop(checker Checker, requester Requester, maxIterations int) *Loop {
	cfg := config.Default().Repair
	cfg.MaxIterations = maxIterations
	return NewLoop(checker, requester, cfg, logr.Discard())
}

func TestLoop_SuccessAfterFix(t *testing.T) {
	checker := &markerChecker{marker: "broken"}
	requester := &fakeRequester{fixes: func(issues []iac.ValidationIssue) []iac.Fix {
		var out []iac.Fix
		for _, is := range issues {
			out = append(out, iac.Fix{Issue: is, SuggestedCode: "fixed = true", Confidence: iac.ConfidenceHigh})
		}
		return out
	}}

	files := map[string]string{"main.tf": "broken = true\nok = 1"}
	res, err := newTestLoop(checker, requester, 3).Run(context.Background(), files)
	require.NoError(t, err)

	assert.Equal(t, TerminationSuccess, res.Termination)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 2, res.ValidatorRuns)
	assert.Equal(t, iac.StatusPass, res.Validation.Status)
	assert.Equal(t, "fixed = true\nok = 1", res.Files["main.tf"])
	assert.Equal(t, "broken = true\nok = 1", files["main.tf"])
}

func TestLoop_ZeroFixesExitsAfterOneIteration(t *testing.T) {
	checker := &scriptedChecker{results: []iac.ValidationResult{failing(brokenLine)}}
	requester := &fakeRequester{}

	res, err := newTestLoop(checker, requester, 5).Run(context.Background(), map[string]string{"main.tf": "broken = true"})
	require.NoError(t, err)

	assert.Equal(t, TerminationStalled, res.Termination)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 1, checker.calls)
	assert.Equal(t, 1, requester.calls)
	assert.Equal(t, iac.StatusFail, res.Validation.Status)
	assert.Equal(t, "broken = true", res.Files["main.tf"])
}

func TestLoop_TerminatesWithinBudget(t *testing.T) {
	for maxIter := 0; maxIter <= 4; maxIter++ {
		checker := &markerChecker{marker: "broken"}
		n := 0
		// Every round proposes a new fix that reintroduces the marker.
		requester := &fakeRequester{fixes: func(issues []iac.ValidationIssue) []iac.Fix {
			n++
			return []iac.Fix{{Issue: issues[0], SuggestedCode: "broken = " + strings.Repeat("x", n), Confidence: iac.ConfidenceHigh}}
		}}

		res, err := newTestLoop(checker, requester, maxIter).Run(context.Background(), map[string]string{"main.tf": "broken = true"})
		require.NoError(t, err)

		assert.LessOrEqual(t, checker.calls, maxIter+1)
		assert.Equal(t, maxIter, res.Iterations)
		assert.Equal(t, TerminationMaxIterations, res.Termination)
		assert.Equal(t, iac.StatusFail, res.Validation.Status)
	}
}

func TestLoop_NoOscillation(t *testing.T) {
	// The checker keeps reporting the same issue; the requester keeps
	// proposing the same fix.
	checker := &scriptedChecker{results: []iac.ValidationResult{failing(brokenLine)}}
	requester := &fakeRequester{fixes: func(issues []iac.ValidationIssue) []iac.Fix {
		return []iac.Fix{{Issue: brokenLine, SuggestedCode: "broken = false", Confidence: iac.ConfidenceHigh}}
	}}

	res, err := newTestLoop(checker, requester, 5).Run(context.Background(), map[string]string{"main.tf": "broken = true"})
	require.NoError(t, err)

	require.Len(t, res.Applied, 1)
	assert.Equal(t, TerminationStalled, res.Termination)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, checker.calls)
}

func TestLoop_UnfixableIssuesDoNotConsumeIterations(t *testing.T) {
	unknown := iac.ValidationIssue{File: iac.UnknownFile, Severity: iac.SeverityError, Category: "timeout", Message: "validation timed out"}
	crossUnit := iac.ValidationIssue{File: "main.tf", Line: 4, Severity: iac.SeverityError, Message: `Module not installed: run "terraform init"`}

	checker := &scriptedChecker{results: []iac.ValidationResult{failing(unknown, crossUnit)}}
	requester := &fakeRequester{}

	res, err := newTestLoop(checker, requester, 3).Run(context.Background(), map[string]string{"main.tf": "module \"x\" {}"})
	require.NoError(t, err)

	assert.Equal(t, TerminationStalled, res.Termination)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, 0, requester.calls)
	assert.Len(t, res.Unresolved, 2)
}

func TestLoop_OnlyFixableIssuesAreRequested(t *testing.T) {
	unknown := iac.ValidationIssue{File: iac.UnknownFile, Severity: iac.SeverityError, Message: "checker exited with code 1"}
	warning := iac.ValidationIssue{File: "main.tf", Line: 2, Severity: iac.SeverityWarning, Message: "style"}

	checker := &scriptedChecker{results: []iac.ValidationResult{failing(brokenLine, unknown, warning)}}
	requester := &fakeRequester{}

	_, err := newTestLoop(checker, requester, 3).Run(context.Background(), map[string]string{"main.tf": "broken = true"})
	require.NoError(t, err)
	require.Len(t, requester.asked, 1)
	assert.Equal(t, []iac.ValidationIssue{brokenLine}, requester.asked[0])
}

func TestLoop_RepairFailure(t *testing.T) {
	checker := &scriptedChecker{results: []iac.ValidationResult{failing(brokenLine)}}
	requester := &fakeRequester{err: &iac.FatalServiceError{Err: errors.New("status code: 400")}}

	res, err := newTestLoop(checker, requester, 3).Run(context.Background(), map[string]string{"main.tf": "broken = true"})
	require.NoError(t, err)
	assert.Equal(t, TerminationRepairFailed, res.Termination)
	assert.True(t, res.Termination.IsStalled())
	assert.Equal(t, "broken = true", res.Files["main.tf"])
}

func TestLoop_ThrottledRepairIsReturned(t *testing.T) {
	checker := &scriptedChecker{results: []iac.ValidationResult{failing(brokenLine)}}
	requester := &fakeRequester{err: &iac.ThrottleError{Err: errors.New("429")}}

	res, err := newTestLoop(checker, requester, 3).Run(context.Background(), map[string]string{"main.tf": "broken = true"})
	require.Error(t, err)
	assert.True(t, iac.IsThrottle(err))
	require.NotNil(t, res)
	assert.Equal(t, TerminationAborted, res.Termination)
	assert.Equal(t, "broken = true", res.Files["main.tf"])
	assert.Equal(t, iac.StatusFail, res.Validation.Status)
}

// erroringChecker passes its first run and fails every later one.
type erroringChecker struct {
	calls int
}

func (c *erroringChecker) Validate(ctx context.Context, files map[string]string) (iac.ValidationResult, error) {
	c.calls++
	if c.calls == 1 {
		return failing(brokenLine), nil
	}
	return iac.ValidationResult{}, errors.New("create scratch dir: no space left on device")
}

func TestLoop_CheckerErrorKeepsFiles(t *testing.T) {
	requester := &fakeRequester{fixes: func(issues []iac.ValidationIssue) []iac.Fix {
		return []iac.Fix{{Issue: issues[0], SuggestedCode: "fixed = true", Confidence: iac.ConfidenceHigh}}
	}}

	res, err := newTestLoop(&erroringChecker{}, requester, 3).Run(context.Background(), map[string]string{"main.tf": "broken = true"})
	require.ErrorContains(t, err, "no space left on device")
	require.NotNil(t, res)
	assert.Equal(t, TerminationAborted, res.Termination)
	assert.Equal(t, "fixed = true", res.Files["main.tf"])
	assert.Equal(t, 1, res.Iterations)
}

func TestLoop_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := &scriptedChecker{results: []iac.ValidationResult{failing(brokenLine)}}
	requester := &fakeRequester{err: context.Canceled}

	res, err := newTestLoop(checker, requester, 3).Run(ctx, map[string]string{"main.tf": "broken = true"})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, "broken = true", res.Files["main.tf"])
}

func TestLoop_PassWithoutRepair(t *testing.T) {
	checker := &scriptedChecker{results: []iac.ValidationResult{iac.NewValidationResult(nil)}}
	requester := &fakeRequester{}

	res, err := newTestLoop(checker, requester, 3).Run(context.Background(), map[string]string{"main.tf": "ok = 1"})
	require.NoError(t, err)
	assert.Equal(t, TerminationSuccess, res.Termination)
	assert.Equal(t, 0, requester.calls)
}
