// Package iac holds the data model shared by every stage of the generation
// pipeline: requests, units, artifact sets, validation issues and fixes.
package iac

import (
	"fmt"
	"regexp"
	"strings"
)

// UnknownFile is the file name used for issues that carry no location.
const UnknownFile = "<unknown>"

// Severity of a validation issue
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ParseSeverity maps checker wording (Error, WARNING, info, ...) to a Severity.
// Unrecognised values are treated as errors.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning", "warn":
		return SeverityWarning
	case "info", "information", "note", "hint":
		return SeverityInfo
	default:
		return SeverityError
	}
}

// Status is the derived outcome of a validation pass
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarning Status = "warning"
	StatusFail    Status = "fail"
)

// Confidence level the repair stage attaches to a proposed fix
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence normalizes a confidence label; anything unknown is low.
func ParseConfidence(s string) Confidence {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return ConfidenceHigh
	case "medium", "med":
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

var nameSeparators = regexp.MustCompile(`[\s_\-./]+`)

// ResourceKey identifies the underlying resource type a request targets.
// Requests with equal keys are merge candidates.
type ResourceKey struct {
	TypeTag        string `json:"typeTag" yaml:"typeTag"`
	NormalizedName string `json:"name" yaml:"name"`
}

// NewResourceKey builds a key with a normalized name: lower case, with runs of
// whitespace, underscores, dots, slashes and dashes collapsed to one dash.
func NewResourceKey(typeTag, name string) ResourceKey {
	return ResourceKey{
		TypeTag:        strings.ToLower(strings.TrimSpace(typeTag)),
		NormalizedName: NormalizeName(name),
	}
}

// NormalizeName applies the ResourceKey name normalization.
func NormalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = nameSeparators.ReplaceAllString(n, "-")
	return strings.Trim(n, "-")
}

// Valid reports whether both parts of the key are present.
func (k ResourceKey) Valid() bool {
	return k.TypeTag != "" && k.NormalizedName != ""
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s/%s", k.TypeTag, k.NormalizedName)
}

// GenerationRequest asks for one module to be synthesized. Immutable once
// dispatched; the deduplicator works on copies.
type GenerationRequest struct {
	Key      ResourceKey    `json:"key" yaml:"key"`
	Context  map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Priority int            `json:"priority" yaml:"priority"`
}

// Unit is a request bound to its identity and output subdirectory.
type Unit struct {
	ID      string
	Dir     string
	Request GenerationRequest
}

// ValidationIssue is a single normalized checker diagnostic. Line and Column
// are 1-based; Line 0 means no location.
type ValidationIssue struct {
	File             string   `json:"file"`
	Line             int      `json:"line"`
	Column           int      `json:"column,omitempty"`
	Severity         Severity `json:"severity"`
	Category         string   `json:"category,omitempty"`
	Message          string   `json:"message"`
	OffendingSnippet string   `json:"offendingSnippet,omitempty"`
}

// HasLocation reports whether the issue points at a concrete file line.
func (i ValidationIssue) HasLocation() bool {
	return i.File != "" && i.File != UnknownFile && i.Line > 0
}

func (i ValidationIssue) String() string {
	return fmt.Sprintf("%s(%d,%d): %s: %s", i.File, i.Line, i.Column, i.Severity, i.Message)
}

// ValidationResult holds the issues of one validation pass. Status is always
// derived from Issues and Validated; use NewValidationResult or Derive.
type ValidationResult struct {
	Status Status            `json:"status"`
	Issues []ValidationIssue `json:"issues"`
	// Validated is false when the checker could not run at all (tool missing).
	Validated bool `json:"validated"`
}

// NewValidationResult builds a validated result and derives its status.
func NewValidationResult(issues []ValidationIssue) ValidationResult {
	r := ValidationResult{Issues: issues, Validated: true}
	r.Derive()
	return r
}

// Derive recomputes Status: fail iff any error remains, else warning iff any
// warning remains or the files were not validated, else pass.
func (r *ValidationResult) Derive() {
	switch {
	case r.ErrorCount() > 0:
		r.Status = StatusFail
	case r.WarningCount() > 0 || !r.Validated:
		r.Status = StatusWarning
	default:
		r.Status = StatusPass
	}
}

// HasErrors reports whether any error-severity issue remains.
func (r ValidationResult) HasErrors() bool {
	return r.ErrorCount() > 0
}

func (r ValidationResult) ErrorCount() int {
	return r.count(SeverityError)
}

func (r ValidationResult) WarningCount() int {
	return r.count(SeverityWarning)
}

func (r ValidationResult) count(sev Severity) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == sev {
			n++
		}
	}
	return n
}

// Fix is a candidate patch proposed by the repair stage for one issue.
type Fix struct {
	Issue         ValidationIssue `json:"issue"`
	SuggestedCode string          `json:"suggestedCode"`
	Confidence    Confidence      `json:"confidence"`
	Explanation   string          `json:"explanation,omitempty"`
	Alternatives  []string        `json:"alternatives,omitempty"`
}

// Key identifies a fix for the no-reapplication rule: the same replacement at
// the same location is never applied twice.
func (f Fix) Key() string {
	return fmt.Sprintf("%s:%d\x00%s\x00%s", f.Issue.File, f.Issue.Line, f.Issue.OffendingSnippet, f.SuggestedCode)
}

// ArtifactSet is the output of one generation unit.
type ArtifactSet struct {
	Files         map[string]string `json:"files"`
	SourceRequest GenerationRequest `json:"sourceRequest"`
	Validation    ValidationResult  `json:"validation"`
	Iterations    int               `json:"iterations"`
	Termination   string            `json:"termination"`
	InputTokens   int64             `json:"inputTokens"`
	OutputTokens  int64             `json:"outputTokens"`
	CostUSD       float64           `json:"cost"`
	// Unresolved are residual errors the repair loop never attempted:
	// unlocated issues and references to other units.
	Unresolved []ValidationIssue `json:"unresolved,omitempty"`
}

// Paths returns the file paths in the set.
func (a *ArtifactSet) Paths() []string {
	paths := make([]string, 0, len(a.Files))
	for p := range a.Files {
		paths = append(paths, p)
	}
	return paths
}

// RetryState is the transient state of one retrying execution.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	LastError   error
}
