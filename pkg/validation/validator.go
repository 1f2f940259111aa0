// Package validation runs format-specific syntax checkers against generated
// file sets and normalizes their diagnostics.
package validation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/iac"
)

var tracer = otel.Tracer("iacgen/validation")

// Validator runs one Format's checker. It performs syntax checks only; no
// providers or modules are resolved.
type Validator struct {
	format  Format
	runner  CommandRunner
	binary  string
	timeout time.Duration
	log     logr.Logger
}

// NewValidator creates a validator for format. A nil runner uses ExecRunner.
func NewValidator(format Format, runner CommandRunner, cfg config.ValidationConfig, log logr.Logger) *Validator {
	if runner == nil {
		runner = ExecRunner{}
	}
	binary := cfg.Binary
	if binary == "" {
		binary = format.Binary()
	}
	return &Validator{
		format:  format,
		runner:  runner,
		binary:  binary,
		timeout: cfg.Timeout,
		log:     log.WithName("validator").WithValues("format", format.Name()),
	}
}

// Format returns the bound format.
func (v *Validator) Format() Format {
	return v.format
}

// Validate writes files to a scratch directory, runs the checker there and
// returns the normalized result. The returned error is only set for local
// I/O failures; checker findings, absence and timeouts are all data.
func (v *Validator) Validate(ctx context.Context, files map[string]string) (iac.ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "validation.validate")
	defer span.End()
	span.SetAttributes(
		attribute.String("validation.format", v.format.Name()),
		attribute.Int("validation.files", len(files)),
	)

	start := time.Now()
	result, err := v.validate(ctx, files)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return result, err
	}

	status := string(result.Status)
	if !result.Validated {
		status = "not_validated"
	}
	RecordValidationRun(v.format.Name(), status, time.Since(start).Seconds())
	for _, issue := range result.Issues {
		RecordValidationIssue(v.format.Name(), string(issue.Severity))
	}
	span.SetAttributes(
		attribute.String("validation.status", string(result.Status)),
		attribute.Int("validation.errors", result.ErrorCount()),
		attribute.Int("validation.warnings", result.WarningCount()),
	)
	return result, nil
}

func (v *Validator) validate(ctx context.Context, files map[string]string) (iac.ValidationResult, error) {
	path, err := v.runner.LookPath(v.binary)
	if err != nil {
		v.log.Info("Checker not available, skipping syntax validation", "binary", v.binary)
		r := iac.ValidationResult{
			Validated: false,
			Issues: []iac.ValidationIssue{{
				File:     iac.UnknownFile,
				Severity: iac.SeverityInfo,
				Category: "tool_unavailable",
				Message:  fmt.Sprintf("%s not found; files were not validated", v.binary),
			}},
		}
		r.Derive()
		return r, nil
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(matchExtensions(names, v.format.Extensions())) == 0 {
		return iac.NewValidationResult([]iac.ValidationIssue{{
			File:     iac.UnknownFile,
			Severity: iac.SeverityWarning,
			Category: "no_sources",
			Message:  fmt.Sprintf("no %s sources to validate", v.format.Name()),
		}}), nil
	}

	dir, err := os.MkdirTemp("", "iacgen-validate-*")
	if err != nil {
		return iac.ValidationResult{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	for _, name := range names {
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return iac.ValidationResult{}, fmt.Errorf("create dir for %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(files[name]), 0o644); err != nil {
			return iac.ValidationResult{}, fmt.Errorf("write %s: %w", name, err)
		}
	}

	parent := ctx
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	var issues []iac.ValidationIssue
	for _, argv := range v.format.Commands(dir, names) {
		output, exitCode, runErr := v.runner.Run(ctx, dir, path, argv[1:]...)

		// The caller's deadline or cancellation is not a checker timeout.
		if err := parent.Err(); err != nil {
			return iac.ValidationResult{}, err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			v.log.Info("Checker timed out", "timeout", v.timeout)
			return iac.NewValidationResult([]iac.ValidationIssue{{
				File:     iac.UnknownFile,
				Severity: iac.SeverityError,
				Category: "timeout",
				Message:  fmt.Sprintf("validation timed out after %s", v.timeout),
			}}), nil
		}
		if runErr != nil {
			issues = append(issues, iac.ValidationIssue{
				File:     iac.UnknownFile,
				Severity: iac.SeverityError,
				Category: "checker",
				Message:  fmt.Sprintf("checker execution failed: %v", runErr),
			})
			continue
		}

		parsed := v.format.Parse(string(output))
		if exitCode != 0 && !hasFindings(parsed) {
			parsed = append(parsed, iac.ValidationIssue{
				File:     iac.UnknownFile,
				Severity: iac.SeverityError,
				Category: "checker",
				Message:  checkerMessage(exitCode, output),
			})
		}
		issues = append(issues, parsed...)
	}

	for i := range issues {
		issues[i].File = relativize(issues[i].File, dir, files)
		enrichSnippet(&issues[i], files)
	}

	v.log.V(1).Info("Validation complete", "files", len(files), "issues", len(issues))
	return iac.NewValidationResult(issues), nil
}

// ValidateDir validates every file of the bound format found under root.
func (v *Validator) ValidateDir(ctx context.Context, root string) (iac.ValidationResult, error) {
	files := make(map[string]string)
	exts := v.format.Extensions()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matchExtensions([]string{p}, exts)) == 0 {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return iac.ValidationResult{}, fmt.Errorf("read %s: %w", root, err)
	}
	return v.Validate(ctx, files)
}

// hasFindings reports whether parsed output holds something that explains a
// non-zero exit.
func hasFindings(issues []iac.ValidationIssue) bool {
	for _, issue := range issues {
		if issue.Severity != iac.SeverityInfo {
			return true
		}
	}
	return false
}

func checkerMessage(exitCode int, output []byte) string {
	text := strings.TrimSpace(string(output))
	if len(text) > 500 {
		text = text[:500] + "..."
	}
	if text == "" {
		return fmt.Sprintf("checker exited with code %d", exitCode)
	}
	return fmt.Sprintf("checker exited with code %d: %s", exitCode, text)
}

// relativize maps a path printed by the checker back to the file-set key.
func relativize(file, dir string, files map[string]string) string {
	if file == "" || file == iac.UnknownFile {
		return iac.UnknownFile
	}
	p := filepath.Clean(file)
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(dir, p); err == nil && !strings.HasPrefix(rel, "..") {
			p = rel
		} else if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			if rel, err := filepath.Rel(resolved, p); err == nil && !strings.HasPrefix(rel, "..") {
				p = rel
			}
		}
	}
	p = filepath.ToSlash(p)
	if _, ok := files[p]; ok {
		return p
	}
	// Fall back to a unique suffix match.
	match := ""
	for name := range files {
		if strings.HasSuffix(p, "/"+name) || strings.HasSuffix(name, "/"+p) {
			if match != "" {
				return p
			}
			match = name
		}
	}
	if match != "" {
		return match
	}
	return p
}

func enrichSnippet(issue *iac.ValidationIssue, files map[string]string) {
	if issue.OffendingSnippet != "" || issue.Line <= 0 {
		return
	}
	content, ok := files[issue.File]
	if !ok {
		return
	}
	lines := strings.Split(content, "\n")
	if issue.Line > len(lines) {
		return
	}
	issue.OffendingSnippet = strings.TrimSpace(lines[issue.Line-1])
}
