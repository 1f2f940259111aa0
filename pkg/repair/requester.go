// Package repair drives the validate/fix loop: it asks the generative service
// for fixes to checker issues and applies the confident ones.
package repair

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/go-logr/logr"

	"github.com/based/iacgen/pkg/config"
	"github.com/based/iacgen/pkg/extract"
	"github.com/based/iacgen/pkg/iac"
)

//go:embed repair.tmpl
var repairTemplate string

var repairPrompt = template.Must(template.New("repair").Funcs(template.FuncMap{
	"add": func(a, b int) int { return a + b },
}).Parse(repairTemplate))

// Conversation is one exchange channel with the generative service.
type Conversation interface {
	Send(ctx context.Context, prompt string) (string, error)
}

// Requester proposes fixes for a set of issues in the current files.
type Requester interface {
	Request(ctx context.Context, files map[string]string, issues []iac.ValidationIssue) ([]iac.Fix, error)
}

// LLMRequester asks the generative service for fixes and decodes its
// structured reply.
type LLMRequester struct {
	conv      Conversation
	format    string
	maxIssues int
	log       logr.Logger
}

// NewRequester creates a requester that talks over conv.
func NewRequester(conv Conversation, format string, cfg config.RepairConfig, log logr.Logger) *LLMRequester {
	return &LLMRequester{
		conv:      conv,
		format:    format,
		maxIssues: cfg.MaxIssuesPerRequest,
		log:       log.WithName("repair-requester"),
	}
}

type fixReply struct {
	Fixes []struct {
		File         string   `json:"file"`
		Line         int      `json:"line"`
		Original     string   `json:"original"`
		FixedCode    string   `json:"fixed_code"`
		Confidence   string   `json:"confidence"`
		Explanation  string   `json:"explanation"`
		Alternatives []string `json:"alternatives"`
	} `json:"fixes"`
}

type promptFile struct {
	Path     string
	Numbered string
}

// Request sends at most maxIssues issues and returns the decoded fixes.
// Service errors are classified; an unparseable reply is an
// *extract.ParseError.
func (r *LLMRequester) Request(ctx context.Context, files map[string]string, issues []iac.ValidationIssue) ([]iac.Fix, error) {
	if len(issues) == 0 {
		return nil, nil
	}
	if r.maxIssues > 0 && len(issues) > r.maxIssues {
		r.log.V(1).Info("Capping issues in repair request", "issues", len(issues), "max", r.maxIssues)
		issues = issues[:r.maxIssues]
	}

	prompt, err := r.buildPrompt(files, issues)
	if err != nil {
		return nil, err
	}

	reply, err := r.conv.Send(ctx, prompt)
	if err != nil {
		return nil, iac.ClassifyServiceError(err)
	}

	var decoded fixReply
	if err := extract.Decode(reply, &decoded); err != nil {
		return nil, err
	}

	fixes := make([]iac.Fix, 0, len(decoded.Fixes))
	for _, f := range decoded.Fixes {
		if f.File == "" || (f.Original == "" && f.FixedCode == "") {
			continue
		}
		issue := matchIssue(issues, f.File, f.Line)
		if f.Original != "" {
			issue.OffendingSnippet = f.Original
		}
		fixes = append(fixes, iac.Fix{
			Issue:         issue,
			SuggestedCode: f.FixedCode,
			Confidence:    iac.ParseConfidence(f.Confidence),
			Explanation:   f.Explanation,
			Alternatives:  f.Alternatives,
		})
	}

	r.log.V(1).Info("Received fixes", "requested", len(issues), "fixes", len(fixes))
	return fixes, nil
}

func (r *LLMRequester) buildPrompt(files map[string]string, issues []iac.ValidationIssue) (string, error) {
	referenced := map[string]bool{}
	for _, issue := range issues {
		if _, ok := files[issue.File]; ok {
			referenced[issue.File] = true
		}
	}
	paths := make([]string, 0, len(referenced))
	for p := range referenced {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	data := struct {
		Format string
		Issues []iac.ValidationIssue
		Files  []promptFile
	}{Format: r.format, Issues: issues}
	for _, p := range paths {
		data.Files = append(data.Files, promptFile{Path: p, Numbered: numberLines(files[p])})
	}

	var buf bytes.Buffer
	if err := repairPrompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render repair prompt: %w", err)
	}
	return buf.String(), nil
}

// matchIssue returns the issue a reply entry refers to, or a synthesized one
// when the service pointed somewhere else.
func matchIssue(issues []iac.ValidationIssue, file string, line int) iac.ValidationIssue {
	for _, issue := range issues {
		if issue.File == file && issue.Line == line {
			return issue
		}
	}
	return iac.ValidationIssue{File: file, Line: line, Severity: iac.SeverityError}
}

func numberLines(content string) string {
	lines := strings.Split(content, "\n")
	width := len(fmt.Sprint(len(lines)))
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%*d | %s\n", width, i+1, line)
	}
	return strings.TrimRight(b.String(), "\n")
}
