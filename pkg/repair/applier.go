package repair

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/based/iacgen/pkg/iac"
)

// ErrApplyMismatch is returned when no strategy can locate a fix's target.
var ErrApplyMismatch = errors.New("fix target not found")

// Strategy names recorded for applied fixes.
const (
	StrategyLine       = "line"
	StrategySubstring  = "substring"
	StrategyNormalized = "normalized"
)

// Skip reasons recorded for fixes that were not applied.
const (
	SkipLowConfidence  = "low_confidence"
	SkipAlreadyApplied = "already_applied"
	SkipLocationTaken  = "location_taken"
	SkipUnknownFile    = "unknown_file"
	SkipMismatch       = "mismatch"
)

// Applied is a fix that changed the files.
type Applied struct {
	Fix      iac.Fix
	Strategy string
}

// Skipped is a fix that was left out, with the reason.
type Skipped struct {
	Fix    iac.Fix
	Reason string
}

// ApplyResult is the outcome of one Apply call. Files is a new map; the input
// is never modified.
type ApplyResult struct {
	Files   map[string]string
	Applied []Applied
	Skipped []Skipped
}

// Ledger remembers every fix applied during a unit's loop so that the same
// replacement is never applied twice.
type Ledger struct {
	mu      sync.Mutex
	applied map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{applied: make(map[string]struct{})}
}

// Seen reports whether f was already applied.
func (l *Ledger) Seen(f iac.Fix) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.applied[f.Key()]
	return ok
}

// Record marks f as applied.
func (l *Ledger) Record(f iac.Fix) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied[f.Key()] = struct{}{}
}

// Len returns the number of recorded fixes.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.applied)
}

// Applier patches file contents with high-confidence fixes.
type Applier struct {
	log logr.Logger
}

func NewApplier(log logr.Logger) *Applier {
	return &Applier{log: log.WithName("fix-applier")}
}

// Apply applies every high-confidence fix not yet in ledger, at most one per
// location. Fixes within a file are applied from the bottom up so earlier
// line numbers stay valid.
func (a *Applier) Apply(files map[string]string, fixes []iac.Fix, ledger *Ledger) ApplyResult {
	res := ApplyResult{Files: make(map[string]string, len(files))}
	for k, v := range files {
		res.Files[k] = v
	}

	byFile := map[string][]iac.Fix{}
	for _, fix := range fixes {
		switch {
		case fix.Confidence != iac.ConfidenceHigh:
			res.Skipped = append(res.Skipped, Skipped{Fix: fix, Reason: SkipLowConfidence})
		case ledger != nil && ledger.Seen(fix):
			res.Skipped = append(res.Skipped, Skipped{Fix: fix, Reason: SkipAlreadyApplied})
		default:
			if _, ok := res.Files[fix.Issue.File]; !ok {
				res.Skipped = append(res.Skipped, Skipped{Fix: fix, Reason: SkipUnknownFile})
				continue
			}
			byFile[fix.Issue.File] = append(byFile[fix.Issue.File], fix)
		}
	}

	names := make([]string, 0, len(byFile))
	for name := range byFile {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		group := byFile[name]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Issue.Line > group[j].Issue.Line })

		taken := map[string]bool{}
		content := res.Files[name]
		for _, fix := range group {
			loc := locationKey(fix)
			if taken[loc] {
				res.Skipped = append(res.Skipped, Skipped{Fix: fix, Reason: SkipLocationTaken})
				continue
			}
			updated, strategy, err := applyOne(content, fix)
			if err != nil {
				a.log.Info("Skipping fix", "file", name, "line", fix.Issue.Line, "reason", err.Error())
				res.Skipped = append(res.Skipped, Skipped{Fix: fix, Reason: SkipMismatch})
				continue
			}
			content = updated
			taken[loc] = true
			if ledger != nil {
				ledger.Record(fix)
			}
			res.Applied = append(res.Applied, Applied{Fix: fix, Strategy: strategy})
			a.log.V(1).Info("Applied fix", "file", name, "line", fix.Issue.Line, "strategy", strategy)
		}
		res.Files[name] = content
	}

	for _, ap := range res.Applied {
		RecordFixApplied(ap.Strategy)
	}
	for _, sk := range res.Skipped {
		RecordFixSkipped(sk.Reason)
	}
	return res
}

func locationKey(fix iac.Fix) string {
	if fix.Issue.Line > 0 {
		return fmt.Sprintf("%s:%d", fix.Issue.File, fix.Issue.Line)
	}
	return fix.Issue.File + "\x00" + fix.Issue.OffendingSnippet
}

// applyOne tries line replacement, exact substring and whitespace-normalized
// substring, in that order.
func applyOne(content string, fix iac.Fix) (string, string, error) {
	if out, ok := replaceLine(content, fix); ok {
		return out, StrategyLine, nil
	}
	snippet := fix.Issue.OffendingSnippet
	if strings.TrimSpace(snippet) == "" {
		return content, "", fmt.Errorf("%w: line %d does not hold the reported code", ErrApplyMismatch, fix.Issue.Line)
	}
	if idx := strings.Index(content, snippet); idx >= 0 {
		return content[:idx] + fix.SuggestedCode + content[idx+len(snippet):], StrategySubstring, nil
	}
	if start, end, ok := normalizedIndex(content, snippet); ok {
		return content[:start] + fix.SuggestedCode + content[end:], StrategyNormalized, nil
	}
	return content, "", fmt.Errorf("%w: %q", ErrApplyMismatch, snippet)
}

// replaceLine replaces the lines starting at the issue line when they hold
// the offending snippet (or when no snippet is known), re-indenting the
// suggested code to the original line's indentation.
func replaceLine(content string, fix iac.Fix) (string, bool) {
	line := fix.Issue.Line
	lines := strings.Split(content, "\n")
	if line <= 0 || line > len(lines) {
		return content, false
	}

	span := 1
	if snippet := strings.Trim(fix.Issue.OffendingSnippet, "\n"); strings.TrimSpace(snippet) != "" {
		span = strings.Count(snippet, "\n") + 1
		if line-1+span > len(lines) {
			return content, false
		}
		target := strings.Join(lines[line-1:line-1+span], "\n")
		if !strings.Contains(collapseSpace(target), collapseSpace(snippet)) {
			return content, false
		}
	}

	indent := leadingSpace(lines[line-1])
	replacement := reindent(fix.SuggestedCode, indent)

	out := make([]string, 0, len(lines)-span+len(replacement))
	out = append(out, lines[:line-1]...)
	out = append(out, replacement...)
	out = append(out, lines[line-1+span:]...)
	return strings.Join(out, "\n"), true
}

// reindent strips the common indentation of code and prefixes every
// non-blank line with indent. Empty code removes the line.
func reindent(code, indent string) []string {
	code = strings.Trim(code, "\n")
	if strings.TrimSpace(code) == "" {
		return nil
	}
	lines := strings.Split(code, "\n")
	common := ""
	first := true
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lead := leadingSpace(l)
		if first || len(lead) < len(common) {
			common = lead
			first = false
		}
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			out[i] = ""
			continue
		}
		out[i] = indent + strings.TrimPrefix(l, common)
	}
	return out
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizedIndex finds snippet in content with every whitespace run treated
// as a single space and returns the matching byte range of content.
func normalizedIndex(content, snippet string) (int, int, bool) {
	needle := collapseSpace(snippet)
	if needle == "" {
		return 0, 0, false
	}

	var norm strings.Builder
	// offsets[i] is the content index of norm byte i.
	offsets := make([]int, 0, len(content))
	inSpace := false
	for i := 0; i < len(content); i++ {
		c := content[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			if !inSpace && norm.Len() > 0 {
				norm.WriteByte(' ')
				offsets = append(offsets, i)
			}
			inSpace = true
			continue
		}
		inSpace = false
		norm.WriteByte(c)
		offsets = append(offsets, i)
	}

	idx := strings.Index(norm.String(), needle)
	if idx < 0 {
		return 0, 0, false
	}
	start := offsets[idx]
	end := offsets[idx+len(needle)-1] + 1
	return start, end, true
}
