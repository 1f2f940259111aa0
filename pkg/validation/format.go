package validation

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/based/iacgen/pkg/iac"
)

// Format binds one IaC language to its external syntax checker.
type Format interface {
	// Name is the format tag used in configuration and reports.
	Name() string
	// Extensions lists the file suffixes the checker understands.
	Extensions() []string
	// Binary is the checker executable looked up on PATH.
	Binary() string
	// Commands returns the argv lists to run inside dir for the given
	// relative files. argv[0] is replaced by the resolved binary.
	Commands(dir string, files []string) [][]string
	// Parse turns checker output into issues with paths as printed.
	Parse(output string) []iac.ValidationIssue
}

// FormatByName selects a Format once, at construction time.
func FormatByName(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "terraform", "tf", "hcl":
		return Terraform{}, nil
	case "bicep":
		return Bicep{}, nil
	default:
		return nil, fmt.Errorf("unsupported format %q", name)
	}
}

// contractLine matches "<file>(<line>,<col>): <Severity>[ CODE]: <message>",
// including bicep's "<file>(<line>,<col>) : Error BCP018: <message>".
var contractLine = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\)\s*:\s*((?i:error|warning|info))(?:\s+([A-Za-z][\w-]*))?\s*:\s*(.*)$`)

var helpLink = regexp.MustCompile(`\s*\[https?://[^\]]+\]\s*$`)

func parseContractLine(line, defaultCategory string) (iac.ValidationIssue, bool) {
	m := contractLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return iac.ValidationIssue{}, false
	}
	ln, _ := strconv.Atoi(m[2])
	col, _ := strconv.Atoi(m[3])
	category := defaultCategory
	if m[5] != "" {
		category = m[5]
	}
	return iac.ValidationIssue{
		File:     strings.TrimSpace(m[1]),
		Line:     ln,
		Column:   col,
		Severity: iac.ParseSeverity(m[4]),
		Category: category,
		Message:  helpLink.ReplaceAllString(strings.TrimSpace(m[6]), ""),
	}, true
}

func matchExtensions(files []string, exts []string) []string {
	var out []string
	for _, f := range files {
		for _, ext := range exts {
			if strings.HasSuffix(f, ext) {
				out = append(out, f)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Terraform checks HCL with "terraform fmt". fmt parses every file without
// initialising providers or modules, which keeps units independent.
type Terraform struct{}

func (Terraform) Name() string         { return "terraform" }
func (Terraform) Extensions() []string { return []string{".tf", ".tfvars"} }
func (Terraform) Binary() string       { return "terraform" }

func (Terraform) Commands(dir string, files []string) [][]string {
	return [][]string{{"terraform", "fmt", "-check", "-list=true", "-no-color", "-recursive", "."}}
}

var (
	tfSeverity = regexp.MustCompile(`^(?:│\s*)?(Error|Warning):\s*(.*)$`)
	tfLocation = regexp.MustCompile(`^(?:│\s*)?\s*on (.+?) line (\d+)`)
	tfListed   = regexp.MustCompile(`^[^\s:()│]+\.(tf|tfvars)$`)
)

// Parse understands three shapes of output: the generic contract line, the
// block diagnostics terraform prints for syntax errors and the bare file
// names -list prints for files that are not canonically formatted.
func (Terraform) Parse(output string) []iac.ValidationIssue {
	var issues []iac.ValidationIssue
	var block *iac.ValidationIssue
	var detail []string
	inSource := false

	flush := func() {
		if block == nil {
			return
		}
		if d := strings.TrimSpace(strings.Join(detail, " ")); d != "" {
			block.Message = block.Message + ": " + d
		}
		if block.File == "" {
			block.File = iac.UnknownFile
		}
		issues = append(issues, *block)
		block, detail, inSource = nil, nil, false
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimRight(raw, " \t")

		if issue, ok := parseContractLine(line, "syntax"); ok {
			flush()
			issues = append(issues, issue)
			continue
		}
		if m := tfSeverity.FindStringSubmatch(line); m != nil {
			flush()
			block = &iac.ValidationIssue{
				Severity: iac.ParseSeverity(m[1]),
				Category: "syntax",
				Message:  strings.TrimSpace(m[2]),
			}
			continue
		}
		if block != nil {
			trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "│"))
			if m := tfLocation.FindStringSubmatch(line); m != nil && block.File == "" {
				block.File = m[1]
				block.Line, _ = strconv.Atoi(m[2])
				inSource = true
				continue
			}
			switch {
			case trimmed == "" || strings.HasPrefix(trimmed, "╵"):
				inSource = false
			case inSource:
				// Echoed source lines ("  5:   foo = ") and carets.
			default:
				detail = append(detail, trimmed)
			}
			continue
		}
		if tfListed.MatchString(strings.TrimSpace(line)) {
			issues = append(issues, iac.ValidationIssue{
				File:     strings.TrimSpace(line),
				Severity: iac.SeverityWarning,
				Category: "format",
				Message:  "file is not in canonical format",
			})
		}
	}
	flush()
	return issues
}

// Bicep checks each .bicep file with "bicep build --stdout".
type Bicep struct{}

func (Bicep) Name() string         { return "bicep" }
func (Bicep) Extensions() []string { return []string{".bicep", ".bicepparam"} }
func (Bicep) Binary() string       { return "bicep" }

func (b Bicep) Commands(dir string, files []string) [][]string {
	var cmds [][]string
	for _, f := range matchExtensions(files, []string{".bicep"}) {
		cmds = append(cmds, []string{"bicep", "build", "--stdout", filepath.FromSlash(f)})
	}
	return cmds
}

func (Bicep) Parse(output string) []iac.ValidationIssue {
	var issues []iac.ValidationIssue
	for _, line := range strings.Split(output, "\n") {
		if issue, ok := parseContractLine(line, "syntax"); ok {
			issues = append(issues, issue)
		}
	}
	return issues
}
