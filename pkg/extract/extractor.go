// Package extract turns free-text replies of the generative service into
// structured payloads and file maps.
package extract

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
)

// ParseError is returned when no strategy could reduce a reply to structured
// content. Raw always carries the original reply so callers can dump it.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse model response (%d bytes): %s", len(e.Raw), e.Reason)
}

// Payload is the decoded object of a structured decision reply.
type Payload map[string]any

// PayloadResult is the outcome of ExtractPayload. Empty is set for blank input.
type PayloadResult struct {
	Payload  Payload
	Empty    bool
	Strategy string
}

// ExtractPayload returns the largest well-formed object found in text, applying
// the repair strategies in order until one yields a parseable object.
func ExtractPayload(text string) (PayloadResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PayloadResult{Payload: Payload{}, Empty: true}, nil
	}

	var best PayloadResult
	bestLen := -1
	try := func(stage, current string) bool {
		p, n := largestObject(current)
		if n > bestLen {
			best, bestLen = PayloadResult{Payload: p, Strategy: stage}, n
		}
		// The whole stage text decoded; later stages cannot do better.
		return n == len(strings.TrimSpace(current))
	}

	if try("direct", text) {
		return best, nil
	}
	current := text
	for _, s := range Strategies {
		if next, changed := s.Apply(current); changed {
			current = next
		}
		if try(s.Name, current) {
			return best, nil
		}
	}
	if bestLen >= 0 {
		return best, nil
	}

	return PayloadResult{}, &ParseError{Raw: text, Reason: "no parseable object after all repair strategies"}
}

// Decode extracts the payload from text and unmarshals it into v. Blank input
// leaves v untouched and returns nil.
func Decode(text string, v any) error {
	res, err := ExtractPayload(text)
	if err != nil {
		return err
	}
	if res.Empty {
		return nil
	}
	data, err := json.Marshal(res.Payload)
	if err != nil {
		return &ParseError{Raw: text, Reason: err.Error()}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &ParseError{Raw: text, Reason: fmt.Sprintf("payload does not match expected shape: %v", err)}
	}
	return nil
}

// largestObject tries every balanced object in s and keeps the longest one
// that decodes. The returned length is -1 when nothing decodes.
func largestObject(s string) (Payload, int) {
	var best Payload
	bestLen := -1

	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := matchingBrace(s, i)
		if end == -1 {
			continue
		}
		candidate := s[i:end]
		var p Payload
		if err := json.Unmarshal([]byte(candidate), &p); err != nil {
			continue
		}
		if len(candidate) > bestLen {
			best, bestLen = p, len(candidate)
		}
		// Nested objects are always smaller than their parent.
		i = end - 1
	}
	return best, bestLen
}

// FileResult is the outcome of ExtractFiles. Empty is set for blank input.
type FileResult struct {
	Files  map[string]string
	Empty  bool
	Source string // "markers" or "payload"
}

var fileMarker = regexp.MustCompile("^\\s*\\**FILE:\\s*`?([^`*]+?)`?\\**\\s*$")

// ExtractFiles reads a file-map reply. The line-oriented FILE: marker
// convention is preferred; a {"files": ...} payload is accepted as fallback.
func ExtractFiles(text string) (FileResult, error) {
	if strings.TrimSpace(text) == "" {
		return FileResult{Files: map[string]string{}, Empty: true}, nil
	}

	if files, ok := parseMarkers(text); ok {
		return FileResult{Files: files, Source: "markers"}, nil
	}

	res, err := ExtractPayload(text)
	if err != nil {
		return FileResult{}, err
	}
	if files := filesFromPayload(res.Payload); len(files) > 0 {
		return FileResult{Files: files, Source: "payload"}, nil
	}

	return FileResult{}, &ParseError{Raw: text, Reason: "reply holds neither FILE markers nor a files payload"}
}

func parseMarkers(text string) (map[string]string, bool) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	files := make(map[string]string)
	found := false

	var current string
	var body []string
	flush := func() {
		if current != "" {
			files[current] = cleanBody(body)
		}
	}

	for _, line := range lines {
		if m := fileMarker.FindStringSubmatch(strings.TrimRight(line, " \t")); m != nil {
			flush()
			found = true
			current = strings.TrimSpace(m[1])
			body = nil
			continue
		}
		if current != "" {
			body = append(body, line)
		}
	}
	flush()
	return files, found
}

// cleanBody removes wrapping code fences and surrounding blank lines while
// keeping inner formatting verbatim.
func cleanBody(lines []string) string {
	lines = trimBlank(lines)
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[0]), "```") {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	lines = trimBlank(lines)
	return strings.Join(lines, "\n")
}

func trimBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func filesFromPayload(p Payload) map[string]string {
	files := make(map[string]string)
	switch v := p["files"].(type) {
	case map[string]any:
		for name, content := range v {
			if s, ok := content.(string); ok {
				files[name] = s
			}
		}
	case []any:
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := entry["path"].(string)
			content, _ := entry["content"].(string)
			if name != "" {
				files[name] = content
			}
		}
	}
	return files
}

// NormalizePaths cleans every path, strips the given logical root prefixes
// and rejects absolute paths or paths escaping the unit directory.
func NormalizePaths(files map[string]string, roots ...string) (map[string]string, error) {
	out := make(map[string]string, len(files))
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
		p = strings.TrimPrefix(p, "./")
		for _, root := range roots {
			root = strings.Trim(root, "/")
			if root != "" && strings.HasPrefix(p, root+"/") {
				p = strings.TrimPrefix(p, root+"/")
			}
		}
		if path.IsAbs(p) {
			return nil, fmt.Errorf("absolute path %q not allowed", name)
		}
		p = path.Clean(p)
		if p == "." || p == ".." || strings.HasPrefix(p, "../") {
			return nil, fmt.Errorf("path %q escapes the unit directory", name)
		}
		out[p] = files[name]
	}
	return out, nil
}
