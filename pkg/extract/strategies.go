package extract

import (
	"regexp"
	"strings"
)

// Strategy is one text repair step. Apply returns the rewritten text and
// whether it changed anything.
type Strategy struct {
	Name  string
	Apply func(text string) (string, bool)
}

// Strategies are tried in order, each on the output of the previous one.
var Strategies = []Strategy{
	{Name: "strip_fences", Apply: StripFences},
	{Name: "trim_prose", Apply: TrimProse},
	{Name: "remove_trailing_commas", Apply: RemoveTrailingCommas},
	{Name: "truncate_last_brace", Apply: TruncateAtLastBrace},
}

var fenceBlock = regexp.MustCompile("(?s)```[A-Za-z0-9_+\\-]*[ \\t]*\\r?\\n?(.*?)```")

// StripFences returns the content of the first fenced code block that looks
// like it holds an object, or the first fenced block otherwise. An opening
// fence without a closing one is dropped along with everything before it.
func StripFences(text string) (string, bool) {
	if !strings.Contains(text, "```") {
		return text, false
	}

	blocks := fenceBlock.FindAllStringSubmatch(text, -1)
	for _, b := range blocks {
		if strings.Contains(b[1], "{") {
			return strings.TrimSpace(b[1]), true
		}
	}
	if len(blocks) > 0 {
		return strings.TrimSpace(blocks[0][1]), true
	}

	// Unterminated fence: keep what follows the opening line.
	idx := strings.Index(text, "```")
	rest := text[idx+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	}
	return strings.TrimSpace(rest), true
}

// TrimProse cuts leading and trailing prose around the first object. When the
// object is balanced the cut is exact; otherwise everything from the first
// opening brace to the last closing brace is kept.
func TrimProse(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return text, false
	}
	var out string
	if end := matchingBrace(text, start); end != -1 {
		out = text[start:end]
	} else if last := strings.LastIndexByte(text, '}'); last > start {
		out = text[start : last+1]
	} else {
		out = text[start:]
	}
	return out, out != text
}

// RemoveTrailingCommas drops commas that directly precede a closing brace or
// bracket, ignoring string contents.
func RemoveTrailingCommas(text string) (string, bool) {
	var b strings.Builder
	b.Grow(len(text))
	changed := false
	inString, escaped := false, false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				changed = true
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String(), changed
}

// TruncateAtLastBrace cuts the text after the last closing brace that sits
// outside a string and closes whatever objects or arrays are still open.
// It gives up when the cut point leaves a string unterminated.
func TruncateAtLastBrace(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return text, false
	}

	lastClose := -1
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '}':
			lastClose = i
		}
	}
	if lastClose == -1 {
		return text, false
	}

	prefix := text[start : lastClose+1]
	stack, open := openStructures(prefix)
	if open {
		return text, false
	}
	var b strings.Builder
	b.WriteString(prefix)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	out := b.String()
	return out, out != text
}

// openStructures returns the unclosed braces/brackets of s and whether s ends
// inside a string.
func openStructures(s string) ([]byte, bool) {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return stack, inString
}

// matchingBrace returns the index just past the brace that closes the one at
// start, skipping braces inside strings, or -1.
func matchingBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false

	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
