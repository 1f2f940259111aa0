package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractPayload_Robustness(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		empty    bool
		expected Payload
	}{
		{
			name:     "clean payload",
			input:    `{"decision": "merge", "count": 2}`,
			expected: Payload{"decision": "merge", "count": float64(2)},
		},
		{
			name:     "fenced payload",
			input:    "```json\n{\"decision\": \"merge\"}\n```",
			expected: Payload{"decision": "merge"},
		},
		{
			name:     "fenced with trailing prose",
			input:    "Here is the result:\n```json\n{\"decision\": \"split\"}\n```\nLet me know if you need anything else {smile}.",
			expected: Payload{"decision": "split"},
		},
		{
			name:     "generic fence without language tag",
			input:    "```\n{\"decision\": \"keep\", \"reason\": \"a } in a string\"}\n```",
			expected: Payload{"decision": "keep", "reason": "a } in a string"},
		},
		{
			name:     "empty string",
			input:    "",
			empty:    true,
			expected: Payload{},
		},
		{
			name:     "whitespace only",
			input:    "  \n\t ",
			empty:    true,
			expected: Payload{},
		},
		{
			name:     "trailing commas",
			input:    "```json\n{\"fixes\": [{\"line\": 3,},],}\n```",
			expected: Payload{"fixes": []any{map[string]any{"line": float64(3)}}},
		},
		{
			name:     "truncated reply",
			input:    `Sure. {"a": {"b": 1}, "c": [1, 2`,
			expected: Payload{"a": map[string]any{"b": float64(1)}},
		},
		{
			name:     "largest object wins",
			input:    `first {"x": 1} then {"x": 1, "y": {"z": true}} done`,
			expected: Payload{"x": float64(1), "y": map[string]any{"z": true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ExtractPayload(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.empty, res.Empty)
			assert.Equal(t, tt.expected, res.Payload)
		})
	}
}

func TestExtractPayload_UnterminatedString(t *testing.T) {
	raw := `{"files": {"main.tf": "resource \"azurerm_resource_group\" \"rg\" {`

	_, err := ExtractPayload(raw)
	require.Error(t, err)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, raw, perr.Raw)
}

func TestDecode(t *testing.T) {
	var out struct {
		Fixes []struct {
			File string `json:"file"`
			Line int    `json:"line"`
		} `json:"fixes"`
	}

	err := Decode("```json\n{\"fixes\": [{\"file\": \"main.tf\", \"line\": 5}]}\n```", &out)
	require.NoError(t, err)
	require.Len(t, out.Fixes, 1)
	assert.Equal(t, "main.tf", out.Fixes[0].File)
	assert.Equal(t, 5, out.Fixes[0].Line)

	require.NoError(t, Decode("", &out))

	err = Decode(`{"fixes": "not-a-list"}`, &out)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestStrategies(t *testing.T) {
	t.Run("strip fences picks block with object", func(t *testing.T) {
		out, changed := StripFences("```hcl\nresource {}\n```\n```json\n{\"a\":1}\n```")
		assert.True(t, changed)
		assert.Equal(t, "resource {}", out)
	})

	t.Run("strip fences without fence", func(t *testing.T) {
		out, changed := StripFences(`{"a":1}`)
		assert.False(t, changed)
		assert.Equal(t, `{"a":1}`, out)
	})

	t.Run("strip unterminated fence", func(t *testing.T) {
		out, changed := StripFences("intro\n```json\n{\"a\":1}")
		assert.True(t, changed)
		assert.Equal(t, `{"a":1}`, out)
	})

	t.Run("trim prose", func(t *testing.T) {
		out, changed := TrimProse(`Answer: {"a": "}"} trailing words`)
		assert.True(t, changed)
		assert.Equal(t, `{"a": "}"}`, out)
	})

	t.Run("remove trailing commas keeps strings", func(t *testing.T) {
		out, changed := RemoveTrailingCommas(`{"a": "x,}", "b": [1,2,],}`)
		assert.True(t, changed)
		assert.Equal(t, `{"a": "x,}", "b": [1,2]}`, out)
	})

	t.Run("truncate closes open structures", func(t *testing.T) {
		out, changed := TruncateAtLastBrace(`{"a": [{"b": 1}, {"c": 2`)
		assert.True(t, changed)
		assert.Equal(t, `{"a": [{"b": 1}]}`, out)
	})

	t.Run("truncate refuses open string", func(t *testing.T) {
		_, changed := TruncateAtLastBrace(`{"a": "never closed }`)
		assert.False(t, changed)
	})
}

func TestExtractFiles_Markers(t *testing.T) {
	reply := "I generated the module below.\n\n" +
		"FILE: modules/storage/main.tf\n" +
		"```hcl\n" +
		"\n" +
		"resource \"azurerm_storage_account\" \"this\" {\n" +
		"  name     = var.name\n" +
		"\n" +
		"  location = var.location\n" +
		"}\n" +
		"```\n" +
		"\n" +
		"FILE: modules/storage/variables.tf\n" +
		"variable \"name\" {\n" +
		"  type = string\n" +
		"}\n" +
		"\n\n"

	res, err := ExtractFiles(reply)
	require.NoError(t, err)
	assert.Equal(t, "markers", res.Source)
	require.Len(t, res.Files, 2)

	assert.Equal(t, "resource \"azurerm_storage_account\" \"this\" {\n  name     = var.name\n\n  location = var.location\n}",
		res.Files["modules/storage/main.tf"])
	assert.Equal(t, "variable \"name\" {\n  type = string\n}", res.Files["modules/storage/variables.tf"])
}

func TestExtractFiles_PayloadFallbackAndEmpty(t *testing.T) {
	res, err := ExtractFiles("```json\n{\"files\": {\"main.bicep\": \"param location string\"}}\n```")
	require.NoError(t, err)
	assert.Equal(t, "payload", res.Source)
	assert.Equal(t, "param location string", res.Files["main.bicep"])

	res, err = ExtractFiles(`{"files": [{"path": "a.tf", "content": "x"}]}`)
	require.NoError(t, err)
	assert.Equal(t, "x", res.Files["a.tf"])

	res, err = ExtractFiles("")
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.Empty(t, res.Files)

	_, err = ExtractFiles("I cannot help with that.")
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestNormalizePaths(t *testing.T) {
	files, err := NormalizePaths(map[string]string{
		"modules/storage/main.tf": "a",
		"./outputs.tf":            "b",
		"nested/../versions.tf":   "c",
	}, "modules", "storage")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main.tf": "a", "outputs.tf": "b", "versions.tf": "c"}, files)

	_, err = NormalizePaths(map[string]string{"/etc/passwd": "x"})
	assert.Error(t, err)

	_, err = NormalizePaths(map[string]string{"../../escape.tf": "x"})
	assert.Error(t, err)
}
