package repair

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/based/iacgen/pkg/iac"
)

const mainTF = `resource "azurerm_resource_group" "rg" {
  name = "rg-app"
    locaton = var.location
}

resource "azurerm_storage_account" "sa" {
  name                = "stapp"
  resource_group_name = azurerm_resource_group.rg.name
  account_tier        = "Standard"
}
`

func highFix(line int, snippet, code string) iac.Fix {
	return iac.Fix{
		Issue:         iac.ValidationIssue{File: "main.tf", Line: line, Severity: iac.SeverityError, OffendingSnippet: snippet},
		SuggestedCode: code,
		Confidence:    iac.ConfidenceHigh,
	}
}

func TestApplier_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		fix      iac.Fix
		strategy string
		contains string
	}{
		{
			name:     "line replacement keeps indentation",
			fix:      highFix(3, "locaton = var.location", "location = var.location"),
			strategy: StrategyLine,
			contains: "\n    location = var.location\n",
		},
		{
			name:     "line replacement without snippet",
			fix:      highFix(2, "", `name = "rg-fixed"`),
			strategy: StrategyLine,
			contains: "\n  name = \"rg-fixed\"\n",
		},
		{
			name:     "substring when line drifted",
			fix:      highFix(1, `account_tier        = "Standard"`, `account_tier        = "Premium"`),
			strategy: StrategySubstring,
			contains: `account_tier        = "Premium"`,
		},
		{
			name:     "whitespace normalized match",
			fix:      highFix(40, "resource_group_name = azurerm_resource_group.rg.name\n account_tier = \"Standard\"", "resource_group_name = azurerm_resource_group.rg.name"),
			strategy: StrategyNormalized,
			contains: "  resource_group_name = azurerm_resource_group.rg.name\n}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := map[string]string{"main.tf": mainTF}
			res := NewApplier(logr.Discard()).Apply(files, []iac.Fix{tt.fix}, NewLedger())

			require.Len(t, res.Applied, 1)
			assert.Equal(t, tt.strategy, res.Applied[0].Strategy)
			assert.Contains(t, res.Files["main.tf"], tt.contains)
			assert.Equal(t, mainTF, files["main.tf"], "input must not be modified")
		})
	}
}

func TestApplier_Skips(t *testing.T) {
	files := map[string]string{"main.tf": mainTF}
	low := highFix(3, "locaton = var.location", "location = var.location")
	low.Confidence = iac.ConfidenceMedium

	mismatch := highFix(3, "does_not_exist = true", "x = 1")
	other := highFix(3, "locaton = var.location", "location = var.location")
	other.Issue.File = "missing.tf"

	res := NewApplier(logr.Discard()).Apply(files, []iac.Fix{low, mismatch, other}, NewLedger())

	assert.Empty(t, res.Applied)
	reasons := map[string]int{}
	for _, s := range res.Skipped {
		reasons[s.Reason]++
	}
	assert.Equal(t, map[string]int{SkipLowConfidence: 1, SkipMismatch: 1, SkipUnknownFile: 1}, reasons)
	assert.Equal(t, mainTF, res.Files["main.tf"])
}

func TestApplier_OneFixPerLocation(t *testing.T) {
	first := highFix(3, "locaton = var.location", "location = var.location")
	second := highFix(3, "locaton = var.location", "location = \"westeurope\"")

	res := NewApplier(logr.Discard()).Apply(map[string]string{"main.tf": mainTF}, []iac.Fix{first, second}, NewLedger())
	require.Len(t, res.Applied, 1)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, SkipLocationTaken, res.Skipped[0].Reason)
}

func TestApplier_BottomUpMultiLine(t *testing.T) {
	fixes := []iac.Fix{
		highFix(3, "locaton = var.location", "location = var.location\ntags     = var.tags"),
		highFix(9, `account_tier        = "Standard"`, `account_tier             = "Standard"`+"\n"+`account_replication_type = "LRS"`),
	}
	res := NewApplier(logr.Discard()).Apply(map[string]string{"main.tf": mainTF}, fixes, NewLedger())
	require.Len(t, res.Applied, 2)
	for _, a := range res.Applied {
		assert.Equal(t, StrategyLine, a.Strategy)
	}
	assert.Contains(t, res.Files["main.tf"], "    location = var.location\n    tags     = var.tags\n")
	assert.Contains(t, res.Files["main.tf"], "  account_replication_type = \"LRS\"\n}")
}

func TestApplier_LedgerPreventsReapply(t *testing.T) {
	ledger := NewLedger()
	fix := highFix(3, "locaton = var.location", "location = var.location")
	applier := NewApplier(logr.Discard())

	first := applier.Apply(map[string]string{"main.tf": mainTF}, []iac.Fix{fix}, ledger)
	require.Len(t, first.Applied, 1)
	assert.Equal(t, 1, ledger.Len())

	second := applier.Apply(map[string]string{"main.tf": mainTF}, []iac.Fix{fix}, ledger)
	assert.Empty(t, second.Applied)
	require.Len(t, second.Skipped, 1)
	assert.Equal(t, SkipAlreadyApplied, second.Skipped[0].Reason)
}

func TestNormalizedIndex(t *testing.T) {
	content := "a  =\n\t1\nb = 2"
	start, end, ok := normalizedIndex(content, "a = 1")
	require.True(t, ok)
	assert.Equal(t, "a  =\n\t1", content[start:end])

	_, _, ok = normalizedIndex(content, "c = 3")
	assert.False(t, ok)
}
