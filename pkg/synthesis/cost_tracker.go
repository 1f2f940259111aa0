package synthesis

import (
	"fmt"
	"math"
	"sync"

	"github.com/based/iacgen/pkg/config"
)

// CostTracker prices token usage and keeps run totals.
type CostTracker struct {
	inputTokenCost  float64 // cost per 1M input tokens
	outputTokenCost float64 // cost per 1M output tokens
	currency        string
	budget          float64 // 0 means unlimited

	mu       sync.Mutex
	totals   SynthesisCost
	reserved float64
}

// NewCostTracker creates a cost tracker from configured prices
func NewCostTracker(cfg config.CostConfig) *CostTracker {
	return &CostTracker{
		inputTokenCost:  cfg.InputPerMillion,
		outputTokenCost: cfg.OutputPerMillion,
		currency:        "USD",
		budget:          cfg.MaxRunUSD,
	}
}

// SynthesisCost is the cost of one unit, or of a whole run
type SynthesisCost struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	TotalCost    float64 `json:"totalCost"`
	Currency     string  `json:"currency"`
	ModelName    string  `json:"model,omitempty"`
}

// Price computes the cost of a token count without recording it.
func (ct *CostTracker) Price(inputTokens, outputTokens int64, modelName string) *SynthesisCost {
	inputCost := (float64(inputTokens) / 1_000_000.0) * ct.inputTokenCost
	outputCost := (float64(outputTokens) / 1_000_000.0) * ct.outputTokenCost

	return &SynthesisCost{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost,
		Currency:     ct.currency,
		ModelName:    modelName,
	}
}

// CalculateCost computes the cost from token counts and adds it to the run
// totals
func (ct *CostTracker) CalculateCost(inputTokens, outputTokens int64, modelName string) *SynthesisCost {
	cost := ct.Price(inputTokens, outputTokens, modelName)

	ct.mu.Lock()
	ct.totals.InputTokens += cost.InputTokens
	ct.totals.OutputTokens += cost.OutputTokens
	ct.totals.TotalTokens += cost.TotalTokens
	ct.totals.InputCost += cost.InputCost
	ct.totals.OutputCost += cost.OutputCost
	ct.totals.TotalCost += cost.TotalCost
	ct.totals.Currency = ct.currency
	ct.totals.ModelName = modelName
	ct.mu.Unlock()

	return cost
}

// Reserve holds the worst-case price of one call against the budget until
// release is called. ok is false when the call could take the run over
// budget counting the totals and every open reservation.
func (ct *CostTracker) Reserve(inputTokens, maxOutputTokens int64) (release func(), ok bool) {
	if ct == nil || ct.budget <= 0 {
		return func() {}, true
	}
	est := ct.Price(inputTokens, maxOutputTokens, "").TotalCost

	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.totals.TotalCost+ct.reserved+est > ct.budget {
		return func() {}, false
	}
	ct.reserved += est

	var once sync.Once
	return func() {
		once.Do(func() {
			ct.mu.Lock()
			ct.reserved -= est
			ct.mu.Unlock()
		})
	}, true
}

// Totals returns the accumulated cost of every CalculateCost call.
func (ct *CostTracker) Totals() SynthesisCost {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.totals
}

// EstimateTokens estimates token count from text (approximate: 1 token ~= 4 chars)
func EstimateTokens(text string) int64 {
	// Add 10% buffer
	return int64(math.Ceil(float64(len(text)) / 4.0 * 1.1))
}

// String returns a human-readable cost summary
func (sc *SynthesisCost) String() string {
	return fmt.Sprintf("Synthesis cost: %.4f %s (input: %d tokens / %.4f %s, output: %d tokens / %.4f %s)",
		sc.TotalCost, sc.Currency,
		sc.InputTokens, sc.InputCost, sc.Currency,
		sc.OutputTokens, sc.OutputCost, sc.Currency)
}

// ExceedsBudget reports whether the run totals have reached the configured
// budget.
func (ct *CostTracker) ExceedsBudget() bool {
	if ct.budget <= 0 {
		return false
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.totals.TotalCost >= ct.budget
}
