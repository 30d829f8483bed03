// Package tokens provides a heuristic token estimator for prompt budgeting.
//
// The estimate is calibrated against BPE tokenizers on English text and is
// deliberately conservative: a safety floor prevents gross underestimation
// that would overflow the provider's context window.
package tokens

import (
	"math"
	"strings"
	"unicode"
)

// DefaultBudget is the per-discussion context token budget: half of an 8k
// window, leaving headroom for system prompts and formatting.
const DefaultBudget = 4000

// punctuation contributing extra tokens beyond plain characters.
const punctuationSet = `.,!?;:()[]{}'"`

// Estimate returns the estimated token count for text.
func Estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	var chars, punct int
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			continue
		}
		chars++
		if strings.ContainsRune(punctuationSet, r) {
			punct++
		}
	}

	var longWords int
	for _, w := range strings.Fields(trimmed) {
		if len(w) > 8 {
			longWords++
		}
	}

	base := int(math.Ceil(float64(chars) / 3.5))
	punctContrib := int(math.Ceil(0.8 * float64(punct)))
	subword := int(math.Ceil(0.3 * float64(longWords)))

	estimate := base + punctContrib + subword

	// Safety floor: 80% of a naive length/4 estimate.
	floor := int(math.Floor(0.8 * math.Ceil(float64(len(trimmed))/4)))
	if floor > estimate {
		return floor
	}
	return estimate
}

// EstimateAll sums estimates over multiple texts.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}

// OverBudget reports whether current has reached the budget.
func OverBudget(current, budget int) bool {
	return current >= budget
}
