// Package advice parses free-text model output into structured advice:
// tax-saving tips, recommended actions, and a numeric savings estimate.
// Parsing is heuristic; the generation prompt asks for plain bullet points,
// not structured output.
package advice

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	maxItems    = 3
	maxLineLen  = 200
	tipMinLen   = 10
	tipMaxLen   = 150
	actionMin   = 15
	actionMax   = 150
	amountFloor = 1000
	amountCeil  = 1000000
)

// Fallback entries installed when scanning finds nothing in either category.
const (
	FallbackTip    = "Review your documents for tax saving opportunities under Section 80C"
	FallbackAction = "Consult the detailed analysis above for specific recommendations"
)

// tipKeywords mark a line as a concrete saving opportunity: savings verbs,
// deduction/investment vocabulary, and statutory section codes.
var tipKeywords = []string{"tip", "save", "deduction", "investment", "80c", "80d", "hra"}

// actionKeywords mark a line as a procedural recommendation.
var actionKeywords = []string{"action", "recommend", "suggest", "consider", "consult", "review"}

// ExtractTips scans the model output line by line and classifies lines into
// tips and actions. Checks run tip-first, so a line matching both keyword
// sets always counts as a tip. Each list is capped at 3 entries and
// backfilled with a single fixed fallback when empty.
func ExtractTips(text string) (tips, actions []string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || len(line) > maxLineLen {
			continue
		}

		lower := strings.ToLower(line)
		switch {
		case containsAny(lower, tipKeywords):
			if len(line) >= tipMinLen && len(line) <= tipMaxLen {
				tips = append(tips, line)
			}
		case containsAny(lower, actionKeywords):
			if len(line) >= actionMin && len(line) <= actionMax {
				actions = append(actions, line)
			}
		}
	}

	if len(tips) > maxItems {
		tips = tips[:maxItems]
	}
	if len(actions) > maxItems {
		actions = actions[:maxItems]
	}
	if len(tips) == 0 {
		tips = []string{FallbackTip}
	}
	if len(actions) == 0 {
		actions = []string{FallbackAction}
	}
	return tips, actions
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// amountPattern matches currency-shaped tokens: optional rupee sign, optional
// thousands separators, optional two-decimal fraction.
var amountPattern = regexp.MustCompile(`₹?\s*(\d{1,3}(?:,\d{3})*(?:\.\d{2})?)`)

// ExtractAmount finds currency-shaped numeric tokens in the text and returns
// the integer value of the first one within [1000, 1000000]. Tokens that are
// not whole numbers are skipped. Returns 0 when no token qualifies.
func ExtractAmount(text string) int {
	for _, m := range amountPattern.FindAllStringSubmatch(text, -1) {
		token := strings.ReplaceAll(m[1], ",", "")
		n, err := strconv.Atoi(token)
		if err != nil {
			continue
		}
		if n >= amountFloor && n <= amountCeil {
			return n
		}
	}
	return 0
}
