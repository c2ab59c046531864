package advice

import (
	"strings"
	"testing"
)

func TestExtractTipsClassification(t *testing.T) {
	text := strings.Join([]string{
		"Consider investing in 80C for tax savings",
		"We recommend you consult a tax advisor",
	}, "\n")

	tips, actions := ExtractTips(text)

	if len(tips) != 1 || tips[0] != "Consider investing in 80C for tax savings" {
		t.Errorf("tips = %v, want the 80C line", tips)
	}
	if len(actions) != 1 || actions[0] != "We recommend you consult a tax advisor" {
		t.Errorf("actions = %v, want the consult line", actions)
	}
}

// TestTipCheckedFirst verifies a line matching both keyword sets counts as a
// tip, never as an action.
func TestTipCheckedFirst(t *testing.T) {
	tips, actions := ExtractTips("We suggest you claim the HRA deduction this year")

	if len(tips) != 1 {
		t.Fatalf("tips = %v, want one entry", tips)
	}
	if actions[0] != FallbackAction {
		t.Errorf("actions = %v, want only the fallback", actions)
	}
}

func TestExtractTipsCapsAtThree(t *testing.T) {
	var lines []string
	for i := 0; i < 6; i++ {
		lines = append(lines, "Use Section 80C investment options to save tax")
	}
	tips, _ := ExtractTips(strings.Join(lines, "\n"))

	if len(tips) != 3 {
		t.Errorf("got %d tips, want cap of 3", len(tips))
	}
}

func TestExtractTipsSkipsUnusableLines(t *testing.T) {
	text := strings.Join([]string{
		"",
		"tip",
		strings.Repeat("save money ", 30),
		"   ",
	}, "\n")

	tips, actions := ExtractTips(text)
	if tips[0] != FallbackTip {
		t.Errorf("tips = %v, want only the fallback", tips)
	}
	if actions[0] != FallbackAction {
		t.Errorf("actions = %v, want only the fallback", actions)
	}
}

func TestExtractTipsFallbacksOnEmptyInput(t *testing.T) {
	tips, actions := ExtractTips("")

	if len(tips) != 1 || tips[0] != FallbackTip {
		t.Errorf("tips = %v, want single fallback entry", tips)
	}
	if len(actions) != 1 || actions[0] != FallbackAction {
		t.Errorf("actions = %v, want single fallback entry", actions)
	}
}

func TestExtractAmount(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"Estimated savings ₹15,000 for you", 15000},
		{"no numbers here", 0},
		{"₹500", 0},
		// Indian-style grouping is not a single token; the trailing
		// western-grouped part still qualifies.
		{"You could save ₹1,50,000 this year", 50000},
		{"save 25000 yearly", 0},
		// Fractional tokens are not whole numbers and never qualify.
		{"around ₹45,000.00 in total", 0},
		{"₹45,000.00 billed, save ₹12,000 net", 12000},
		{"₹2,000,000 is too large but ₹80,000 qualifies", 80000},
		{"exactly ₹1,000 at the floor", 1000},
	}
	for _, tc := range cases {
		if got := ExtractAmount(tc.text); got != tc.want {
			t.Errorf("ExtractAmount(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}
