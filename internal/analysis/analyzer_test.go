package analysis

import (
	"context"
	"strings"
	"testing"

	"github.com/ledger-labs/taxpilot/internal/advice"
	"github.com/ledger-labs/taxpilot/internal/extract"
	"github.com/ledger-labs/taxpilot/internal/synthesis"
)

// mockSynth records requests and returns scripted results keyed by model.
type mockSynth struct {
	requests []synthesis.Request
	results  map[string]synthesis.Result
}

func (m *mockSynth) Generate(ctx context.Context, req synthesis.Request) synthesis.Result {
	m.requests = append(m.requests, req)
	if res, ok := m.results[req.Model]; ok {
		return res
	}
	return synthesis.Result{Text: synthesis.FallbackMessage, Degraded: true, Attempts: 3}
}

func docResult(text string, method extract.Method) extract.Result {
	return extract.Result{Text: text, Method: method}
}

func TestAnalyzeParsesGeneration(t *testing.T) {
	synth := &mockSynth{results: map[string]synthesis.Result{
		"main-model": {Text: strings.Join([]string{
			"Invest in Section 80C instruments to save tax",
			"We recommend you review your policy documents annually",
			"Estimated savings ₹15,000 for you",
		}, "\n"), Attempts: 1},
	}}
	a := New(synth, "main-model", "small-model")

	out := a.Analyze(context.Background(), Input{
		Policy:  docResult(strings.Repeat("policy text ", 20), extract.MethodDirect),
		Payslip: docResult(strings.Repeat("payslip text ", 20), extract.MethodOCR),
	})

	if out.Degraded {
		t.Fatal("output unexpectedly degraded")
	}
	if out.ModelUsed != "main-model" {
		t.Errorf("ModelUsed = %q", out.ModelUsed)
	}
	if out.Record["estimatedSavings"] != 15000 {
		t.Errorf("estimatedSavings = %v, want 15000", out.Record["estimatedSavings"])
	}

	liability, ok := out.Record["taxLiability"].(map[string]any)
	if !ok {
		t.Fatalf("taxLiability kind = %T", out.Record["taxLiability"])
	}
	if liability["current"] != 60000 {
		t.Errorf("current = %v, want 60000", liability["current"])
	}
	if liability["potential"] != 45000 {
		t.Errorf("potential = %v, want 45000", liability["potential"])
	}
	if liability["savings"] != 15000 {
		t.Errorf("savings = %v, want 15000", liability["savings"])
	}

	tips, _ := out.Record["taxSavingTips"].([]any)
	if len(tips) == 0 || tips[0] != "Invest in Section 80C instruments to save tax" {
		t.Errorf("taxSavingTips = %v", tips)
	}
	if out.Record["ai_generated"] != true {
		t.Errorf("ai_generated = %v", out.Record["ai_generated"])
	}
}

// TestAnalyzeFallbackModel verifies a degraded main pass triggers one
// single-attempt call on the fallback model.
func TestAnalyzeFallbackModel(t *testing.T) {
	synth := &mockSynth{results: map[string]synthesis.Result{
		"small-model": {Text: "Review your HRA deduction options to save more tax.", Attempts: 1},
	}}
	a := New(synth, "main-model", "small-model")

	out := a.Analyze(context.Background(), Input{
		Policy:  docResult("policy", extract.MethodDirect),
		Payslip: docResult("payslip", extract.MethodDirect),
	})

	if len(synth.requests) != 2 {
		t.Fatalf("got %d generation calls, want 2", len(synth.requests))
	}
	if synth.requests[1].Model != "small-model" {
		t.Errorf("second call model = %q", synth.requests[1].Model)
	}
	if synth.requests[1].Attempts != 1 {
		t.Errorf("fallback attempts = %d, want 1", synth.requests[1].Attempts)
	}
	if synth.requests[1].Timeout != fallbackTimeout {
		t.Errorf("fallback timeout = %v, want %v", synth.requests[1].Timeout, fallbackTimeout)
	}
	if synth.requests[0].Timeout != 0 {
		t.Errorf("main pass timeout = %v, want the generator default", synth.requests[0].Timeout)
	}
	if out.Degraded {
		t.Error("fallback success should not be degraded")
	}
	if out.ModelUsed != "small-model" {
		t.Errorf("ModelUsed = %q, want small-model", out.ModelUsed)
	}
}

// TestAnalyzeFullyDegraded verifies total generation failure still produces a
// schema-complete record built from the fixed fallback message.
func TestAnalyzeFullyDegraded(t *testing.T) {
	synth := &mockSynth{}
	a := New(synth, "main-model", "small-model")

	out := a.Analyze(context.Background(), Input{
		Policy:  docResult("", extract.MethodDirect),
		Payslip: docResult("", extract.MethodDirect),
	})

	if !out.Degraded {
		t.Fatal("output should be degraded")
	}
	if out.Record["ai_generated"] != false {
		t.Errorf("ai_generated = %v, want false", out.Record["ai_generated"])
	}

	tips, _ := out.Record["taxSavingTips"].([]any)
	if len(tips) != 1 || tips[0] != advice.FallbackTip {
		t.Errorf("taxSavingTips = %v, want fallback entry", tips)
	}

	for _, key := range []string{
		"taxSavingTips", "estimatedSavings", "recommendedActions", "taxLiability",
		"payslipData", "policyData", "ai_generated", "response_time",
		"analysis_timestamp", "model_used", "system",
	} {
		if _, ok := out.Record[key]; !ok {
			t.Errorf("missing required key %q", key)
		}
	}
}

func TestDocumentSummary(t *testing.T) {
	long := strings.Repeat("z", 1000)
	got := documentSummary(docResult(long, extract.MethodOCR))

	raw, _ := got["raw_text"].(string)
	if len(raw) != previewChars+3 || !strings.HasSuffix(raw, "...") {
		t.Errorf("raw_text length = %d, want %d plus ellipsis", len(raw), previewChars+3)
	}
	if got["extracted_length"] != 1000 {
		t.Errorf("extracted_length = %v", got["extracted_length"])
	}
	if got["analysis_method"] != "ocr" {
		t.Errorf("analysis_method = %v", got["analysis_method"])
	}
	if got["has_content"] != true {
		t.Errorf("has_content = %v", got["has_content"])
	}

	empty := documentSummary(extract.Result{Method: extract.MethodDirect})
	if empty["analysis_method"] != "none" {
		t.Errorf("empty analysis_method = %v, want none", empty["analysis_method"])
	}
	if empty["has_content"] != false {
		t.Errorf("empty has_content = %v", empty["has_content"])
	}
}
