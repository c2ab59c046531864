// Package analysis turns extracted document text into a persisted analysis
// record: it runs the grounded generation pass, parses the free-text answer
// into tips, actions and a savings estimate, derives the liability
// breakdown, and sanitizes the assembled record into the fixed schema.
package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledger-labs/taxpilot/internal/advice"
	"github.com/ledger-labs/taxpilot/internal/extract"
	"github.com/ledger-labs/taxpilot/internal/sanitize"
	"github.com/ledger-labs/taxpilot/internal/synthesis"
)

// previewChars bounds the raw-text excerpt stored in per-document summaries.
const previewChars = 800

// fallbackTimeout bounds the single-shot fallback pass; the main pass gets
// the generator's full default.
const fallbackTimeout = 15 * time.Second

// Liability multipliers over the estimated savings amount.
const (
	currentLiabilityFactor   = 4
	potentialLiabilityFactor = 3
)

// Input carries the extracted text of both documents into an analysis run.
type Input struct {
	Policy  extract.Result
	Payslip extract.Result
}

// Output is a completed analysis: the sanitized schema-complete record plus
// flags the caller persists alongside it.
type Output struct {
	Record    map[string]any
	Analysis  string
	ModelUsed string
	Degraded  bool
}

// Synth is the retry-bounded generation surface the analyzer depends on.
// *synthesis.Synthesizer satisfies it.
type Synth interface {
	Generate(ctx context.Context, req synthesis.Request) synthesis.Result
}

// Analyzer orchestrates one full analysis pass over a document pair.
type Analyzer struct {
	synth         Synth
	model         string
	fallbackModel string
	logger        *slog.Logger

	now func() time.Time
}

// New creates an Analyzer using model for the main pass and fallbackModel
// for the single-shot degraded pass.
func New(synth Synth, model, fallbackModel string) *Analyzer {
	return &Analyzer{
		synth:         synth,
		model:         model,
		fallbackModel: fallbackModel,
		logger:        slog.Default(),
		now:           time.Now,
	}
}

// Analyze never returns an error. When both the main and the fallback
// generation passes fail, the record is built from the fixed fallback
// message and marked as not AI-generated.
func (a *Analyzer) Analyze(ctx context.Context, in Input) Output {
	start := a.now()

	model := a.model
	res := a.synth.Generate(ctx, synthesis.Request{
		Prompt:    synthesis.AnalysisPrompt(in.Payslip.Text, in.Policy.Text),
		MaxTokens: 500,
		Model:     a.model,
	})

	if res.Degraded && a.fallbackModel != "" && ctx.Err() == nil {
		a.logger.Warn("main analysis pass degraded, trying fallback model",
			"model", a.model, "fallback", a.fallbackModel)
		fallback := a.synth.Generate(ctx, synthesis.Request{
			Prompt:    synthesis.FallbackPrompt(in.Payslip.Text, in.Policy.Text),
			MaxTokens: 200,
			Model:     a.fallbackModel,
			Timeout:   fallbackTimeout,
			Attempts:  1,
		})
		if !fallback.Degraded {
			res = fallback
			model = a.fallbackModel
		}
	}

	tips, actions := advice.ExtractTips(res.Text)
	savings := advice.ExtractAmount(res.Text)

	record := map[string]any{
		"taxSavingTips":      toAny(tips),
		"estimatedSavings":   savings,
		"recommendedActions": toAny(actions),
		"taxLiability": map[string]any{
			"current":   savings * currentLiabilityFactor,
			"potential": savings * potentialLiabilityFactor,
			"savings":   savings,
		},
		"payslipData":        documentSummary(in.Payslip),
		"policyData":         documentSummary(in.Policy),
		"ai_generated":       !res.Degraded,
		"response_time":      a.now().Sub(start).Seconds(),
		"analysis_timestamp": start.UTC().Format(time.RFC3339),
		"model_used":         model,
		"system":             "tax-advisor",
	}

	cleaned, _ := sanitize.Cleanse(record).(map[string]any)
	return Output{
		Record:    sanitize.Finalize(cleaned),
		Analysis:  res.Text,
		ModelUsed: model,
		Degraded:  res.Degraded,
	}
}

// documentSummary builds the per-document summary stored in the record.
func documentSummary(r extract.Result) map[string]any {
	preview := r.Text
	if len(preview) > previewChars {
		preview = preview[:previewChars] + "..."
	}
	method := string(r.Method)
	if r.Text == "" {
		method = "none"
	}
	return map[string]any{
		"raw_text":         preview,
		"extracted_length": len(r.Text),
		"analysis_method":  method,
		"has_content":      r.Text != "",
	}
}

func toAny(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
