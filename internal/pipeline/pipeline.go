// Package pipeline wires the document-processing flow end to end: fetch both
// documents, extract their text, run the analysis pass, rebuild the
// session's vector index, and persist the result. It also serves questions
// against the indexed session.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledger-labs/taxpilot/internal/analysis"
	"github.com/ledger-labs/taxpilot/internal/chunk"
	"github.com/ledger-labs/taxpilot/internal/extract"
	"github.com/ledger-labs/taxpilot/internal/index"
	"github.com/ledger-labs/taxpilot/internal/session"
	"github.com/ledger-labs/taxpilot/internal/synthesis"
)

// Source tags attached to indexed chunks.
const (
	SourcePolicy   = "POLICY"
	SourcePayslip  = "PAYSLIP"
	SourceAnalysis = "ANALYSIS"
)

// summaryChars bounds the analysis excerpt indexed alongside document chunks.
const summaryChars = 1500

// storedTextChars bounds the extracted text persisted on the session row.
const storedTextChars = 1500

// ErrNoDocuments is returned by Ask when the session has no indexed content.
var ErrNoDocuments = errors.New("no documents processed for this session")

// ErrEmptyQuestion is returned by Ask for a blank question.
var ErrEmptyQuestion = errors.New("question must not be empty")

// Fetcher downloads document bytes.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Extractor turns document bytes into text.
type Extractor interface {
	Extract(ctx context.Context, data []byte, typeHint extract.DocType) extract.Result
}

// Analyzer runs the generation-and-parse pass over extracted text.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) analysis.Output
}

// Synth answers questions over retrieved context.
type Synth interface {
	Generate(ctx context.Context, req synthesis.Request) synthesis.Result
}

// SessionStore persists session state.
type SessionStore interface {
	MarkProcessing(id, userID string) error
	SaveAnalysis(id string, u session.AnalysisUpdate) error
	MarkError(id, errMsg string) error
	AppendQuestion(id string, entry session.QuestionEntry) error
}

// ProcessRequest identifies the session and the two source documents.
type ProcessRequest struct {
	SessionID  string
	UserID     string
	PolicyURL  string
	PayslipURL string
}

// ProcessResult summarizes a completed processing run.
type ProcessResult struct {
	Record            map[string]any
	ChunksProcessed   int
	PolicyTextLength  int
	PayslipTextLength int
	ModelUsed         string
	OCRUsed           bool
	AIGenerated       bool
}

// Answer is the outcome of one question.
type Answer struct {
	Text          string
	ResponseTime  float64
	ContextChunks int
}

// Processor owns the full processing and question-answering flows.
type Processor struct {
	fetcher   Fetcher
	extractor Extractor
	analyzer  Analyzer
	synth     Synth
	registry  *index.Registry
	store     SessionStore
	splitter  *chunk.Splitter
	model     string
	topK      int
	logger    *slog.Logger

	now func() time.Time
}

// New wires a Processor. topK bounds retrieval; zero means 5.
func New(fetcher Fetcher, extractor Extractor, analyzer Analyzer, synth Synth,
	registry *index.Registry, store SessionStore, splitter *chunk.Splitter,
	model string, topK int) *Processor {
	if topK <= 0 {
		topK = 5
	}
	if splitter == nil {
		splitter = chunk.New()
	}
	return &Processor{
		fetcher:   fetcher,
		extractor: extractor,
		analyzer:  analyzer,
		synth:     synth,
		registry:  registry,
		store:     store,
		splitter:  splitter,
		model:     model,
		topK:      topK,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// ProcessDocuments runs the full flow for one session. Fetch failures mark
// the session errored and propagate; everything downstream degrades in place
// and still produces a persisted, schema-complete record.
func (p *Processor) ProcessDocuments(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	if req.SessionID == "" {
		return ProcessResult{}, errors.New("sessionId is required")
	}
	if req.UserID == "" {
		return ProcessResult{}, errors.New("userId is required")
	}
	if req.PolicyURL == "" || req.PayslipURL == "" {
		return ProcessResult{}, errors.New("policyUrl and payslipUrl are required")
	}

	if err := p.store.MarkProcessing(req.SessionID, req.UserID); err != nil {
		return ProcessResult{}, fmt.Errorf("marking session processing: %w", err)
	}

	var policy, payslip extract.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := p.fetcher.Get(gctx, req.PolicyURL)
		if err != nil {
			return fmt.Errorf("policy document: %w", err)
		}
		policy = p.extractor.Extract(gctx, data, extract.DocPolicy)
		return nil
	})
	g.Go(func() error {
		data, err := p.fetcher.Get(gctx, req.PayslipURL)
		if err != nil {
			return fmt.Errorf("payslip document: %w", err)
		}
		payslip = p.extractor.Extract(gctx, data, extract.DocPayslip)
		return nil
	})
	if err := g.Wait(); err != nil {
		if markErr := p.store.MarkError(req.SessionID, err.Error()); markErr != nil {
			p.logger.Error("marking session errored", "session", req.SessionID, "error", markErr)
		}
		return ProcessResult{}, err
	}

	out := p.analyzer.Analyze(ctx, analysis.Input{Policy: policy, Payslip: payslip})

	chunks := p.splitter.Split(policy.Text, SourcePolicy)
	chunks = append(chunks, p.splitter.Split(payslip.Text, SourcePayslip)...)
	if summary := truncate(strings.TrimSpace(out.Analysis), summaryChars); summary != "" {
		chunks = append(chunks, chunk.Chunk{
			ID:     fmt.Sprintf("%s-summary", req.SessionID),
			Source: SourceAnalysis,
			Text:   summary,
		})
	}

	ix := p.registry.GetOrCreate(req.SessionID)
	ix.Reset()
	if len(chunks) > 0 {
		if err := ix.Add(ctx, chunks); err != nil {
			// Retrieval is an enhancement over the stored analysis; the run
			// still completes with an empty index.
			p.logger.Error("indexing chunks", "session", req.SessionID, "error", err)
			ix.Reset()
			chunks = nil
		}
	}

	recordJSON, err := json.Marshal(out.Record)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("encoding analysis record: %w", err)
	}

	ocrUsed := policy.Method == extract.MethodOCR || payslip.Method == extract.MethodOCR
	update := session.AnalysisUpdate{
		AnalysisJSON:      string(recordJSON),
		PolicyText:        truncate(policy.Text, storedTextChars),
		PayslipText:       truncate(payslip.Text, storedTextChars),
		PolicyTextLength:  len(policy.Text),
		PayslipTextLength: len(payslip.Text),
		ChunksProcessed:   len(chunks),
		ModelUsed:         out.ModelUsed,
		OCRUsed:           ocrUsed,
	}
	if err := p.store.SaveAnalysis(req.SessionID, update); err != nil {
		return ProcessResult{}, fmt.Errorf("saving analysis: %w", err)
	}

	p.logger.Info("documents processed",
		"session", req.SessionID,
		"chunks", len(chunks),
		"policy_chars", len(policy.Text),
		"payslip_chars", len(payslip.Text),
		"ocr", ocrUsed,
		"degraded", out.Degraded)

	return ProcessResult{
		Record:            out.Record,
		ChunksProcessed:   len(chunks),
		PolicyTextLength:  len(policy.Text),
		PayslipTextLength: len(payslip.Text),
		ModelUsed:         out.ModelUsed,
		OCRUsed:           ocrUsed,
		AIGenerated:       !out.Degraded,
	}, nil
}

// Ask answers a question against the session's indexed documents and appends
// the exchange to the session history.
func (p *Processor) Ask(ctx context.Context, sessionID, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}

	ix := p.registry.Get(sessionID)
	if ix == nil || ix.Count() == 0 {
		return Answer{}, ErrNoDocuments
	}

	start := p.now()
	matches, err := ix.Search(ctx, question, p.topK)
	if err != nil {
		return Answer{}, fmt.Errorf("searching session index: %w", err)
	}

	contexts := make([]string, len(matches))
	for i, m := range matches {
		contexts[i] = m.Chunk.Text
	}

	res := p.synth.Generate(ctx, synthesis.Request{
		Prompt:    synthesis.ContextPrompt(question, contexts),
		MaxTokens: 300,
		Model:     p.model,
	})

	elapsed := p.now().Sub(start).Seconds()
	entry := session.QuestionEntry{
		Question:      question,
		Answer:        res.Text,
		ResponseTime:  elapsed,
		ContextChunks: len(matches),
		ModelUsed:     p.model,
		AskedAt:       start.UTC().Format(time.RFC3339),
	}
	if err := p.store.AppendQuestion(sessionID, entry); err != nil {
		// Answering still succeeded; history is best-effort.
		p.logger.Error("appending question history", "session", sessionID, "error", err)
	}

	return Answer{Text: res.Text, ResponseTime: elapsed, ContextChunks: len(matches)}, nil
}

// Search exposes raw retrieval over a session's index.
func (p *Processor) Search(ctx context.Context, sessionID, query string, k int) ([]index.Match, error) {
	ix := p.registry.Get(sessionID)
	if ix == nil || ix.Count() == 0 {
		return nil, ErrNoDocuments
	}
	if k <= 0 {
		k = p.topK
	}
	return ix.Search(ctx, query, k)
}

// ResetVectors clears one session's index, or all of them when sessionID is
// empty. Returns how many indexes were cleared.
func (p *Processor) ResetVectors(sessionID string) int {
	if sessionID == "" {
		return p.registry.ResetAll()
	}
	if p.registry.Reset(sessionID) {
		return 1
	}
	return 0
}

func truncate(text string, limit int) string {
	if len(text) > limit {
		return text[:limit]
	}
	return text
}
