package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ledger-labs/taxpilot/internal/analysis"
	"github.com/ledger-labs/taxpilot/internal/chunk"
	"github.com/ledger-labs/taxpilot/internal/extract"
	"github.com/ledger-labs/taxpilot/internal/index"
	"github.com/ledger-labs/taxpilot/internal/session"
	"github.com/ledger-labs/taxpilot/internal/synthesis"
)

type fakeFetcher struct {
	bodies map[string][]byte
	errs   map[string]error
}

func (f *fakeFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return f.bodies[url], nil
}

// fakeExtractor returns the fetched bytes as text directly.
type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, data []byte, typeHint extract.DocType) extract.Result {
	return extract.Result{Text: string(data), Method: extract.MethodDirect}
}

type fakeAnalyzer struct {
	out analysis.Output
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, in analysis.Input) analysis.Output {
	return f.out
}

type fakeSynth struct {
	lastPrompt string
}

func (f *fakeSynth) Generate(ctx context.Context, req synthesis.Request) synthesis.Result {
	f.lastPrompt = req.Prompt
	return synthesis.Result{Text: "The policy covers hospitalization up to 5 lakh.", Attempts: 1}
}

// fakeStore records calls in memory.
type fakeStore struct {
	processing []string
	analyses   map[string]session.AnalysisUpdate
	errored    map[string]string
	questions  map[string][]session.QuestionEntry
	appendErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		analyses:  make(map[string]session.AnalysisUpdate),
		errored:   make(map[string]string),
		questions: make(map[string][]session.QuestionEntry),
	}
}

func (s *fakeStore) MarkProcessing(id, userID string) error {
	s.processing = append(s.processing, id)
	return nil
}

func (s *fakeStore) SaveAnalysis(id string, u session.AnalysisUpdate) error {
	s.analyses[id] = u
	return nil
}

func (s *fakeStore) MarkError(id, errMsg string) error {
	s.errored[id] = errMsg
	return nil
}

func (s *fakeStore) AppendQuestion(id string, entry session.QuestionEntry) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.questions[id] = append(s.questions[id], entry)
	return nil
}

type testEmbedder struct{}

func (testEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, 4)
	for i, r := range text {
		v[i%4] += float32(r)
	}
	return v, nil
}

func (e testEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func newTestProcessor(fetcher *fakeFetcher, store *fakeStore, az *fakeAnalyzer, sy *fakeSynth) (*Processor, *index.Registry) {
	reg := index.NewRegistry(testEmbedder{}, 4)
	splitter := chunk.New(chunk.WithSize(800))
	p := New(fetcher, fakeExtractor{}, az, sy, reg, store, splitter, "test-model", 5)
	return p, reg
}

func analyzerOutput() analysis.Output {
	return analysis.Output{
		Record:    map[string]any{"estimatedSavings": 15000},
		Analysis:  "Your payslip shows scope for 80C savings.",
		ModelUsed: "test-model",
	}
}

func TestProcessDocumentsIndexesChunks(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"http://docs/policy.pdf":  []byte(strings.Repeat("p", 2000)),
		"http://docs/payslip.pdf": []byte(strings.Repeat("s", 800)),
	}}
	store := newFakeStore()
	p, reg := newTestProcessor(fetcher, store, &fakeAnalyzer{out: analyzerOutput()}, &fakeSynth{})

	result, err := p.ProcessDocuments(context.Background(), ProcessRequest{
		SessionID:  "sess-1",
		UserID:     "user-1",
		PolicyURL:  "http://docs/policy.pdf",
		PayslipURL: "http://docs/payslip.pdf",
	})
	if err != nil {
		t.Fatalf("ProcessDocuments: %v", err)
	}

	// 3 policy chunks + 1 payslip chunk + 1 analysis summary chunk.
	if result.ChunksProcessed != 5 {
		t.Errorf("ChunksProcessed = %d, want 5", result.ChunksProcessed)
	}
	if got := reg.Get("sess-1"); got == nil || got.Count() != 5 {
		t.Error("session index not populated")
	}
	if result.PolicyTextLength != 2000 || result.PayslipTextLength != 800 {
		t.Errorf("text lengths = %d/%d", result.PolicyTextLength, result.PayslipTextLength)
	}

	saved, ok := store.analyses["sess-1"]
	if !ok {
		t.Fatal("analysis not persisted")
	}
	if !strings.Contains(saved.AnalysisJSON, "15000") {
		t.Errorf("AnalysisJSON = %q", saved.AnalysisJSON)
	}
	if saved.ChunksProcessed != 5 {
		t.Errorf("persisted chunks = %d", saved.ChunksProcessed)
	}
	// Stored texts are capped at 1500 chars; the full length lives alongside.
	if saved.PolicyText != strings.Repeat("p", 1500) {
		t.Errorf("persisted policy text len = %d, want 1500", len(saved.PolicyText))
	}
	if saved.PayslipText != strings.Repeat("s", 800) {
		t.Errorf("persisted payslip text len = %d, want 800", len(saved.PayslipText))
	}
	if len(store.processing) != 1 {
		t.Errorf("MarkProcessing called %d times", len(store.processing))
	}
}

func TestProcessDocumentsValidation(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestProcessor(&fakeFetcher{}, store, &fakeAnalyzer{}, &fakeSynth{})

	cases := []ProcessRequest{
		{UserID: "u", PolicyURL: "x", PayslipURL: "y"},
		{SessionID: "s", PolicyURL: "x", PayslipURL: "y"},
		{SessionID: "s", UserID: "u", PayslipURL: "y"},
		{SessionID: "s", UserID: "u", PolicyURL: "x"},
	}
	for i, req := range cases {
		if _, err := p.ProcessDocuments(context.Background(), req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	if len(store.processing) != 0 {
		t.Error("invalid requests should not touch the store")
	}
}

// TestProcessDocumentsFetchFailure verifies a failed download marks the
// session errored and propagates the error.
func TestProcessDocumentsFetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{
		bodies: map[string][]byte{"http://docs/policy.pdf": []byte("policy")},
		errs:   map[string]error{"http://docs/payslip.pdf": errors.New("status 404")},
	}
	store := newFakeStore()
	p, reg := newTestProcessor(fetcher, store, &fakeAnalyzer{out: analyzerOutput()}, &fakeSynth{})

	_, err := p.ProcessDocuments(context.Background(), ProcessRequest{
		SessionID:  "sess-1",
		UserID:     "user-1",
		PolicyURL:  "http://docs/policy.pdf",
		PayslipURL: "http://docs/payslip.pdf",
	})
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if _, ok := store.errored["sess-1"]; !ok {
		t.Error("session not marked errored")
	}
	if _, ok := store.analyses["sess-1"]; ok {
		t.Error("analysis should not be persisted on fetch failure")
	}
	if ix := reg.Get("sess-1"); ix != nil && ix.Count() != 0 {
		t.Error("index should stay empty on fetch failure")
	}
}

// TestProcessDocumentsReplacesIndex verifies re-processing a session rebuilds
// its index instead of appending to it.
func TestProcessDocumentsReplacesIndex(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"http://docs/policy.pdf":  []byte(strings.Repeat("p", 1000)),
		"http://docs/payslip.pdf": []byte(strings.Repeat("s", 500)),
	}}
	store := newFakeStore()
	p, reg := newTestProcessor(fetcher, store, &fakeAnalyzer{out: analyzerOutput()}, &fakeSynth{})

	req := ProcessRequest{
		SessionID:  "sess-1",
		UserID:     "user-1",
		PolicyURL:  "http://docs/policy.pdf",
		PayslipURL: "http://docs/payslip.pdf",
	}
	if _, err := p.ProcessDocuments(context.Background(), req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := reg.Get("sess-1").Count()
	if _, err := p.ProcessDocuments(context.Background(), req); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := reg.Get("sess-1").Count(); got != first {
		t.Errorf("index grew across runs: %d -> %d", first, got)
	}
}

func TestAskAnswersFromIndex(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"http://docs/policy.pdf":  []byte(strings.Repeat("p", 1000)),
		"http://docs/payslip.pdf": []byte(strings.Repeat("s", 500)),
	}}
	store := newFakeStore()
	synth := &fakeSynth{}
	p, _ := newTestProcessor(fetcher, store, &fakeAnalyzer{out: analyzerOutput()}, synth)

	req := ProcessRequest{
		SessionID:  "sess-1",
		UserID:     "user-1",
		PolicyURL:  "http://docs/policy.pdf",
		PayslipURL: "http://docs/payslip.pdf",
	}
	if _, err := p.ProcessDocuments(context.Background(), req); err != nil {
		t.Fatalf("ProcessDocuments: %v", err)
	}

	answer, err := p.Ask(context.Background(), "sess-1", "What does the policy cover?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Text == "" {
		t.Error("empty answer")
	}
	if answer.ContextChunks == 0 {
		t.Error("no context chunks retrieved")
	}
	if !strings.Contains(synth.lastPrompt, "What does the policy cover?") {
		t.Error("question not embedded in prompt")
	}

	history := store.questions["sess-1"]
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Question != "What does the policy cover?" {
		t.Errorf("history question = %q", history[0].Question)
	}
	if history[0].ContextChunks != answer.ContextChunks {
		t.Errorf("history chunks = %d, want %d", history[0].ContextChunks, answer.ContextChunks)
	}
}

func TestAskValidation(t *testing.T) {
	store := newFakeStore()
	p, _ := newTestProcessor(&fakeFetcher{}, store, &fakeAnalyzer{}, &fakeSynth{})

	if _, err := p.Ask(context.Background(), "sess-1", "   "); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("blank question: err = %v, want ErrEmptyQuestion", err)
	}
	if _, err := p.Ask(context.Background(), "unknown", "A question?"); !errors.Is(err, ErrNoDocuments) {
		t.Errorf("unknown session: err = %v, want ErrNoDocuments", err)
	}
}

// TestAskHistoryFailureDoesNotFailAnswer verifies a broken history write
// still returns the answer.
func TestAskHistoryFailureDoesNotFailAnswer(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"http://docs/policy.pdf":  []byte(strings.Repeat("p", 500)),
		"http://docs/payslip.pdf": []byte(strings.Repeat("s", 500)),
	}}
	store := newFakeStore()
	p, _ := newTestProcessor(fetcher, store, &fakeAnalyzer{out: analyzerOutput()}, &fakeSynth{})

	if _, err := p.ProcessDocuments(context.Background(), ProcessRequest{
		SessionID:  "sess-1",
		UserID:     "user-1",
		PolicyURL:  "http://docs/policy.pdf",
		PayslipURL: "http://docs/payslip.pdf",
	}); err != nil {
		t.Fatalf("ProcessDocuments: %v", err)
	}

	store.appendErr = errors.New("db locked")
	answer, err := p.Ask(context.Background(), "sess-1", "Anything?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.Text == "" {
		t.Error("empty answer despite successful generation")
	}
}

func TestResetVectors(t *testing.T) {
	store := newFakeStore()
	p, reg := newTestProcessor(&fakeFetcher{}, store, &fakeAnalyzer{}, &fakeSynth{})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ix := reg.GetOrCreate(fmt.Sprintf("sess-%d", i))
		ix.Add(ctx, chunk.New(chunk.WithSize(100)).Split(strings.Repeat("t", 150), "POLICY"))
	}

	if got := p.ResetVectors("sess-0"); got != 1 {
		t.Errorf("ResetVectors(sess-0) = %d, want 1", got)
	}
	if got := p.ResetVectors("unknown"); got != 0 {
		t.Errorf("ResetVectors(unknown) = %d, want 0", got)
	}
	if got := p.ResetVectors(""); got != 3 {
		t.Errorf("ResetVectors(all) = %d, want 3", got)
	}
}
