// Package synthesis builds grounded prompts and calls the text-generation
// service with bounded retries. Exhausted retries degrade to a fixed fallback
// message instead of surfacing an error: absence of a usable answer is
// communicated through content.
package synthesis

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledger-labs/taxpilot/internal/ollama"
)

const (
	defaultAttempts = 3
	retryBackoff    = 2 * time.Second

	// minUsableChars is the shortest generation output accepted as a real
	// answer; anything shorter counts as a failed attempt.
	minUsableChars = 11
)

// FallbackMessage is returned after all generation attempts are exhausted.
const FallbackMessage = "I'm currently unable to analyze your tax documents. " +
	"Please try again or consult with a tax professional."

// Generator is the text-generation endpoint. *ollama.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts ollama.GenerateOptions) (string, error)
}

// Request describes one generation call. Attempts overrides the retry
// budget; zero means the default of 3.
type Request struct {
	Prompt    string
	MaxTokens int
	Model     string
	Timeout   time.Duration
	Attempts  int
}

// Result is the outcome of a generation call. Degraded is true when every
// attempt failed and Text holds FallbackMessage.
type Result struct {
	Text     string
	Degraded bool
	Attempts int
}

// Synthesizer calls a Generator with bounded retries and fixed backoff.
type Synthesizer struct {
	gen    Generator
	logger *slog.Logger

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a Synthesizer over the given generator.
func New(gen Generator) *Synthesizer {
	return &Synthesizer{
		gen:    gen,
		logger: slog.Default(),
		sleep:  sleepCtx,
	}
}

// Generate runs up to 3 attempts (unless overridden) with 2s backoff
// between them. An attempt
// fails on transport error, non-success status, or output shorter than 11
// characters. This method never returns an error: exhaustion yields a
// degraded Result carrying FallbackMessage.
func (s *Synthesizer) Generate(ctx context.Context, req Request) Result {
	opts := ollama.GenerateOptions{
		Temperature:   0.7,
		NumPredict:    req.MaxTokens,
		TopK:          40,
		TopP:          0.9,
		RepeatPenalty: 1.1,
	}

	maxAttempts := req.Attempts
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err := s.attempt(ctx, req, opts)
		if err == nil {
			return Result{Text: text, Attempts: attempt}
		}

		s.logger.Warn("generation attempt failed",
			"attempt", attempt, "model", req.Model, "error", err)

		if attempt < maxAttempts {
			s.sleep(ctx, retryBackoff)
		}
		if ctx.Err() != nil {
			return Result{Text: FallbackMessage, Degraded: true, Attempts: attempt}
		}
	}

	return Result{Text: FallbackMessage, Degraded: true, Attempts: maxAttempts}
}

func (s *Synthesizer) attempt(ctx context.Context, req Request, opts ollama.GenerateOptions) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := s.gen.Generate(attemptCtx, req.Model, req.Prompt, opts)
	if err != nil {
		return "", err
	}
	if len(text) < minUsableChars {
		return "", errDegenerate
	}
	return text, nil
}

type degenerateError struct{}

func (degenerateError) Error() string { return "degenerate generation output" }

var errDegenerate = degenerateError{}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
