// Package fetch downloads source document bytes over HTTP with a bounded
// timeout and response size. A fetch failure is the one unrecoverable
// condition in the processing pipeline, so errors here propagate to the
// request boundary.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	maxDocumentSize = 10 << 20 // 10MB
	defaultTimeout  = 30 * time.Second
)

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads documents with a per-request timeout and size cap.
type Fetcher struct {
	client  Doer
	timeout time.Duration
}

// New creates a Fetcher over the given HTTP client. A nil client uses
// http.DefaultClient.
func New(client Doer) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, timeout: defaultTimeout}
}

// Get downloads url and returns at most 10MB of its body. Non-2xx statuses
// are errors.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", url, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %q: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", url, err)
	}
	return body, nil
}
