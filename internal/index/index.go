// Package index provides in-memory vector indexes for semantic chunk
// retrieval, partitioned per session. Each index keeps two parallel stores,
// embedding vectors and their chunks, that are only ever updated together
// under one exclusive lock.
package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ledger-labs/taxpilot/internal/chunk"
)

// TextEmbedder embeds query and chunk text. *Embedder satisfies it; tests
// substitute mocks.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Match is a retrieved chunk with its squared L2 distance to the query.
type Match struct {
	Chunk    chunk.Chunk
	Distance float32
}

// Index is a flat L2 vector store over one session's chunks.
type Index struct {
	embedder TextEmbedder
	dim      int

	// mu guards vectors and chunks, which must stay index-aligned.
	// Add and Reset resize both stores; Search scans them as a pair.
	mu      sync.Mutex
	vectors [][]float32
	chunks  []chunk.Chunk
}

// NewIndex creates an empty Index with the given embedding dimension.
func NewIndex(embedder TextEmbedder, dim int) *Index {
	return &Index{embedder: embedder, dim: dim}
}

// Add embeds the chunks and appends vectors and chunks to their parallel
// stores atomically. On any embedding or dimension error, neither store is
// modified.
func (ix *Index) Add(ctx context.Context, chunks []chunk.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}
	for i, v := range vectors {
		if len(v) != ix.dim {
			return fmt.Errorf("chunk %d: embedding dimension %d, want %d", i, len(v), ix.dim)
		}
	}

	ix.vectors = append(ix.vectors, vectors...)
	ix.chunks = append(ix.chunks, chunks...)
	return nil
}

// Search embeds the query and returns the k nearest chunks by ascending
// distance. k is clamped to the stored count. An empty index returns an empty
// result without embedding the query at all.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Match, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.vectors) == 0 || k <= 0 {
		return nil, nil
	}
	if k > len(ix.vectors) {
		k = len(ix.vectors)
	}

	qv, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(qv) != ix.dim {
		return nil, fmt.Errorf("query embedding dimension %d, want %d", len(qv), ix.dim)
	}

	matches := make([]Match, len(ix.vectors))
	for i, v := range ix.vectors {
		matches[i] = Match{Chunk: ix.chunks[i], Distance: sqDistance(qv, v)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})

	out := make([]Match, k)
	copy(out, matches[:k])
	return out, nil
}

// Reset atomically replaces both stores with empty ones.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vectors = nil
	ix.chunks = nil
}

// Count returns the number of stored chunks.
func (ix *Index) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.chunks)
}

// sqDistance returns the squared L2 distance between two vectors of equal
// length. Squared distance preserves nearest-neighbor ordering and skips the
// square root.
func sqDistance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(sum)
}

// Registry maps session ids to their own Index. Partitioning per session
// keeps concurrent processing and question calls from clobbering each
// other's context.
type Registry struct {
	embedder TextEmbedder
	dim      int

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewRegistry creates a Registry whose indexes share one embedder and
// embedding dimension.
func NewRegistry(embedder TextEmbedder, dim int) *Registry {
	if dim <= 0 {
		dim = 384
	}
	return &Registry{
		embedder: embedder,
		dim:      dim,
		indexes:  make(map[string]*Index),
	}
}

// Get returns the session's index, or nil if the session has never been
// processed.
func (r *Registry) Get(sessionID string) *Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexes[sessionID]
}

// GetOrCreate returns the session's index, creating an empty one on first use.
func (r *Registry) GetOrCreate(sessionID string) *Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	ix, ok := r.indexes[sessionID]
	if !ok {
		ix = NewIndex(r.embedder, r.dim)
		r.indexes[sessionID] = ix
	}
	return ix
}

// Reset clears one session's index. Returns false if the session has none.
func (r *Registry) Reset(sessionID string) bool {
	r.mu.Lock()
	ix, ok := r.indexes[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	ix.Reset()
	return true
}

// ResetAll drops every session index and returns how many were dropped.
func (r *Registry) ResetAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.indexes)
	r.indexes = make(map[string]*Index)
	return n
}
