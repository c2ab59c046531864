// Package chunk splits extracted document text into bounded, source-tagged
// segments, the unit of vector indexing and retrieval.
package chunk

import (
	"github.com/google/uuid"
)

// DefaultSize is the default number of bytes per chunk.
const DefaultSize = 800

// Chunk is a bounded text segment tagged with the document it came from.
type Chunk struct {
	ID       string
	Source   string // e.g. "POLICY", "PAYSLIP", "ANALYSIS"
	Text     string
	Position int
}

// Splitter produces fixed-size chunks. Splitting is deterministic and
// preserves document order.
type Splitter struct {
	size    int
	overlap int
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithSize sets the chunk size in bytes.
func WithSize(size int) Option {
	return func(s *Splitter) {
		if size > 0 {
			s.size = size
		}
	}
}

// WithOverlap sets the overlap between consecutive chunks in bytes.
// Overlap is off by default; processing uses plain non-overlapping strides.
func WithOverlap(overlap int) Option {
	return func(s *Splitter) {
		if overlap >= 0 {
			s.overlap = overlap
		}
	}
}

// New creates a Splitter with the given options.
func New(opts ...Option) *Splitter {
	s := &Splitter{size: DefaultSize}
	for _, opt := range opts {
		opt(s)
	}
	if s.overlap >= s.size {
		s.overlap = s.size / 4
	}
	return s
}

// Split cuts text into ordered chunks tagged with sourceTag. Empty text
// produces no chunks.
func (s *Splitter) Split(text, sourceTag string) []Chunk {
	if text == "" {
		return nil
	}

	stride := s.size - s.overlap
	chunks := make([]Chunk, 0, len(text)/stride+1)

	position := 0
	for start := 0; start < len(text); start += stride {
		end := start + s.size
		if end > len(text) {
			end = len(text)
		}

		chunks = append(chunks, Chunk{
			ID:       uuid.New().String(),
			Source:   sourceTag,
			Text:     text[start:end],
			Position: position,
		})
		position++

		if end == len(text) {
			break
		}
	}

	return chunks
}
