package session

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("not found")

// Session statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// Session is one document-processing session and its accumulated state.
type Session struct {
	ID                string
	UserID            string
	Status            string // "processing", "completed", "error"
	AnalysisJSON      string // sanitized analysis record stored as JSON text
	PolicyText        string // truncated extracted text
	PayslipText       string
	PolicyTextLength  int
	PayslipTextLength int
	ChunksProcessed   int
	ModelUsed         string
	OCRUsed           bool
	LastError         string
	QuestionsJSON     string // JSON array stored as text
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// QuestionEntry is one answered question appended to a session's history.
type QuestionEntry struct {
	Question      string  `json:"question"`
	Answer        string  `json:"answer"`
	ResponseTime  float64 `json:"response_time"`
	ContextChunks int     `json:"context_chunks"`
	ModelUsed     string  `json:"model_used"`
	AskedAt       string  `json:"asked_at"`
}

// AnalysisUpdate carries the fields written when processing completes.
type AnalysisUpdate struct {
	AnalysisJSON      string
	PolicyText        string // already truncated by the caller
	PayslipText       string
	PolicyTextLength  int
	PayslipTextLength int
	ChunksProcessed   int
	ModelUsed         string
	OCRUsed           bool
}
