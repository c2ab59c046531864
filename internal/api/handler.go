// Package api exposes the HTTP surface: health, document processing,
// question answering, and index reset.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ledger-labs/taxpilot/internal/index"
	"github.com/ledger-labs/taxpilot/internal/pipeline"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Processor is the pipeline surface the handlers call.
type Processor interface {
	ProcessDocuments(ctx context.Context, req pipeline.ProcessRequest) (pipeline.ProcessResult, error)
	Ask(ctx context.Context, sessionID, question string) (pipeline.Answer, error)
	Search(ctx context.Context, sessionID, query string, k int) ([]index.Match, error)
	ResetVectors(sessionID string) int
}

// HealthChecker reports whether the generation service is reachable.
type HealthChecker interface {
	IsRunning(ctx context.Context) bool
}

// AppDeps carries everything the HTTP handlers need.
type AppDeps struct {
	Processor Processor
	Health    HealthChecker
}

// NewHandler returns the HTTP handler for the whole API.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Post("/process-documents", handleProcessDocuments(deps))
	r.Post("/ask-question", handleAskQuestion(deps))
	r.Post("/reset-vectors", handleResetVectors(deps))

	return r
}

type ProcessDocumentsRequest struct {
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	PolicyURL  string `json:"policyUrl"`
	PayslipURL string `json:"payslipUrl"`
}

type AskQuestionRequest struct {
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
}

type ResetVectorsRequest struct {
	SessionID string `json:"sessionId"`
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if deps.Health != nil && !deps.Health.IsRunning(r.Context()) {
			status = "degraded"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
	}
}

func handleProcessDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ProcessDocumentsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sessionId is required")
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "userId is required")
			return
		}
		if req.PolicyURL == "" || req.PayslipURL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "policyUrl and payslipUrl are required")
			return
		}

		result, err := deps.Processor.ProcessDocuments(r.Context(), pipeline.ProcessRequest{
			SessionID:  req.SessionID,
			UserID:     req.UserID,
			PolicyURL:  req.PolicyURL,
			PayslipURL: req.PayslipURL,
		})
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "processing failed: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "success",
			"sessionId":         req.SessionID,
			"analysisResult":    result.Record,
			"chunksProcessed":   result.ChunksProcessed,
			"policyTextLength":  result.PolicyTextLength,
			"payslipTextLength": result.PayslipTextLength,
			"ai_generated":      result.AIGenerated,
			"ocr_used":          result.OCRUsed,
			"model_used":        result.ModelUsed,
		})
	}
}

func handleAskQuestion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskQuestionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sessionId is required")
			return
		}

		answer, err := deps.Processor.Ask(r.Context(), req.SessionID, req.Question)
		if err != nil {
			switch {
			case errors.Is(err, pipeline.ErrEmptyQuestion), errors.Is(err, pipeline.ErrNoDocuments):
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			default:
				httpError(w, http.StatusInternalServerError, "api_error", "answering failed: %v", err)
			}
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"answer":         answer.Text,
			"response_time":  answer.ResponseTime,
			"context_chunks": answer.ContextChunks,
		})
	}
}

func handleResetVectors(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		// Body is optional; an empty or missing body resets every session.
		var req ResetVectorsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			req = ResetVectorsRequest{}
		}

		cleared := deps.Processor.ResetVectors(req.SessionID)
		message := fmt.Sprintf("cleared %d session index(es)", cleared)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": message,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
