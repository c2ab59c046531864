// Package extract turns uploaded document bytes into plain text, preferring
// the PDF text layer and falling back to OCR when the layer is missing or
// too thin to be usable.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Method records how text was obtained from a document.
type Method string

const (
	MethodDirect Method = "direct"
	MethodOCR    Method = "ocr"
)

// DocType is a hint about what kind of document is being extracted.
type DocType string

const (
	DocPolicy  DocType = "policy"
	DocPayslip DocType = "payslip"
)

// Result is the outcome of an extraction attempt. Text may be empty;
// downstream treats empty text as "no content", not as an error.
type Result struct {
	Text   string
	Method Method
}

// OCR rasterizes documents and recognizes text in them. Implementations must
// be safe for concurrent use.
type OCR interface {
	// PDFPages OCRs up to maxPages pages of a PDF, returning one string per page.
	PDFPages(ctx context.Context, data []byte, maxPages int) ([]string, error)
	// Image OCRs a single raster image.
	Image(ctx context.Context, data []byte) (string, error)
}

// Extractor extracts text from document bytes. The zero value is not usable;
// construct with New.
type Extractor struct {
	minDirectChars int
	ocrPages       int
	ocr            OCR
	logger         *slog.Logger
}

// New creates an Extractor. minDirectChars is the threshold below which the
// native text layer is considered unusable (0 means 100); ocrPages caps how
// many pages are OCRed on fallback (0 means 3).
func New(ocr OCR, minDirectChars, ocrPages int) *Extractor {
	if minDirectChars <= 0 {
		minDirectChars = 100
	}
	if ocrPages <= 0 {
		ocrPages = 3
	}
	return &Extractor{
		minDirectChars: minDirectChars,
		ocrPages:       ocrPages,
		ocr:            ocr,
		logger:         slog.Default(),
	}
}

// Extract returns the text content of a document. It never returns an error:
// every stage failure falls through to the next stage, and total failure
// yields an empty Result with Method set to the last stage attempted.
func (e *Extractor) Extract(ctx context.Context, data []byte, typeHint DocType) Result {
	if len(data) == 0 {
		return Result{Method: MethodDirect}
	}

	if isImage(data) {
		return e.extractImage(ctx, data, typeHint)
	}

	text, err := nativeText(data)
	if err != nil {
		e.logger.Debug("native extraction failed", "type", typeHint, "error", err)
	}
	text = strings.TrimSpace(text)
	if len(text) >= e.minDirectChars {
		e.logger.Debug("direct extraction succeeded", "type", typeHint, "chars", len(text))
		return Result{Text: text, Method: MethodDirect}
	}

	pages, err := e.ocr.PDFPages(ctx, data, e.ocrPages)
	if err != nil {
		e.logger.Warn("ocr fallback failed", "type", typeHint, "error", err)
		return Result{Method: MethodOCR}
	}

	var sb strings.Builder
	for i, page := range pages {
		fmt.Fprintf(&sb, "Page %d:\n%s\n\n", i+1, page)
	}
	ocrText := strings.TrimSpace(sb.String())
	e.logger.Debug("ocr extraction finished", "type", typeHint, "chars", len(ocrText))
	return Result{Text: ocrText, Method: MethodOCR}
}

func (e *Extractor) extractImage(ctx context.Context, data []byte, typeHint DocType) Result {
	text, err := e.ocr.Image(ctx, data)
	if err != nil {
		e.logger.Warn("image ocr failed", "type", typeHint, "error", err)
		return Result{Method: MethodOCR}
	}
	return Result{Text: strings.TrimSpace(text), Method: MethodOCR}
}

// nativeText reads the PDF text layer page by page. The pdf package panics on
// some malformed inputs, so the whole read is wrapped in a recover.
func nativeText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parsing panicked: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// isImage sniffs PNG and JPEG magic bytes.
func isImage(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if bytes.HasPrefix(data, []byte("\x89PNG")) {
		return true
	}
	return bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF})
}
