package extract

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ExecOCR runs OCR through the pdftoppm and tesseract binaries. Both tools
// read from and write to a throwaway temp directory per call, so concurrent
// extractions do not interfere.
type ExecOCR struct {
	Tesseract string // tesseract binary path or name
	PDFToPPM  string // pdftoppm binary path or name
	DPI       int
}

// NewExecOCR creates an ExecOCR with the given binary names (empty means
// look up "tesseract"/"pdftoppm" on PATH) and rasterization DPI (0 means 200).
func NewExecOCR(tesseract, pdftoppm string, dpi int) *ExecOCR {
	if tesseract == "" {
		tesseract = "tesseract"
	}
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 200
	}
	return &ExecOCR{Tesseract: tesseract, PDFToPPM: pdftoppm, DPI: dpi}
}

// PDFPages rasterizes up to maxPages pages and OCRs each one.
func (o *ExecOCR) PDFPages(ctx context.Context, data []byte, maxPages int) ([]string, error) {
	dir, err := os.MkdirTemp("", "taxpilot-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("writing temp pdf: %w", err)
	}

	cmd := exec.CommandContext(ctx, o.PDFToPPM,
		"-png",
		"-r", fmt.Sprint(o.DPI),
		"-f", "1",
		"-l", fmt.Sprint(maxPages),
		"-gray",
		pdfPath,
		filepath.Join(dir, "page"),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("rasterizing pdf: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	images, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("listing rasterized pages: %w", err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}
	sort.Strings(images)
	if len(images) > maxPages {
		images = images[:maxPages]
	}

	pages := make([]string, 0, len(images))
	for _, img := range images {
		text, err := o.recognize(ctx, img)
		if err != nil {
			return nil, err
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// Image OCRs a single PNG or JPEG.
func (o *ExecOCR) Image(ctx context.Context, data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "taxpilot-ocr-*")
	if err != nil {
		return "", fmt.Errorf("creating temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	imgPath := filepath.Join(dir, "doc.img")
	if err := os.WriteFile(imgPath, data, 0o600); err != nil {
		return "", fmt.Errorf("writing temp image: %w", err)
	}
	return o.recognize(ctx, imgPath)
}

// recognize runs tesseract on one image, reading recognized text from stdout.
func (o *ExecOCR) recognize(ctx context.Context, imgPath string) (string, error) {
	cmd := exec.CommandContext(ctx, o.Tesseract, imgPath, "stdout", "-l", "eng")
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tesseract %s: %w (%s)", filepath.Base(imgPath), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
