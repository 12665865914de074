package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// minEmbeddedTextChars is the default threshold (spec §4.3.1, "N
// configurable, default 200") below which embedded PDF text is considered
// unusable and the vision fallback is attempted instead.
const minEmbeddedTextChars = 200

var mimeByExt = map[string]string{
	"png": "image/png", "jpg": "image/jpeg", "jpeg": "image/jpeg",
	"webp": "image/webp", "tif": "image/tiff", "tiff": "image/tiff",
}

// DocumentProcessor implements the PDF/image processor of spec §4.3:
// native PDF text extraction first, a vision-capable fallback second, and
// the shared line parser to turn the resulting free-form text into
// RawOffer rows (spec §4.3.3 — PDFs/images share the text-line grammar
// with WhatsApp transcripts).
type DocumentProcessor struct {
	Vision       VisionCapability
	MinTextChars int // 0 = minEmbeddedTextChars
}

func (p *DocumentProcessor) Accepts(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "pdf", "png", "jpg", "jpeg", "webp", "tif", "tiff":
		return true
	}
	return false
}

func (p *DocumentProcessor) Process(ctx context.Context, path string, pctx Context) (*Result, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	res := &Result{Metadata: Metadata{ProcessorName: "document_text"}}

	threshold := p.MinTextChars
	if threshold == 0 {
		threshold = minEmbeddedTextChars
	}

	var text string
	method := "native"

	if ext == "pdf" {
		extracted, err := extractPDFText(path)
		if err != nil {
			res.Warnings = append(res.Warnings, Warning{Code: "pdf_extraction_failed", Message: err.Error()})
		}
		if countPrintable(extracted) >= threshold {
			text = extracted
		} else {
			method = "vision"
			res.Warnings = append(res.Warnings, Warning{
				Code:    "low_embedded_text",
				Message: fmt.Sprintf("embedded text below threshold (%d chars); attempting vision extraction", threshold),
			})
		}
	} else {
		method = "vision"
	}

	if text == "" {
		visionText, ok := p.runVision(ctx, path, ext, res)
		if !ok {
			return res, nil
		}
		text = visionText
	}

	res.Metadata.ProcessorName = "document_text"
	res.Offers = ParseTranscript(text)
	res.Metadata.RowCount = len(res.Offers)
	if method == "vision" {
		res.Warnings = append(res.Warnings, Warning{Code: "vision_path_used", Message: "text extracted via vision service"})
	}
	return res, nil
}

func (p *DocumentProcessor) runVision(ctx context.Context, path, ext string, res *Result) (string, bool) {
	if p.Vision == nil {
		res.Warnings = append(res.Warnings, Warning{Code: "dependency_unavailable", Message: "vision capability disabled"})
		return "", false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Warnings = append(res.Warnings, Warning{Code: "storage_failure", Message: err.Error()})
		return "", false
	}

	mimeType := mimeByExt[ext]
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	// ExtractText base64-encodes fileBytes internally before submitting to
	// the vision-capable service (spec §4.3.2).
	text, err := p.Vision.ExtractText(ctx, data, mimeType)
	if err != nil {
		res.Warnings = append(res.Warnings, Warning{Code: "dependency_unavailable", Message: err.Error()})
		return "", false
	}
	return text, true
}

func countPrintable(s string) int {
	n := 0
	for _, r := range s {
		if r > ' ' {
			n++
		}
	}
	return n
}
