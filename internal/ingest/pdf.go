// internal/ingest/pdf.go
package ingest

import (
	"bytes"
	"fmt"
	"log"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPDF pulls plain text from a PDF, page by page. Pages that fail to
// decode are skipped rather than failing the whole document.
func ExtractPDF(data []byte, source string) (*Document, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	var b strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			log.Printf("[Ingest] Skipping PDF page %d of %s: %v", i, source, err)
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	text := b.String()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no extractable text in PDF %s", source)
	}
	return &Document{
		Title:           pdfTitle(source),
		Source:          source,
		Text:            text,
		EstimatedTokens: EstimateTokens(text),
	}, nil
}

// pdfTitle derives a display title from the source path; PDF metadata titles
// are unreliable enough to not be worth trusting.
func pdfTitle(source string) string {
	trimmed := strings.TrimSuffix(source, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx != -1 {
		trimmed = trimmed[idx+1:]
	}
	if trimmed == "" {
		return "PDF Document"
	}
	return trimmed
}
