// internal/ingest/ingest.go
package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"memtier/internal/memory"
)

// Storer persists extracted chunks as memory items.
type Storer interface {
	Store(ctx context.Context, params memory.StoreParams) (string, error)
}

// Document is the extracted form of an ingested source, before chunking.
type Document struct {
	Title           string
	Source          string
	Text            string
	EstimatedTokens int
}

// Result reports what one ingestion produced.
type Result struct {
	Title     string   `json:"title"`
	Source    string   `json:"source"`
	Chunks    int      `json:"chunks"`
	MemoryIDs []string `json:"memory_ids"`
	Tokens    int      `json:"tokens"`
}

// Ingestor fetches documents, extracts their text and stores it as chunked
// items in the documents tier.
type Ingestor struct {
	httpClient *http.Client
	userAgent  string
	maxSizeMB  int
	chunkChars int
	storer     Storer
}

// NewIngestor creates an ingestor writing through the given storer.
func NewIngestor(storer Storer, userAgent string, maxSizeMB int) *Ingestor {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if userAgent == "" {
		userAgent = "memtier-ingest/1.0"
	}
	return &Ingestor{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		userAgent:  userAgent,
		maxSizeMB:  maxSizeMB,
		chunkChars: 2000, // ~500 tokens per chunk
		storer:     storer,
	}
}

// IngestURL fetches a URL, extracts its text (HTML or PDF by content type)
// and stores the chunks for the user.
func (ig *Ingestor) IngestURL(ctx context.Context, userID, urlStr string) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", memory.ErrValidation)
	}
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return nil, fmt.Errorf("%w: url must start with http:// or https://", memory.ErrValidation)
	}

	data, contentType, err := ig.fetch(ctx, urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}

	var doc *Document
	if strings.Contains(contentType, "application/pdf") {
		doc, err = ExtractPDF(data, urlStr)
	} else {
		doc, err = ExtractHTML(data, urlStr)
	}
	if err != nil {
		return nil, err
	}
	return ig.storeDocument(ctx, userID, doc)
}

// IngestText stores raw text (an uploaded document) without fetching.
func (ig *Ingestor) IngestText(ctx context.Context, userID, title, text string) (*Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", memory.ErrValidation)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: document text must not be empty", memory.ErrValidation)
	}
	doc := &Document{
		Title:           title,
		Source:          "upload",
		Text:            text,
		EstimatedTokens: EstimateTokens(text),
	}
	return ig.storeDocument(ctx, userID, doc)
}

func (ig *Ingestor) storeDocument(ctx context.Context, userID string, doc *Document) (*Result, error) {
	chunks := Chunk(doc.Text, ig.chunkChars)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: document contains no extractable text", memory.ErrValidation)
	}

	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		text := chunk
		if doc.Title != "" {
			text = fmt.Sprintf("%s (part %d/%d)\n\n%s", doc.Title, i+1, len(chunks), chunk)
		}
		id, err := ig.storer.Store(ctx, memory.StoreParams{
			UserID:     userID,
			Tier:       memory.TierDocuments,
			Text:       text,
			Tags:       []string{"document"},
			Importance: 0.5,
			Confidence: 0.8,
		})
		if err != nil {
			// Partial ingestion is reported, not rolled back; stored chunks
			// stay valid items on their own.
			return nil, fmt.Errorf("failed to store chunk %d of %d: %w", i+1, len(chunks), err)
		}
		ids = append(ids, id)
	}

	log.Printf("[Ingest] Stored %q: %d chunks, ~%d tokens", doc.Title, len(chunks), doc.EstimatedTokens)
	return &Result{
		Title:     doc.Title,
		Source:    doc.Source,
		Chunks:    len(chunks),
		MemoryIDs: ids,
		Tokens:    doc.EstimatedTokens,
	}, nil
}

func (ig *Ingestor) fetch(ctx context.Context, urlStr string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", urlStr, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", ig.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := ig.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	maxBytes := int64(ig.maxSizeMB * 1024 * 1024)
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(data)) >= maxBytes {
		return nil, "", fmt.Errorf("content exceeds size limit of %dMB", ig.maxSizeMB)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
