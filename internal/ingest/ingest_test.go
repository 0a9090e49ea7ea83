package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"memtier/internal/memory"
)

type fakeStorer struct {
	params []memory.StoreParams
	err    error
}

func (f *fakeStorer) Store(ctx context.Context, params memory.StoreParams) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.params = append(f.params, params)
	return "id-" + strings.Repeat("x", len(f.params)), nil
}

const testPage = `<!DOCTYPE html>
<html>
<head><title>Trail Guide</title></head>
<body>
<nav>Home | About | Contact</nav>
<article>
<h1>Alpine Trail Guide</h1>
<p>The alpine route climbs steadily through the forest for the first two hours.
Water is available at the halfway shelter during summer months.</p>
<p>Above the tree line the path is marked with red and white blazes.
Crampons are recommended before July.</p>
</article>
<footer>Copyright notice</footer>
<script>console.log("tracker")</script>
</body>
</html>`

func TestExtractHTML(t *testing.T) {
	doc, err := ExtractHTML([]byte(testPage), "https://example.com/trail")
	if err != nil {
		t.Fatalf("ExtractHTML failed: %v", err)
	}
	if !strings.Contains(doc.Text, "alpine route") {
		t.Errorf("article body missing from extracted text")
	}
	if strings.Contains(doc.Text, "console.log") {
		t.Error("script content leaked into extracted text")
	}
	if doc.EstimatedTokens <= 0 {
		t.Error("expected a token estimate")
	}
}

func TestExtractHTML_FallbackStripsBoilerplate(t *testing.T) {
	// A page with no article structure readability can latch onto.
	bare := `<html><head><title>Bare</title></head><body>
	<script>var x = 1;</script>
	<div>useful line one</div><div>useful line two</div>
	</body></html>`
	doc, err := extractHTMLFallback([]byte(bare), "https://example.com/bare")
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if doc.Title != "Bare" {
		t.Errorf("expected title from head, got %q", doc.Title)
	}
	if !strings.Contains(doc.Text, "useful line one") || strings.Contains(doc.Text, "var x") {
		t.Errorf("fallback text wrong: %q", doc.Text)
	}
}

func TestChunk_BreaksAtParagraphs(t *testing.T) {
	para := strings.Repeat("sentence with several words in it. ", 20) // ~700 chars
	text := para + "\n\n" + para + "\n\n" + para

	chunks := Chunk(text, 1000)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 1000 {
			t.Errorf("chunk %d exceeds target size: %d chars", i, len(c))
		}
		if strings.TrimSpace(c) == "" {
			t.Errorf("chunk %d is blank", i)
		}
	}
	// Nothing substantial lost: only boundary whitespace may go.
	joined := strings.Join(chunks, " ")
	if len(joined) < len(text)-len(chunks)*8 {
		t.Errorf("chunking lost content: %d of %d chars", len(joined), len(text))
	}
}

func TestChunk_Empty(t *testing.T) {
	if chunks := Chunk("   \n ", 1000); chunks != nil {
		t.Errorf("blank text: expected nil, got %v", chunks)
	}
}

func TestChunk_ShortTextSingleChunk(t *testing.T) {
	chunks := Chunk("just a short note", 1000)
	if len(chunks) != 1 || chunks[0] != "just a short note" {
		t.Errorf("expected one untouched chunk, got %v", chunks)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty text: expected 0, got %d", got)
	}
	// 400 chars at ~4 chars/token with 10% buffer.
	if got := EstimateTokens(strings.Repeat("x", 400)); got != 110 {
		t.Errorf("expected 110 tokens, got %d", got)
	}
}

func TestIngestURL_StoresDocumentChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	storer := &fakeStorer{}
	ig := NewIngestor(storer, "test-agent", 5)

	result, err := ig.IngestURL(context.Background(), "u1", server.URL)
	if err != nil {
		t.Fatalf("IngestURL failed: %v", err)
	}
	if result.Chunks == 0 || len(result.MemoryIDs) != result.Chunks {
		t.Fatalf("expected stored chunks with ids, got %+v", result)
	}
	for _, p := range storer.params {
		if p.Tier != memory.TierDocuments {
			t.Errorf("chunks must land in the documents tier, got %s", p.Tier)
		}
		if len(p.Tags) != 1 || p.Tags[0] != "document" {
			t.Errorf("expected document tag, got %v", p.Tags)
		}
		if p.UserID != "u1" {
			t.Errorf("expected user u1, got %s", p.UserID)
		}
	}
}

func TestIngestURL_Validation(t *testing.T) {
	ig := NewIngestor(&fakeStorer{}, "", 5)
	ctx := context.Background()

	if _, err := ig.IngestURL(ctx, "", "https://example.com"); !errors.Is(err, memory.ErrValidation) {
		t.Errorf("missing user: expected validation error, got %v", err)
	}
	if _, err := ig.IngestURL(ctx, "u1", "ftp://example.com/doc"); !errors.Is(err, memory.ErrValidation) {
		t.Errorf("bad scheme: expected validation error, got %v", err)
	}
}

func TestIngestURL_HTTPErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	ig := NewIngestor(&fakeStorer{}, "", 5)
	if _, err := ig.IngestURL(context.Background(), "u1", server.URL); err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestIngestText(t *testing.T) {
	storer := &fakeStorer{}
	ig := NewIngestor(storer, "", 5)

	result, err := ig.IngestText(context.Background(), "u1", "Meeting Notes", "decided to ship on friday")
	if err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	if result.Chunks != 1 {
		t.Errorf("short text: expected 1 chunk, got %d", result.Chunks)
	}
	if !strings.Contains(storer.params[0].Text, "Meeting Notes") {
		t.Error("chunk text should carry the document title")
	}

	if _, err := ig.IngestText(context.Background(), "u1", "t", "   "); !errors.Is(err, memory.ErrValidation) {
		t.Errorf("blank text: expected validation error, got %v", err)
	}
}

func TestIngestText_StoreErrorPropagates(t *testing.T) {
	wantErr := errors.New("store down")
	ig := NewIngestor(&fakeStorer{err: wantErr}, "", 5)
	if _, err := ig.IngestText(context.Background(), "u1", "t", "some text"); !errors.Is(err, wantErr) {
		t.Errorf("expected store error propagated, got %v", err)
	}
}
