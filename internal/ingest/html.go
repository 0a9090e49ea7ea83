// internal/ingest/html.go
package ingest

import (
	"bytes"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"memtier/internal/memory"
)

// ExtractHTML pulls the main article text out of an HTML page. Readability
// is tried first; pages it cannot handle fall back to a boilerplate-stripping
// pass over the raw DOM.
func ExtractHTML(data []byte, source string) (*Document, error) {
	parsedURL, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid source url %q", memory.ErrValidation, source)
	}

	article, err := readability.FromReader(bytes.NewReader(data), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		text := article.TextContent
		return &Document{
			Title:           article.Title,
			Source:          source,
			Text:            text,
			EstimatedTokens: EstimateTokens(text),
		}, nil
	}
	if err != nil {
		log.Printf("[Ingest] Readability failed for %s, falling back to DOM strip: %v", source, err)
	}
	return extractHTMLFallback(data, source)
}

// extractHTMLFallback strips boilerplate elements and reads whatever text
// remains, preferring the article/main landmark when present.
func extractHTMLFallback(data []byte, source string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, nav, aside, footer, header, iframe, noscript").Remove()

	sel := doc.Find("article").First()
	if sel.Length() == 0 {
		sel = doc.Find("main").First()
	}
	if sel.Length() == 0 {
		sel = doc.Find("body")
	}

	text := blockText(sel)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no extractable text in page %s", source)
	}
	return &Document{
		Title:           title,
		Source:          source,
		Text:            text,
		EstimatedTokens: EstimateTokens(text),
	}, nil
}

// blockText walks the selection keeping paragraph boundaries, so chunking
// later has natural break points to work with.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Contents().Each(func(i int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "#text":
			if text := strings.TrimSpace(s.Text()); text != "" {
				b.WriteString(text)
				b.WriteString(" ")
			}
		case "br":
			b.WriteString("\n")
		case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "blockquote":
			if inner := strings.TrimSpace(blockText(s)); inner != "" {
				b.WriteString(inner)
				b.WriteString("\n\n")
			}
		default:
			if inner := blockText(s); inner != "" {
				b.WriteString(inner)
			}
		}
	})
	return b.String()
}
