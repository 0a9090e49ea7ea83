// internal/ingest/chunk.go
package ingest

import "strings"

// Chunk splits text into pieces of roughly chunkChars characters, breaking
// at natural boundaries so no chunk starts or ends mid-sentence when a
// better break point exists nearby.
func Chunk(text string, chunkChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if chunkChars <= 0 {
		chunkChars = 2000
	}

	chunks := []string{}
	for len(text) > 0 {
		bp := findBreakPoint(text, chunkChars)
		piece := strings.TrimSpace(text[:bp])
		if piece != "" {
			chunks = append(chunks, piece)
		}
		text = strings.TrimSpace(text[bp:])
	}
	return chunks
}

// findBreakPoint finds the best place to cut text near targetSize, looking
// back up to 200 characters for a paragraph break, then a newline, then a
// sentence end, then any space.
func findBreakPoint(text string, targetSize int) int {
	if len(text) <= targetSize {
		return len(text)
	}

	searchStart := targetSize - 200
	if searchStart < 0 {
		searchStart = 0
	}
	window := text[searchStart:targetSize]

	if idx := strings.LastIndex(window, "\n\n"); idx != -1 {
		return searchStart + idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx != -1 {
		return searchStart + idx + 1
	}
	if idx := strings.LastIndex(window, ". "); idx != -1 {
		return searchStart + idx + 2
	}
	if idx := strings.LastIndex(window, " "); idx != -1 {
		return searchStart + idx + 1
	}
	return targetSize
}

// EstimateTokens approximates token count at ~4 characters per token with a
// 10% buffer.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(float64(len(text)) / 4.0 * 1.1)
}
