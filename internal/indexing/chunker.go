// Package indexing turns articles into embedding-addressable chunks,
// stores their vectors in the SQLite-backed vector index, and serves
// similarity queries over them.
package indexing

import (
	"strings"

	"github.com/sjq0098/news-mosaic/internal/article"
)

const (
	// headChunkTokenCap bounds chunk 0 (title + summary).
	headChunkTokenCap = 512
	// bodyWindowTokens is the window size for full-text chunks.
	bodyWindowTokens = 400
	// bodyOverlapTokens is the window overlap.
	bodyOverlapTokens = 40
	// minChunkTokens drops fragments too short to embed usefully.
	minChunkTokens = 40
)

// Chunk is one embedding-addressable fragment of an article. Ordinals
// are 0-based and contiguous within an article.
type Chunk struct {
	Fingerprint string
	Ordinal     int
	Field       string // title, summary or body
	Text        string
	TokenCount  int
}

// EstimateTokens approximates token count at 4 characters per token.
// The same estimator is used for every token budget in the system so
// the budgets stay self-consistent.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// ChunkArticle produces the chunk list for an article: chunk 0 is the
// concatenated title and summary (capped), followed by windowed body
// chunks when full text is available.
func ChunkArticle(a article.Article) []Chunk {
	var chunks []Chunk

	head := strings.TrimSpace(a.Title)
	if s := strings.TrimSpace(a.Summary); s != "" {
		head += "\n" + s
	}
	head = truncateTokens(head, headChunkTokenCap)
	if head != "" {
		field := "title"
		if a.Summary != "" {
			field = "summary"
		}
		chunks = append(chunks, Chunk{
			Fingerprint: a.Fingerprint,
			Ordinal:     0,
			Field:       field,
			Text:        head,
			TokenCount:  EstimateTokens(head),
		})
	}

	for _, w := range windowBody(a.Content) {
		chunks = append(chunks, Chunk{
			Fingerprint: a.Fingerprint,
			Ordinal:     len(chunks),
			Field:       "body",
			Text:        w,
			TokenCount:  EstimateTokens(w),
		})
	}

	return chunks
}

// windowBody splits full text at paragraph boundaries, then windows the
// paragraphs at bodyWindowTokens with bodyOverlapTokens of overlap.
// Windows under minChunkTokens are dropped.
func windowBody(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var paragraphs []string
	for _, p := range strings.Split(content, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var windows []string
	var current strings.Builder
	flush := func(overlapTail string) {
		text := strings.TrimSpace(current.String())
		if EstimateTokens(text) >= minChunkTokens {
			windows = append(windows, text)
		}
		current.Reset()
		if overlapTail != "" {
			current.WriteString(overlapTail)
		}
	}

	for _, p := range paragraphs {
		// A single oversized paragraph is windowed on its own; flush
		// whatever was accumulating so windows stay bounded.
		for EstimateTokens(p) > bodyWindowTokens {
			if current.Len() > 0 {
				flush("")
			}
			cut := tokenCut(p, bodyWindowTokens)
			current.WriteString(p[:cut])
			flush(tailTokens(p[:cut], bodyOverlapTokens))
			p = strings.TrimSpace(p[cut:])
		}
		if EstimateTokens(current.String())+EstimateTokens(p) > bodyWindowTokens {
			flush(tailTokens(current.String(), bodyOverlapTokens))
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush("")

	return windows
}

// truncateTokens cuts text to at most cap tokens at a rune boundary.
func truncateTokens(text string, tokenCap int) string {
	if EstimateTokens(text) <= tokenCap {
		return text
	}
	cut := tokenCut(text, tokenCap)
	return strings.TrimSpace(text[:cut])
}

// tokenCut returns a byte offset covering roughly n tokens without
// splitting a multi-byte rune.
func tokenCut(text string, n int) int {
	limit := n * 4
	if limit >= len(text) {
		return len(text)
	}
	for limit > 0 && !isRuneStart(text[limit]) {
		limit--
	}
	return limit
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// tailTokens returns the last n tokens' worth of text, used as the
// overlap seed for the next window.
func tailTokens(text string, n int) string {
	text = strings.TrimSpace(text)
	limit := n * 4
	if limit >= len(text) {
		return text
	}
	start := len(text) - limit
	for start < len(text) && !isRuneStart(text[start]) {
		start++
	}
	return text[start:]
}
