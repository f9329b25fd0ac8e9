package dialogue

import (
	"fmt"
	"strings"

	"github.com/sjq0098/news-mosaic/internal/indexing"
	"github.com/sjq0098/news-mosaic/internal/llm"
	"github.com/sjq0098/news-mosaic/internal/memory"
	"github.com/sjq0098/news-mosaic/internal/retrieval"
	"github.com/sjq0098/news-mosaic/internal/storage"
)

const systemPreamble = `You are a news analysis assistant. Answer the user's questions grounded in the numbered source excerpts provided below.

Formatting requirements:
- Respond in structured Markdown: use headings for distinct topics, bullet lists for enumerations, and **emphasis** for key facts.
- Cite sources inline by numeric index, e.g. [1] or [2][3], matching the numbered excerpts.
- If the sources do not support a claim, say so explicitly instead of speculating. Never invent facts or citations.`

// composePrompt assembles the full completion request content: system
// preamble, personalization hints, numbered context block, rolling
// history, and the new user message. History is trimmed oldest-first
// to keep the total within the token budget.
func composePrompt(profile *memory.Profile, chunks []retrieval.RetrievedChunk, history []storage.SessionMessage, message string, budgetTokens int) (system string, msgs []llm.Message) {
	var sb strings.Builder
	sb.WriteString(systemPreamble)

	if profile != nil {
		if hints := personalizationHints(profile); hints != "" {
			sb.WriteString("\n\n[Reader Preferences]\n")
			sb.WriteString(hints)
		}
	}

	if len(chunks) > 0 {
		sb.WriteString("\n\n[Sources]\n")
		for i, ch := range chunks {
			sb.WriteString(formatSource(i+1, ch))
		}
	}

	system = sb.String()

	used := indexing.EstimateTokens(system) + indexing.EstimateTokens(message)
	remaining := budgetTokens - used

	// Keep the newest turns that fit the remaining budget.
	var kept []storage.SessionMessage
	for i := len(history) - 1; i >= 0; i-- {
		t := indexing.EstimateTokens(history[i].Content)
		if t > remaining {
			break
		}
		remaining -= t
		kept = append(kept, history[i])
	}

	msgs = make([]llm.Message, 0, len(kept)+1)
	for i := len(kept) - 1; i >= 0; i-- {
		msgs = append(msgs, llm.Message{Role: kept[i].Role, Content: kept[i].Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: message})
	return system, msgs
}

func formatSource(index int, ch retrieval.RetrievedChunk) string {
	label := ch.Source
	if label == "" {
		label = "unknown source"
	}
	header := fmt.Sprintf("[%d] %s, %s", index, label, ch.PublishedAt.Format("2006-01-02"))
	if ch.URL != "" {
		header += ", " + ch.URL
	}
	return header + "\n" + ch.Text + "\n\n"
}

// personalizationHints renders the user's strongest categories and
// style preferences as natural-language guidance, weighted by the
// personalization level.
func personalizationHints(p *memory.Profile) string {
	level := p.Style.Personalization
	if level <= 0 {
		return ""
	}

	var parts []string
	if tops := p.TopCategories(3); len(tops) > 0 {
		strength := "somewhat interested in"
		if level > 0.7 {
			strength = "highly interested in"
		}
		parts = append(parts, fmt.Sprintf("The reader is %s: %s.", strength, strings.Join(tops, ", ")))
	}
	if p.Style.ResponseLength != "" {
		parts = append(parts, fmt.Sprintf("Preferred response length: %s.", p.Style.ResponseLength))
	}
	if p.Style.Formality != "" {
		parts = append(parts, fmt.Sprintf("Preferred tone: %s.", p.Style.Formality))
	}
	if p.Style.DetailDepth != "" {
		parts = append(parts, fmt.Sprintf("Preferred detail depth: %s.", p.Style.DetailDepth))
	}
	return strings.Join(parts, " ")
}

// summarizePrompt asks the model to compress pruned turns into a
// single system note.
func summarizePrompt(turns []storage.SessionMessage) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation turns into a single note of at most 300 tokens. Preserve topics discussed, conclusions reached, and any sources the assistant cited.\n\n")
	for _, t := range turns {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
