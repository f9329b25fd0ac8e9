// Package sentiment assigns per-article sentiment labels via the LLM
// provider.
package sentiment

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/sjq0098/news-mosaic/internal/errkind"
	"github.com/sjq0098/news-mosaic/internal/llm"
)

const (
	// inputCharCap bounds scorer input; longer text keeps its head and
	// tail.
	inputCharCap  = 2000
	headChars     = 1000
	tailChars     = 500
	// minConfidence collapses low-confidence labels to neutral.
	minConfidence = 0.4

	scoreConcurrency = 3
)

// Score is one text's sentiment result.
type Score struct {
	Label      string  `json:"label"` // positive, neutral or negative
	Magnitude  float64 `json:"magnitude"`
	Confidence float64 `json:"confidence"`
}

// Neutral is the fallback score for unclassifiable input.
var Neutral = Score{Label: "neutral", Magnitude: 0, Confidence: 0}

// Completer is the LLM call the scorer needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error)
}

// Scorer classifies text sentiment with bounded concurrency.
type Scorer struct {
	llm Completer
}

// NewScorer creates a Scorer backed by the given LLM client.
func NewScorer(c Completer) *Scorer {
	return &Scorer{llm: c}
}

var scoreSchema = &llm.Schema{
	Type: "object",
	Properties: map[string]llm.SchemaProperty{
		"label":      {Type: "string", Description: "positive, neutral or negative"},
		"magnitude":  {Type: "number", Description: "strength of the dominant polarity, 0.0-1.0"},
		"confidence": {Type: "number", Description: "classification confidence, 0.0-1.0"},
	},
	Required: []string{"label", "magnitude", "confidence"},
}

// Score classifies each text. The result slice always matches the
// input length; texts that could not be classified carry Neutral. An
// error is returned only when every classification failed.
func (s *Scorer) Score(ctx context.Context, texts []string) ([]Score, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]Score, len(texts))
	var failures int
	var lastErr error
	var mu sync.Mutex

	sem := make(chan struct{}, scoreConcurrency)
	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				results[i] = Neutral
				failures++
				lastErr = ctx.Err()
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			score, err := s.scoreOne(ctx, text)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Debug("sentiment: classification failed", "error", err)
				results[i] = Neutral
				failures++
				lastErr = err
				return
			}
			results[i] = score
		}(i, text)
	}
	wg.Wait()

	if failures == len(texts) {
		return results, errkind.Wrap(errkind.KindOf(lastErr), lastErr, "all sentiment classifications failed")
	}
	return results, nil
}

func (s *Scorer) scoreOne(ctx context.Context, text string) (Score, error) {
	text = capInput(text)
	if strings.TrimSpace(text) == "" {
		return Neutral, nil
	}

	prompt := "Classify the sentiment of the following news text.\n" +
		"Text: " + text + "\n" +
		`Respond with only a JSON object: {"label": "positive"|"neutral"|"negative", "magnitude": <float>, "confidence": <float>}`

	out, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
		MaxTokens:   100,
		Schema:      scoreSchema,
	})
	if err != nil {
		return Neutral, err
	}

	var score Score
	if err := json.Unmarshal([]byte(out.Text), &score); err != nil {
		return Neutral, errkind.Wrap(errkind.InvalidResponse, err, "unmarshalling sentiment")
	}
	return sanitize(score), nil
}

// sanitize clamps fields into range and applies the confidence floor.
func sanitize(sc Score) Score {
	sc.Label = strings.ToLower(strings.TrimSpace(sc.Label))
	switch sc.Label {
	case "positive", "negative", "neutral":
	default:
		return Neutral
	}
	sc.Magnitude = clamp01(sc.Magnitude)
	sc.Confidence = clamp01(sc.Confidence)
	if sc.Confidence < minConfidence {
		sc.Label = "neutral"
	}
	return sc
}

// capInput keeps the first 1000 and last 500 characters of oversized
// input, cutting at rune boundaries.
func capInput(text string) string {
	if len(text) <= inputCharCap {
		return text
	}
	head := headChars
	for head > 0 && !isRuneStart(text[head]) {
		head--
	}
	tail := len(text) - tailChars
	for tail < len(text) && !isRuneStart(text[tail]) {
		tail++
	}
	return text[:head] + "\n...\n" + text[tail:]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
