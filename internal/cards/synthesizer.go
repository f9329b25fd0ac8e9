// Package cards ranks analyzed articles and synthesizes the bounded
// set of news cards a pipeline run returns.
package cards

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sjq0098/news-mosaic/internal/article"
	"github.com/sjq0098/news-mosaic/internal/errkind"
	"github.com/sjq0098/news-mosaic/internal/llm"
	"github.com/sjq0098/news-mosaic/internal/memory"
	"github.com/sjq0098/news-mosaic/internal/sentiment"
)

const generateConcurrency = 3

// NewsCard is the ranked, structured extract returned per run. Cards
// are not persisted; the orchestrator returns them inline.
type NewsCard struct {
	Fingerprint        string          `json:"fingerprint"`
	Headline           string          `json:"headline"`
	Summary            string          `json:"summary"`
	KeyPoints          []string        `json:"keyPoints"`
	Sentiment          sentiment.Score `json:"sentiment"`
	TopicTags          []string        `json:"topicTags"`
	SourceCredibility  float64         `json:"sourceCredibility"`
	Importance         float64         `json:"importance"` // 0-100
	Priority           int             `json:"priority"`   // 1-10, 10 first
	GeneratedAt        time.Time       `json:"generatedAt"`
}

// Input pairs an article with its sentiment for ranking.
type Input struct {
	Article   article.Article
	Sentiment sentiment.Score
}

// Result is the synthesizer outcome: the ordered cards plus a degraded
// flag when more than half of the selected articles failed generation.
type Result struct {
	Cards    []NewsCard
	Degraded bool
}

// Completer is the LLM call the synthesizer needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error)
}

// Synthesizer builds cards. It is the sole holder of the card prompt
// and its schema.
type Synthesizer struct {
	llm Completer
}

// NewSynthesizer creates a Synthesizer backed by the given LLM client.
func NewSynthesizer(c Completer) *Synthesizer {
	return &Synthesizer{llm: c}
}

var cardSchema = &llm.Schema{
	Type: "object",
	Properties: map[string]llm.SchemaProperty{
		"headline":  {Type: "string", Description: "concise card headline"},
		"summary":   {Type: "string", Description: "2-4 sentence summary"},
		"keyPoints": {Type: "array", Description: "3-6 key point bullets"},
		"topicTags": {Type: "array", Description: "1-5 topic tags"},
	},
	Required: []string{"headline", "summary", "keyPoints", "topicTags"},
}

// Synthesize ranks the inputs by importance, selects the top maxCards,
// and generates one card per selection. Selection and ordering are
// deterministic for fixed inputs; only the generated text varies.
func (s *Synthesizer) Synthesize(ctx context.Context, inputs []Input, maxCards int, profile *memory.Profile) (Result, error) {
	if len(inputs) == 0 || maxCards <= 0 {
		return Result{}, nil
	}

	now := time.Now().UTC()
	ranked := rank(inputs, profile, now)
	if maxCards > len(ranked) {
		maxCards = len(ranked)
	}
	selected := ranked[:maxCards]

	cards := make([]*NewsCard, len(selected))
	var failed int
	var mu sync.Mutex

	sem := make(chan struct{}, generateConcurrency)
	var wg sync.WaitGroup
	for i, r := range selected {
		wg.Add(1)
		go func(i int, r rankedInput) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			card, err := s.generate(ctx, r, len(selected), i, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("card generation failed", "fingerprint", r.in.Article.Fingerprint, "error", err)
				failed++
				return
			}
			cards[i] = card
		}(i, r)
	}
	wg.Wait()

	if ctx.Err() != nil && failed == len(selected) {
		return Result{}, ctx.Err()
	}

	var out Result
	for _, c := range cards {
		if c != nil {
			out.Cards = append(out.Cards, *c)
		}
	}
	if failed > len(selected)/2 {
		out.Degraded = true
	}
	if len(out.Cards) == 0 && failed > 0 {
		return out, errkind.New(errkind.ProviderUnavailable, "all %d card generations failed", failed)
	}
	return out, nil
}

type rankedInput struct {
	in         Input
	importance float64
}

// rank computes per-article importance and orders deterministically:
// importance descending, then published-at descending, then
// fingerprint ascending.
func rank(inputs []Input, profile *memory.Profile, now time.Time) []rankedInput {
	ranked := make([]rankedInput, len(inputs))
	for i, in := range inputs {
		ranked[i] = rankedInput{in: in, importance: Importance(in, profile, now)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.importance != b.importance {
			return a.importance > b.importance
		}
		if !a.in.Article.PublishedAt.Equal(b.in.Article.PublishedAt) {
			return a.in.Article.PublishedAt.After(b.in.Article.PublishedAt)
		}
		return a.in.Article.Fingerprint < b.in.Article.Fingerprint
	})
	return ranked
}

// Importance is the deterministic ranking signal in [0,1]:
// 0.45·recency + 0.25·credibility + 0.20·sentiment magnitude +
// 0.10·profile affinity.
func Importance(in Input, profile *memory.Profile, now time.Time) float64 {
	score := 0.45*RecencyDecay(in.Article.PublishedAt, now) +
		0.25*SourceCredibility(in.Article.Source) +
		0.20*in.Sentiment.Magnitude
	if profile != nil {
		score += 0.10 * profileAffinity(in.Article, profile)
	}
	return score
}

// RecencyDecay maps article age onto [0.05, 1] with a 48-hour decay
// constant.
func RecencyDecay(publishedAt, now time.Time) float64 {
	hours := now.Sub(publishedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	d := math.Exp(-hours / 48)
	if d < 0.05 {
		return 0.05
	}
	return d
}

// profileAffinity measures how well an article matches the user's
// category weights and preferred sources, in [0,1].
func profileAffinity(a article.Article, p *memory.Profile) float64 {
	var affinity float64
	weights := p.NormalizedCategoryWeights()
	if a.Category != "" {
		affinity = weights[a.Category]
	}
	for _, src := range p.PreferredSources {
		if src == a.Source {
			if affinity < 0.5 {
				affinity = 0.5
			}
			break
		}
	}
	return affinity
}

func (s *Synthesizer) generate(ctx context.Context, r rankedInput, total, rankIdx int, now time.Time) (*NewsCard, error) {
	a := r.in.Article

	prompt := "Produce a news card for the following article.\n\n" +
		"Title: " + a.Title + "\n" +
		"Source: " + a.Source + "\n" +
		"Published: " + a.PublishedAt.Format("2006-01-02") + "\n" +
		"Content: " + cardInput(a) + "\n\n" +
		"Respond with only a JSON object with fields: " +
		`"headline" (string), "summary" (2-4 sentences), ` +
		`"keyPoints" (3-6 strings), "topicTags" (1-5 strings).`

	out, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.4,
		MaxTokens:   600,
		Schema:      cardSchema,
	})
	if err != nil {
		return nil, err
	}

	var gen struct {
		Headline  string   `json:"headline"`
		Summary   string   `json:"summary"`
		KeyPoints []string `json:"keyPoints"`
		TopicTags []string `json:"topicTags"`
	}
	if err := json.Unmarshal([]byte(out.Text), &gen); err != nil {
		return nil, errkind.Wrap(errkind.UnstructuredOutput, err, "unmarshalling card")
	}

	return &NewsCard{
		Fingerprint:       a.Fingerprint,
		Headline:          gen.Headline,
		Summary:           gen.Summary,
		KeyPoints:         gen.KeyPoints,
		Sentiment:         r.in.Sentiment,
		TopicTags:         gen.TopicTags,
		SourceCredibility: SourceCredibility(a.Source),
		Importance:        math.Round(r.importance * 100),
		Priority:          priorityForRank(rankIdx, total),
		GeneratedAt:       now,
	}, nil
}

// priorityForRank maps rank position onto display priority 10..1, with
// rank 0 (the top card) at priority 10.
func priorityForRank(rankIdx, total int) int {
	if total <= 1 {
		return 10
	}
	norm := 1 - float64(rankIdx)/float64(total-1)
	return 1 + int(math.Floor(9*norm))
}

// cardInput prefers full text, falling back to the summary.
func cardInput(a article.Article) string {
	if a.Content != "" {
		if len(a.Content) > 4000 {
			return a.Content[:4000]
		}
		return a.Content
	}
	return a.Summary
}
