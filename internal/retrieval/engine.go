// Package retrieval implements hybrid vector+keyword recall with
// user-profile re-ranking over the chunk index.
package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/sjq0098/news-mosaic/internal/article"
	"github.com/sjq0098/news-mosaic/internal/cards"
	"github.com/sjq0098/news-mosaic/internal/indexing"
	"github.com/sjq0098/news-mosaic/internal/memory"
)

const (
	defaultK     = 5
	defaultFloor = 0.2
	// overFetch widens the vector pass so re-ranking and per-article
	// collapse have candidates to work with.
	overFetch = 3
	keywordLimit = 20
)

// RetrievedChunk is one recall result with source attribution.
type RetrievedChunk struct {
	Fingerprint string
	ChunkID     string
	Ordinal     int
	Text        string
	Source      string
	URL         string
	PublishedAt time.Time
	// Cosine is the raw query similarity; Score is the re-ranked
	// composite used for ordering.
	Cosine float32
	Score  float64
}

// Options control one retrieval call.
type Options struct {
	Profile *memory.Profile
	K       int
	Filter  indexing.Filter
	Floor   float64
	// QueryVector supplies a pre-embedded (and normalized) query,
	// typically cached within a dialogue session. When nil the engine
	// embeds the query text.
	QueryVector []float32
}

// Result is the retrieval outcome. QueryVector is returned so callers
// can cache it and derive confidence.
type Result struct {
	Chunks      []RetrievedChunk
	LowRecall   bool
	QueryVector []float32
}

// Embedder embeds query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ArticleStore is the slice of the article store the engine needs for
// the keyword pass and source attribution.
type ArticleStore interface {
	SearchKeyword(ctx context.Context, text string, limit int) ([]article.Article, error)
	GetByFingerprints(ctx context.Context, fps []string) ([]article.Article, error)
}

// Engine performs recall and re-ranking.
type Engine struct {
	embedder Embedder
	vectors  indexing.VectorStore
	articles ArticleStore
}

// NewEngine creates an Engine.
func NewEngine(embedder Embedder, vectors indexing.VectorStore, articles ArticleStore) *Engine {
	return &Engine{embedder: embedder, vectors: vectors, articles: articles}
}

// Retrieve returns the top-K chunks for the query, one per article,
// re-ranked by similarity, recency, and profile affinity. Results with
// cosine below the floor are dropped; fewer than 2 survivors flag
// LowRecall.
func (e *Engine) Retrieve(ctx context.Context, queryText string, opts Options) (Result, error) {
	k := opts.K
	if k <= 0 {
		k = defaultK
	}
	floor := opts.Floor
	if floor <= 0 {
		floor = defaultFloor
	}

	vector := opts.QueryVector
	if vector == nil {
		vecs, err := e.embedder.Embed(ctx, []string{queryText})
		if err != nil {
			return Result{}, err
		}
		vector = indexing.Normalize(vecs[0])
	}

	scored, err := e.vectors.Search(ctx, vector, k*overFetch, opts.Filter)
	if err != nil {
		return Result{}, err
	}

	// A broad filter gets a keyword pass over the article store; its
	// hits are scored by a vector search restricted to their
	// fingerprints so the union shares one similarity scale.
	if opts.Filter.Broad() {
		scored = e.unionKeywordHits(ctx, queryText, vector, k, scored, opts.Filter)
	}

	now := time.Now().UTC()
	interest := normalizedInterest(opts.Profile)
	personalization := 0.0
	if opts.Profile != nil {
		personalization = opts.Profile.Style.Personalization
	}

	// Collapse to the best-scoring chunk per article.
	best := make(map[string]RetrievedChunk)
	for _, sr := range scored {
		if float64(sr.Score) < floor {
			continue
		}
		final := 0.6*float64(sr.Score) +
			0.25*cards.RecencyDecay(sr.PublishedAt, now) +
			0.15*personalization*float64(cosine(sr.Embedding, interest))
		ch := RetrievedChunk{
			Fingerprint: sr.Fingerprint,
			ChunkID:     sr.ID,
			Ordinal:     sr.Ordinal,
			Text:        sr.Text,
			Source:      sr.Source,
			PublishedAt: sr.PublishedAt,
			Cosine:      sr.Score,
			Score:       final,
		}
		if prev, ok := best[sr.Fingerprint]; !ok || final > prev.Score {
			best[sr.Fingerprint] = ch
		}
	}

	chunks := make([]RetrievedChunk, 0, len(best))
	for _, ch := range best {
		chunks = append(chunks, ch)
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].Fingerprint < chunks[j].Fingerprint
	})
	if len(chunks) > k {
		chunks = chunks[:k]
	}

	e.attachAttribution(ctx, chunks)

	return Result{
		Chunks:      chunks,
		LowRecall:   len(chunks) < 2,
		QueryVector: vector,
	}, nil
}

// unionKeywordHits folds keyword-matched articles into the scored set.
// Failures degrade to the vector-only results.
func (e *Engine) unionKeywordHits(ctx context.Context, queryText string, vector []float32, k int, scored []indexing.ScoredRecord, f indexing.Filter) []indexing.ScoredRecord {
	kwArticles, err := e.articles.SearchKeyword(ctx, queryText, keywordLimit)
	if err != nil {
		slog.Debug("retrieval: keyword pass failed", "error", err)
		return scored
	}
	if len(kwArticles) == 0 {
		return scored
	}

	have := make(map[string]bool, len(scored))
	for _, sr := range scored {
		have[sr.Fingerprint] = true
	}
	var missing []string
	for _, a := range kwArticles {
		if !have[a.Fingerprint] {
			missing = append(missing, a.Fingerprint)
		}
	}
	if len(missing) == 0 {
		return scored
	}

	extra, err := e.vectors.Search(ctx, vector, k, indexing.Filter{
		Fingerprints:   missing,
		PublishedAfter: f.PublishedAfter,
	})
	if err != nil {
		slog.Debug("retrieval: keyword-hit scoring failed", "error", err)
		return scored
	}
	return append(scored, extra...)
}

// attachAttribution fills in article URLs for the final result set.
// Attribution failures leave URLs empty rather than failing retrieval.
func (e *Engine) attachAttribution(ctx context.Context, chunks []RetrievedChunk) {
	if len(chunks) == 0 {
		return
	}
	fps := make([]string, len(chunks))
	for i, ch := range chunks {
		fps[i] = ch.Fingerprint
	}
	articles, err := e.articles.GetByFingerprints(ctx, fps)
	if err != nil {
		slog.Debug("retrieval: attribution lookup failed", "error", err)
		return
	}
	urls := make(map[string]string, len(articles))
	for _, a := range articles {
		urls[a.Fingerprint] = a.URL
	}
	for i := range chunks {
		chunks[i].URL = urls[chunks[i].Fingerprint]
	}
}

// MeanCosine is the confidence signal for dialogue: the mean raw
// similarity over the chunks that informed a reply, clamped into
// [0,1].
func MeanCosine(chunks []RetrievedChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	var sum float64
	for _, ch := range chunks {
		sum += float64(ch.Cosine)
	}
	mean := sum / float64(len(chunks))
	if mean < 0 {
		return 0
	}
	if mean > 1 {
		return 1
	}
	return mean
}

func normalizedInterest(p *memory.Profile) []float32 {
	if p == nil || len(p.InterestVector) == 0 {
		return nil
	}
	return indexing.Normalize(p.InterestVector)
}

func cosine(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / math.Sqrt(na*nb))
}
