package indexing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sjq0098/news-mosaic/internal/article"
	"github.com/sjq0098/news-mosaic/internal/errkind"
)

// embedBatchSize caps how many chunk texts go to the provider per call.
const embedBatchSize = 32

// Embedder generates embeddings for text batches.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// IndexResult reports one article's indexing outcome.
type IndexResult struct {
	Fingerprint string
	Chunks      int
	Indexed     int
	// Partial is set when at least one embedding batch failed but
	// others were written.
	Partial bool
}

// Indexer chunks articles, embeds the chunks, and upserts the vectors.
type Indexer struct {
	embedder Embedder
	store    VectorStore
}

// NewIndexer creates an Indexer backed by the given Embedder and
// VectorStore.
func NewIndexer(embedder Embedder, store VectorStore) *Indexer {
	return &Indexer{embedder: embedder, store: store}
}

// IndexArticle chunks and embeds one article, then atomically replaces
// its prior chunks in the vector index. One failed embedding batch does
// not fail the article: successful chunks are still written and the
// result is marked partial. The call fails only when no chunk could be
// embedded.
func (ix *Indexer) IndexArticle(ctx context.Context, a article.Article, runID string) (IndexResult, error) {
	res := IndexResult{Fingerprint: a.Fingerprint}

	chunks := ChunkArticle(a)
	res.Chunks = len(chunks)
	if len(chunks) == 0 {
		return res, nil
	}

	vectors, failedBatches, err := ix.embedChunks(ctx, chunks)
	if err != nil {
		return res, err
	}
	res.Partial = failedBatches > 0

	now := time.Now().UTC()
	var records []Record
	for i, ch := range chunks {
		if vectors[i] == nil {
			continue
		}
		records = append(records, Record{
			ID:          uuid.New().String(),
			Fingerprint: ch.Fingerprint,
			Ordinal:     ch.Ordinal,
			Field:       ch.Field,
			Text:        ch.Text,
			TokenCount:  ch.TokenCount,
			Embedding:   vectors[i],
			RunID:       runID,
			Source:      a.Source,
			Category:    a.Category,
			PublishedAt: a.PublishedAt,
			CreatedAt:   now,
		})
	}
	if len(records) == 0 {
		return res, errkind.New(errkind.ProviderUnavailable, "all embedding batches failed for %s", a.Fingerprint)
	}

	if err := ix.store.ReplaceArticle(ctx, a.Fingerprint, records); err != nil {
		return res, err
	}
	res.Indexed = len(records)

	if res.Partial {
		slog.Warn("article partially indexed",
			"fingerprint", a.Fingerprint,
			"indexed", res.Indexed,
			"chunks", res.Chunks,
		)
	}
	return res, nil
}

// embedChunks embeds chunk texts in batches of embedBatchSize,
// concurrently. A batch failure leaves nil vectors for its chunks and
// bumps the failed-batch count; only a fully failed set is an error for
// the caller to raise.
func (ix *Indexer) embedChunks(ctx context.Context, chunks []Chunk) ([][]float32, int, error) {
	vectors := make([][]float32, len(chunks))
	var failed int

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	failures := make(chan error, (len(chunks)+embedBatchSize-1)/embedBatchSize)

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		start, end := start, end
		g.Go(func() error {
			texts := make([]string, end-start)
			for i := start; i < end; i++ {
				texts[i-start] = chunks[i].Text
			}
			vecs, err := ix.embedder.Embed(gCtx, texts)
			if err != nil {
				failures <- err
				return nil // batch failure degrades, it does not cancel siblings
			}
			for i, v := range vecs {
				vectors[start+i] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	close(failures)

	var lastErr error
	for err := range failures {
		failed++
		lastErr = err
	}
	if failed > 0 {
		slog.Debug("embedding batches failed", "failed", failed, "error", lastErr)
	}
	if ctx.Err() != nil {
		return nil, failed, ctx.Err()
	}
	return vectors, failed, nil
}
