package indexing

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sjq0098/news-mosaic/internal/article"
)

// mockEmbedder returns deterministic vectors, optionally failing some
// batches.
type mockEmbedder struct {
	calls    atomic.Int32
	failFrom int32 // fail batches once call count exceeds this (0 = never)
}

func (m *mockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	call := m.calls.Add(1)
	if m.failFrom > 0 && call > m.failFrom {
		return nil, fmt.Errorf("embedding provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0.5}
	}
	return out, nil
}

func bigArticle(fp string) article.Article {
	paragraph := strings.Repeat("A long sentence about world events keeps flowing onward. ", 40)
	return article.Article{
		Fingerprint: fp,
		Title:       "Big story",
		Summary:     "A summary.",
		Content:     strings.Repeat(paragraph+"\n\n", 8),
		Source:      "Reuters",
	}
}

func TestIndexArticle(t *testing.T) {
	store := NewSQLiteVectorStore(openTestDB(t))
	ix := NewIndexer(&mockEmbedder{}, store)

	res, err := ix.IndexArticle(context.Background(), bigArticle("u:a"), "run-1")
	if err != nil {
		t.Fatalf("IndexArticle: %v", err)
	}
	if res.Chunks < 2 {
		t.Fatalf("chunks = %d, want multiple", res.Chunks)
	}
	if res.Indexed != res.Chunks {
		t.Errorf("indexed %d of %d chunks", res.Indexed, res.Chunks)
	}
	if res.Partial {
		t.Error("fully successful indexing marked partial")
	}

	count, err := store.CountChunks(context.Background(), "u:a")
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if count != res.Indexed {
		t.Errorf("stored %d chunks, result says %d", count, res.Indexed)
	}
}

func TestIndexArticle_EmptyArticle(t *testing.T) {
	ix := NewIndexer(&mockEmbedder{}, NewSQLiteVectorStore(openTestDB(t)))
	res, err := ix.IndexArticle(context.Background(), article.Article{Fingerprint: "u:e"}, "run-1")
	if err != nil {
		t.Fatalf("IndexArticle: %v", err)
	}
	if res.Chunks != 0 || res.Indexed != 0 {
		t.Errorf("empty article produced chunks: %+v", res)
	}
}

func TestIndexArticle_AllBatchesFail(t *testing.T) {
	ix := NewIndexer(failingEmbedder{}, NewSQLiteVectorStore(openTestDB(t)))
	if _, err := ix.IndexArticle(context.Background(), bigArticle("u:a"), "run-1"); err == nil {
		t.Error("total embedding failure did not error")
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("provider returned 503")
}

func TestIndexArticle_Reindex(t *testing.T) {
	store := NewSQLiteVectorStore(openTestDB(t))
	ix := NewIndexer(&mockEmbedder{}, store)
	ctx := context.Background()

	a := bigArticle("u:a")
	if _, err := ix.IndexArticle(ctx, a, "run-1"); err != nil {
		t.Fatalf("first index: %v", err)
	}
	before, _ := store.CountChunks(ctx, "u:a")

	// Re-index with a shorter body: old chunks must be gone.
	a.Content = ""
	if _, err := ix.IndexArticle(ctx, a, "run-2"); err != nil {
		t.Fatalf("re-index: %v", err)
	}
	after, _ := store.CountChunks(ctx, "u:a")
	if after >= before {
		t.Errorf("re-index kept stale chunks: before=%d after=%d", before, after)
	}
	if after != 1 {
		t.Errorf("after = %d, want 1", after)
	}
}
