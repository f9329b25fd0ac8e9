package storage

import (
	"context"
	"testing"
	"time"

	"github.com/sjq0098/news-mosaic/internal/article"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testArticle(url, title string) article.Article {
	return article.Article{
		Title:       title,
		Summary:     "summary of " + title,
		URL:         url,
		Source:      "Reuters",
		Category:    "technology",
		Keywords:    []string{"tech"},
		PublishedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertArticles_DedupAndMerge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertArticles(ctx, []article.Article{
		testArticle("https://example.com/a", "Article A"),
		testArticle("https://example.com/b", "Article B"),
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Stored != 2 || first.Duplicates != 0 {
		t.Fatalf("first upsert: stored=%d dups=%d, want 2/0", first.Stored, first.Duplicates)
	}
	if len(first.Fingerprints) != 2 {
		t.Fatalf("got %d fingerprints, want 2", len(first.Fingerprints))
	}

	// Re-upserting with new tags merges, never overwrites.
	dup := testArticle("https://example.com/a", "Renamed A")
	dup.Keywords = []string{"science"}
	second, err := s.UpsertArticles(ctx, []article.Article{dup})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Stored != 0 || second.Duplicates != 1 {
		t.Fatalf("second upsert: stored=%d dups=%d, want 0/1", second.Stored, second.Duplicates)
	}

	got, err := s.GetByFingerprints(ctx, second.Fingerprints)
	if err != nil {
		t.Fatalf("GetByFingerprints: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d articles, want 1", len(got))
	}
	if got[0].Title != "Article A" {
		t.Errorf("duplicate overwrote title: %q", got[0].Title)
	}
	if len(got[0].Keywords) != 2 {
		t.Errorf("keywords not merged: %v", got[0].Keywords)
	}
}

func TestUpsertArticles_InBatchDedup(t *testing.T) {
	s := openTestStore(t)

	res, err := s.UpsertArticles(context.Background(), []article.Article{
		testArticle("https://example.com/a", "A"),
		testArticle("https://example.com/a?utm_source=x", "A"),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Stored != 1 {
		t.Errorf("stored = %d, want 1", res.Stored)
	}
	if len(res.Fingerprints) != 1 {
		t.Errorf("fingerprints = %d, want 1", len(res.Fingerprints))
	}
}

func TestQueryByTagsAndRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testArticle("https://example.com/old", "Old")
	old.PublishedAt = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	old.Category = "finance"
	fresh := testArticle("https://example.com/new", "New")

	if _, err := s.UpsertArticles(ctx, []article.Article{old, fresh}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.QueryByTagsAndRange(ctx, ArticleFilter{
		Since: time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Title != "New" {
		t.Errorf("range filter returned %d articles", len(got))
	}

	got, err = s.QueryByTagsAndRange(ctx, ArticleFilter{Category: "finance"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Old" {
		t.Errorf("category filter returned %d articles", len(got))
	}
}

func TestSearchKeyword(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertArticles(ctx, []article.Article{
		testArticle("https://example.com/q", "Quantum computing breakthrough"),
		testArticle("https://example.com/w", "Weather forecast update"),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.SearchKeyword(ctx, "quantum computing", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Quantum computing breakthrough" {
		t.Errorf("keyword search returned %d results", len(got))
	}

	empty, err := s.SearchKeyword(ctx, "   ", 10)
	if err != nil {
		t.Fatalf("blank search: %v", err)
	}
	if empty != nil {
		t.Errorf("blank query returned results")
	}
}

