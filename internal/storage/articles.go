package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sjq0098/news-mosaic/internal/article"
)

// UpsertResult reports the outcome of a batched article upsert.
type UpsertResult struct {
	Stored       int
	Duplicates   int
	Fingerprints []string
}

// UpsertArticles assigns fingerprints and performs a single batched
// upsert. Duplicates never overwrite title or body; they merge keywords
// and refresh last_seen_at. Fingerprints are returned in input order
// (after in-batch dedup).
func (s *Store) UpsertArticles(ctx context.Context, articles []article.Article) (UpsertResult, error) {
	var res UpsertResult
	if len(articles) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	seen := make(map[string]bool, len(articles))
	for _, a := range articles {
		fp := article.Fingerprint(a)
		if seen[fp] {
			continue
		}
		seen[fp] = true
		res.Fingerprints = append(res.Fingerprints, fp)

		var existingKeywords string
		err := tx.QueryRowContext(ctx, "SELECT keywords FROM articles WHERE fingerprint = ?", fp).Scan(&existingKeywords)
		switch {
		case err == sql.ErrNoRows:
			if err := insertArticle(ctx, tx, fp, a, now); err != nil {
				return UpsertResult{}, err
			}
			res.Stored++
		case err != nil:
			return UpsertResult{}, fmt.Errorf("checking article %s: %w", fp, err)
		default:
			if err := refreshArticle(ctx, tx, fp, a, existingKeywords, now); err != nil {
				return UpsertResult{}, err
			}
			res.Duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("committing upsert: %w", err)
	}
	return res, nil
}

func insertArticle(ctx context.Context, tx *sql.Tx, fp string, a article.Article, now time.Time) error {
	keywords, err := json.Marshal(nonNil(a.Keywords))
	if err != nil {
		return fmt.Errorf("marshalling keywords: %w", err)
	}
	discovered := a.DiscoveredAt
	if discovered.IsZero() {
		discovered = now
	}
	published := a.PublishedAt
	if published.IsZero() {
		published = discovered
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO articles (fingerprint, title, summary, content, url, source, author, language, category, keywords, query, published_at, discovered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fp, a.Title, a.Summary, a.Content, a.URL, a.Source, a.Author, a.Language, a.Category,
		string(keywords), a.Query,
		published.UTC().Format(time.RFC3339), discovered.UTC().Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting article %s: %w", fp, err)
	}
	return nil
}

func refreshArticle(ctx context.Context, tx *sql.Tx, fp string, a article.Article, existingKeywords string, now time.Time) error {
	var existing []string
	if err := json.Unmarshal([]byte(existingKeywords), &existing); err != nil {
		existing = nil
	}
	merged, err := json.Marshal(article.MergeKeywords(existing, a.Keywords))
	if err != nil {
		return fmt.Errorf("marshalling merged keywords: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE articles SET keywords = ?, last_seen_at = ? WHERE fingerprint = ?`,
		string(merged), now.Format(time.RFC3339), fp,
	)
	if err != nil {
		return fmt.Errorf("refreshing article %s: %w", fp, err)
	}
	return nil
}

// GetByFingerprints returns articles for the given fingerprints.
// Missing fingerprints are silently absent from the result.
func (s *Store) GetByFingerprints(ctx context.Context, fps []string) ([]article.Article, error) {
	if len(fps) == 0 {
		return nil, nil
	}

	args := make([]any, len(fps))
	for i, fp := range fps {
		args[i] = fp
	}
	query := selectArticleColumns + ` WHERE fingerprint IN (?` + strings.Repeat(",?", len(fps)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying articles by fingerprint: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// ArticleFilter narrows QueryByTagsAndRange and SearchKeyword.
type ArticleFilter struct {
	Sources  []string
	Category string
	Keyword  string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// QueryByTagsAndRange returns articles matching the filter, newest
// first.
func (s *Store) QueryByTagsAndRange(ctx context.Context, f ArticleFilter) ([]article.Article, error) {
	var conds []string
	var args []any

	if len(f.Sources) > 0 {
		placeholders := "?" + strings.Repeat(",?", len(f.Sources)-1)
		conds = append(conds, "source IN ("+placeholders+")")
		for _, src := range f.Sources {
			args = append(args, src)
		}
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.Keyword != "" {
		conds = append(conds, "keywords LIKE ?")
		args = append(args, "%"+f.Keyword+"%")
	}
	if !f.Since.IsZero() {
		conds = append(conds, "published_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "published_at <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339))
	}

	query := selectArticleColumns
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY published_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying articles: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

// SearchKeyword is the keyword recall pass for hybrid retrieval: a
// term-AND match over title and summary, newest first.
func (s *Store) SearchKeyword(ctx context.Context, text string, limit int) ([]article.Article, error) {
	terms := strings.Fields(strings.ToLower(text))
	if len(terms) == 0 {
		return nil, nil
	}
	if len(terms) > 6 {
		terms = terms[:6]
	}
	if limit <= 0 {
		limit = 20
	}

	var conds []string
	var args []any
	for _, term := range terms {
		conds = append(conds, "(lower(title) LIKE ? OR lower(summary) LIKE ?)")
		pat := "%" + term + "%"
		args = append(args, pat, pat)
	}
	query := selectArticleColumns + " WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY published_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()
	return scanArticles(rows)
}

const selectArticleColumns = `SELECT fingerprint, title, summary, content, url, source, author, language, category, keywords, query, published_at, discovered_at, last_seen_at FROM articles`

func scanArticles(rows *sql.Rows) ([]article.Article, error) {
	var out []article.Article
	for rows.Next() {
		var a article.Article
		var keywords, published, discovered, lastSeen string
		if err := rows.Scan(&a.Fingerprint, &a.Title, &a.Summary, &a.Content, &a.URL, &a.Source, &a.Author, &a.Language, &a.Category, &keywords, &a.Query, &published, &discovered, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning article: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &a.Keywords); err != nil {
			a.Keywords = nil
		}
		var err error
		if a.PublishedAt, err = time.Parse(time.RFC3339, published); err != nil {
			return nil, fmt.Errorf("parsing published_at for %s: %w", a.Fingerprint, err)
		}
		if a.DiscoveredAt, err = time.Parse(time.RFC3339, discovered); err != nil {
			return nil, fmt.Errorf("parsing discovered_at for %s: %w", a.Fingerprint, err)
		}
		if a.LastSeenAt, err = time.Parse(time.RFC3339, lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen_at for %s: %w", a.Fingerprint, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
