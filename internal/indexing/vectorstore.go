package indexing

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sjq0098/news-mosaic/internal/errkind"
)

// Record is one chunk row in the vector index. Embeddings are
// L2-normalized before insert, so similarity search reduces to a dot
// product.
type Record struct {
	ID          string
	Fingerprint string
	Ordinal     int
	Field       string
	Text        string
	TokenCount  int
	Embedding   []float32
	RunID       string
	Source      string
	Category    string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// ScoredRecord is a Record with a cosine similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

// Filter narrows a similarity search by chunk metadata.
type Filter struct {
	RunID          string
	Fingerprints   []string
	PublishedAfter time.Time
}

// Broad reports whether the filter leaves most of the corpus in scope,
// which is when the retrieval engine adds a keyword pass.
func (f Filter) Broad() bool {
	return f.RunID == "" && len(f.Fingerprints) == 0
}

// VectorStore is the interface to the vector index.
type VectorStore interface {
	// ReplaceArticle atomically deletes an article's prior chunks and
	// writes the new ones.
	ReplaceArticle(ctx context.Context, fingerprint string, records []Record) error

	// Search returns the top-K records most similar to the query
	// vector under the filter. The query vector must be normalized.
	Search(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredRecord, error)

	// CountChunks returns the number of chunks stored for an article.
	CountChunks(ctx context.Context, fingerprint string) (int, error)

	// DeleteArticle removes all chunks for an article.
	DeleteArticle(ctx context.Context, fingerprint string) error
}

// Compile-time check that SQLiteVectorStore implements VectorStore.
var _ VectorStore = (*SQLiteVectorStore)(nil)

// SQLiteVectorStore provides vector storage and brute-force similarity
// search over the news_chunks table. Adequate for run-scoped corpora;
// an ANN-backed index can replace it behind the same interface if the
// chunk count grows past what a linear scan tolerates.
type SQLiteVectorStore struct {
	db *sql.DB
}

// NewSQLiteVectorStore wraps an existing *sql.DB for vector
// operations. The news_chunks table must already exist.
func NewSQLiteVectorStore(db *sql.DB) *SQLiteVectorStore {
	return &SQLiteVectorStore{db: db}
}

func (s *SQLiteVectorStore) ReplaceArticle(ctx context.Context, fingerprint string, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.IndexUnavailable, err, "beginning index transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM news_chunks WHERE fingerprint = ?", fingerprint); err != nil {
		return errkind.Wrap(errkind.IndexUnavailable, err, "deleting prior chunks for %s", fingerprint)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO news_chunks (id, fingerprint, ordinal, field, text, token_count, embedding, run_id, source, category, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errkind.Wrap(errkind.IndexUnavailable, err, "preparing chunk insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		vec := normalize(r.Embedding)
		if vec == nil {
			return errkind.New(errkind.Internal, "chunk %s/%d has a non-finite or zero embedding", r.Fingerprint, r.Ordinal)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Fingerprint, r.Ordinal, r.Field, r.Text, r.TokenCount,
			encodeFloat32s(vec), r.RunID, r.Source, r.Category,
			r.PublishedAt.UTC().Format(time.RFC3339), createdAt.Format(time.RFC3339),
		); err != nil {
			return errkind.Wrap(errkind.IndexUnavailable, err, "inserting chunk %s/%d", r.Fingerprint, r.Ordinal)
		}
	}

	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.IndexUnavailable, err, "committing chunk insert")
	}
	return nil
}

// idScore holds only the row id and score during the scan phase of
// Search; full records are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

func (s *SQLiteVectorStore) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}

	query := "SELECT id, embedding FROM news_chunks"
	conds, args := filterConds(f)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.IndexUnavailable, err, "scanning vectors")
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		// Both sides are normalized, so the dot product is the cosine.
		score := dot(vector, buf)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.IndexUnavailable, err, "iterating vector rows")
	}
	if h.Len() == 0 {
		return nil, nil
	}

	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	records, err := s.getByIDs(ctx, topIDs)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, 0, len(records))
	for _, r := range records {
		results = append(results, ScoredRecord{Record: r, Score: scores[r.ID]})
	}
	// The IN query doesn't preserve order; sort by score descending.
	sortByScore(results)
	return results, nil
}

func filterConds(f Filter) ([]string, []any) {
	var conds []string
	var args []any
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if len(f.Fingerprints) > 0 {
		conds = append(conds, "fingerprint IN (?"+strings.Repeat(",?", len(f.Fingerprints)-1)+")")
		for _, fp := range f.Fingerprints {
			args = append(args, fp)
		}
	}
	if !f.PublishedAfter.IsZero() {
		conds = append(conds, "published_at >= ?")
		args = append(args, f.PublishedAfter.UTC().Format(time.RFC3339))
	}
	return conds, args
}

func (s *SQLiteVectorStore) getByIDs(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, fingerprint, ordinal, field, text, token_count, embedding, run_id, source, category, published_at, created_at
		FROM news_chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.IndexUnavailable, err, "fetching top-K chunks")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var publishedAt, createdAt string
		if err := rows.Scan(&r.ID, &r.Fingerprint, &r.Ordinal, &r.Field, &r.Text, &r.TokenCount, &blob, &r.RunID, &r.Source, &r.Category, &publishedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		if r.PublishedAt, err = time.Parse(time.RFC3339, publishedAt); err != nil {
			return nil, fmt.Errorf("parsing published_at for %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteVectorStore) CountChunks(ctx context.Context, fingerprint string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM news_chunks WHERE fingerprint = ?", fingerprint,
	).Scan(&count)
	if err != nil {
		return 0, errkind.Wrap(errkind.IndexUnavailable, err, "counting chunks")
	}
	return count, nil
}

func (s *SQLiteVectorStore) DeleteArticle(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM news_chunks WHERE fingerprint = ?", fingerprint); err != nil {
		return errkind.Wrap(errkind.IndexUnavailable, err, "deleting chunks for %s", fingerprint)
	}
	return nil
}

// sortByScore sorts ScoredRecords by score descending. Insertion sort
// is fine for top-K sized slices.
func sortByScore(results []ScoredRecord) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32
// slice. A length not divisible by 4 indicates data corruption.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes into the provided buffer, reusing it to
// avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// normalize returns the L2-normalized copy of v, or nil when the norm
// is zero or not finite.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	n := math.Sqrt(sum)
	if n == 0 || math.IsInf(n, 0) || math.IsNaN(n) {
		return nil
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out
}

// Normalize exposes vector normalization for query-side callers, which
// must supply pre-normalized vectors to Search.
func Normalize(v []float32) []float32 {
	return normalize(v)
}

func dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// idScoreHeap is a min-heap of idScore ordered by score, used to track
// top-K candidates during the scan phase of Search.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
