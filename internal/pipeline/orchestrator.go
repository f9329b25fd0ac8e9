// Package pipeline composes the news processing stages into a single
// staged job with per-stage toggles and a partial-failure policy.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sjq0098/news-mosaic/internal/article"
	"github.com/sjq0098/news-mosaic/internal/cards"
	"github.com/sjq0098/news-mosaic/internal/errkind"
	"github.com/sjq0098/news-mosaic/internal/indexing"
	"github.com/sjq0098/news-mosaic/internal/llm"
	"github.com/sjq0098/news-mosaic/internal/memory"
	"github.com/sjq0098/news-mosaic/internal/newsapi"
	"github.com/sjq0098/news-mosaic/internal/sentiment"
	"github.com/sjq0098/news-mosaic/internal/storage"
)

const defaultDeadline = 300 * time.Second

// Searcher is the news source adapter.
type Searcher interface {
	Search(ctx context.Context, query string, opts newsapi.SearchOptions) (newsapi.Result, error)
}

// ArticleStore is the slice of storage the orchestrator needs.
type ArticleStore interface {
	UpsertArticles(ctx context.Context, articles []article.Article) (storage.UpsertResult, error)
	GetByFingerprints(ctx context.Context, fps []string) ([]article.Article, error)
	SaveRun(ctx context.Context, r storage.RunRecord) error
	GetRun(ctx context.Context, id string) (storage.RunRecord, error)
}

// Completer issues the whole-corpus analysis completion.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error)
}

// Orchestrator runs the stage graph:
//
//	search → store → {index, sentiment, analyze} → cards → memory
//
// Per user, at most one run is active; a second request queues (depth
// 1) or fails with BusyRetry at the caller's choice.
type Orchestrator struct {
	search      Searcher
	store       ArticleStore
	indexer     *indexing.Indexer
	llm         Completer
	scorer      *sentiment.Scorer
	synthesizer *cards.Synthesizer
	memory      *memory.Manager
	deadline    time.Duration

	mu     sync.Mutex
	active map[string]*userSlot
}

type userSlot struct {
	busy   bool
	queued chan struct{} // non-nil when a request is waiting
}

// New creates an Orchestrator. deadline <= 0 uses the default (300s).
func New(search Searcher, store ArticleStore, indexer *indexing.Indexer, completer Completer, scorer *sentiment.Scorer, synthesizer *cards.Synthesizer, mem *memory.Manager, deadline time.Duration) *Orchestrator {
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	return &Orchestrator{
		search:      search,
		store:       store,
		indexer:     indexer,
		llm:         completer,
		scorer:      scorer,
		synthesizer: synthesizer,
		memory:      mem,
		deadline:    deadline,
	}
}

// Process runs the pipeline for one request and returns the aggregate
// run. The run is persisted (when the store is reachable) so it can be
// fetched by id afterwards.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Run, error) {
	req = req.normalized()
	if req.Query == "" {
		return nil, errkind.New(errkind.InvalidRequest, "query is required")
	}

	// An explicit zero result count succeeds with empty arrays and
	// invokes nothing downstream, search included.
	if *req.NumResults == 0 {
		run := emptyRun(req)
		o.persistRun(ctx, run)
		return run, nil
	}

	if req.UserID != "" {
		release, err := o.acquireUser(ctx, req.UserID, req.Queue)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	runCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	run := o.execute(runCtx, req)
	o.persistRun(ctx, run)
	return run, nil
}

// GetRun fetches a retained run by id.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*Run, error) {
	rec, err := o.store.GetRun(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, errkind.New(errkind.NotFound, "run %s not found", id)
		}
		return nil, errkind.Wrap(errkind.StoreUnavailable, err, "loading run")
	}
	var run Run
	if err := json.Unmarshal([]byte(rec.RunJSON), &run); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err, "decoding run %s", id)
	}
	return &run, nil
}

func (o *Orchestrator) execute(ctx context.Context, req Request) *Run {
	start := time.Now()
	run := &Run{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Query:     req.Query,
		StartedAt: start.UTC(),
	}
	defer func() {
		run.DurationMs = time.Since(start).Milliseconds()
	}()

	// --- search (fatal on failure: nothing to do without articles) ---
	var found []article.Article
	searchOK := o.runStage(ctx, run, StageSearch, true, func(ctx context.Context) error {
		res, err := o.search.Search(ctx, req.Query, newsapi.SearchOptions{
			Num:      *req.NumResults,
			Language: req.Language,
			Country:  req.Country,
			Window:   req.Window,
		})
		if err != nil {
			return err
		}
		if res.Dropped > 0 {
			run.warn("search: dropped %d items with missing titles", res.Dropped)
		}
		found = res.Articles
		run.Found = len(found)
		return nil
	})
	if !searchOK {
		run.Status = StatusFailed
		run.fail("search failed; aborting run")
		return run
	}
	if len(found) == 0 {
		// Nothing downstream to do; remaining enabled stages are
		// recorded skipped.
		o.skipRemaining(run)
		run.Status = StatusSuccess
		return run
	}

	// --- store (failure degrades to in-memory for the rest of the run) ---
	var stored []article.Article
	inMemory := false
	storeOK := o.runStage(ctx, run, StageStore, req.Store, func(ctx context.Context) error {
		res, err := o.store.UpsertArticles(ctx, found)
		if err != nil {
			return errkind.Wrap(errkind.StoreUnavailable, err, "upserting articles")
		}
		run.Stored = res.Stored
		run.Duplicates = res.Duplicates
		stored, err = o.store.GetByFingerprints(ctx, res.Fingerprints)
		if err != nil {
			return errkind.Wrap(errkind.StoreUnavailable, err, "reloading stored articles")
		}
		return nil
	})
	if !storeOK || !req.Store {
		// Degraded or disabled: keep going against the in-memory set
		// with locally assigned fingerprints (the same algorithm the
		// store applies).
		inMemory = true
		stored = assignFingerprints(found)
		if req.Store && !storeOK {
			run.warn("store unavailable; continuing in-memory only")
		}
	}

	// --- index, sentiment, analyze: siblings after store ---
	scores := make(map[string]sentiment.Score, len(stored))

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		o.runStage(ctx, run, StageIndex, req.Index && !inMemory, func(ctx context.Context) error {
			return o.indexStage(ctx, run, stored)
		})
	}()
	go func() {
		defer wg.Done()
		o.runStage(ctx, run, StageSentiment, req.Sentiment, func(ctx context.Context) error {
			return o.sentimentStage(ctx, stored, scores)
		})
	}()
	go func() {
		defer wg.Done()
		o.runStage(ctx, run, StageAnalyze, req.Analyze, func(ctx context.Context) error {
			return o.analyzeStage(ctx, run, stored)
		})
	}()
	wg.Wait()

	if req.Sentiment {
		run.SentimentOverview = overview(stored, scores)
	}

	// --- cards ---
	o.runStage(ctx, run, StageCards, req.Card, func(ctx context.Context) error {
		return o.cardStage(ctx, run, req, stored, scores)
	})

	// --- memory update ---
	o.runStage(ctx, run, StageMemory, req.MemoryUpdate && req.UserID != "", func(ctx context.Context) error {
		return o.memoryStage(ctx, run, req, stored)
	})

	run.Status = terminalStatus(run)
	return run
}

func (o *Orchestrator) indexStage(ctx context.Context, run *Run, articles []article.Article) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var mu sync.Mutex
	var indexed, failed int
	var lastErr error

	for _, a := range articles {
		a := a
		g.Go(func() error {
			res, err := o.indexer.IndexArticle(gCtx, a, run.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				lastErr = err
				return nil // one article's failure doesn't cancel siblings
			}
			indexed += res.Indexed
			if res.Partial {
				run.warn("article %s partially indexed", a.Fingerprint)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	run.Indexed = indexed
	if failed == len(articles) && failed > 0 {
		return errkind.Wrap(errkind.KindOf(lastErr), lastErr, "indexing failed for all %d articles", failed)
	}
	if failed > 0 {
		run.warn("indexing failed for %d of %d articles", failed, len(articles))
	}
	return nil
}

func (o *Orchestrator) sentimentStage(ctx context.Context, articles []article.Article, scores map[string]sentiment.Score) error {
	texts := make([]string, len(articles))
	for i, a := range articles {
		texts[i] = a.Title + "\n" + a.Summary
	}
	results, err := o.scorer.Score(ctx, texts)
	if err != nil {
		return err
	}
	for i, a := range articles {
		scores[a.Fingerprint] = results[i]
	}
	return nil
}

func (o *Orchestrator) analyzeStage(ctx context.Context, run *Run, articles []article.Article) error {
	var sb []byte
	sb = append(sb, "Summarize the key developments across these news items in 3-5 sentences. Be factual and specific.\n\n"...)
	for i, a := range articles {
		if i >= 20 {
			break
		}
		sb = append(sb, fmt.Sprintf("%d. %s — %s (%s)\n", i+1, a.Title, a.Summary, a.Source)...)
	}
	out, err := o.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: string(sb)}},
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		return err
	}
	run.AISummary = out.Text
	return nil
}

func (o *Orchestrator) cardStage(ctx context.Context, run *Run, req Request, articles []article.Article, scores map[string]sentiment.Score) error {
	inputs := make([]cards.Input, len(articles))
	for i, a := range articles {
		inputs[i] = cards.Input{Article: a, Sentiment: scores[a.Fingerprint]}
	}

	var profile *memory.Profile
	if req.UserID != "" {
		if p, err := o.memory.GetProfile(ctx, req.UserID); err == nil {
			profile = &p
		} else {
			slog.Debug("cards: profile unavailable, ranking without affinity", "error", err)
		}
	}

	res, err := o.synthesizer.Synthesize(ctx, inputs, req.MaxCards, profile)
	if err != nil {
		return err
	}
	if res.Degraded {
		run.warn("card generation degraded: more than half of the selected articles failed")
	}
	run.Cards = res.Cards
	return nil
}

func (o *Orchestrator) memoryStage(ctx context.Context, run *Run, req Request, articles []article.Article) error {
	categories := make([]string, 0, 4)
	seen := make(map[string]bool)
	for _, a := range articles {
		if a.Category != "" && !seen[a.Category] {
			seen[a.Category] = true
			categories = append(categories, a.Category)
		}
	}

	if err := o.memory.Record(ctx, memory.Event{
		UserID:     req.UserID,
		Action:     "query",
		Target:     run.ID,
		Text:       req.Query,
		Importance: 0.5,
		Categories: categories,
	}); err != nil {
		return err
	}

	if profile, err := o.memory.GetProfile(ctx, req.UserID); err == nil {
		run.RecommendedQueries = memory.RecommendedQueries(profile, 3)
	}
	return nil
}

// runStage executes one stage with its toggle and records the outcome.
// Returns true when the stage ran and succeeded.
func (o *Orchestrator) runStage(ctx context.Context, run *Run, name string, enabled bool, fn func(context.Context) error) bool {
	if !enabled {
		run.addStage(StageResult{Stage: name, Outcome: OutcomeSkipped})
		return false
	}
	if ctx.Err() != nil {
		run.addStage(StageResult{Stage: name, Outcome: OutcomeCancelled})
		return false
	}

	start := time.Now()
	err := fn(ctx)
	result := StageResult{Stage: name, DurationMs: time.Since(start).Milliseconds()}

	switch {
	case err == nil:
		result.Outcome = OutcomeSuccess
	case ctx.Err() != nil:
		result.Outcome = OutcomeCancelled
		result.ErrorKind = string(errkind.KindOf(ctx.Err()))
		run.warn("stage %s cancelled", name)
	default:
		result.Outcome = OutcomeFailed
		kind := errkind.KindOf(err)
		result.ErrorKind = string(kind)
		result.Error = err.Error()
		run.warn("stage %s failed: %s", name, kind)
		slog.Warn("pipeline stage failed", "run", run.ID, "stage", name, "kind", kind, "error", err)
	}

	run.addStage(result)
	return result.Outcome == OutcomeSuccess
}

func (o *Orchestrator) skipRemaining(run *Run) {
	for _, name := range []string{StageStore, StageIndex, StageSentiment, StageAnalyze, StageCards, StageMemory} {
		run.addStage(StageResult{Stage: name, Outcome: OutcomeSkipped})
	}
}

// emptyRun is the num_results=0 short-circuit: a successful run with
// empty aggregates and every stage recorded skipped.
func emptyRun(req Request) *Run {
	run := &Run{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Query:     req.Query,
		Status:    StatusSuccess,
		StartedAt: time.Now().UTC(),
	}
	for _, name := range []string{StageSearch, StageStore, StageIndex, StageSentiment, StageAnalyze, StageCards, StageMemory} {
		run.addStage(StageResult{Stage: name, Outcome: OutcomeSkipped})
	}
	return run
}

// terminalStatus derives the run status from stage outcomes: all
// enabled stages succeeded → success; any failure or cancellation with
// at least one success → partial-success.
func terminalStatus(run *Run) string {
	var succeeded, failed int
	for _, st := range run.Stages {
		switch st.Outcome {
		case OutcomeSuccess:
			succeeded++
		case OutcomeFailed, OutcomeCancelled:
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSuccess
	case succeeded > 0:
		return StatusPartialSuccess
	default:
		return StatusFailed
	}
}

func (o *Orchestrator) persistRun(ctx context.Context, run *Run) {
	doc, err := json.Marshal(run)
	if err != nil {
		slog.Error("marshalling run", "run", run.ID, "error", err)
		return
	}
	// Persist with a short independent timeout so a deadline-expired
	// run is still retrievable by id.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.SaveRun(saveCtx, storage.RunRecord{
		ID:        run.ID,
		UserID:    run.UserID,
		Query:     run.Query,
		Status:    run.Status,
		RunJSON:   string(doc),
		CreatedAt: run.StartedAt,
	}); err != nil {
		slog.Warn("persisting run failed", "run", run.ID, "error", err)
	}
}

// acquireUser serializes runs per user. With queue=false a busy user
// fails fast with BusyRetry; with queue=true one waiter may park until
// the active run finishes (queue depth 1).
func (o *Orchestrator) acquireUser(ctx context.Context, userID string, queue bool) (func(), error) {
	o.mu.Lock()
	if o.active == nil {
		o.active = make(map[string]*userSlot)
	}
	slot, ok := o.active[userID]
	if !ok {
		slot = &userSlot{}
		o.active[userID] = slot
	}

	if !slot.busy {
		slot.busy = true
		o.mu.Unlock()
		return func() { o.releaseUser(userID) }, nil
	}

	if !queue || slot.queued != nil {
		o.mu.Unlock()
		return nil, errkind.New(errkind.BusyRetry, "a pipeline run is already active for user %s", userID)
	}

	wait := make(chan struct{})
	slot.queued = wait
	o.mu.Unlock()

	select {
	case <-wait:
		return func() { o.releaseUser(userID) }, nil
	case <-ctx.Done():
		o.mu.Lock()
		if slot.queued == wait {
			slot.queued = nil
		}
		o.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) releaseUser(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	slot := o.active[userID]
	if slot == nil {
		return
	}
	if slot.queued != nil {
		// Hand the slot to the waiter; busy stays true.
		close(slot.queued)
		slot.queued = nil
		return
	}
	slot.busy = false
	delete(o.active, userID)
}

// assignFingerprints applies the store's fingerprint algorithm locally
// for the degraded in-memory path.
func assignFingerprints(articles []article.Article) []article.Article {
	out := make([]article.Article, 0, len(articles))
	seen := make(map[string]bool, len(articles))
	for _, a := range articles {
		a.Fingerprint = article.Fingerprint(a)
		if seen[a.Fingerprint] {
			continue
		}
		seen[a.Fingerprint] = true
		out = append(out, a)
	}
	return out
}

func overview(articles []article.Article, scores map[string]sentiment.Score) map[string]int {
	out := map[string]int{"positive": 0, "neutral": 0, "negative": 0}
	for _, a := range articles {
		label := scores[a.Fingerprint].Label
		if label == "" {
			label = "neutral"
		}
		out[label]++
	}
	return out
}
