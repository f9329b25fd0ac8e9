// Package dialogue manages per-session conversation state and the
// retrieval-augmented turn loop.
package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjq0098/news-mosaic/internal/errkind"
	"github.com/sjq0098/news-mosaic/internal/indexing"
	"github.com/sjq0098/news-mosaic/internal/llm"
	"github.com/sjq0098/news-mosaic/internal/memory"
	"github.com/sjq0098/news-mosaic/internal/retrieval"
	"github.com/sjq0098/news-mosaic/internal/storage"
)

const (
	defaultMaxContextNews = 5
	maxContextNewsCap     = 10
	// historyHardCap triggers pruning: the oldest half is replaced by
	// a synthetic system note.
	historyHardCap = 30
	// historyBudgetShare is the fraction of the model context window
	// available to preamble + history.
	historyBudgetShare = 0.6

	defaultTurnDeadline = 120 * time.Second
)

// ChatRequest is one dialogue turn.
type ChatRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	// RunID scopes retrieval to a seeding pipeline run when a new
	// session is created.
	RunID          string  `json:"runId"`
	MaxContextNews int     `json:"maxContextNews"`
	UseMemory      bool    `json:"useMemory"`
	Personalize    bool    `json:"personalize"`
	// Wait blocks behind an in-flight turn on the same session
	// instead of failing with SessionBusy.
	Wait  bool    `json:"wait"`
	Floor float64 `json:"floor"`
}

// SourceRef attributes one cited source.
type SourceRef struct {
	Index       int       `json:"index"`
	Fingerprint string    `json:"fingerprint"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
	Score       float64   `json:"score"`
}

// ChatResponse is the turn result.
type ChatResponse struct {
	SessionID  string      `json:"sessionId"`
	Reply      string      `json:"reply"`
	Sources    []SourceRef `json:"sources,omitempty"`
	Confidence float64     `json:"confidence"`
	Usage      llm.Usage   `json:"usage"`
	Warnings   []string    `json:"warnings,omitempty"`
}

// Completer is the LLM call surface the manager needs.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error)
}

// Retriever is the recall surface the manager needs.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, opts retrieval.Options) (retrieval.Result, error)
}

// SessionStore is the persistence slice the manager needs. Implemented
// by storage.Store.
type SessionStore interface {
	CreateSession(ctx context.Context, sess storage.Session) error
	GetSession(ctx context.Context, id string) (storage.Session, error)
	DeleteSession(ctx context.Context, id string) error
	AppendMessages(ctx context.Context, sessionID string, msgs []storage.SessionMessage) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]storage.SessionMessage, error)
	ReplaceMessages(ctx context.Context, sessionID string, msgs []storage.SessionMessage) error
}

// Manager serializes turns per session and drives the turn loop:
// retrieve → compose → complete → persist → record memory.
type Manager struct {
	store        SessionStore
	retriever    Retriever
	llm          Completer
	memory       *memory.Manager
	windowTokens int
	turnDeadline time.Duration

	locks sync.Map // sessionID -> *sessionLock

	cacheMu    sync.Mutex
	queryCache map[string]cachedQuery
}

type sessionLock struct {
	ch chan struct{} // buffered size 1; holding the token = holding the lock
}

type cachedQuery struct {
	text   string
	vector []float32
}

// NewManager creates a Manager. windowTokens is the model context
// window the history budget is computed against.
func NewManager(store SessionStore, retriever Retriever, completer Completer, mem *memory.Manager, windowTokens int, turnDeadline time.Duration) *Manager {
	if windowTokens <= 0 {
		windowTokens = 32768
	}
	if turnDeadline <= 0 {
		turnDeadline = defaultTurnDeadline
	}
	return &Manager{
		store:        store,
		retriever:    retriever,
		llm:          completer,
		memory:       mem,
		windowTokens: windowTokens,
		turnDeadline: turnDeadline,
		queryCache:   make(map[string]cachedQuery),
	}
}

// Chat processes one dialogue turn. Turns within a session are
// strictly serialized: a concurrent request either waits (req.Wait) or
// fails with SessionBusy.
func (m *Manager) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if req.Message == "" {
		return ChatResponse{}, errkind.New(errkind.InvalidRequest, "message is required")
	}
	maxNews := req.MaxContextNews
	if maxNews <= 0 {
		maxNews = defaultMaxContextNews
	}
	if maxNews > maxContextNewsCap {
		maxNews = maxContextNewsCap
	}

	turnCtx, cancel := context.WithTimeout(ctx, m.turnDeadline)
	defer cancel()

	sess, created, err := m.resolveSession(turnCtx, req)
	if err != nil {
		return ChatResponse{}, err
	}

	unlock, err := m.lockSession(turnCtx, sess.ID, req.Wait)
	if err != nil {
		return ChatResponse{}, err
	}
	defer unlock()

	history, err := m.store.ListMessages(turnCtx, sess.ID, 0)
	if err != nil {
		return ChatResponse{}, errkind.Wrap(errkind.StoreUnavailable, err, "loading session history")
	}

	resp := ChatResponse{SessionID: sess.ID}

	// Retrieval failure degrades to a history-only reply.
	var chunks []retrieval.RetrievedChunk
	result, err := m.retrieve(turnCtx, sess, req, maxNews)
	switch {
	case err != nil:
		slog.Warn("dialogue: retrieval failed, answering from history", "session", sess.ID, "error", err)
		resp.Warnings = append(resp.Warnings, "retrieval unavailable; answer built without news context")
	default:
		chunks = result.Chunks
		if result.LowRecall {
			resp.Warnings = append(resp.Warnings, "low recall: few relevant sources found")
		}
	}

	var profile *memory.Profile
	if req.UseMemory && req.Personalize && req.UserID != "" {
		if p, perr := m.memory.GetProfile(turnCtx, req.UserID); perr == nil {
			profile = &p
		}
	}

	budget := int(float64(m.windowTokens) * historyBudgetShare)
	system, msgs := composePrompt(profile, chunks, history, req.Message, budget)

	out, err := m.llm.Complete(turnCtx, llm.CompletionRequest{
		System:      system,
		Messages:    msgs,
		Temperature: 0.7,
		MaxTokens:   1200,
	})
	if err != nil {
		// No partial turn is recorded on LLM failure or cancellation.
		return ChatResponse{}, err
	}

	resp.Reply = out.Text
	resp.Usage = out.Usage
	resp.Confidence = retrieval.MeanCosine(chunks)
	for i, ch := range chunks {
		resp.Sources = append(resp.Sources, SourceRef{
			Index:       i + 1,
			Fingerprint: ch.Fingerprint,
			Source:      ch.Source,
			URL:         ch.URL,
			PublishedAt: ch.PublishedAt,
			Score:       ch.Score,
		})
	}

	if err := m.persistTurn(turnCtx, sess.ID, history, req.Message, resp); err != nil {
		return ChatResponse{}, err
	}

	m.recordMemory(turnCtx, req, sess, chunks)

	if created {
		slog.Debug("dialogue session created", "session", sess.ID, "user", req.UserID)
	}
	return resp, nil
}

// History returns a session's messages, newest first, capped at limit.
func (m *Manager) History(ctx context.Context, sessionID string, limit int) ([]storage.SessionMessage, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errkind.New(errkind.NotFound, "session %s not found", sessionID)
		}
		return nil, errkind.Wrap(errkind.StoreUnavailable, err, "loading session")
	}
	msgs, err := m.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreUnavailable, err, "loading messages")
	}
	// Newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// Delete removes a session and its cached query embedding.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errkind.New(errkind.NotFound, "session %s not found", sessionID)
		}
		return errkind.Wrap(errkind.StoreUnavailable, err, "deleting session")
	}
	m.cacheMu.Lock()
	delete(m.queryCache, sessionID)
	m.cacheMu.Unlock()
	m.locks.Delete(sessionID)
	return nil
}

func (m *Manager) resolveSession(ctx context.Context, req ChatRequest) (storage.Session, bool, error) {
	if req.SessionID != "" {
		sess, err := m.store.GetSession(ctx, req.SessionID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Session{}, false, errkind.New(errkind.NotFound, "session %s not found", req.SessionID)
		}
		if err != nil {
			return storage.Session{}, false, errkind.Wrap(errkind.StoreUnavailable, err, "loading session")
		}
		return sess, false, nil
	}

	sess := storage.Session{
		ID:     uuid.New().String(),
		UserID: req.UserID,
		RunID:  req.RunID,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return storage.Session{}, false, errkind.Wrap(errkind.StoreUnavailable, err, "creating session")
	}
	return sess, true, nil
}

// lockSession acquires the per-session turn lock. Without wait a held
// lock fails fast with SessionBusy.
func (m *Manager) lockSession(ctx context.Context, sessionID string, wait bool) (func(), error) {
	v, _ := m.locks.LoadOrStore(sessionID, &sessionLock{ch: make(chan struct{}, 1)})
	lock := v.(*sessionLock)

	if wait {
		select {
		case lock.ch <- struct{}{}:
			return func() { <-lock.ch }, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	select {
	case lock.ch <- struct{}{}:
		return func() { <-lock.ch }, nil
	default:
		return nil, errkind.New(errkind.SessionBusy, "a turn is already in flight for session %s", sessionID)
	}
}

func (m *Manager) retrieve(ctx context.Context, sess storage.Session, req ChatRequest, maxNews int) (retrieval.Result, error) {
	opts := retrieval.Options{
		K:     maxNews,
		Floor: req.Floor,
	}
	if sess.RunID != "" {
		opts.Filter = indexing.Filter{RunID: sess.RunID}
	}
	if req.UseMemory && req.UserID != "" {
		if p, err := m.memory.GetProfile(ctx, req.UserID); err == nil {
			opts.Profile = &p
		}
	}

	// Query embeddings are cached per session keyed by message text.
	m.cacheMu.Lock()
	if cached, ok := m.queryCache[sess.ID]; ok && cached.text == req.Message {
		opts.QueryVector = cached.vector
	}
	m.cacheMu.Unlock()

	result, err := m.retriever.Retrieve(ctx, req.Message, opts)
	if err != nil {
		return retrieval.Result{}, err
	}

	m.cacheMu.Lock()
	m.queryCache[sess.ID] = cachedQuery{text: req.Message, vector: result.QueryVector}
	m.cacheMu.Unlock()

	return result, nil
}

// persistTurn appends the user and assistant messages, then prunes
// history if the hard cap was crossed.
func (m *Manager) persistTurn(ctx context.Context, sessionID string, history []storage.SessionMessage, userMsg string, resp ChatResponse) error {
	nextSeq := 0
	if len(history) > 0 {
		nextSeq = history[len(history)-1].Seq + 1
	}

	sources := make([]string, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		sources = append(sources, s.Fingerprint)
	}

	turn := []storage.SessionMessage{
		{ID: uuid.New().String(), SessionID: sessionID, Seq: nextSeq, Role: "user", Content: userMsg},
		{ID: uuid.New().String(), SessionID: sessionID, Seq: nextSeq + 1, Role: "assistant", Content: resp.Reply, Sources: sources},
	}
	if err := m.store.AppendMessages(ctx, sessionID, turn); err != nil {
		return errkind.Wrap(errkind.StoreUnavailable, err, "recording turn")
	}

	if len(history)+2 > historyHardCap {
		if err := m.pruneHistory(ctx, sessionID); err != nil {
			slog.Warn("dialogue: history pruning failed", "session", sessionID, "error", err)
		}
	}
	return nil
}

// pruneHistory replaces the oldest half of the session's messages with
// one synthetic system note summarizing them. The unsummarized tail is
// preserved verbatim.
func (m *Manager) pruneHistory(ctx context.Context, sessionID string) error {
	msgs, err := m.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return err
	}
	if len(msgs) <= historyHardCap {
		return nil
	}

	half := len(msgs) / 2
	// Cut on a turn boundary so the tail starts with a user message.
	for half < len(msgs) && msgs[half].Role != "user" {
		half++
	}
	if half == 0 || half >= len(msgs) {
		return nil
	}
	pruned, tail := msgs[:half], msgs[half:]

	out, err := m.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: summarizePrompt(pruned)}},
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		return err
	}

	note := storage.SessionMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       0,
		Role:      "system",
		Content:   "Earlier conversation summary: " + out.Text,
	}
	replacement := make([]storage.SessionMessage, 0, len(tail)+1)
	replacement = append(replacement, note)
	for i, t := range tail {
		t.Seq = i + 1
		replacement = append(replacement, t)
	}
	return m.store.ReplaceMessages(ctx, sessionID, replacement)
}

// recordMemory logs the dialogue turn: the user message and the
// referenced articles.
func (m *Manager) recordMemory(ctx context.Context, req ChatRequest, sess storage.Session, chunks []retrieval.RetrievedChunk) {
	if !req.UseMemory || req.UserID == "" {
		return
	}

	if err := m.memory.Record(ctx, memory.Event{
		UserID:     req.UserID,
		Action:     "dialogue-turn",
		Target:     sess.ID,
		Text:       req.Message,
		Importance: 0.5,
	}); err != nil {
		slog.Warn("dialogue: recording turn interaction failed", "user", req.UserID, "error", err)
	}

	for _, ch := range chunks {
		if err := m.memory.Record(ctx, memory.Event{
			UserID:     req.UserID,
			Action:     "view",
			Target:     ch.Fingerprint,
			Importance: 0.3,
		}); err != nil {
			slog.Debug("dialogue: recording view interaction failed", "error", err)
			return
		}
	}
}
