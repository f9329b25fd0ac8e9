package dialogue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjq0098/news-mosaic/internal/errkind"
	"github.com/sjq0098/news-mosaic/internal/llm"
	"github.com/sjq0098/news-mosaic/internal/memory"
	"github.com/sjq0098/news-mosaic/internal/retrieval"
	"github.com/sjq0098/news-mosaic/internal/storage"
)

// stubRetriever returns canned chunks.
type stubRetriever struct {
	chunks []retrieval.RetrievedChunk
	err    error
	calls  int
	// lastQueryVector is the precomputed vector passed on the last call.
	lastQueryVector []float32
}

func (r *stubRetriever) Retrieve(ctx context.Context, queryText string, opts retrieval.Options) (retrieval.Result, error) {
	r.calls++
	r.lastQueryVector = opts.QueryVector
	if r.err != nil {
		return retrieval.Result{}, r.err
	}
	return retrieval.Result{
		Chunks:      r.chunks,
		LowRecall:   len(r.chunks) < 2,
		QueryVector: []float32{1, 0},
	}, nil
}

// recordingCompleter captures prompts and returns a canned reply.
type recordingCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	delay   time.Duration
	systems []string
	prompts [][]llm.Message
}

func (c *recordingCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return llm.Completion{}, ctx.Err()
		}
	}
	c.mu.Lock()
	c.systems = append(c.systems, req.System)
	c.prompts = append(c.prompts, req.Messages)
	c.mu.Unlock()
	if c.err != nil {
		return llm.Completion{}, c.err
	}
	reply := c.reply
	if reply == "" {
		reply = "The top story is X [1]."
	}
	return llm.Completion{Text: reply, Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20}}, nil
}

type dummyEmbedder struct{}

func (dummyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func chunkFixture(fp string, cosine float32) retrieval.RetrievedChunk {
	return retrieval.RetrievedChunk{
		Fingerprint: fp,
		ChunkID:     fp + "-0",
		Text:        "Excerpt from " + fp,
		Source:      "Reuters",
		URL:         "https://example.com/" + fp,
		PublishedAt: time.Now().UTC(),
		Cosine:      cosine,
		Score:       float64(cosine),
	}
}

func newTestDialogue(t *testing.T, retriever Retriever, completer Completer) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem := memory.NewManager(store, dummyEmbedder{})
	return NewManager(store, retriever, completer, mem, 32768, 0), store
}

func TestChat_CreatesSessionAndRecordsTurn(t *testing.T) {
	retriever := &stubRetriever{chunks: []retrieval.RetrievedChunk{
		chunkFixture("u:a", 0.8),
		chunkFixture("u:b", 0.6),
	}}
	completer := &recordingCompleter{}
	m, store := newTestDialogue(t, retriever, completer)

	resp, err := m.Chat(context.Background(), ChatRequest{
		UserID:      "u1",
		Message:     "summarize the top story",
		UseMemory:   true,
		Personalize: true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.SessionID == "" {
		t.Fatal("no session id")
	}
	if !strings.Contains(resp.Reply, "[1]") {
		t.Errorf("reply does not cite a source: %q", resp.Reply)
	}
	if resp.Confidence < 0.3 {
		t.Errorf("confidence = %f, want > 0.3", resp.Confidence)
	}
	if len(resp.Sources) != 2 || resp.Sources[0].Index != 1 {
		t.Errorf("sources = %+v", resp.Sources)
	}

	msgs, err := store.ListMessages(context.Background(), resp.SessionID, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("stored turn = %+v", msgs)
	}

	// Prompt carried the numbered context block.
	if len(completer.systems) != 1 || !strings.Contains(completer.systems[0], "[1] Reuters") {
		t.Errorf("system prompt missing sources: %q", completer.systems)
	}

	// Turn + per-source views recorded against memory.
	log, err := store.ListInteractions(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	var turns, views int
	for _, i := range log {
		switch i.Action {
		case "dialogue-turn":
			turns++
		case "view":
			views++
		}
	}
	if turns != 1 || views != 2 {
		t.Errorf("turns=%d views=%d, want 1/2", turns, views)
	}
}

func TestChat_AssistantNeverOutnumbersUser(t *testing.T) {
	retriever := &stubRetriever{chunks: []retrieval.RetrievedChunk{chunkFixture("u:a", 0.9)}}
	m, store := newTestDialogue(t, retriever, &recordingCompleter{})
	ctx := context.Background()

	var sessionID string
	for i := 0; i < 3; i++ {
		resp, err := m.Chat(ctx, ChatRequest{SessionID: sessionID, Message: fmt.Sprintf("question %d", i)})
		if err != nil {
			t.Fatalf("Chat %d: %v", i, err)
		}
		sessionID = resp.SessionID
	}

	msgs, _ := store.ListMessages(ctx, sessionID, 0)
	var users, assistants int
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			users++
		case "assistant":
			assistants++
		}
	}
	if assistants > users {
		t.Errorf("assistants=%d > users=%d", assistants, users)
	}
}

func TestChat_RetrievalFailureAnswersFromHistory(t *testing.T) {
	retriever := &stubRetriever{err: errkind.New(errkind.IndexUnavailable, "index down")}
	m, _ := newTestDialogue(t, retriever, &recordingCompleter{})

	resp, err := m.Chat(context.Background(), ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Reply == "" {
		t.Error("no reply without retrieval")
	}
	if len(resp.Warnings) == 0 {
		t.Error("degraded retrieval not flagged")
	}
	if resp.Confidence != 0 {
		t.Errorf("confidence = %f, want 0 without sources", resp.Confidence)
	}
}

func TestChat_LLMFailureRecordsNoTurn(t *testing.T) {
	retriever := &stubRetriever{chunks: []retrieval.RetrievedChunk{chunkFixture("u:a", 0.9)}}
	completer := &recordingCompleter{err: errkind.New(errkind.ProviderUnavailable, "llm down")}
	m, store := newTestDialogue(t, retriever, completer)
	ctx := context.Background()

	if err := store.CreateSession(ctx, storage.Session{ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := m.Chat(ctx, ChatRequest{SessionID: "s1", Message: "hi"}); err == nil {
		t.Fatal("expected error")
	}

	// The failed turn must not be persisted, not even partially.
	msgs, err := store.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("partial turn persisted: %+v", msgs)
	}
}

func TestChat_SessionBusy(t *testing.T) {
	retriever := &stubRetriever{chunks: []retrieval.RetrievedChunk{chunkFixture("u:a", 0.9)}}
	slow := &recordingCompleter{delay: 300 * time.Millisecond}
	m, store := newTestDialogue(t, retriever, slow)
	ctx := context.Background()

	if err := store.CreateSession(ctx, storage.Session{ID: "s1", UserID: "u1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Chat(ctx, ChatRequest{SessionID: "s1", Message: "first"})
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := m.Chat(ctx, ChatRequest{SessionID: "s1", Message: "second"})
	if !errkind.Is(err, errkind.SessionBusy) {
		t.Errorf("concurrent turn: kind = %v, want SessionBusy", errkind.KindOf(err))
	}

	// With Wait the second turn serializes instead.
	go func() {
		_, err := m.Chat(ctx, ChatRequest{SessionID: "s1", Message: "third", Wait: true})
		done <- err
	}()
	if err := <-done; err != nil {
		t.Errorf("first turn: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("waiting turn: %v", err)
	}

	msgs, _ := store.ListMessages(ctx, "s1", 0)
	if len(msgs) != 4 {
		t.Errorf("stored %d messages, want 4 (two full turns)", len(msgs))
	}
}

func TestChat_UnknownSession(t *testing.T) {
	m, _ := newTestDialogue(t, &stubRetriever{}, &recordingCompleter{})
	_, err := m.Chat(context.Background(), ChatRequest{SessionID: "missing", Message: "hi"})
	if !errkind.Is(err, errkind.NotFound) {
		t.Errorf("kind = %v, want NotFound", errkind.KindOf(err))
	}
}

func TestChat_HistoryPruning(t *testing.T) {
	retriever := &stubRetriever{chunks: []retrieval.RetrievedChunk{chunkFixture("u:a", 0.9)}}
	completer := &recordingCompleter{}
	m, store := newTestDialogue(t, retriever, completer)
	ctx := context.Background()

	// Pre-seed a session at the hard cap.
	if err := store.CreateSession(ctx, storage.Session{ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	var seed []storage.SessionMessage
	for i := 0; i < historyHardCap; i += 2 {
		seed = append(seed,
			storage.SessionMessage{ID: fmt.Sprintf("u%d", i), Seq: i, Role: "user", Content: fmt.Sprintf("q%d", i)},
			storage.SessionMessage{ID: fmt.Sprintf("a%d", i), Seq: i + 1, Role: "assistant", Content: fmt.Sprintf("r%d", i)},
		)
	}
	if err := store.AppendMessages(ctx, "s1", seed); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	if _, err := m.Chat(ctx, ChatRequest{SessionID: "s1", Message: "one more"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	msgs, _ := store.ListMessages(ctx, "s1", 0)
	if len(msgs) >= historyHardCap+2 {
		t.Errorf("history not pruned: %d messages", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "summary") {
		t.Errorf("first message is not the synthetic note: %+v", msgs[0])
	}
	// The tail is preserved verbatim: the latest turn is intact.
	last := msgs[len(msgs)-1]
	if last.Role != "assistant" {
		t.Errorf("tail not preserved: %+v", last)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	m, store := newTestDialogue(t, &stubRetriever{}, &recordingCompleter{})
	ctx := context.Background()

	if err := store.CreateSession(ctx, storage.Session{ID: "s1"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.AppendMessages(ctx, "s1", []storage.SessionMessage{
		{ID: "m0", Seq: 0, Role: "user", Content: "old"},
		{ID: "m1", Seq: 1, Role: "assistant", Content: "new"},
	}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	msgs, err := m.History(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "new" {
		t.Errorf("history = %+v, want newest first with limit", msgs)
	}

	if _, err := m.History(ctx, "missing", 0); !errkind.Is(err, errkind.NotFound) {
		t.Errorf("missing session kind = %v", errkind.KindOf(err))
	}
}

func TestChat_QueryVectorCachedPerSession(t *testing.T) {
	retriever := &stubRetriever{chunks: []retrieval.RetrievedChunk{chunkFixture("u:a", 0.9)}}
	m, _ := newTestDialogue(t, retriever, &recordingCompleter{})
	ctx := context.Background()

	resp, err := m.Chat(ctx, ChatRequest{Message: "same question"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, err := m.Chat(ctx, ChatRequest{SessionID: resp.SessionID, Message: "same question"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if retriever.calls != 2 {
		t.Fatalf("retriever calls = %d", retriever.calls)
	}
	// The second turn reuses the vector the first turn returned.
	if len(retriever.lastQueryVector) != 2 || retriever.lastQueryVector[0] != 1 || retriever.lastQueryVector[1] != 0 {
		t.Errorf("second turn query vector = %v, want cached [1 0]", retriever.lastQueryVector)
	}
}
