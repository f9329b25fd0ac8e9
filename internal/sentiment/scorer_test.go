package sentiment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sjq0098/news-mosaic/internal/llm"
)

// mockCompleter returns canned structured output.
type mockCompleter struct {
	mu    sync.Mutex
	reply string
	err   error
	seen  []string
}

func (m *mockCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	m.mu.Lock()
	m.seen = append(m.seen, req.Messages[len(req.Messages)-1].Content)
	m.mu.Unlock()
	if m.err != nil {
		return llm.Completion{}, m.err
	}
	return llm.Completion{Text: m.reply}, nil
}

func TestScore(t *testing.T) {
	mock := &mockCompleter{reply: `{"label": "positive", "magnitude": 0.8, "confidence": 0.9}`}
	s := NewScorer(mock)

	scores, err := s.Score(context.Background(), []string{"great news", "more great news"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(scores))
	}
	for _, sc := range scores {
		if sc.Label != "positive" || sc.Magnitude != 0.8 {
			t.Errorf("score = %+v", sc)
		}
	}
}

func TestScore_LowConfidenceCollapsesToNeutral(t *testing.T) {
	mock := &mockCompleter{reply: `{"label": "negative", "magnitude": 0.9, "confidence": 0.3}`}
	s := NewScorer(mock)

	scores, err := s.Score(context.Background(), []string{"ambiguous"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores[0].Label != "neutral" {
		t.Errorf("label = %q, want neutral below confidence 0.4", scores[0].Label)
	}
}

func TestScore_UnknownLabelIsNeutral(t *testing.T) {
	mock := &mockCompleter{reply: `{"label": "elated", "magnitude": 0.9, "confidence": 0.9}`}
	s := NewScorer(mock)

	scores, err := s.Score(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores[0] != Neutral {
		t.Errorf("score = %+v, want Neutral", scores[0])
	}
}

func TestScore_AllFailed(t *testing.T) {
	mock := &mockCompleter{err: fmt.Errorf("provider down")}
	s := NewScorer(mock)

	scores, err := s.Score(context.Background(), []string{"a", "b"})
	if err == nil {
		t.Error("total failure did not error")
	}
	for _, sc := range scores {
		if sc != Neutral {
			t.Errorf("failed score = %+v, want Neutral", sc)
		}
	}
}

func TestScore_EmptyInput(t *testing.T) {
	s := NewScorer(&mockCompleter{})
	scores, err := s.Score(context.Background(), nil)
	if err != nil || scores != nil {
		t.Errorf("empty input: scores=%v err=%v", scores, err)
	}
}

func TestCapInput(t *testing.T) {
	long := strings.Repeat("a", 1500) + strings.Repeat("z", 1500)
	capped := capInput(long)

	if len(capped) > inputCharCap+10 {
		t.Errorf("capped length = %d", len(capped))
	}
	if !strings.HasPrefix(capped, "a") {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(capped, "z") {
		t.Error("tail not preserved")
	}

	short := "short text"
	if capInput(short) != short {
		t.Error("short input modified")
	}
}

func TestScore_CapsPromptInput(t *testing.T) {
	mock := &mockCompleter{reply: `{"label": "neutral", "magnitude": 0, "confidence": 0.9}`}
	s := NewScorer(mock)

	if _, err := s.Score(context.Background(), []string{strings.Repeat("x", 5000)}); err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(mock.seen) != 1 {
		t.Fatalf("calls = %d", len(mock.seen))
	}
	if len(mock.seen[0]) > 2500 {
		t.Errorf("prompt carries uncapped input: %d chars", len(mock.seen[0]))
	}
}
