package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sjq0098/news-mosaic/internal/errkind"
)

// chatStub serves an OpenAI-compatible /chat/completions endpoint with
// scripted replies.
type chatStub struct {
	mu      atomic.Int32
	replies []string
}

func (s *chatStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		idx := int(s.mu.Add(1)) - 1
		if idx >= len(s.replies) {
			idx = len(s.replies) - 1
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": s.replies[idx]},
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
		})
	}
}

func newStubClient(url string) *Client {
	return New("test-key", url, "qwen-plus", "text-embedding-v2", 0, 2)
}

func TestComplete(t *testing.T) {
	stub := &chatStub{replies: []string{"hello there"}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	out, err := newStubClient(srv.URL).Complete(context.Background(), CompletionRequest{
		System:      "be brief",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   100,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "hello there" {
		t.Errorf("text = %q", out.Text)
	}
	if out.Usage.PromptTokens != 12 || out.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestComplete_SchemaRepair(t *testing.T) {
	schema := &Schema{
		Type:       "object",
		Properties: map[string]SchemaProperty{"score": {Type: "number"}},
		Required:   []string{"score"},
	}
	// First reply is prose; the repair round returns valid JSON.
	stub := &chatStub{replies: []string{"I think it rates highly!", `{"score": 0.9}`}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	out, err := newStubClient(srv.URL).Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "rate this"}},
		Schema:   schema,
	})
	if err != nil {
		t.Fatalf("Complete with repair: %v", err)
	}
	var parsed struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(out.Text), &parsed); err != nil || parsed.Score != 0.9 {
		t.Errorf("repaired output = %q", out.Text)
	}
	if stub.mu.Load() != 2 {
		t.Errorf("calls = %d, want 2 (original + repair)", stub.mu.Load())
	}
}

func TestComplete_UnstructuredAfterRepair(t *testing.T) {
	schema := &Schema{
		Type:       "object",
		Properties: map[string]SchemaProperty{"score": {Type: "number"}},
		Required:   []string{"score"},
	}
	stub := &chatStub{replies: []string{"nope", "still nope"}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	_, err := newStubClient(srv.URL).Complete(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "rate this"}},
		Schema:   schema,
	})
	if !errkind.Is(err, errkind.UnstructuredOutput) {
		t.Errorf("kind = %v, want UnstructuredOutput", errkind.KindOf(err))
	}
}

func TestEmbed_OrderPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		// Return embeddings out of order; the client must reorder by
		// index.
		data := make([]map[string]any, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, map[string]any{
				"index":     i,
				"embedding": []float64{float64(i), 1},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "text-embedding-v2",
			"usage":  map[string]any{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	defer srv.Close()

	vecs, err := newStubClient(srv.URL).Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i) {
			t.Errorf("vector %d out of order: %v", i, v)
		}
	}
}

func TestEmbed_Empty(t *testing.T) {
	vecs, err := newStubClient("http://127.0.0.1:0").Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("empty input: vecs=%v err=%v", vecs, err)
	}
}

func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		msg  string
		want errkind.Kind
	}{
		{"429 Too Many Requests", errkind.ProviderRateLimited},
		{"this model's maximum context length is 8192 tokens", errkind.ContextOverflow},
		{"connection refused", errkind.ProviderUnavailable},
	}
	for _, tc := range cases {
		got := errkind.KindOf(classifyProviderError(fmt.Errorf("%s", tc.msg)))
		if got != tc.want {
			t.Errorf("classify(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}
