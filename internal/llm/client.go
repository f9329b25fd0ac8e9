// Package llm wraps the chat-completion and embedding provider behind a
// small client. The client owns no domain prompts; consumers pass fully
// composed messages and, when they need structured output, a Schema the
// response is validated against.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/sjq0098/news-mosaic/internal/errkind"
)

const (
	completionTimeout = 60 * time.Second
	embedTimeout      = 30 * time.Second
	transientBackoff  = time.Second
)

// Message is a chat message.
type Message struct {
	Role    string
	Content string
}

// Usage reports provider token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Completion is the result of a chat call.
type Completion struct {
	Text  string
	Usage Usage
}

// CompletionRequest carries a fully composed prompt. When Schema is set
// the response must be a JSON object matching it; the client retries
// once with a repair instruction before failing with UnstructuredOutput.
type CompletionRequest struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Schema      *Schema
}

// Client talks to an OpenAI-compatible endpoint. In-flight calls are
// bounded by a process-global semaphore shared by chat and embeddings.
type Client struct {
	api        openai.Client
	chatModel  string
	embedModel string
	embedDims  int
	sem        chan struct{}
}

// New creates a Client for the given endpoint and models. concurrency
// caps in-flight provider calls.
func New(apiKey, baseURL, chatModel, embedModel string, embedDims, concurrency int) *Client {
	if concurrency <= 0 {
		concurrency = 8
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		api:        openai.NewClient(opts...),
		chatModel:  chatModel,
		embedModel: embedModel,
		embedDims:  embedDims,
		sem:        make(chan struct{}, concurrency),
	}
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

// Complete sends a chat completion request. Transient provider failures
// are retried once with a 1s backoff; context-overflow errors are not
// retried.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if err := c.acquire(ctx); err != nil {
		return Completion{}, err
	}
	defer c.release()

	out, err := c.completeOnce(ctx, req, "")
	if err == nil || !isTransient(err) {
		return out, err
	}

	select {
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-time.After(transientBackoff):
	}
	return c.completeOnce(ctx, req, "")
}

// completeOnce performs one chat call, including schema validation and
// the single repair round when a schema is required.
func (c *Client) completeOnce(ctx context.Context, req CompletionRequest, repair string) (Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	if repair != "" {
		msgs = append(msgs, openai.UserMessage(repair))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.chatModel),
		Messages: msgs,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.api.Chat.Completions.New(callCtx, params)
	if err != nil {
		return Completion{}, classifyProviderError(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errkind.New(errkind.InvalidResponse, "completion returned no choices")
	}

	out := Completion{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}

	if req.Schema == nil {
		return out, nil
	}

	cleaned, verr := req.Schema.Validate(out.Text)
	if verr == nil {
		out.Text = cleaned
		return out, nil
	}
	if repair != "" {
		return Completion{}, errkind.Wrap(errkind.UnstructuredOutput, verr, "model declined the required schema after repair")
	}
	return c.completeOnce(ctx, req, repairInstruction(req.Schema, verr))
}

func repairInstruction(s *Schema, cause error) string {
	return "Your previous reply was not valid JSON for the required schema (" +
		cause.Error() + "). Respond again with ONLY a JSON object containing the fields: " +
		strings.Join(s.Required, ", ") + ". No prose, no code fences."
}

// Embed returns one embedding vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	vecs, err := c.embedOnce(ctx, texts)
	if err == nil || !isTransient(err) {
		return vecs, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(transientBackoff):
	}
	return c.embedOnce(ctx, texts)
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if c.embedDims > 0 {
		params.Dimensions = openai.Int(int64(c.embedDims))
	}

	resp, err := c.api.Embeddings.New(callCtx, params)
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errkind.New(errkind.InvalidResponse, "embedding count %d does not match input count %d", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, errkind.New(errkind.InvalidResponse, "embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	for i, v := range out {
		if v == nil {
			return nil, errkind.New(errkind.InvalidResponse, "missing embedding for input %d", i)
		}
	}
	return out, nil
}

// classifyProviderError maps provider failures onto the error taxonomy.
// Classification is by message content; the SDK does not expose stable
// error codes across OpenAI-compatible backends.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "context_length") ||
		strings.Contains(s, "context length") ||
		strings.Contains(s, "maximum context"):
		return errkind.Wrap(errkind.ContextOverflow, err, "prompt exceeded model window")
	case strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests"):
		return errkind.Wrap(errkind.ProviderRateLimited, err, "LLM provider rate limited")
	default:
		return errkind.Wrap(errkind.ProviderUnavailable, err, "LLM provider call failed")
	}
}

// isTransient reports whether a failed call is worth one retry:
// server-side errors, timeouts, and rate limiting qualify.
func isTransient(err error) bool {
	switch errkind.KindOf(err) {
	case errkind.ProviderRateLimited:
		return true
	case errkind.ProviderUnavailable:
		s := strings.ToLower(err.Error())
		return strings.Contains(s, "500") ||
			strings.Contains(s, "502") ||
			strings.Contains(s, "503") ||
			strings.Contains(s, "server error") ||
			strings.Contains(s, "timeout") ||
			strings.Contains(s, "deadline exceeded")
	default:
		return false
	}
}
