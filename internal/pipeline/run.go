package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/sjq0098/news-mosaic/internal/cards"
)

// Stage names, in execution order.
const (
	StageSearch    = "search"
	StageStore     = "store"
	StageIndex     = "index"
	StageSentiment = "sentiment"
	StageAnalyze   = "analyze"
	StageCards     = "cards"
	StageMemory    = "memory"
)

// Stage outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Terminal run statuses.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial-success"
	StatusFailed         = "failed"
)

// Request is one pipeline invocation.
type Request struct {
	Query  string `json:"query"`
	UserID string `json:"userId"`
	// NumResults caps the search fetch (default 10 when absent, max
	// 100). An explicit zero is honored: the run succeeds with empty
	// arrays and invokes no downstream stages.
	NumResults *int `json:"numResults"`
	MaxCards   int  `json:"maxCards"` // default 5, max 10
	Language   string `json:"language"`
	Country    string `json:"country"`
	Window     string `json:"window"` // 1d, 1w, 1m, 1y

	Store        bool `json:"store"`
	Index        bool `json:"index"`
	Analyze      bool `json:"analyze"`
	Card         bool `json:"card"`
	Sentiment    bool `json:"sentiment"`
	MemoryUpdate bool `json:"memoryUpdate"`

	// Queue opts into the per-user depth-1 queue instead of an
	// immediate BusyRetry when a run is already in flight.
	Queue bool `json:"queue"`
}

func (r Request) normalized() Request {
	// A nil NumResults means "unspecified"; an explicit zero is kept
	// as zero so the orchestrator can short-circuit.
	n := 10
	if r.NumResults != nil {
		n = *r.NumResults
	}
	switch {
	case n < 0:
		n = 0
	case n > 100:
		n = 100
	}
	r.NumResults = &n

	if r.MaxCards <= 0 {
		r.MaxCards = 5
	}
	if r.MaxCards > 10 {
		r.MaxCards = 10
	}
	return r
}

// StageResult records one stage's outcome on a run.
type StageResult struct {
	Stage      string `json:"stage"`
	Outcome    string `json:"outcome"`
	ErrorKind  string `json:"errorKind,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Run is the aggregate result of one pipeline invocation.
type Run struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Query  string `json:"query"`
	Status string `json:"status"`

	Stages []StageResult `json:"stages"`

	Found      int `json:"found"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Indexed    int `json:"indexed"`

	Cards             []cards.NewsCard `json:"cards,omitempty"`
	AISummary         string           `json:"aiSummary,omitempty"`
	SentimentOverview map[string]int   `json:"sentimentOverview,omitempty"`
	RecommendedQueries []string        `json:"recommendedQueries,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`

	// mu guards Stages, Warnings, and Errors while sibling stages run
	// concurrently.
	mu sync.Mutex
}

func (r *Run) warn(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Run) fail(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Run) addStage(result StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stages = append(r.Stages, result)
}
