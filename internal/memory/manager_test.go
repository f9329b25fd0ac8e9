package memory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/sjq0098/news-mosaic/internal/storage"
)

// hashEmbedder returns a deterministic vector per text so rebuilds see
// identical embeddings.
type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 8)
		for j, r := range text {
			v[j%8] += float32(r%13) / 13
		}
		out[i] = v
	}
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, hashEmbedder{}), store
}

func TestRecordBuildsProfile(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.Record(ctx, Event{
		UserID:     "u1",
		Action:     "query",
		Text:       "quantum computing",
		Categories: []string{"technology"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	p, err := m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Counters.Queries != 1 {
		t.Errorf("queries = %d, want 1", p.Counters.Queries)
	}
	if len(p.InterestVector) == 0 {
		t.Error("interest vector not set")
	}
	if p.CategoryWeights["technology"] <= 0 {
		t.Errorf("category weight = %v", p.CategoryWeights)
	}
	if p.Style.Personalization != 0.5 {
		t.Errorf("default personalization = %v, want 0.5", p.Style.Personalization)
	}
}

func TestInterestVectorMovesTowardRepeatedTopic(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Record(ctx, Event{UserID: "u1", Action: "query", Text: "aaaa"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	first, _ := m.GetProfile(ctx, "u1")

	for i := 0; i < 5; i++ {
		if err := m.Record(ctx, Event{UserID: "u1", Action: "query", Text: "zzzz"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	after, _ := m.GetProfile(ctx, "u1")

	target, _ := hashEmbedder{}.Embed(ctx, []string{"zzzz"})
	if dist(after.InterestVector, target[0]) >= dist(first.InterestVector, target[0]) {
		t.Error("interest vector did not move toward the repeated topic")
	}
}

func TestRebuildMatchesIncremental(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	events := []Event{
		{UserID: "u1", Action: "query", Text: "ai chips", Categories: []string{"technology"}},
		{UserID: "u1", Action: "view", Text: "", Categories: nil},
		{UserID: "u1", Action: "like", Text: "fusion energy", Categories: []string{"science"}},
		{UserID: "u1", Action: "dialogue-turn", Text: "tell me more", Categories: nil},
	}
	for _, ev := range events {
		if err := m.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	incremental, err := m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	rebuilt, err := m.Rebuild(ctx, "u1")
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if len(incremental.InterestVector) != len(rebuilt.InterestVector) {
		t.Fatalf("vector lengths differ: %d vs %d", len(incremental.InterestVector), len(rebuilt.InterestVector))
	}
	for i := range incremental.InterestVector {
		if math.Abs(float64(incremental.InterestVector[i]-rebuilt.InterestVector[i])) > 1e-6 {
			t.Errorf("vector component %d differs: %f vs %f", i, incremental.InterestVector[i], rebuilt.InterestVector[i])
		}
	}
	if incremental.Counters != rebuilt.Counters {
		t.Errorf("counters differ: %+v vs %+v", incremental.Counters, rebuilt.Counters)
	}
	for k, v := range incremental.CategoryWeights {
		if math.Abs(v-rebuilt.CategoryWeights[k]) > 1e-6 {
			t.Errorf("category %q differs: %f vs %f", k, v, rebuilt.CategoryWeights[k])
		}
	}
}

func TestUpdateStyle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	p, err := m.UpdateStyle(ctx, "u1", StylePreferences{
		ResponseLength:  "short",
		Personalization: 0.8,
	})
	if err != nil {
		t.Fatalf("UpdateStyle: %v", err)
	}
	if p.Style.ResponseLength != "short" || p.Style.Personalization != 0.8 {
		t.Errorf("style = %+v", p.Style)
	}

	if _, err := m.UpdateStyle(ctx, "u1", StylePreferences{Personalization: 1.5}); err == nil {
		t.Error("out-of-range personalization accepted")
	}
}

func TestClear(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Record(ctx, Event{UserID: "u1", Action: "query", Text: "x"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := m.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	p, err := m.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile after clear: %v", err)
	}
	if p.Counters.Queries != 0 || p.InterestVector != nil {
		t.Errorf("profile survived clear: %+v", p)
	}
}

func TestRecommendedQueries(t *testing.T) {
	p := Profile{CategoryWeights: map[string]float64{"technology": 5, "science": 3, "sports": 1, "finance": 0.5}}
	got := RecommendedQueries(p, 3)
	if len(got) != 3 {
		t.Fatalf("got %d suggestions, want 3", len(got))
	}
	if got[0] != "latest technology news" {
		t.Errorf("first suggestion = %q", got[0])
	}
}

func TestDecay(t *testing.T) {
	now := time.Now().UTC()
	p := newProfile("u1", now)
	p.absorb("query", []float32{1, 0}, []string{"tech"}, 0.5, now)

	weightBefore := p.InterestWeight
	p.decayTo(now.Add(14 * 24 * time.Hour))
	if math.Abs(p.InterestWeight-weightBefore/2) > 1e-9 {
		t.Errorf("one half-life decayed weight to %f, want %f", p.InterestWeight, weightBefore/2)
	}
	if math.Abs(p.CategoryWeights["tech"]-weightBefore/2) > 1e-9 {
		t.Errorf("category weight decayed to %f", p.CategoryWeights["tech"])
	}
}

func dist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
