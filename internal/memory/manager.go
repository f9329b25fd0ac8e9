package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjq0098/news-mosaic/internal/storage"
)

// Event is one user interaction to be recorded and folded into the
// derived profile.
type Event struct {
	UserID     string
	Action     string // query, view, like, share, dwell, dialogue-turn
	Target     string // article fingerprint or session id
	Text       string // query or message text; embedded when non-empty
	Importance float64
	Categories []string
	At         time.Time
}

// Embedder produces embeddings for interaction text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProfileStore is the persistence the Manager needs. Implemented by
// storage.Store.
type ProfileStore interface {
	AppendInteraction(ctx context.Context, i storage.Interaction) error
	ListInteractions(ctx context.Context, userID string, limit int) ([]storage.Interaction, error)
	GetProfileJSON(ctx context.Context, userID string) (string, error)
	PutProfileJSON(ctx context.Context, userID, doc string) error
	DeleteUserMemory(ctx context.Context, userID string) error
}

// Manager maintains interaction logs and derived profiles. Updates to
// one user's profile are serialized by a per-user lock so the running
// mean stays race-free.
type Manager struct {
	store    ProfileStore
	embedder Embedder
	locks    sync.Map // userID -> *sync.Mutex
}

// NewManager creates a Manager.
func NewManager(store ProfileStore, embedder Embedder) *Manager {
	return &Manager{store: store, embedder: embedder}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Record appends one event to the interaction log and incrementally
// folds it into the user's derived profile.
func (m *Manager) Record(ctx context.Context, ev Event) error {
	if ev.UserID == "" {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	importance := ev.Importance
	if importance == 0 {
		importance = 0.5
	}

	if err := m.store.AppendInteraction(ctx, storage.Interaction{
		ID:         uuid.New().String(),
		UserID:     ev.UserID,
		Action:     ev.Action,
		Target:     ev.Target,
		Text:       ev.Text,
		Categories: ev.Categories,
		Importance: importance,
		CreatedAt:  at,
	}); err != nil {
		return err
	}

	var embedding []float32
	if ev.Text != "" {
		vecs, err := m.embedder.Embed(ctx, []string{ev.Text})
		if err != nil {
			// The log entry is durable; the derived update catches up
			// on the next Rebuild.
			slog.Warn("memory: embedding interaction text failed", "user", ev.UserID, "error", err)
		} else if len(vecs) == 1 {
			embedding = vecs[0]
		}
	}

	lock := m.userLock(ev.UserID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := m.loadProfile(ctx, ev.UserID)
	if err != nil {
		return err
	}
	profile.absorb(ev.Action, embedding, ev.Categories, importance, at)
	return m.saveProfile(ctx, profile)
}

// GetProfile returns the user's derived profile, creating a default
// one on first contact.
func (m *Manager) GetProfile(ctx context.Context, userID string) (Profile, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return m.loadProfile(ctx, userID)
}

// UpdateStyle sets the user's response style preferences.
func (m *Manager) UpdateStyle(ctx context.Context, userID string, style StylePreferences) (Profile, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	profile, err := m.loadProfile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if style.Personalization < 0 || style.Personalization > 1 {
		return Profile{}, fmt.Errorf("personalization must be in [0,1], got %v", style.Personalization)
	}
	profile.Style = style
	if err := m.saveProfile(ctx, profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Rebuild recomputes the derived profile from the full interaction
// log. The result must agree with the incrementally maintained profile
// within floating-point tolerance; style preferences and creation time
// are carried over unchanged.
func (m *Manager) Rebuild(ctx context.Context, userID string) (Profile, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := m.loadProfile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	log, err := m.store.ListInteractions(ctx, userID, 0)
	if err != nil {
		return Profile{}, err
	}

	rebuilt := newProfile(userID, existing.CreatedAt)
	rebuilt.Style = existing.Style
	rebuilt.PreferredSources = existing.PreferredSources

	for _, i := range log {
		var embedding []float32
		if i.Text != "" {
			vecs, err := m.embedder.Embed(ctx, []string{i.Text})
			if err != nil {
				return Profile{}, fmt.Errorf("re-embedding interaction %s: %w", i.ID, err)
			}
			if len(vecs) == 1 {
				embedding = vecs[0]
			}
		}
		rebuilt.absorb(i.Action, embedding, i.Categories, i.Importance, i.CreatedAt)
	}
	rebuilt.decayTo(time.Now().UTC())

	if err := m.saveProfile(ctx, rebuilt); err != nil {
		return Profile{}, err
	}
	return rebuilt, nil
}

// Clear removes all memory state for the user.
func (m *Manager) Clear(ctx context.Context, userID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return m.store.DeleteUserMemory(ctx, userID)
}

// RecommendedQueries derives up to max follow-up query suggestions
// from the user's strongest categories. Deterministic; no LLM call.
func RecommendedQueries(p Profile, max int) []string {
	tops := p.TopCategories(max)
	out := make([]string, 0, len(tops))
	for _, c := range tops {
		out = append(out, "latest "+c+" news")
	}
	return out
}

func (m *Manager) loadProfile(ctx context.Context, userID string) (Profile, error) {
	doc, err := m.store.GetProfileJSON(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return newProfile(userID, time.Now().UTC()), nil
	}
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return Profile{}, fmt.Errorf("unmarshalling profile for %s: %w", userID, err)
	}
	return p, nil
}

func (m *Manager) saveProfile(ctx context.Context, p Profile) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshalling profile for %s: %w", p.UserID, err)
	}
	return m.store.PutProfileJSON(ctx, p.UserID, string(doc))
}
