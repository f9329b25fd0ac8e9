// Package api exposes the pipeline and dialogue engine over HTTP
// (JSON envelopes, chi router) and over MCP for agent hosts.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sjq0098/news-mosaic/internal/dialogue"
	"github.com/sjq0098/news-mosaic/internal/errkind"
	"github.com/sjq0098/news-mosaic/internal/memory"
	"github.com/sjq0098/news-mosaic/internal/pipeline"
)

const maxBodySize = 1 << 20 // 1MB

// HealthChecker reports one provider's reachability.
type HealthChecker func(ctx context.Context) error

// Deps wires the HTTP surface to the core components.
type Deps struct {
	Pipeline *pipeline.Orchestrator
	Dialogue *dialogue.Manager
	Memory   *memory.Manager
	Token    string
	Origins  []string
	// Health holds per-provider reachability probes keyed by name.
	Health map[string]HealthChecker
}

// NewHandler builds the chi router with all routes mounted.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(CORS(deps.Origins))

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/pipeline/process", handleProcess(deps))
		r.Post("/pipeline/quick", handleQuick(deps))
		r.Get("/pipeline/status/{runId}", handleRunStatus(deps))

		r.Post("/chat", handleChat(deps))
		r.Get("/chat/{sessionId}", handleChatHistory(deps))
		r.Delete("/chat/{sessionId}", handleChatDelete(deps))

		r.Get("/user/{id}/profile", handleGetProfile(deps))
		r.Put("/user/{id}/profile", handlePutProfile(deps))
		r.Post("/user/{id}/interaction", handleInteraction(deps))
		r.Delete("/user/{id}/memory", handleClearMemory(deps))
	})

	return r
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, errkind.Wrap(errkind.InvalidRequest, err, "invalid request body"))
		return false
	}
	return true
}

func handleProcess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.Request
		if !decode(w, r, &req) {
			return
		}
		run, err := deps.Pipeline.Process(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, run, run.Warnings...)
	}
}

// handleQuick runs search + cards only: every persistence and memory
// stage is off.
func handleQuick(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.Request
		if !decode(w, r, &req) {
			return
		}
		req.Store = false
		req.Index = false
		req.Analyze = false
		req.Sentiment = false
		req.MemoryUpdate = false
		req.Card = true

		run, err := deps.Pipeline.Process(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, run, run.Warnings...)
	}
}

func handleRunStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Pipeline.GetRun(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, run)
	}
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dialogue.ChatRequest
		if !decode(w, r, &req) {
			return
		}
		resp, err := deps.Dialogue.Chat(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, resp, resp.Warnings...)
	}
}

func handleChatHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		msgs, err := deps.Dialogue.History(r.Context(), chi.URLParam(r, "sessionId"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, msgs)
	}
}

func handleChatDelete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Dialogue.Delete(r.Context(), chi.URLParam(r, "sessionId")); err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"deleted": chi.URLParam(r, "sessionId")})
	}
}

// profileView is the outward profile shape: derived weights are
// normalized and the raw interest vector stays internal.
type profileView struct {
	UserID           string                  `json:"userId"`
	CategoryWeights  map[string]float64      `json:"categoryWeights,omitempty"`
	PreferredSources []string                `json:"preferredSources,omitempty"`
	Style            memory.StylePreferences `json:"style"`
	Counters         memory.Counters         `json:"counters"`
}

func handleGetProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Memory.GetProfile(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, profileView{
			UserID:           p.UserID,
			CategoryWeights:  p.NormalizedCategoryWeights(),
			PreferredSources: p.PreferredSources,
			Style:            p.Style,
			Counters:         p.Counters,
		})
	}
}

func handlePutProfile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var style memory.StylePreferences
		if !decode(w, r, &style) {
			return
		}
		p, err := deps.Memory.UpdateStyle(r.Context(), chi.URLParam(r, "id"), style)
		if err != nil {
			writeError(w, errkind.Wrap(errkind.InvalidRequest, err, "updating style"))
			return
		}
		writeData(w, http.StatusOK, profileView{
			UserID:           p.UserID,
			CategoryWeights:  p.NormalizedCategoryWeights(),
			PreferredSources: p.PreferredSources,
			Style:            p.Style,
			Counters:         p.Counters,
		})
	}
}

func handleInteraction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev memory.Event
		if !decode(w, r, &ev) {
			return
		}
		ev.UserID = chi.URLParam(r, "id")
		if ev.Action == "" {
			writeError(w, errkind.New(errkind.InvalidRequest, "action is required"))
			return
		}
		if err := deps.Memory.Record(r.Context(), ev); err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusCreated, map[string]string{"recorded": ev.Action})
	}
}

func handleClearMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "id")
		if err := deps.Memory.Clear(r.Context(), userID); err != nil {
			writeError(w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"cleared": userID})
	}
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		providers := make(map[string]string, len(deps.Health))
		healthy := true
		for name, check := range deps.Health {
			if err := check(ctx); err != nil {
				providers[name] = "unreachable: " + err.Error()
				healthy = false
			} else {
				providers[name] = "ok"
			}
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeData(w, status, map[string]any{
			"status":    map[bool]string{true: "ok", false: "degraded"}[healthy],
			"providers": providers,
		})
	}
}
