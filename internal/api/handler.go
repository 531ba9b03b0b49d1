package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/opensource-finance/ballotwatch/internal/alert"
	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/ensemble"
	"github.com/opensource-finance/ballotwatch/internal/metrics"
	"github.com/opensource-finance/ballotwatch/internal/scoring"
	"github.com/opensource-finance/ballotwatch/internal/worker"
)

const (
	defaultAlertLimit = 50
	maxBodyBytes      = 1 << 20
)

// Scorer scores votes synchronously.
type Scorer interface {
	Submit(ctx context.Context, ev *domain.VoteEvent) scoring.Result
	Ready() bool
}

// ModelLoader reloads the model bundle.
type ModelLoader interface {
	Load(dir string) (*ensemble.Model, error)
}

// Deps are the collaborators of the HTTP handlers. Repo, Cache, Bus and
// Models are optional.
type Deps struct {
	Scorer    Scorer
	Alerts    *alert.Distributor
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Models    ModelLoader
	BundleDir string
	Version   string
}

// Handler contains HTTP handlers for the API.
type Handler struct {
	deps    Deps
	started time.Time
	clients atomic.Int64
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:    deps,
		started: time.Now(),
	}
}

// AnalyzeVote handles POST /analyze-vote and returns the verdict inline.
func (h *Handler) AnalyzeVote(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.decodeVote(w, r)
	if !ok {
		return
	}

	res := h.deps.Scorer.Submit(r.Context(), ev)
	if res.Degraded() {
		slog.Warn("vote scored in degraded mode",
			"vote_id", ev.VoteID,
			"trace_id", GetTraceID(r.Context()),
			"error", res.Err,
		)
	}
	writeJSON(w, http.StatusOK, res.Verdict)
}

// IngestResponse acknowledges an asynchronously scored vote.
type IngestResponse struct {
	VoteID string `json:"vote_id"`
	Status string `json:"status"`
}

// IngestVote handles POST /votes: the vote is queued on the bus and scored
// by the worker.
func (h *Handler) IngestVote(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	ev, ok := h.decodeVote(w, r)
	if !ok {
		return
	}

	payload, err := worker.EncodeVote(ev)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode vote")
		return
	}
	if err := h.deps.Bus.Publish(r.Context(), domain.TopicVoteIngested, payload); err != nil {
		slog.Error("failed to queue vote",
			"vote_id", ev.VoteID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "failed to queue vote")
		return
	}

	writeJSON(w, http.StatusAccepted, IngestResponse{VoteID: ev.VoteID, Status: "queued"})
}

func (h *Handler) decodeVote(w http.ResponseWriter, r *http.Request) (*domain.VoteEvent, bool) {
	var req domain.VoteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	ev, err := req.ToVoteEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return ev, true
}

// AlertsResponse lists recent alerts.
type AlertsResponse struct {
	Alerts      []*domain.Alert `json:"alerts"`
	TotalAlerts uint64          `json:"total_alerts"`
}

// ListAlerts handles GET /alerts?limit=50.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, AlertsResponse{
		Alerts:      h.deps.Alerts.Recent(limit),
		TotalAlerts: h.deps.Alerts.Stats().TotalAlerts,
	})
}

// StatsResponse is the live status of the engine.
type StatsResponse struct {
	ConnectedSubscribers int    `json:"connected_subscribers"`
	ConnectedClients     int64  `json:"connected_clients"`
	TotalAlerts          uint64 `json:"total_alerts"`
	ModelLoaded          bool   `json:"model_loaded"`
	Uptime               string `json:"uptime"`
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	s := h.deps.Alerts.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		ConnectedSubscribers: s.ConnectedSubscribers,
		ConnectedClients:     h.clients.Load(),
		TotalAlerts:          s.TotalAlerts,
		ModelLoaded:          h.deps.Scorer.Ready(),
		Uptime:               time.Since(h.started).Round(time.Second).String(),
	})
}

// GetVerdict handles GET /verdicts/{voteID}. The cache is consulted before
// the repository.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	voteID := chi.URLParam(r, "voteID")
	ctx := r.Context()

	if h.deps.Cache != nil {
		v, err := h.deps.Cache.GetVerdict(ctx, voteID)
		if err != nil {
			slog.Warn("verdict cache lookup failed", "vote_id", voteID, "error", err)
		}
		if v != nil {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	if h.deps.Repo == nil {
		writeError(w, http.StatusNotFound, "verdict not found")
		return
	}

	v, err := h.deps.Repo.GetVerdict(ctx, voteID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "verdict not found")
		return
	}
	if err != nil {
		slog.Error("failed to load verdict", "vote_id", voteID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load verdict")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ReloadModel handles POST /model/reload.
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	if h.deps.Models == nil {
		writeError(w, http.StatusServiceUnavailable, "model reload not available")
		return
	}

	m, err := h.deps.Models.Load(h.deps.BundleDir)
	if err != nil {
		slog.Error("model reload failed", "dir", h.deps.BundleDir, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrModelArtifactMissing) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	metrics.SetModelLoaded(true)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "reloaded",
		"model_version":   m.Metadata.ModelVersion,
		"training_date":   m.Metadata.TrainingDate,
		"feature_columns": m.Metadata.FeatureColumns,
	})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string)
	status := "healthy"

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			status = "degraded"
			return
		}
		checks[name] = "healthy"
	}
	if h.deps.Repo != nil {
		check("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		check("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		check("event_bus", h.deps.Bus.Ping)
	}
	if h.deps.Scorer.Ready() {
		checks["model"] = "loaded"
	} else {
		checks["model"] = "not loaded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   h.deps.Version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// Ready handles GET /ready. It reports 503 until a model is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Scorer.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready":  "false",
			"reason": domain.ErrModelNotTrained.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
