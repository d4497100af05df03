package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/XcloudFance/Verdant-Search/pkg/logger"
)

const (
	maxTopQueries        = 100
	defaultSnapshotLimit = 24
	maxSnapshotLimit     = 1000
)

// SnapshotLister returns persisted aggregates, newest first.
type SnapshotLister interface {
	ListSnapshots(ctx context.Context, limit int) ([]AggregatedStats, error)
}

// Handler serves the live aggregate and, when snapshots is set, its
// persisted history.
type Handler struct {
	aggregator *Aggregator
	snapshots  SnapshotLister
	logger     *slog.Logger
}

// NewHandler builds a Handler. snapshots may be nil when no database is
// configured; the history route is then not registered.
func NewHandler(aggregator *Aggregator, snapshots SnapshotLister) *Handler {
	return &Handler{
		aggregator: aggregator,
		snapshots:  snapshots,
		logger:     slog.Default().With("component", "analytics-handler"),
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/analytics/stats", h.Stats)
	if h.snapshots != nil {
		mux.HandleFunc("GET /api/v1/analytics/snapshots", h.Snapshots)
	}
}

// Stats writes the live aggregate. ?top=N sizes the query lists.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	top, ok := h.intParam(w, r, "top", defaultTopQueries, maxTopQueries)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.aggregator.StatsTop(top))
}

// Snapshots writes up to ?limit= persisted aggregates.
func (h *Handler) Snapshots(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intParam(w, r, "limit", defaultSnapshotLimit, maxSnapshotLimit)
	if !ok {
		return
	}
	list, err := h.snapshots.ListSnapshots(r.Context(), limit)
	if err != nil {
		logger.FromContext(r.Context()).Error("listing snapshots failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "listing snapshots failed"})
		return
	}
	if list == nil {
		list = []AggregatedStats{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"snapshots": list})
}

// intParam reads a positive integer query parameter, capped at ceiling.
func (h *Handler) intParam(w http.ResponseWriter, r *http.Request, name string, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": name + " must be a positive integer"})
		return 0, false
	}
	return min(v, ceiling), true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write analytics response", "error", err)
	}
}
