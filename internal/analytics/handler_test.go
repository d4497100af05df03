package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshots struct {
	list  []AggregatedStats
	err   error
	limit int
}

func (f *fakeSnapshots) ListSnapshots(_ context.Context, limit int) ([]AggregatedStats, error) {
	f.limit = limit
	return f.list, f.err
}

func serve(t *testing.T, h *Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandlerStatsTop(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < 15; i++ {
		agg.RecordSearch(SearchEvent{Type: EventSearch, Query: fmt.Sprintf("q%02d", i), ResultCount: 1, LatencyMs: 5})
	}
	h := NewHandler(agg, nil)

	rec := serve(t, h, "/api/v1/analytics/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats AggregatedStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.EqualValues(t, 15, stats.TotalSearches)
	assert.Len(t, stats.TopQueries, defaultTopQueries)

	rec = serve(t, h, "/api/v1/analytics/stats?top=3")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Len(t, stats.TopQueries, 3)
	assert.Equal(t, "q00", stats.TopQueries[0].Query)

	rec = serve(t, h, "/api/v1/analytics/stats?top=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerSnapshots(t *testing.T) {
	snaps := &fakeSnapshots{list: []AggregatedStats{{TotalSearches: 9}, {TotalSearches: 4}}}
	h := NewHandler(NewAggregator(), snaps)

	rec := serve(t, h, "/api/v1/analytics/snapshots?limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxSnapshotLimit, snaps.limit)
	var body struct {
		Snapshots []AggregatedStats `json:"snapshots"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Snapshots, 2)
	assert.EqualValues(t, 9, body.Snapshots[0].TotalSearches)

	serve(t, h, "/api/v1/analytics/snapshots")
	assert.Equal(t, defaultSnapshotLimit, snaps.limit)

	snaps.err = errors.New("db down")
	rec = serve(t, h, "/api/v1/analytics/snapshots")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandlerWithoutSnapshotsSkipsRoute(t *testing.T) {
	rec := serve(t, NewHandler(NewAggregator(), nil), "/api/v1/analytics/snapshots")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
