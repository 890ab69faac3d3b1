package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kakoidb/kakoidb/internal/hotseries"
	"github.com/kakoidb/kakoidb/internal/kv"
	"github.com/kakoidb/kakoidb/internal/model"
	"github.com/kakoidb/kakoidb/internal/snapshot"
	"github.com/kakoidb/kakoidb/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := kv.Open(path)
	require.NoError(t, err)
	engine := storage.New(store)
	t.Cleanup(func() { engine.Close() })

	snapMgr, err := snapshot.NewManager(t.TempDir())
	require.NoError(t, err)

	return New("", engine, WithSnapshotManager(snapMgr))
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_CreateAndGetSeries(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/series", model.NewSeries{Name: "t"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/series/t", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.Series
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t", got.Name)
}

func TestServer_GetSeries_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/series/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CreatePoint_SeriesMissing(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/series/missing/points", model.NewPoint{Time: time.Now(), Value: 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_WriteAndQueryPoints(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/v1/series", model.NewSeries{Name: "t"})

	ts := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/series/t/points", model.NewPoint{Time: ts, Value: 3.5})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/series/t/points", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var points []model.Point
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	require.Len(t, points, 1)
	assert.Equal(t, 3.5, points[0].Value)
}

func TestServer_QueryAggregateRejectsBadWindow(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/v1/series", model.NewSeries{Name: "t"})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/series/t/points?aggregate_function=max&aggregate_over=not-a-duration", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DeleteSeries(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/v1/series", model.NewSeries{Name: "t"})

	rec := doRequest(t, s, http.MethodDelete, "/api/v1/series/t", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/series/t", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HotSeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := kv.Open(path)
	require.NoError(t, err)
	tracker := hotseries.New(10, 0)
	engine := storage.New(store, storage.WithHotSeriesTracker(tracker))
	t.Cleanup(func() { engine.Close() })
	s := New("", engine, WithHotSeriesTracker(tracker))

	doRequest(t, s, http.MethodPost, "/api/v1/series", model.NewSeries{Name: "t"})
	doRequest(t, s, http.MethodPost, "/api/v1/series/t/points", model.NewPoint{Time: time.Now(), Value: 1})
	doRequest(t, s, http.MethodGet, "/api/v1/series/t/points", nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/series/t/hot", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats hotseries.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "t", stats.Series)
	assert.Equal(t, int64(1), stats.Writes)
	assert.Equal(t, int64(1), stats.Queries)
	assert.Equal(t, 2.0, stats.Score)
}

func TestServer_HotSeries_DisabledWithoutTracker(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/series/t/hot", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HealthAndReady(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetReady(true)
	rec = doRequest(t, s, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Backups(t *testing.T) {
	s := newTestServer(t)
	doRequest(t, s, http.MethodPost, "/api/v1/series", model.NewSeries{Name: "t"})

	rec := doRequest(t, s, http.MethodPost, "/api/v1/backups", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var meta snapshot.Meta
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	require.NotEmpty(t, meta.ID)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/backups", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/backups/"+meta.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
