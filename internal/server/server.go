// Package server implements the HTTP API surface: the storage
// engine's call surface exposed as a JSON API, routed with gorilla/mux
// so path parameters like series names can be extracted cleanly. This
// layer performs no business logic beyond request decoding, calling
// exactly one core operation, and response encoding.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kakoidb/kakoidb/internal/aggregate"
	"github.com/kakoidb/kakoidb/internal/duration"
	"github.com/kakoidb/kakoidb/internal/hotseries"
	"github.com/kakoidb/kakoidb/internal/metrics"
	"github.com/kakoidb/kakoidb/internal/model"
	"github.com/kakoidb/kakoidb/internal/snapshot"
	"github.com/kakoidb/kakoidb/internal/storage"
	"github.com/kakoidb/kakoidb/internal/version"
)

// Server is the HTTP API surface over a storage.Engine.
type Server struct {
	addr       string
	engine     *storage.Engine
	hot        *hotseries.Tracker
	snapshots  *snapshot.Manager
	metrics    *metrics.Collector
	log        zerolog.Logger
	httpServer *http.Server
	ready      atomic.Bool
}

// Option configures optional collaborators on a Server.
type Option func(*Server)

// WithHotSeriesTracker attaches the hot-series tracker backing
// GET /api/v1/series/{name}/hot.
func WithHotSeriesTracker(t *hotseries.Tracker) Option {
	return func(s *Server) { s.hot = t }
}

// WithSnapshotManager attaches the snapshot manager backing the
// /api/v1/backups endpoints.
func WithSnapshotManager(m *snapshot.Manager) Option {
	return func(s *Server) { s.snapshots = m }
}

// WithMetrics attaches a Prometheus metrics collector and mounts /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithLogger attaches a logger; the default is the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates an HTTP API server listening on addr once Start is called.
func New(addr string, engine *storage.Engine, opts ...Option) *Server {
	s := &Server{addr: addr, engine: engine, log: log.Logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReady flips the server's readiness flag, consulted by GET /readyz.
// The CLI entrypoint calls this once the storage engine is open and the
// janitor is running.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Router builds the mux.Router for the full API surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/series", s.handleListSeries).Methods(http.MethodGet).Name("list_series")
	api.HandleFunc("/series", s.handleCreateSeries).Methods(http.MethodPost).Name("create_series")
	api.HandleFunc("/series/{name}", s.handleGetSeries).Methods(http.MethodGet).Name("get_series")
	api.HandleFunc("/series/{name}", s.handleDeleteSeries).Methods(http.MethodDelete).Name("delete_series")
	api.HandleFunc("/series/{name}/points", s.handleQuery).Methods(http.MethodGet).Name("query")
	api.HandleFunc("/series/{name}/points", s.handleCreatePoint).Methods(http.MethodPost).Name("create_point")
	api.HandleFunc("/series/{name}/hot", s.handleHotSeries).Methods(http.MethodGet).Name("hot_series")
	api.HandleFunc("/backups", s.handleListBackups).Methods(http.MethodGet).Name("list_backups")
	api.HandleFunc("/backups", s.handleCreateBackup).Methods(http.MethodPost).Name("create_backup")
	api.HandleFunc("/backups/{id}", s.handleGetBackup).Methods(http.MethodGet).Name("get_backup")

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet).Name("healthz")
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet).Name("readyz")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Start runs the HTTP server until it is shut down. It blocks, returning
// nil on a graceful Shutdown and any other listen error otherwise.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Router()}
	s.log.Info().Str("addr", s.addr).Str("version", version.Version).Msg("server: listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops accepting new connections and waits for
// in-flight requests to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// --- handlers -------------------------------------------------------------

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListSeries()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	series, err := s.engine.GetSeries(name)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if series == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("series %q not found", name)})
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleCreateSeries(w http.ResponseWriter, r *http.Request) {
	var in model.NewSeries
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return
	}
	created, err := s.engine.CreateSeries(in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteSeries(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.engine.DeleteSeries(name); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	opts, err := parseQueryOptions(r.URL.Query())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	points, err := s.engine.Query(name, opts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleCreatePoint(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var in model.NewPoint
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body: " + err.Error()})
		return
	}
	p, err := s.engine.CreatePoint(name, in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleHotSeries(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.hot == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "hot-series tracking is disabled"})
		return
	}
	// A series that was never accessed still reports zeroed stats rather
	// than a 404; absence of traffic is an answer, not an error.
	stats, _ := s.hot.Stats(name)
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "backups are disabled"})
		return
	}
	metas, err := s.snapshots.List()
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "backups are disabled"})
		return
	}
	snap, err := snapshot.Capture(s.engine)
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	meta, err := s.snapshots.Create(snap)
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "backups are disabled"})
		return
	}
	id := mux.Vars(r)["id"]
	metas, err := s.snapshots.List()
	if err != nil {
		s.writeInternalError(w, err)
		return
	}
	for _, m := range metas {
		if m.ID == id {
			s.writeJSON(w, http.StatusOK, m)
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("backup %q not found", id)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, statusBody{Status: "not ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, statusBody{Status: "ready"})
}

// --- request/response plumbing --------------------------------------------

type errorBody struct {
	Error string `json:"error"`
}

type statusBody struct {
	Status string `json:"status"`
}

// parseQueryOptions decodes the since/until/aggregate_function/
// aggregate_over query-string parameters into model.QueryOptions.
func parseQueryOptions(q url.Values) (model.QueryOptions, error) {
	var opts model.QueryOptions

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid since: %w", err)
		}
		t = t.UTC()
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, fmt.Errorf("invalid until: %w", err)
		}
		t = t.UTC()
		opts.Until = &t
	}

	fn := q.Get("aggregate_function")
	over := q.Get("aggregate_over")
	if fn == "" && over == "" {
		return opts, nil
	}
	if fn == "" || over == "" {
		return opts, fmt.Errorf("aggregate_function and aggregate_over must both be set")
	}
	window, err := duration.Parse(over)
	if err != nil {
		return opts, fmt.Errorf("invalid aggregate_over: %w", err)
	}
	strat := aggregate.Strategy{Function: aggregate.Function(fn), Over: window}
	if err := strat.Validate(); err != nil {
		return opts, err
	}
	opts.Aggregate = &strat
	return opts, nil
}

// writeEngineError maps a core error to a response: SeriesMissing to 404,
// an inner storage failure to 500 (logged, message not embellished beyond
// its own text), and anything else, a pre-write validation failure, to 400.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var sme *storage.SeriesMissingError
	if errors.As(err, &sme) {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	var ie *storage.InnerError
	if errors.As(err, &ie) {
		s.log.Error().Err(err).Msg("server: storage error")
		s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

func (s *Server) writeInternalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("server: internal error")
	s.writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("server: failed to encode response")
	}
}

// --- instrumentation --------------------------------------------------------

// instrument logs one line per request and records HTTP metrics by route
// name, method, and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		dur := time.Since(start)

		route := routeName(r)
		s.log.Info().
			Str("route", route).
			Str("method", r.Method).
			Int("status", sw.status).
			Dur("duration", dur).
			Msg("server: request")

		if s.metrics != nil {
			status := strconv.Itoa(sw.status)
			s.metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, status).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur.Seconds())
		}
	})
}

func routeName(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "unknown"
	}
	if name := route.GetName(); name != "" {
		return name
	}
	if tmpl, err := route.GetPathTemplate(); err == nil {
		return tmpl
	}
	return "unknown"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
