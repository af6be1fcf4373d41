// Package api is the HTTP transport of the server: device ingestion, per-room status and
// statistics, the error log and exports.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"coldroom/monitor-server/internal/export"
	"coldroom/monitor-server/internal/ingest"
	"coldroom/monitor-server/internal/metrics"
	"coldroom/monitor-server/internal/model"
)

// Ingester runs decoded readings through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, deviceID string, readings []ingest.Reading) (ingest.Result, error)
}

// StatsEngine serves the derived per-room and per-location views.
type StatsEngine interface {
	LatestStatus(ctx context.Context, roomID int64) (model.LatestStatus, error)
	Rolling24h(ctx context.Context, roomID int64) (model.RollingStats, error)
	RoomSnapshot(ctx context.Context, roomID int64) (model.RoomSnapshot, error)
	LocationSummary(ctx context.Context, locationID int64) (model.LocationSummary, error)
}

// ErrorLog lists and resolves ingestion anomalies.
type ErrorLog interface {
	ForRoom(ctx context.Context, roomID int64, limit int) ([]model.IngestionError, error)
	AllUnresolved(ctx context.Context) ([]model.ErrorView, error)
	Resolve(ctx context.Context, id int64) error
}

// Exporter builds and serializes export tables.
type Exporter interface {
	Export(ctx context.Context, req export.Request) (export.Table, error)
	Render(t export.Table, format export.Format) (export.File, error)
}

// Pinger reports whether the backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires a Server. Metrics and Logger are optional; a zero Timeout selects DefaultTimeout.
type Deps struct {
	Ingest  Ingester
	Stats   StatsEngine
	Errors  ErrorLog
	Export  Exporter
	Health  Pinger
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Timeout time.Duration
}

// DefaultTimeout bounds the work of one request.
const DefaultTimeout = 5 * time.Second

// exportTimeout is longer since exports read unbounded ranges.
const exportTimeout = 30 * time.Second

// maxBodyBytes caps an ingestion request body.
const maxBodyBytes = 1 << 20

type Server struct {
	ingest  Ingester
	stats   StatsEngine
	errors  ErrorLog
	export  Exporter
	health  Pinger
	metrics *metrics.Metrics
	log     *slog.Logger
	timeout time.Duration
}

func New(d Deps) *Server {
	s := &Server{
		ingest:  d.Ingest,
		stats:   d.Stats,
		errors:  d.Errors,
		export:  d.Export,
		health:  d.Health,
		metrics: d.Metrics,
		log:     d.Logger,
		timeout: d.Timeout,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "api")
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s
}

// Handler returns the routed handler wrapped in request-id, access-log and recovery middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	s.route(r, "/healthz", "healthz", s.handleHealthz, http.MethodGet)
	s.route(r, "/readyz", "readyz", s.handleReadyz, http.MethodGet)

	s.route(r, "/api/data", "ingest", s.handleIngest, http.MethodPost)
	s.route(r, "/api/rooms/{id:[0-9]+}/status", "room_status", s.handleRoomStatus, http.MethodGet)
	s.route(r, "/api/rooms/{id:[0-9]+}/stats", "room_stats", s.handleRoomStats, http.MethodGet)
	s.route(r, "/api/rooms/{id:[0-9]+}/snapshot", "room_snapshot", s.handleRoomSnapshot, http.MethodGet)
	s.route(r, "/api/rooms/{id:[0-9]+}/errors", "room_errors", s.handleRoomErrors, http.MethodGet)
	s.route(r, "/api/rooms/{id:[0-9]+}/export", "room_export", s.handleExport, http.MethodGet)
	s.route(r, "/api/locations/{id:[0-9]+}/summary", "location_summary", s.handleLocationSummary, http.MethodGet)
	s.route(r, "/api/errors", "errors", s.handleErrors, http.MethodGet)
	s.route(r, "/api/errors/{id:[0-9]+}/resolve", "error_resolve", s.handleResolve, http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	var h http.Handler = r
	h = handlers.CustomLoggingHandler(nil, h, s.accessLog)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(s.log.Handler(), slog.LevelError)),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = requestID(h)
	return h
}

func (s *Server) route(r *mux.Router, path, name string, fn http.HandlerFunc, methods ...string) {
	r.Handle(path, s.metrics.WrapHandler(name, fn)).Methods(methods...).Name(name)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.health.Ping(ctx); err != nil {
		s.log.Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
