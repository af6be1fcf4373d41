package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"coldroom/monitor-server/internal/errorlog"
	"coldroom/monitor-server/internal/export"
	"coldroom/monitor-server/internal/ingest"
	"coldroom/monitor-server/internal/registry"
	"coldroom/monitor-server/internal/store"
)

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	env, err := ingest.ParseEnvelope(body, "")
	if err != nil {
		s.metrics.EnvelopeRejected("http")
		s.logger(r).Debug("envelope rejected", "remote", r.RemoteAddr, "error", err)
		s.fail(w, r, "ingest", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res, err := s.ingest.Ingest(ctx, env.DeviceID, env.Readings)
	if err != nil {
		s.fail(w, r, "ingest", err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: res.Message()})
}

func (s *Server) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	status, err := s.stats.LatestStatus(ctx, id)
	if err != nil {
		s.fail(w, r, "room status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRoomStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	rolling, err := s.stats.Rolling24h(ctx, id)
	if err != nil {
		s.fail(w, r, "room stats", err)
		return
	}
	writeJSON(w, http.StatusOK, rolling)
}

func (s *Server) handleRoomSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	snap, err := s.stats.RoomSnapshot(ctx, id)
	if err != nil {
		s.fail(w, r, "room snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRoomErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	limit := errorlog.DefaultRoomLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	errs, err := s.errors.ForRoom(ctx, id, limit)
	if err != nil {
		s.fail(w, r, "room errors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func (s *Server) handleLocationSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	summary, err := s.stats.LocationSummary(ctx, id)
	if err != nil {
		s.fail(w, r, "location summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	errs, err := s.errors.AllUnresolved(ctx)
	if err != nil {
		s.fail(w, r, "list errors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.errors.Resolve(ctx, id); err != nil {
		s.fail(w, r, "resolve error", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "success", Message: "Error marked as resolved"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	agg, err := export.ParseAggregation(q.Get("aggregation"))
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	from, err := export.ParseDate(q.Get("date_from"))
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	to, err := export.ParseDate(q.Get("date_to"))
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), exportTimeout)
	defer cancel()

	table, err := s.export.Export(ctx, export.Request{RoomID: id, From: from, To: to, Aggregation: agg})
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}
	file, err := s.export.Render(table, format)
	if err != nil {
		s.fail(w, r, "export", err)
		return
	}

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": file.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(file.Body); err != nil {
		s.logger(r).Warn("export write failed", "room_id", id, "error", err)
	}
}

// fail maps an error onto a status code and the JSON error body devices and dashboards expect.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	log := s.logger(r)
	switch {
	case errors.Is(err, ingest.ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, envelopeMessage(err))
	case errors.Is(err, export.ErrInvalidAggregation),
		errors.Is(err, export.ErrInvalidFormat),
		errors.Is(err, export.ErrInvalidDate):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, errorlog.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		log.Error(op+" failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		log.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func envelopeMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ingest.ErrInvalidEnvelope.Error()+": "); i >= 0 {
		return msg[i+len(ingest.ErrInvalidEnvelope.Error())+2:]
	}
	return msg
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "Not found")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, statusResponse{Status: "error", Message: message})
}
