package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
)

// RequestIDHeader carries the per-request correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// requestID reuses a caller-supplied id or mints a new one, echoing it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		r.Header.Set(RequestIDHeader, id)
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestIDFrom returns the correlation id attached by the middleware, if any.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) accessLog(_ io.Writer, p handlers.LogFormatterParams) {
	level := slog.LevelInfo
	switch {
	case p.StatusCode >= 500:
		level = slog.LevelError
	case p.URL.Path == "/healthz" || p.URL.Path == "/readyz":
		level = slog.LevelDebug
	}
	s.log.Log(p.Request.Context(), level, "http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"remote", p.Request.RemoteAddr,
		"request_id", p.Request.Header.Get(RequestIDHeader),
		"duration", time.Since(p.TimeStamp),
	)
}

func (s *Server) logger(r *http.Request) *slog.Logger {
	if id := RequestIDFrom(r.Context()); id != "" {
		return s.log.With("request_id", id)
	}
	return s.log
}
