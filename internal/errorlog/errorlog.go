// Package errorlog records ingestion anomalies and serves them back per room and globally.
package errorlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coldroom/monitor-server/internal/metrics"
	"coldroom/monitor-server/internal/model"
	"coldroom/monitor-server/internal/store"
)

// ErrNotFound is returned by Resolve for an id that was never logged.
var ErrNotFound = errors.New("ingestion error not found")

// DefaultRoomLimit caps ForRoom when the caller passes a non-positive limit.
const DefaultRoomLimit = 10

// Backend is the subset of the store the error log reads and writes.
type Backend interface {
	InsertIngestionError(ctx context.Context, e model.IngestionError) (int64, error)
	UnresolvedErrorsForSensor(ctx context.Context, sensorID string, limit int) ([]model.IngestionError, error)
	UnresolvedErrors(ctx context.Context) ([]model.ErrorView, error)
	ResolveIngestionError(ctx context.Context, id int64) error
	Room(ctx context.Context, roomID int64) (model.Room, error)
}

type Log struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(backend Backend, logger *slog.Logger, m *metrics.Metrics) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		backend: backend,
		logger:  logger.With("component", "errorlog"),
		metrics: m,
		now:     time.Now,
	}
}

// Record appends an anomaly. It never fails the caller: write failures are logged
// and counted, then dropped.
func (l *Log) Record(ctx context.Context, deviceID, sensorID string, kind model.ErrorKind, message string) {
	entry := model.IngestionError{
		DeviceID:  deviceID,
		SensorID:  sensorID,
		Kind:      kind,
		Message:   message,
		Timestamp: l.now(),
	}
	// The record outlives the request that produced it.
	if _, err := l.backend.InsertIngestionError(context.WithoutCancel(ctx), entry); err != nil {
		l.metrics.ErrorLogWriteFailed()
		l.logger.Error("record ingestion error",
			"device", deviceID,
			"sensor_id", sensorID,
			"kind", kind,
			"message", message,
			"error", err,
		)
		return
	}
	l.logger.Debug("ingestion error recorded", "device", deviceID, "sensor_id", sensorID, "kind", kind)
}

// ForRoom returns unresolved errors logged against the room's current sensor id, newest first.
// A room that does not exist or holds no sensor id has no errors.
func (l *Log) ForRoom(ctx context.Context, roomID int64, limit int) ([]model.IngestionError, error) {
	if limit <= 0 {
		limit = DefaultRoomLimit
	}
	room, err := l.backend.Room(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return []model.IngestionError{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("errors for room %d: %w", roomID, err)
	}
	if room.SensorID == nil || *room.SensorID == "" {
		return []model.IngestionError{}, nil
	}

	out, err := l.backend.UnresolvedErrorsForSensor(ctx, *room.SensorID, limit)
	if err != nil {
		return nil, fmt.Errorf("errors for room %d: %w", roomID, err)
	}
	if out == nil {
		out = []model.IngestionError{}
	}
	return out, nil
}

// AllUnresolved lists every unresolved error newest first, attributed to the room that
// currently holds each sensor id.
func (l *Log) AllUnresolved(ctx context.Context) ([]model.ErrorView, error) {
	out, err := l.backend.UnresolvedErrors(ctx)
	if err != nil {
		return nil, fmt.Errorf("unresolved errors: %w", err)
	}
	if out == nil {
		out = []model.ErrorView{}
	}
	return out, nil
}

// Resolve marks an error resolved. Repeating it for the same id is a no-op.
func (l *Log) Resolve(ctx context.Context, id int64) error {
	err := l.backend.ResolveIngestionError(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolve %d: %w", id, err)
	}
	l.logger.Info("ingestion error resolved", "id", id)
	return nil
}
