package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coldroom/monitor-server/internal/model"
)

// InsertIngestionError appends an anomaly record and returns its id.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) (int64, error) {
	if err := s.ready("insert ingestion error"); err != nil {
		return 0, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_errors (device_id, sensor_id, error_type, error_message, timestamp) VALUES (?, ?, ?, ?, ?);`,
		e.DeviceID, e.SensorID, string(e.Kind), e.Message, formatTime(e.Timestamp))
	if err != nil {
		return 0, unavailable("insert ingestion error", err)
	}
	return res.LastInsertId()
}

// UnresolvedErrorsForSensor lists unresolved errors logged against sensorID, newest first.
func (s *Store) UnresolvedErrorsForSensor(ctx context.Context, sensorID string, limit int) ([]model.IngestionError, error) {
	if err := s.ready("query sensor errors"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, sensor_id, error_type, error_message, timestamp, resolved
		 FROM ingestion_errors
		 WHERE sensor_id = ? AND resolved = 0
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?;`,
		sensorID, limit)
	if err != nil {
		return nil, unavailable("query sensor errors", err)
	}
	defer rows.Close()

	var out []model.IngestionError
	for rows.Next() {
		var (
			e        model.IngestionError
			sensor   sql.NullString
			kind     string
			tsStr    string
			resolved int
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &sensor, &kind, &e.Message, &tsStr, &resolved); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		e.SensorID = sensor.String
		e.Kind = model.ErrorKind(kind)
		e.Timestamp = parseTime(tsStr)
		e.Resolved = resolved != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate sensor errors", err)
	}
	return out, nil
}

// UnresolvedErrors lists every unresolved error, newest first, joined to the room and
// location currently holding the error's sensor id.
func (s *Store) UnresolvedErrors(ctx context.Context) ([]model.ErrorView, error) {
	if err := s.ready("query unresolved errors"); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.device_id, e.sensor_id, e.error_type, e.error_message, e.timestamp,
		        c.name, l.name
		 FROM ingestion_errors e
		 LEFT JOIN cold_rooms c ON e.sensor_id = c.sensor_id
		 LEFT JOIN locations l ON c.location_id = l.id
		 WHERE e.resolved = 0
		 ORDER BY e.timestamp DESC, e.id DESC;`)
	if err != nil {
		return nil, unavailable("query unresolved errors", err)
	}
	defer rows.Close()

	var out []model.ErrorView
	for rows.Next() {
		var (
			v        model.ErrorView
			sensor   sql.NullString
			kind     string
			tsStr    string
			roomName sql.NullString
			locName  sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.DeviceID, &sensor, &kind, &v.Message, &tsStr, &roomName, &locName); err != nil {
			return nil, fmt.Errorf("scan unresolved error: %w", err)
		}
		v.SensorID = sensor.String
		v.Kind = model.ErrorKind(kind)
		v.Timestamp = parseTime(tsStr)
		v.RoomName = "Unknown Room"
		if roomName.Valid {
			v.RoomName = roomName.String
		}
		v.LocationName = "Unknown Location"
		if locName.Valid {
			v.LocationName = locName.String
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate unresolved errors", err)
	}
	return out, nil
}

// ResolveIngestionError flags an error as resolved. Resolving twice is a no-op;
// an unknown id yields ErrNotFound.
func (s *Store) ResolveIngestionError(ctx context.Context, id int64) error {
	if err := s.ready("resolve ingestion error"); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE ingestion_errors SET resolved = 1 WHERE id = ?;`, id)
	if err != nil {
		return unavailable("resolve ingestion error", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ingestion error %d: %w", id, ErrNotFound)
	}
	return nil
}

// IngestionErrorByID returns one error record regardless of its resolved flag.
func (s *Store) IngestionErrorByID(ctx context.Context, id int64) (model.IngestionError, error) {
	if err := s.ready("get ingestion error"); err != nil {
		return model.IngestionError{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		e        model.IngestionError
		sensor   sql.NullString
		kind     string
		tsStr    string
		resolved int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, sensor_id, error_type, error_message, timestamp, resolved
		 FROM ingestion_errors WHERE id = ?;`, id).
		Scan(&e.ID, &e.DeviceID, &sensor, &kind, &e.Message, &tsStr, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IngestionError{}, fmt.Errorf("ingestion error %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.IngestionError{}, unavailable("get ingestion error", err)
	}
	e.SensorID = sensor.String
	e.Kind = model.ErrorKind(kind)
	e.Timestamp = parseTime(tsStr)
	e.Resolved = resolved != 0
	return e, nil
}
