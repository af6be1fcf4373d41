package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coldroom/monitor-server/internal/model"
)

// DateRange bounds an export by calendar date, inclusive on both ends.
// A zero From or To leaves that side open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Bucket selects the grouping granularity for Aggregate.
type Bucket int

const (
	BucketHour Bucket = iota
	BucketDay
)

func (b Bucket) expr() string {
	if b == BucketDay {
		return `date(timestamp)`
	}
	return `strftime('%Y-%m-%d %H:00:00', timestamp)`
}

// AppendSample persists one temperature reading. A zero ts records the current time. A room
// that no longer exists yields ErrNotFound.
func (s *Store) AppendSample(ctx context.Context, roomID int64, temperature float64, ts time.Time) error {
	if err := s.ready("append sample"); err != nil {
		return err
	}
	if ts.IsZero() {
		ts = time.Now()
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO temperature_data (cold_room_id, temperature, timestamp) VALUES (?, ?, ?);`,
		roomID, temperature, formatTime(ts))
	if err != nil {
		return classify("insert sample", err)
	}
	return nil
}

// ReadSamples returns the newest samples of a room, newest first, aged against now.
// A non-positive limit returns every sample.
func (s *Store) ReadSamples(ctx context.Context, roomID int64, limit int, now time.Time) ([]model.StoredSample, error) {
	query := `SELECT temperature, timestamp FROM temperature_data
		WHERE cold_room_id = ?
		ORDER BY timestamp DESC, id DESC`
	args := []any{roomID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.querySamples(ctx, "read samples", query, args, now)
}

// ReadSamplesSince returns samples with timestamp >= since, newest first, aged against now.
func (s *Store) ReadSamplesSince(ctx context.Context, roomID int64, since, now time.Time) ([]model.StoredSample, error) {
	query := `SELECT temperature, timestamp FROM temperature_data
		WHERE cold_room_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC, id DESC`
	return s.querySamples(ctx, "read window", query, []any{roomID, formatTime(since)}, now)
}

func (s *Store) querySamples(ctx context.Context, op, query string, args []any, now time.Time) ([]model.StoredSample, error) {
	if err := s.ready(op); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var samples []model.StoredSample
	for rows.Next() {
		var (
			temperature float64
			tsStr       string
		)
		if err := rows.Scan(&temperature, &tsStr); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		ts := parseTime(tsStr)
		samples = append(samples, model.StoredSample{
			Temperature: temperature,
			Timestamp:   ts,
			AgeSeconds:  now.Sub(ts).Seconds(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return samples, nil
}

// ReadFiltered returns the raw samples of a room inside rng, newest first.
func (s *Store) ReadFiltered(ctx context.Context, roomID int64, rng DateRange) ([]model.Sample, error) {
	if err := s.ready("read filtered"); err != nil {
		return nil, err
	}

	where, args := rangeClause(roomID, rng)
	query := `SELECT temperature, timestamp FROM temperature_data WHERE ` + where +
		` ORDER BY timestamp DESC, id DESC;`

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("read filtered", err)
	}
	defer rows.Close()

	var samples []model.Sample
	for rows.Next() {
		var (
			temperature float64
			tsStr       string
		)
		if err := rows.Scan(&temperature, &tsStr); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, model.Sample{RoomID: roomID, Temperature: temperature, Timestamp: parseTime(tsStr)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("read filtered", err)
	}
	return samples, nil
}

// Aggregate groups the samples of a room inside rng by hour or day, newest bucket first.
func (s *Store) Aggregate(ctx context.Context, roomID int64, rng DateRange, bucket Bucket) ([]model.AggregateRow, error) {
	if err := s.ready("aggregate"); err != nil {
		return nil, err
	}

	where, args := rangeClause(roomID, rng)
	expr := bucket.expr()
	query := `SELECT ` + expr + ` AS bucket, AVG(temperature), MIN(temperature), MAX(temperature), COUNT(*)
		FROM temperature_data
		WHERE ` + where + `
		GROUP BY ` + expr + `
		ORDER BY bucket DESC;`

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("aggregate", err)
	}
	defer rows.Close()

	var out []model.AggregateRow
	for rows.Next() {
		var (
			bucketStr string
			row       model.AggregateRow
		)
		if err := rows.Scan(&bucketStr, &row.Avg, &row.Min, &row.Max, &row.Readings); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		row.Bucket = parseTime(bucketStr)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("aggregate", err)
	}
	return out, nil
}

func rangeClause(roomID int64, rng DateRange) (string, []any) {
	clauses := []string{"cold_room_id = ?"}
	args := []any{roomID}
	if !rng.From.IsZero() {
		clauses = append(clauses, "date(timestamp) >= ?")
		args = append(args, formatDate(rng.From))
	}
	if !rng.To.IsZero() {
		clauses = append(clauses, "date(timestamp) <= ?")
		args = append(args, formatDate(rng.To))
	}
	return strings.Join(clauses, " AND "), args
}
