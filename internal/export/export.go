// Package export renders the stored series of a room as raw, hourly or daily tables in
// CSV or spreadsheet form.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"coldroom/monitor-server/internal/metrics"
	"coldroom/monitor-server/internal/model"
	"coldroom/monitor-server/internal/store"
)

var (
	ErrInvalidAggregation = errors.New("invalid aggregation")
	ErrInvalidFormat      = errors.New("invalid format")
	ErrInvalidDate        = errors.New("invalid date")
)

// Aggregation is the granularity of an export.
type Aggregation string

const (
	Full   Aggregation = "full"
	Hourly Aggregation = "hourly"
	Daily  Aggregation = "daily"
)

// Format is the file type of an export.
type Format string

const (
	CSV   Format = "csv"
	Excel Format = "excel"
)

const (
	dateLayout   = "2006-01-02"
	hourLayout   = "2006-01-02 15:04:05"
	unboundedTag = "all"
)

// ParseAggregation accepts full, hourly or daily. Empty selects full.
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(strings.ToLower(strings.TrimSpace(s))) {
	case "", Full:
		return Full, nil
	case Hourly:
		return Hourly, nil
	case Daily:
		return Daily, nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidAggregation, s)
	}
}

// ParseFormat accepts csv or excel (xlsx as an alias). Empty selects csv.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return CSV, nil
	case "excel", "xlsx":
		return Excel, nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidFormat, s)
	}
}

// ParseDate parses a YYYY-MM-DD calendar date. Empty yields nil, meaning unbounded.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w %q: want YYYY-MM-DD", ErrInvalidDate, s)
	}
	return &d, nil
}

// Request selects the room, inclusive calendar-date bounds and granularity of an export.
type Request struct {
	RoomID      int64
	From        *time.Time
	To          *time.Time
	Aggregation Aggregation
}

// Table is the typed result of an export before serialization. Exactly one of Samples and
// Buckets is populated, depending on the aggregation.
type Table struct {
	Room        model.Room
	From        *time.Time
	To          *time.Time
	Aggregation Aggregation
	Samples     []model.Sample
	Buckets     []model.AggregateRow
}

// Source is the store surface the engine reads from.
type Source interface {
	Room(ctx context.Context, roomID int64) (model.Room, error)
	ReadFiltered(ctx context.Context, roomID int64, rng store.DateRange) ([]model.Sample, error)
	Aggregate(ctx context.Context, roomID int64, rng store.DateRange, bucket store.Bucket) ([]model.AggregateRow, error)
}

type Engine struct {
	src          Source
	excelEnabled bool
	metrics      *metrics.Metrics
	log          *slog.Logger
}

// New builds an engine. With excelEnabled false every spreadsheet request is served as CSV.
func New(src Source, excelEnabled bool, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		src:          src,
		excelEnabled: excelEnabled,
		metrics:      m,
		log:          logger.With("component", "export"),
	}
}

// Export reads the rows of a request. Raw samples keep full precision; buckets are rounded
// to one decimal.
func (e *Engine) Export(ctx context.Context, req Request) (Table, error) {
	if req.Aggregation == "" {
		req.Aggregation = Full
	}
	room, err := e.src.Room(ctx, req.RoomID)
	if err != nil {
		return Table{}, fmt.Errorf("export room %d: %w", req.RoomID, err)
	}

	rng := store.DateRange{}
	if req.From != nil {
		rng.From = *req.From
	}
	if req.To != nil {
		rng.To = *req.To
	}

	t := Table{Room: room, From: req.From, To: req.To, Aggregation: req.Aggregation}
	switch req.Aggregation {
	case Full:
		t.Samples, err = e.src.ReadFiltered(ctx, room.ID, rng)
	case Hourly:
		t.Buckets, err = e.src.Aggregate(ctx, room.ID, rng, store.BucketHour)
	case Daily:
		t.Buckets, err = e.src.Aggregate(ctx, room.ID, rng, store.BucketDay)
	default:
		return Table{}, fmt.Errorf("%w %q", ErrInvalidAggregation, req.Aggregation)
	}
	if err != nil {
		return Table{}, fmt.Errorf("export room %d: %w", req.RoomID, err)
	}

	for i := range t.Buckets {
		b := &t.Buckets[i]
		b.Avg, b.Min, b.Max = round1(b.Avg), round1(b.Min), round1(b.Max)
	}
	return t, nil
}

// File is a rendered export ready to be sent as an attachment.
type File struct {
	Name        string
	ContentType string
	Format      Format
	Body        []byte
}

const (
	csvContentType   = "text/csv; charset=utf-8"
	excelContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Render serializes a table. A spreadsheet request degrades to CSV when spreadsheets are
// disabled or the spreadsheet writer fails; the returned File reports the effective format.
func (e *Engine) Render(t Table, format Format) (File, error) {
	fellBack := false
	if format == Excel {
		if e.excelEnabled {
			body, err := writeXLSX(t)
			if err == nil {
				e.metrics.Export(string(Excel), string(t.Aggregation), false)
				return File{Name: Filename(t, Excel), ContentType: excelContentType, Format: Excel, Body: body}, nil
			}
			e.log.Warn("spreadsheet export failed, falling back to csv", "room_id", t.Room.ID, "error", err)
		} else {
			e.log.Debug("spreadsheet export disabled, serving csv", "room_id", t.Room.ID)
		}
		fellBack = true
	}

	body, err := writeCSV(t)
	if err != nil {
		return File{}, fmt.Errorf("render csv: %w", err)
	}
	e.metrics.Export(string(CSV), string(t.Aggregation), fellBack)
	return File{Name: Filename(t, CSV), ContentType: csvContentType, Format: CSV, Body: body}, nil
}

// Filename builds <room>_<aggregation>_<from>_to_<to>.<ext>, with "all" for an open bound.
func Filename(t Table, format Format) string {
	ext := "csv"
	if format == Excel {
		ext = "xlsx"
	}
	name := strings.NewReplacer("/", "_", `\`, "_").Replace(t.Room.Name)
	return fmt.Sprintf("%s_%s_%s_to_%s.%s", name, t.Aggregation, dateTag(t.From), dateTag(t.To), ext)
}

func dateTag(d *time.Time) string {
	if d == nil {
		return unboundedTag
	}
	return d.Format(dateLayout)
}

func header(agg Aggregation) []string {
	if agg == Full {
		return []string{"Timestamp", "Temperature (°C)"}
	}
	return []string{
		"Timestamp",
		"Average Temperature (°C)",
		"Min Temperature (°C)",
		"Max Temperature (°C)",
		"Number of Readings",
	}
}

func bucketLabel(agg Aggregation, ts time.Time) string {
	if agg == Daily {
		return ts.Format(dateLayout)
	}
	return ts.Format(hourLayout)
}

func formatRaw(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatRounded(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
