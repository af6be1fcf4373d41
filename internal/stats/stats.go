// Package stats derives liveness, rolling 24h statistics, trend direction and
// location-wide summaries from stored samples. Staleness is always computed
// against the evaluation instant, never cached.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"coldroom/monitor-server/internal/model"
)

const (
	// LiveThresholdSeconds is the oldest a newest sample may be for its room to count as live.
	LiveThresholdSeconds = 900
	// Window is the span of the rolling statistics.
	Window = 24 * time.Hour
	// ChartLimit caps the sparkline series to the newest samples of the window.
	ChartLimit = 48
	// SnapshotErrorLimit is how many unresolved errors a room snapshot carries.
	SnapshotErrorLimit = 3

	trendSpan      = 5
	trendThreshold = 0.5
	displayLayout  = "02-01-2006 15:04:05"
)

// IsLive reports whether a sample of the given age is current.
func IsLive(ageSeconds float64) bool {
	return ageSeconds <= LiveThresholdSeconds
}

// ClassifyTrend compares the mean of the first five values of a newest-first window with the
// mean of its last five. Fewer than two values is always stable.
func ClassifyTrend(newestFirst []float64) model.Trend {
	if len(newestFirst) < 2 {
		return model.TrendStable
	}
	n := trendSpan
	if len(newestFirst) < n {
		n = len(newestFirst)
	}
	recent := mean(newestFirst[:n])
	older := mean(newestFirst[len(newestFirst)-n:])

	switch {
	case recent > older+trendThreshold:
		return model.TrendRising
	case recent < older-trendThreshold:
		return model.TrendFalling
	default:
		return model.TrendStable
	}
}

// Range is the inclusive temperature band considered normal.
type Range struct {
	Min float64
	Max float64
}

// DefaultRange is the band used when none is configured.
var DefaultRange = Range{Min: -5, Max: 5}

// ClassifyBand maps a room's current status onto normal, alert or offline.
func ClassifyBand(status model.LatestStatus, r Range) model.Band {
	if !status.IsLive || status.Temperature == nil {
		return model.BandOffline
	}
	t := *status.Temperature
	if t >= r.Min && t <= r.Max {
		return model.BandNormal
	}
	return model.BandAlert
}

// Store is the read side of the time-series store and registry used by the engine.
type Store interface {
	ReadSamples(ctx context.Context, roomID int64, limit int, now time.Time) ([]model.StoredSample, error)
	ReadSamplesSince(ctx context.Context, roomID int64, since, now time.Time) ([]model.StoredSample, error)
	Room(ctx context.Context, roomID int64) (model.Room, error)
	Location(ctx context.Context, locationID int64) (model.Location, error)
	RoomsByLocation(ctx context.Context, locationID int64) ([]model.Room, error)
}

// ErrorSource supplies the unresolved errors shown alongside a room.
type ErrorSource interface {
	ForRoom(ctx context.Context, roomID int64, limit int) ([]model.IngestionError, error)
}

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	Band Range
	Now  func() time.Time
}

// Engine computes derived views on demand. It holds no mutable state.
type Engine struct {
	store  Store
	errors ErrorSource
	band   Range
	now    func() time.Time
}

// New builds an engine. errs may be nil, in which case snapshots carry no errors.
func New(st Store, errs ErrorSource, opts Options) *Engine {
	e := &Engine{store: st, errors: errs, band: opts.Band, now: opts.Now}
	if e.band == (Range{}) {
		e.band = DefaultRange
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// clock returns the current time at the second precision samples are stored with, so a
// sample's age is never inflated by the sub-second part of now.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Second)
}

// Band returns the configured normal range.
func (e *Engine) Band() Range { return e.band }

// LatestStatus reads the newest sample of a room. A stale sample keeps its timestamp and age
// but its temperature is withheld.
func (e *Engine) LatestStatus(ctx context.Context, roomID int64) (model.LatestStatus, error) {
	samples, err := e.store.ReadSamples(ctx, roomID, 1, e.clock())
	if err != nil {
		return model.LatestStatus{}, fmt.Errorf("latest status for room %d: %w", roomID, err)
	}
	if len(samples) == 0 {
		return model.LatestStatus{}, nil
	}
	return statusOf(samples[0]), nil
}

func statusOf(s model.StoredSample) model.LatestStatus {
	ts := s.Timestamp
	minutes := round1(s.AgeSeconds / 60)
	status := model.LatestStatus{
		Timestamp:  &ts,
		IsLive:     IsLive(s.AgeSeconds),
		MinutesAgo: &minutes,
	}
	if status.IsLive {
		temp := s.Temperature
		status.Temperature = &temp
	}
	return status
}

// Rolling24h summarises the samples of the trailing 24 hours.
func (e *Engine) Rolling24h(ctx context.Context, roomID int64) (model.RollingStats, error) {
	now := e.clock()
	samples, err := e.store.ReadSamplesSince(ctx, roomID, now.Add(-Window), now)
	if err != nil {
		return model.RollingStats{}, fmt.Errorf("rolling stats for room %d: %w", roomID, err)
	}
	return rollingOf(samples), nil
}

func rollingOf(newestFirst []model.StoredSample) model.RollingStats {
	out := model.RollingStats{
		Trend:   model.TrendStable,
		Samples: []model.ChartPoint{},
		Window:  []float64{},
	}
	if len(newestFirst) == 0 {
		return out
	}

	temps := make([]float64, len(newestFirst))
	for i, s := range newestFirst {
		temps[i] = s.Temperature
	}
	lo, hi := bounds(temps)
	avg, minT, maxT := round1(mean(temps)), round1(lo), round1(hi)

	out.Avg, out.Min, out.Max = &avg, &minT, &maxT
	out.Count = len(temps)
	out.Trend = ClassifyTrend(temps)
	out.Window = temps

	n := len(newestFirst)
	if n > ChartLimit {
		n = ChartLimit
	}
	out.Samples = make([]model.ChartPoint, n)
	for i := 0; i < n; i++ {
		out.Samples[i] = model.ChartPoint{
			Temperature: newestFirst[i].Temperature,
			Time:        newestFirst[i].Timestamp.Format(displayLayout),
		}
	}
	return out
}

// RoomSnapshot bundles status, rolling statistics, band and recent errors for one room.
func (e *Engine) RoomSnapshot(ctx context.Context, roomID int64) (model.RoomSnapshot, error) {
	room, err := e.store.Room(ctx, roomID)
	if err != nil {
		return model.RoomSnapshot{}, fmt.Errorf("snapshot room %d: %w", roomID, err)
	}
	return e.snapshot(ctx, room)
}

func (e *Engine) snapshot(ctx context.Context, room model.Room) (model.RoomSnapshot, error) {
	status, err := e.LatestStatus(ctx, room.ID)
	if err != nil {
		return model.RoomSnapshot{}, err
	}
	rolling, err := e.Rolling24h(ctx, room.ID)
	if err != nil {
		return model.RoomSnapshot{}, err
	}
	snap := model.RoomSnapshot{
		Room:   room,
		Status: status,
		Stats:  rolling,
		Band:   ClassifyBand(status, e.band),
	}
	if e.errors != nil {
		errs, err := e.errors.ForRoom(ctx, room.ID, SnapshotErrorLimit)
		if err != nil {
			return model.RoomSnapshot{}, err
		}
		snap.Errors = errs
	}
	return snap, nil
}

// LocationSummary snapshots every room of a location and combines them.
func (e *Engine) LocationSummary(ctx context.Context, locationID int64) (model.LocationSummary, error) {
	loc, err := e.store.Location(ctx, locationID)
	if err != nil {
		return model.LocationSummary{}, fmt.Errorf("summary for location %d: %w", locationID, err)
	}
	rooms, err := e.store.RoomsByLocation(ctx, locationID)
	if err != nil {
		return model.LocationSummary{}, fmt.Errorf("summary for location %d: %w", locationID, err)
	}

	snaps := make([]model.RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		snap, err := e.snapshot(ctx, room)
		if err != nil {
			return model.LocationSummary{}, fmt.Errorf("summary for location %d: %w", locationID, err)
		}
		snaps = append(snaps, snap)
	}
	return model.LocationSummary{Location: loc, Rooms: snaps, Combined: Combine(snaps)}, nil
}

// Combine aggregates room snapshots. Only live rooms feed the live temperature and last update;
// every room's 24h window feeds the pooled mean, min and max.
func Combine(snaps []model.RoomSnapshot) model.CombinedStats {
	out := model.CombinedStats{TotalCount: len(snaps)}

	var live, pooled []float64
	var latest *model.LatestStatus
	for i := range snaps {
		st := snaps[i].Status
		if st.IsLive {
			out.OnlineCount++
		}
		if st.IsLive && st.Temperature != nil {
			live = append(live, *st.Temperature)
			if latest == nil || (st.Timestamp != nil && latest.Timestamp != nil && st.Timestamp.After(*latest.Timestamp)) {
				latest = &snaps[i].Status
			}
		}
		pooled = append(pooled, snaps[i].Stats.Window...)
	}

	if len(live) > 0 {
		v := round1(mean(live))
		out.LiveTemp = &v
	}
	if len(pooled) > 0 {
		lo, hi := bounds(pooled)
		avg, minT, maxT := round1(mean(pooled)), round1(lo), round1(hi)
		out.Avg24h, out.Min24h, out.Max24h = &avg, &minT, &maxT
	}
	if latest != nil {
		out.LastUpdate = latest.Timestamp
		out.MinutesAgo = latest.MinutesAgo
	}
	return out
}

func mean(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func bounds(vs []float64) (lo, hi float64) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
