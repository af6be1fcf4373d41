package stats

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldroom/monitor-server/internal/errorlog"
	"coldroom/monitor-server/internal/model"
	"coldroom/monitor-server/internal/store"
)

var now = time.Date(2024, 8, 15, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*Engine, *store.Store, int64) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "stats.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	loc, err := st.CreateLocation(ctx, "Warehouse")
	require.NoError(t, err)

	errs := errorlog.New(st, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	return New(st, errs, Options{Now: func() time.Time { return now }}), st, loc
}

func addRoom(t *testing.T, st *store.Store, loc int64, name, sensor string) int64 {
	t.Helper()
	id, err := st.CreateRoom(context.Background(), name, loc, &sensor)
	require.NoError(t, err)
	return id
}

func TestIsLiveBoundary(t *testing.T) {
	assert.True(t, IsLive(0))
	assert.True(t, IsLive(900))
	assert.False(t, IsLive(901))
}

func TestClassifyTrend(t *testing.T) {
	cases := []struct {
		name   string
		window []float64
		want   model.Trend
	}{
		{"empty", nil, model.TrendStable},
		{"single", []float64{9}, model.TrendStable},
		{"rising", []float64{5, 5, 5, 5, 5, 4, 4, 4, 4, 4}, model.TrendRising},
		{"falling", []float64{4, 4, 4, 4, 4, 5, 5, 5, 5, 5}, model.TrendFalling},
		{"within threshold", []float64{4.4, 4.4, 4.4, 4.4, 4.4, 4, 4, 4, 4, 4}, model.TrendStable},
		{"exactly threshold", []float64{4.5, 4.5, 4.5, 4.5, 4.5, 4, 4, 4, 4, 4}, model.TrendStable},
		{"older is tail of window", []float64{6, 6, 6, 6, 6, 0, 0, 0, 4, 4, 4, 4, 4}, model.TrendRising},
		{"two samples", []float64{3, 1}, model.TrendStable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyTrend(tc.window))
		})
	}
}

func TestClassifyBand(t *testing.T) {
	temp := func(v float64) *float64 { return &v }
	r := Range{Min: -5, Max: 5}

	assert.Equal(t, model.BandNormal, ClassifyBand(model.LatestStatus{IsLive: true, Temperature: temp(-5)}, r))
	assert.Equal(t, model.BandNormal, ClassifyBand(model.LatestStatus{IsLive: true, Temperature: temp(5)}, r))
	assert.Equal(t, model.BandAlert, ClassifyBand(model.LatestStatus{IsLive: true, Temperature: temp(5.1)}, r))
	assert.Equal(t, model.BandAlert, ClassifyBand(model.LatestStatus{IsLive: true, Temperature: temp(-7)}, r))
	assert.Equal(t, model.BandOffline, ClassifyBand(model.LatestStatus{}, r))
}

func TestLatestStatus(t *testing.T) {
	e, st, loc := newEngine(t)
	ctx := context.Background()
	live := addRoom(t, st, loc, "Live", "L")
	stale := addRoom(t, st, loc, "Stale", "S")
	empty := addRoom(t, st, loc, "Empty", "E")

	require.NoError(t, st.AppendSample(ctx, live, 2.5, now.Add(-900*time.Second)))
	require.NoError(t, st.AppendSample(ctx, stale, 3.5, now.Add(-901*time.Second)))

	status, err := e.LatestStatus(ctx, live)
	require.NoError(t, err)
	assert.True(t, status.IsLive)
	require.NotNil(t, status.Temperature)
	assert.Equal(t, 2.5, *status.Temperature)
	require.NotNil(t, status.MinutesAgo)
	assert.Equal(t, 15.0, *status.MinutesAgo)

	status, err = e.LatestStatus(ctx, stale)
	require.NoError(t, err)
	assert.False(t, status.IsLive)
	assert.Nil(t, status.Temperature)
	require.NotNil(t, status.Timestamp)
	assert.True(t, status.Timestamp.Equal(now.Add(-901*time.Second)))

	status, err = e.LatestStatus(ctx, empty)
	require.NoError(t, err)
	assert.False(t, status.IsLive)
	assert.Nil(t, status.Temperature)
	assert.Nil(t, status.Timestamp)
	assert.Nil(t, status.MinutesAgo)
}

func TestLatestStatusIgnoresSubSecondClock(t *testing.T) {
	e, st, loc := newEngine(t)
	ctx := context.Background()
	room := addRoom(t, st, loc, "Edge", "X")
	require.NoError(t, st.AppendSample(ctx, room, 1.5, now.Add(-900*time.Second)))

	e.now = func() time.Time { return now.Add(900 * time.Millisecond) }

	status, err := e.LatestStatus(ctx, room)
	require.NoError(t, err)
	assert.True(t, status.IsLive)
	require.NotNil(t, status.Temperature)
	assert.Equal(t, 1.5, *status.Temperature)
}

func TestRolling24hEmptyWindow(t *testing.T) {
	e, st, loc := newEngine(t)
	ctx := context.Background()
	room := addRoom(t, st, loc, "Quiet", "Q")
	require.NoError(t, st.AppendSample(ctx, room, 1, now.Add(-25*time.Hour)))

	rolling, err := e.Rolling24h(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 0, rolling.Count)
	assert.Equal(t, model.TrendStable, rolling.Trend)
	assert.Nil(t, rolling.Avg)
	assert.Nil(t, rolling.Min)
	assert.Nil(t, rolling.Max)
	assert.Empty(t, rolling.Samples)
}

func TestRolling24hCapsChart(t *testing.T) {
	e, st, loc := newEngine(t)
	ctx := context.Background()
	room := addRoom(t, st, loc, "Busy", "B")

	for i := 0; i < 60; i++ {
		ts := now.Add(-time.Duration(i*10) * time.Minute)
		require.NoError(t, st.AppendSample(ctx, room, float64(i%3)+0.04, ts))
	}

	rolling, err := e.Rolling24h(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 60, rolling.Count)
	assert.Len(t, rolling.Window, 60)
	require.Len(t, rolling.Samples, ChartLimit)
	assert.Equal(t, "15-08-2024 12:00:00", rolling.Samples[0].Time)
	assert.Equal(t, 0.04, rolling.Samples[0].Temperature)

	require.NotNil(t, rolling.Avg)
	assert.Equal(t, 1.0, *rolling.Avg)
	assert.Equal(t, 0.0, *rolling.Min)
	assert.Equal(t, 2.0, *rolling.Max)
}

func TestLocationSummaryCombines(t *testing.T) {
	e, st, loc := newEngine(t)
	ctx := context.Background()
	a := addRoom(t, st, loc, "A", "SA")
	b := addRoom(t, st, loc, "B", "SB")
	c := addRoom(t, st, loc, "C", "SC")

	require.NoError(t, st.AppendSample(ctx, a, 2, now.Add(-2*time.Hour)))
	require.NoError(t, st.AppendSample(ctx, a, 4, now.Add(-5*time.Minute)))
	require.NoError(t, st.AppendSample(ctx, b, 7, now.Add(-3*time.Hour)))
	require.NoError(t, st.AppendSample(ctx, b, 6, now.Add(-time.Minute)))
	require.NoError(t, st.AppendSample(ctx, c, -1, now.Add(-2*time.Hour)))

	_, err := st.InsertIngestionError(ctx, model.IngestionError{
		DeviceID: "M", SensorID: "SA", Kind: model.ErrorMalformedData, Message: "x", Timestamp: now,
	})
	require.NoError(t, err)

	sum, err := e.LocationSummary(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "Warehouse", sum.Location.Name)
	require.Len(t, sum.Rooms, 3)

	assert.Equal(t, model.BandNormal, sum.Rooms[0].Band)
	assert.Len(t, sum.Rooms[0].Errors, 1)
	assert.Equal(t, model.BandAlert, sum.Rooms[1].Band)
	assert.Equal(t, model.BandOffline, sum.Rooms[2].Band)

	cs := sum.Combined
	assert.Equal(t, 3, cs.TotalCount)
	assert.Equal(t, 2, cs.OnlineCount)
	require.NotNil(t, cs.LiveTemp)
	assert.Equal(t, 5.0, *cs.LiveTemp)
	require.NotNil(t, cs.Avg24h)
	assert.Equal(t, 3.6, *cs.Avg24h)
	assert.Equal(t, -1.0, *cs.Min24h)
	assert.Equal(t, 7.0, *cs.Max24h)
	require.NotNil(t, cs.LastUpdate)
	assert.True(t, cs.LastUpdate.Equal(now.Add(-time.Minute)))
	require.NotNil(t, cs.MinutesAgo)
	assert.Equal(t, 1.0, *cs.MinutesAgo)
}

func TestRoomSnapshotUnknownRoom(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.RoomSnapshot(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCombineNoRooms(t *testing.T) {
	cs := Combine(nil)
	assert.Equal(t, 0, cs.TotalCount)
	assert.Nil(t, cs.LiveTemp)
	assert.Nil(t, cs.Avg24h)
	assert.Nil(t, cs.LastUpdate)
}
