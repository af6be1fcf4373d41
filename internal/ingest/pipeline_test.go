package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldroom/monitor-server/internal/errorlog"
	"coldroom/monitor-server/internal/model"
	"coldroom/monitor-server/internal/registry"
	"coldroom/monitor-server/internal/store"
)

type recordingPublisher struct {
	mu      sync.Mutex
	samples []model.Sample
	err     error
}

func (p *recordingPublisher) Publish(_ context.Context, s model.Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, s)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	store    *store.Store
	pipeline *Pipeline
	events   *recordingPublisher
	roomID   int64
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	loc, err := st.CreateLocation(ctx, "Plant 1")
	require.NoError(t, err)
	sensor := "28-A1"
	roomID, err := st.CreateRoom(ctx, "Dairy", loc, &sensor)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	pub := &recordingPublisher{}
	p := New(Deps{
		Registry: registry.New(st),
		Samples:  st,
		Errors:   errorlog.New(st, logger, nil),
		Events:   pub,
		Logger:   logger,
		Now:      func() time.Time { return now },
	})
	t.Cleanup(func() { _ = p.Close() })
	return &fixture{store: st, pipeline: p, events: pub, roomID: roomID, now: now}
}

func temp(v float64) *float64 { return &v }

func TestIngestMixedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.pipeline.Ingest(ctx, "AA:BB", []Reading{
		{SensorID: "28-A1", Temperature: temp(3.5)},
		{SensorID: "28-ZZ", Temperature: temp(1)},
		{SensorID: "", Temperature: temp(2), Raw: `{"temperature":2}`},
		{SensorID: "28-A1", Raw: `{"sensor_id":"28-A1"}`},
		{SensorID: "28-A1", Temperature: temp(-0.25)},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Accepted: 2, Rejected: 3}, res)
	assert.Equal(t, "Processed 2 readings. 3 errors logged.", res.Message())

	samples, err := f.store.ReadSamples(ctx, f.roomID, 0, f.now)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	for _, s := range samples {
		assert.True(t, s.Timestamp.Equal(f.now))
	}

	errs, err := f.store.UnresolvedErrors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 3)

	byKind := map[model.ErrorKind][]model.ErrorView{}
	for _, e := range errs {
		assert.Equal(t, "AA:BB", e.DeviceID)
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}
	require.Len(t, byKind[model.ErrorUnregisteredSensor], 1)
	assert.Equal(t, "28-ZZ", byKind[model.ErrorUnregisteredSensor][0].SensorID)
	assert.Contains(t, byKind[model.ErrorUnregisteredSensor][0].Message, "'28-ZZ'")
	assert.Contains(t, byKind[model.ErrorUnregisteredSensor][0].Message, "'AA:BB'")

	malformed := byKind[model.ErrorMalformedData]
	require.Len(t, malformed, 2)
	sensors := []string{malformed[0].SensorID, malformed[1].SensorID}
	assert.ElementsMatch(t, []string{model.UnknownSensorID, "28-A1"}, sensors)

	require.NoError(t, f.pipeline.Close())
	assert.Len(t, f.events.samples, 2)
}

func TestIngestMalformedMessageCarriesRawFragment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env, err := ParseEnvelope([]byte(`{"esp32_mac":"AA","readings":[{"sensor_id":"28-A1","temperature":"warm"}]}`), "")
	require.NoError(t, err)

	res, err := f.pipeline.Ingest(ctx, env.DeviceID, env.Readings)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rejected)

	errs, err := f.store.UnresolvedErrorsForSensor(ctx, "28-A1", 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorMalformedData, errs[0].Kind)
	assert.Contains(t, errs[0].Message, "Malformed reading: sensor_id=28-A1, temperature=None")
	assert.Contains(t, errs[0].Message, `"warm"`)
}

func TestIngestPublishFailureDoesNotAffectResult(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("sink offline")

	res, err := f.pipeline.Ingest(context.Background(), "AA", []Reading{{SensorID: "28-A1", Temperature: temp(1)}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
}

func TestIngestSensorReuseRoutesToNewRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Ingest(ctx, "AA", []Reading{{SensorID: "28-B2", Temperature: temp(1)}})
	require.NoError(t, err)
	before, err := f.store.UnresolvedErrors(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, f.store.DeleteRoom(ctx, f.roomID))
	_, err = f.store.Room(ctx, f.roomID)
	require.ErrorIs(t, err, store.ErrNotFound)

	loc, err := f.store.LocationByName(ctx, "Plant 1")
	require.NoError(t, err)
	sensor := "28-A1"
	newRoom, err := f.store.CreateRoom(ctx, "Dairy 2", loc.ID, &sensor)
	require.NoError(t, err)

	res, err := f.pipeline.Ingest(ctx, "AA", []Reading{{SensorID: "28-A1", Temperature: temp(2)}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	samples, err := f.store.ReadSamples(ctx, newRoom, 0, f.now)
	require.NoError(t, err)
	assert.Len(t, samples, 1)

	after, err := f.store.IngestionErrorByID(ctx, before[0].ID)
	require.NoError(t, err)
	assert.Equal(t, before[0].IngestionError, after)
}

func TestIngestStoreUnavailableAborts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Close())

	res, err := f.pipeline.Ingest(context.Background(), "AA", []Reading{
		{SensorID: "28-A1", Temperature: temp(1)},
		{SensorID: "28-A1", Temperature: temp(2)},
	})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 0, res.Accepted)
}

type slowPublisher struct {
	mu    sync.Mutex
	delay time.Duration
	calls int
}

func (p *slowPublisher) Publish(context.Context, model.Sample) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return errors.New("broker unreachable")
}

func (p *slowPublisher) Close() error { return nil }

func TestIngestSlowEventSinkDoesNotConsumeBatchDeadline(t *testing.T) {
	f := newFixture(t)
	slow := &slowPublisher{delay: 600 * time.Millisecond}
	p := New(Deps{
		Registry: registry.New(f.store),
		Samples:  f.store,
		Errors:   errorlog.New(f.store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil),
		Events:   slow,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return f.now },
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := p.Ingest(ctx, "AA", []Reading{
		{SensorID: "28-A1", Temperature: temp(1)},
		{SensorID: "28-A1", Temperature: temp(2)},
		{SensorID: "28-A1", Temperature: temp(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Accepted: 3}, res)

	require.NoError(t, p.Close())
	slow.mu.Lock()
	defer slow.mu.Unlock()
	assert.Equal(t, 3, slow.calls)
}

type staleResolver struct{ roomID int64 }

func (r staleResolver) Resolve(context.Context, string) (model.Room, error) {
	return model.Room{ID: r.roomID, Name: "Gone"}, nil
}

func TestIngestRoomDeletedAfterLookupIsRejected(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(Deps{
		Registry: staleResolver{roomID: 424242},
		Samples:  f.store,
		Errors:   errorlog.New(f.store, logger, nil),
		Logger:   logger,
		Now:      func() time.Time { return f.now },
	})

	res, err := p.Ingest(context.Background(), "AA", []Reading{{SensorID: "28-A1", Temperature: temp(1)}})
	require.NoError(t, err)
	assert.Equal(t, Result{Rejected: 1}, res)

	errs, err := f.store.UnresolvedErrorsForSensor(context.Background(), "28-A1", 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorUnregisteredSensor, errs[0].Kind)
}
