package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldroom/monitor-server/internal/config"
	"coldroom/monitor-server/internal/errorlog"
	"coldroom/monitor-server/internal/ingest"
	"coldroom/monitor-server/internal/metrics"
	"coldroom/monitor-server/internal/mqttbroker"
	"coldroom/monitor-server/internal/registry"
	"coldroom/monitor-server/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBindPort(t *testing.T) {
	assert.Equal(t, 1883, bindPort(":1883"))
	assert.Equal(t, 8883, bindPort("0.0.0.0:8883"))
	assert.Equal(t, 0, bindPort("localhost"))
}

func TestMDNSLabels(t *testing.T) {
	assert.Equal(t, "Cold Room Monitor (box local)", instanceLabel("Cold Room Monitor (box.local)"))
	assert.Equal(t, "Cold Room Monitor", instanceLabel("  \n "))
	assert.Equal(t, "my-host-name", dnsHostLabel("My Host_Name"))
	assert.Equal(t, "box", dnsHostLabel("box.example.com"))
	assert.Equal(t, "coldroom", dnsHostLabel("--"))
	assert.Len(t, []rune(dnsHostLabel(strings.Repeat("a", 80))), mdnsMaxLabel)
}

func TestNewAdvert(t *testing.T) {
	ad := newAdvert("Box.lan", 1883, config.Config{HTTPPort: 8080, TempMin: -5, TempMax: 4.5})
	assert.Equal(t, "Cold Room Monitor (Box lan)", ad.instance)
	assert.Equal(t, 1883, ad.port)
	assert.Contains(t, ad.txt, "topic=coldroom/{esp32_mac}/readings")
	assert.Contains(t, ad.txt, "http_port=8080")
	assert.Contains(t, ad.txt, "temp_min=-5")
	assert.Contains(t, ad.txt, "temp_max=4.5")
	assert.Contains(t, ad.txt, "host=box.local")

	assert.Equal(t, "Cold Room Monitor", newAdvert("", 1883, config.Config{}).instance)
}

func TestHandleMQTTPublish(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "app.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	loc, err := st.CreateLocation(ctx, "Plant 1")
	require.NoError(t, err)
	sensor := "28-A1"
	roomID, err := st.CreateRoom(ctx, "Dairy", loc, &sensor)
	require.NoError(t, err)

	logger := quietLogger()
	m := metrics.New()
	a := &App{
		cfg:     config.Config{StoreTimeout: time.Second},
		logger:  logger,
		store:   st,
		metrics: m,
		pipeline: ingest.New(ingest.Deps{
			Registry: registry.New(st),
			Samples:  st,
			Errors:   errorlog.New(st, logger, m),
			Metrics:  m,
			Logger:   logger,
		}),
	}

	// The device id comes from the topic when the payload omits it.
	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{
		Topic:   "coldroom/AA:BB/readings",
		Payload: []byte(`{"readings":[{"sensor_id":"28-A1","temperature":2.5},{"sensor_id":"28-ZZ","temperature":1}]}`),
	})
	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "coldroom/AA:BB/readings", Payload: []byte(`not json`)})
	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{Topic: "other/topic", Payload: []byte(`{}`)})

	samples, err := st.ReadSamples(ctx, roomID, 0, time.Now())
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 2.5, samples[0].Temperature, 1e-9)

	errs, err := st.UnresolvedErrors(ctx)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "AA:BB", errs[0].DeviceID)
	assert.Equal(t, "28-ZZ", errs[0].SensorID)
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Config{
		HTTPPort:     0,
		DatabasePath: filepath.Join(t.TempDir(), "run.db"),
		StoreTimeout: time.Second,
		TempMin:      -5,
		TempMax:      5,
	}
	a := New(cfg, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not become ready")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
