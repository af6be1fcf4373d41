package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"coldroom/monitor-server/internal/api"
	"coldroom/monitor-server/internal/config"
	"coldroom/monitor-server/internal/errorlog"
	"coldroom/monitor-server/internal/events"
	"coldroom/monitor-server/internal/export"
	"coldroom/monitor-server/internal/ingest"
	"coldroom/monitor-server/internal/metrics"
	"coldroom/monitor-server/internal/mqttbroker"
	"coldroom/monitor-server/internal/registry"
	"coldroom/monitor-server/internal/stats"
	"coldroom/monitor-server/internal/store"
)

const shutdownTimeout = 5 * time.Second

// App wires together the cold-room services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	broker   *mqttbroker.Broker
	metrics  *metrics.Metrics
	pipeline *ingest.Pipeline
	mdns     *zeroconf.Server
	ready    chan struct{}
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once every service has been started.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Run starts all configured services and blocks until the context is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath, a.cfg.StoreTimeout)
	if err != nil {
		return err
	}
	a.store = db
	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	a.metrics = metrics.New()
	errs := errorlog.New(a.store, a.logger, a.metrics)

	publisher, err := a.newPublisher()
	if err != nil {
		return err
	}

	a.pipeline = ingest.New(ingest.Deps{
		Registry: registry.New(a.store),
		Samples:  a.store,
		Errors:   errs,
		Events:   publisher,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
	defer func() {
		if cerr := a.pipeline.Close(); cerr != nil {
			a.logger.Error("close event publisher", "error", cerr)
		}
	}()

	server := api.New(api.Deps{
		Ingest:  a.pipeline,
		Stats:   stats.New(a.store, errs, stats.Options{Band: stats.Range{Min: a.cfg.TempMin, Max: a.cfg.TempMax}}),
		Errors:  errs,
		Export:  export.New(a.store, a.cfg.ExcelEnabled, a.metrics, a.logger),
		Health:  a.store,
		Metrics: a.metrics,
		Logger:  a.logger,
		Timeout: a.cfg.StoreTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.MQTTEnabled {
		broker := mqttbroker.New(a.logger)
		broker.SetPublishHandler(a.handleMQTTPublish)
		if err := broker.Start(gctx, a.cfg.MQTTBindAddress); err != nil {
			return err
		}
		a.broker = broker

		g.Go(func() error {
			<-gctx.Done()
			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")
			return nil
		})

		if a.cfg.MDNSEnabled {
			if err := a.startMDNS(bindPort(a.cfg.MQTTBindAddress)); err != nil {
				a.logger.Warn("mDNS advertisement failed", "error", err)
			}
			defer a.stopMDNS()
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.serve(g, gctx, "http server", httpServer)

	if a.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.serve(g, gctx, "metrics server", metricsServer)
	}

	close(a.ready)
	return g.Wait()
}

func (a *App) serve(g *errgroup.Group, ctx context.Context, name string, srv *http.Server) {
	g.Go(func() error {
		a.logger.Info(name+" started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		a.logger.Info(name + " stopped")
		return nil
	})
}

func (a *App) newPublisher() (events.Publisher, error) {
	if len(a.cfg.KafkaBrokers) == 0 {
		return events.Nop{}, nil
	}
	pub, err := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: a.cfg.KafkaBrokers,
		Topic:   a.cfg.KafkaTopic,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	a.logger.Info("publishing accepted samples to kafka", "brokers", a.cfg.KafkaBrokers, "topic", a.cfg.KafkaTopic)
	return pub, nil
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	mac, ok := mqttbroker.DeviceFromTopic(msg.Topic)
	if !ok {
		a.logger.Debug("ignoring mqtt publish", "topic", msg.Topic, "client", msg.ClientID)
		return
	}

	env, err := ingest.ParseEnvelope(msg.Payload, mac)
	if err != nil {
		a.metrics.EnvelopeRejected("mqtt")
		a.logger.Warn("mqtt envelope rejected", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		return
	}

	ingestCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()

	res, err := a.pipeline.Ingest(ingestCtx, env.DeviceID, env.Readings)
	if err != nil {
		a.logger.Error("mqtt batch failed", "device", env.DeviceID, "accepted", res.Accepted, "error", err)
		return
	}
	a.logger.Debug("mqtt batch ingested", "device", env.DeviceID, "accepted", res.Accepted, "rejected", res.Rejected)
}

func bindPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return p
}
