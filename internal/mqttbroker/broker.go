// Package mqttbroker embeds an MQTT broker that hands every received publish to a callback.
package mqttbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// PublishMessage is a publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

// Broker wraps a mochi server with an inline client so the service can publish and
// observe traffic without a network round trip.
type Broker struct {
	logger  *slog.Logger
	server  *mqtt.Server
	handler atomic.Value // stores Handler
	baseCtx atomic.Value // stores context.Context

	mu      sync.Mutex
	started bool
}

func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	b := &Broker{
		logger: logger,
		server: mqtt.New(&mqtt.Options{InlineClient: true, Logger: logger}),
	}
	b.baseCtx.Store(context.Background())
	return b
}

// Start attaches a TCP listener on bind (none when bind is empty) and begins serving.
// Handlers receive ctx.
func (b *Broker) Start(ctx context.Context, bind string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("mqtt broker already started")
	}

	if err := b.server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("add auth hook: %w", err)
	}
	if err := b.server.AddHook(&publishHook{broker: b}, nil); err != nil {
		return fmt.Errorf("add publish hook: %w", err)
	}

	if bind != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Type: "tcp", Address: bind})
		if err := b.server.AddListener(tcp); err != nil {
			return fmt.Errorf("listen on %s: %w", bind, err)
		}
	}

	b.baseCtx.Store(ctx)
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("serve mqtt: %w", err)
	}

	b.started = true
	b.logger.Info("mqtt broker listening", "addr", bind)
	return nil
}

// Stop closes every listener and client connection.
func (b *Broker) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.mu.Unlock()

	if err := b.server.Close(); err != nil {
		return fmt.Errorf("close mqtt broker: %w", err)
	}
	return nil
}

// SetPublishHandler registers the callback for inbound publishes.
func (b *Broker) SetPublishHandler(h Handler) {
	b.handler.Store(h)
}

// Publish sends a QoS 0 message from the inline client to all matching subscribers.
func (b *Broker) Publish(topic string, payload []byte) error {
	if err := b.server.Publish(topic, payload, false, 0); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) dispatch(msg PublishMessage) {
	h, _ := b.handler.Load().(Handler)
	if h == nil {
		return
	}
	ctx, _ := b.baseCtx.Load().(context.Context)
	safeInvoke(h, ctx, msg, b.logger)
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}

type publishHook struct {
	mqtt.HookBase
	broker *Broker
}

func (h *publishHook) ID() string { return "coldroom-publish" }

func (h *publishHook) Provides(b byte) bool {
	return b == mqtt.OnPublished
}

func (h *publishHook) OnPublished(cl *mqtt.Client, pk packets.Packet) {
	payload := make([]byte, len(pk.Payload))
	copy(payload, pk.Payload)
	h.broker.dispatch(PublishMessage{ClientID: cl.ID, Topic: pk.TopicName, Payload: payload})
}
