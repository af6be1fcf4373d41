// Command sensor-sim imitates an ESP32 gateway uploading cold-room sensor batches, either to
// the embedded MQTT broker or to the HTTP ingestion endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"coldroom/monitor-server/internal/logging"
	"coldroom/monitor-server/internal/mqttbroker"
)

type sender interface {
	Send(ctx context.Context, env envelope) error
	Close()
}

func main() {
	transport := flag.String("transport", "mqtt", "mqtt or http")
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	url := flag.String("url", "http://localhost:8080/api/data", "HTTP ingestion endpoint")
	mac := flag.String("mac", "AA:BB:CC:DD:EE:FF", "Simulated ESP32 MAC address")
	sensorList := flag.String("sensors", "289FBDBB4024BC6,28BBCCDDEE001122,28CCDDEE00112233", "Comma-separated sensor ids")
	interval := flag.Duration("interval", 30*time.Second, "Interval between uploads")
	count := flag.Int("count", 0, "Number of uploads before exiting; 0 runs until interrupted")
	base := flag.Float64("base", 3, "Baseline temperature in °C")
	jitter := flag.Float64("jitter", 5, "Maximum deviation from the baseline in °C")
	badEvery := flag.Int("bad-every", 0, "Append a malformed reading to every Nth upload; 0 disables")
	unknown := flag.String("unknown-sensor", "", "Sensor id appended alongside malformed readings to exercise unregistered handling")
	omitMAC := flag.Bool("omit-mac", false, "Leave esp32_mac out of MQTT payloads so the server takes it from the topic")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")

	flag.Parse()

	logger := logging.New(os.Stderr, *logLevel, "tint")

	sensors := splitList(*sensorList)
	if len(sensors) == 0 {
		logger.Error("at least one sensor id is required")
		os.Exit(2)
	}

	var (
		s   sender
		err error
	)
	switch *transport {
	case "mqtt":
		s, err = newMQTTSender(*brokerAddr, *mac, logger)
	case "http":
		s = newHTTPSender(*url)
	default:
		err = fmt.Errorf("unknown transport %q", *transport)
	}
	if err != nil {
		logger.Error("failed to start simulator", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gen := &generator{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		base:     *base,
		jitter:   *jitter,
		badEvery: *badEvery,
		unknown:  *unknown,
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sent := 0
	for {
		env := gen.next(*mac, sensors, *omitMAC && *transport == "mqtt")
		if err := s.Send(ctx, env); err != nil {
			logger.Warn("upload failed", "error", err)
		} else {
			logger.Info("upload sent", "transport", *transport, "readings", len(env.Readings))
		}
		sent++
		if *count > 0 && sent >= *count {
			return
		}

		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal, stopping")
			return
		case <-ticker.C:
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type mqttSender struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger
}

func newMQTTSender(broker, mac string, logger *slog.Logger) (*mqttSender, error) {
	clientID := fmt.Sprintf("sensor-sim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true).SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, token.Error())
	}
	logger.Info("connected to MQTT broker", "broker", broker, "client_id", clientID)
	return &mqttSender{client: client, topic: mqttbroker.ReadingsTopic(mac), logger: logger}, nil
}

func (m *mqttSender) Send(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	token := m.client.Publish(m.topic, 1, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

func (m *mqttSender) Close() {
	m.client.Disconnect(250)
}

type httpSender struct {
	client *http.Client
	url    string
}

func newHTTPSender(url string) *httpSender {
	return &httpSender{client: &http.Client{Timeout: 10 * time.Second}, url: url}
}

func (h *httpSender) Send(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (h *httpSender) Close() {}
