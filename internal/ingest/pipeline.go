// Package ingest turns device uploads into stored samples and diagnosable error records.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"coldroom/monitor-server/internal/events"
	"coldroom/monitor-server/internal/metrics"
	"coldroom/monitor-server/internal/model"
	"coldroom/monitor-server/internal/registry"
	"coldroom/monitor-server/internal/store"
)

// Resolver maps a sensor identifier to its room.
type Resolver interface {
	Resolve(ctx context.Context, sensorID string) (model.Room, error)
}

// SampleWriter persists accepted samples.
type SampleWriter interface {
	AppendSample(ctx context.Context, roomID int64, temperature float64, ts time.Time) error
}

// ErrorRecorder stores rejected readings. It must not fail the caller.
type ErrorRecorder interface {
	Record(ctx context.Context, deviceID, sensorID string, kind model.ErrorKind, message string)
}

// Deps wires a Pipeline. Events, Metrics, Logger and Now are optional. A configured Events
// publisher is owned by the Pipeline: it is fed through an events.Queue and closed by Close.
type Deps struct {
	Registry Resolver
	Samples  SampleWriter
	Errors   ErrorRecorder
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
	// QueueSize bounds the samples waiting for Events; zero selects events.DefaultQueueSize.
	QueueSize int
}

type Pipeline struct {
	registry Resolver
	samples  SampleWriter
	errors   ErrorRecorder
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func New(d Deps) *Pipeline {
	p := &Pipeline{
		registry: d.Registry,
		samples:  d.Samples,
		errors:   d.Errors,
		events:   d.Events,
		metrics:  d.Metrics,
		log:      d.Logger,
		now:      d.Now,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("component", "ingest")
	switch d.Events.(type) {
	case nil:
		p.events = events.Nop{}
	case events.Nop, *events.Queue:
	default:
		p.events = events.NewQueue(d.Events, events.QueueOptions{
			Size:      d.QueueSize,
			OnFailure: p.publishFailed,
			Logger:    p.log,
		})
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Result counts the readings of one batch.
type Result struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Message is the operator-facing summary returned to devices.
func (r Result) Message() string {
	msg := fmt.Sprintf("Processed %d readings.", r.Accepted)
	if r.Rejected > 0 {
		msg += fmt.Sprintf(" %d errors logged.", r.Rejected)
	}
	return msg
}

// Ingest processes every reading independently. Bad readings become error records and never
// fail the batch. A store outage aborts the batch and is returned; readings stored before the
// outage stay stored and are reflected in the partial Result.
func (p *Pipeline) Ingest(ctx context.Context, deviceID string, readings []Reading) (Result, error) {
	var res Result
	for _, r := range readings {
		if r.SensorID == "" || r.Temperature == nil {
			p.reject(ctx, deviceID, sensorOrUnknown(r.SensorID), model.ErrorMalformedData, malformedMessage(r))
			res.Rejected++
			continue
		}

		room, err := p.registry.Resolve(ctx, r.SensorID)
		if errors.Is(err, registry.ErrNotFound) {
			p.reject(ctx, deviceID, r.SensorID, model.ErrorUnregisteredSensor,
				unregisteredMessage(r.SensorID, deviceID))
			p.log.Warn("unregistered sensor", "device", deviceID, "sensor_id", r.SensorID)
			res.Rejected++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("ingest from %s: %w", deviceID, err)
		}

		ts := p.now().UTC().Truncate(time.Second)
		err = p.samples.AppendSample(ctx, room.ID, *r.Temperature, ts)
		if errors.Is(err, store.ErrNotFound) {
			// The room was deleted between lookup and insert.
			p.reject(ctx, deviceID, r.SensorID, model.ErrorUnregisteredSensor,
				unregisteredMessage(r.SensorID, deviceID))
			p.log.Warn("room removed during ingestion", "device", deviceID, "sensor_id", r.SensorID, "room_id", room.ID)
			res.Rejected++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("ingest from %s: %w", deviceID, err)
		}
		res.Accepted++
		p.metrics.Reading(metrics.OutcomeAccepted)

		p.publish(ctx, model.Sample{RoomID: room.ID, Temperature: *r.Temperature, Timestamp: ts})
	}

	p.log.Debug("batch ingested", "device", deviceID, "accepted", res.Accepted, "rejected", res.Rejected)
	return res, nil
}

func (p *Pipeline) reject(ctx context.Context, deviceID, sensorID string, kind model.ErrorKind, message string) {
	p.errors.Record(ctx, deviceID, sensorID, kind, message)
	if kind == model.ErrorUnregisteredSensor {
		p.metrics.Reading(metrics.OutcomeUnregistered)
	} else {
		p.metrics.Reading(metrics.OutcomeMalformed)
	}
}

// publish hands the sample to the event queue, which never blocks the batch.
func (p *Pipeline) publish(ctx context.Context, sample model.Sample) {
	if err := p.events.Publish(context.WithoutCancel(ctx), sample); err != nil {
		p.publishFailed(sample, err)
	}
}

func (p *Pipeline) publishFailed(sample model.Sample, err error) {
	p.metrics.PublishFailed()
	p.log.Warn("publish sample event", "room_id", sample.RoomID, "error", err)
}

// Close flushes queued sample events and closes the event publisher. It is safe to call more
// than once.
func (p *Pipeline) Close() error {
	return p.events.Close()
}

func sensorOrUnknown(id string) string {
	if id == "" {
		return model.UnknownSensorID
	}
	return id
}

func unregisteredMessage(sensorID, deviceID string) string {
	return fmt.Sprintf("Unregistered sensor_id '%s' from device '%s'", sensorID, deviceID)
}

func malformedMessage(r Reading) string {
	sensor := "None"
	if r.SensorID != "" {
		sensor = r.SensorID
	}
	temp := "None"
	if r.Temperature != nil {
		temp = strconv.FormatFloat(*r.Temperature, 'f', -1, 64)
	}
	return fmt.Sprintf("Malformed reading: sensor_id=%s, temperature=%s; raw=%s", sensor, temp, r.Raw)
}
