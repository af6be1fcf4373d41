package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnvelope marks a request whose shape prevents it from entering the pipeline.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope is one device upload: the device identifier and its batch of readings.
type Envelope struct {
	DeviceID string
	Readings []Reading
}

// Reading is one decoded entry of an envelope. Temperature is nil when absent or non-numeric.
type Reading struct {
	SensorID    string
	Temperature *float64
	Raw         string
}

// maxRawFragment bounds how much of a bad reading is copied into its error record.
const maxRawFragment = 256

type wireEnvelope struct {
	DeviceID json.RawMessage `json:"esp32_mac"`
	Readings json.RawMessage `json:"readings"`
}

// ParseEnvelope validates the envelope shape and decodes its readings. fallbackDevice is used
// when the body carries no esp32_mac, as happens when the transport already names the device.
func ParseEnvelope(body []byte, fallbackDevice string) (Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: Invalid JSON", ErrInvalidEnvelope)
	}
	var wire wireEnvelope
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: Invalid JSON", ErrInvalidEnvelope)
	}

	device := fallbackDevice
	if len(wire.DeviceID) > 0 && string(wire.DeviceID) != "null" {
		var s string
		if err := json.Unmarshal(wire.DeviceID, &s); err != nil {
			return Envelope{}, fmt.Errorf("%w: esp32_mac must be a string", ErrInvalidEnvelope)
		}
		device = strings.TrimSpace(s)
	}
	if device == "" {
		return Envelope{}, fmt.Errorf("%w: Missing esp32_mac or readings", ErrInvalidEnvelope)
	}

	if len(wire.Readings) == 0 || string(wire.Readings) == "null" {
		return Envelope{}, fmt.Errorf("%w: Missing esp32_mac or readings", ErrInvalidEnvelope)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(wire.Readings, &items); err != nil {
		return Envelope{}, fmt.Errorf("%w: readings must be an array", ErrInvalidEnvelope)
	}

	return Envelope{DeviceID: device, Readings: DecodeReadings(items)}, nil
}

// DecodeReadings decodes each element independently. An element that is not an object,
// carries a non-numeric temperature, or lacks a sensor id still yields a Reading so the
// pipeline can record it as malformed.
func DecodeReadings(items []json.RawMessage) []Reading {
	out := make([]Reading, 0, len(items))
	for _, item := range items {
		out = append(out, decodeReading(item))
	}
	return out
}

func decodeReading(item json.RawMessage) Reading {
	r := Reading{Raw: rawFragment(item)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
		return r
	}

	if v, ok := fields["sensor_id"]; ok {
		r.SensorID = scalarText(v)
	}
	if v, ok := fields["temperature"]; ok {
		r.Temperature = numberValue(v)
	}
	return r
}

// numberValue accepts only JSON number literals; strings, booleans and null are absent.
func numberValue(v json.RawMessage) *float64 {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] == '"' || string(v) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return nil
	}
	return &f
}

// scalarText returns a JSON string's value or a JSON number's literal text.
func scalarText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return ""
}

func rawFragment(item json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, item); err != nil {
		buf.Reset()
		buf.Write(item)
	}
	s := buf.String()
	if len(s) > maxRawFragment {
		s = s[:maxRawFragment] + "..."
	}
	return s
}
