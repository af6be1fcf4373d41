package main

import (
	"math"
	"math/rand"
)

type reading struct {
	SensorID    string `json:"sensor_id,omitempty"`
	Temperature any    `json:"temperature"`
}

type envelope struct {
	DeviceID string    `json:"esp32_mac,omitempty"`
	Readings []reading `json:"readings"`
}

// generator produces cold-room temperatures drifting around a baseline.
type generator struct {
	rng      *rand.Rand
	base     float64
	jitter   float64
	badEvery int
	unknown  string
	sent     int
}

func (g *generator) temperature() float64 {
	v := g.base + (g.rng.Float64()*2-1)*g.jitter
	return math.Round(v*10) / 10
}

// next builds one upload. Every badEvery-th batch carries a malformed reading and, when
// configured, a reading from an unregistered sensor.
func (g *generator) next(mac string, sensors []string, omitMAC bool) envelope {
	g.sent++
	env := envelope{Readings: make([]reading, 0, len(sensors)+2)}
	if !omitMAC {
		env.DeviceID = mac
	}
	for _, id := range sensors {
		env.Readings = append(env.Readings, reading{SensorID: id, Temperature: g.temperature()})
	}
	if g.badEvery > 0 && g.sent%g.badEvery == 0 {
		env.Readings = append(env.Readings, reading{SensorID: firstOr(sensors, ""), Temperature: "n/a"})
		if g.unknown != "" {
			env.Readings = append(env.Readings, reading{SensorID: g.unknown, Temperature: g.temperature()})
		}
	}
	return env
}

func firstOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	return values[0]
}
