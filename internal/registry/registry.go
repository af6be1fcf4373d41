// Package registry resolves external sensor identifiers to monitored rooms.
package registry

import (
	"context"
	"errors"
	"fmt"

	"coldroom/monitor-server/internal/model"
	"coldroom/monitor-server/internal/store"
)

// ErrNotFound is returned when no room currently holds the sensor identifier.
var ErrNotFound = errors.New("sensor not registered")

// RoomLookup is the store query the registry depends on.
type RoomLookup interface {
	RoomBySensor(ctx context.Context, sensorID string) (model.Room, error)
}

// Registry is read-only and safe for concurrent use.
type Registry struct {
	rooms RoomLookup
}

func New(rooms RoomLookup) *Registry {
	return &Registry{rooms: rooms}
}

// Resolve returns the room whose sensor identifier equals sensorID exactly.
// Store outages are returned wrapped with store.ErrUnavailable.
func (r *Registry) Resolve(ctx context.Context, sensorID string) (model.Room, error) {
	if sensorID == "" {
		return model.Room{}, fmt.Errorf("resolve empty sensor id: %w", ErrNotFound)
	}
	room, err := r.rooms.RoomBySensor(ctx, sensorID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Room{}, fmt.Errorf("resolve %q: %w", sensorID, ErrNotFound)
	}
	if err != nil {
		return model.Room{}, fmt.Errorf("resolve %q: %w", sensorID, err)
	}
	return room, nil
}
