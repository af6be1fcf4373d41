// Package provision applies a YAML seed of locations, rooms and the admin account to the store.
// Applying the same seed twice leaves the store unchanged.
package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"coldroom/monitor-server/internal/model"
	"coldroom/monitor-server/internal/store"
)

// AdminPasswordEnv supplies the admin password when the seed leaves it out.
const AdminPasswordEnv = "COLDROOM_ADMIN_PASSWORD"

const defaultAdminUsername = "admin"

// Seed is the on-disk provisioning document.
type Seed struct {
	Locations []LocationSeed `yaml:"locations"`
	Admin     *AdminSeed     `yaml:"admin,omitempty"`
}

type LocationSeed struct {
	Name  string     `yaml:"name"`
	Rooms []RoomSeed `yaml:"rooms"`
}

// RoomSeed names a room and, optionally, the sensor installed in it.
type RoomSeed struct {
	Name     string `yaml:"name"`
	SensorID string `yaml:"sensor_id,omitempty"`
}

type AdminSeed struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Load reads and validates a seed file.
func Load(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a seed document. Unknown keys are rejected so typos do not silently drop rooms.
func Decode(r io.Reader) (Seed, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return Seed{}, fmt.Errorf("decode seed: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

// Validate checks names are present and sensor ids are unique across the whole seed.
func (s Seed) Validate() error {
	locations := make(map[string]bool)
	sensors := make(map[string]string)
	for _, loc := range s.Locations {
		name := strings.TrimSpace(loc.Name)
		if name == "" {
			return errors.New("seed: location without a name")
		}
		if locations[name] {
			return fmt.Errorf("seed: location %q listed twice", name)
		}
		locations[name] = true

		for _, room := range loc.Rooms {
			if strings.TrimSpace(room.Name) == "" {
				return fmt.Errorf("seed: room without a name in location %q", name)
			}
			if room.SensorID == "" {
				continue
			}
			if other, ok := sensors[room.SensorID]; ok {
				return fmt.Errorf("seed: sensor %q assigned to both %q and %q", room.SensorID, other, room.Name)
			}
			sensors[room.SensorID] = room.Name
		}
	}
	return nil
}

// Store is the write surface provisioning needs.
type Store interface {
	LocationByName(ctx context.Context, name string) (model.Location, error)
	CreateLocation(ctx context.Context, name string) (int64, error)
	RoomByName(ctx context.Context, locationID int64, name string) (model.Room, error)
	CreateRoom(ctx context.Context, name string, locationID int64, sensorID *string) (int64, error)
	UpdateRoomSensor(ctx context.Context, roomID int64, sensorID *string) error
	AdminExists(ctx context.Context) (bool, error)
	CreateUser(ctx context.Context, username, passwordHash, role string, locationID *int64) (int64, error)
}

// Report counts what an Apply call changed.
type Report struct {
	LocationsCreated int
	RoomsCreated     int
	SensorsUpdated   int
	AdminCreated     bool
}

func (r Report) String() string {
	return fmt.Sprintf("locations created: %d, rooms created: %d, sensors updated: %d, admin created: %t",
		r.LocationsCreated, r.RoomsCreated, r.SensorsUpdated, r.AdminCreated)
}

// Apply creates whatever the seed names and the store lacks. An existing room whose sensor
// differs from the seed is reassigned. The admin account is only created when no admin exists;
// fallbackPassword is used when the seed carries none.
func Apply(ctx context.Context, st Store, seed Seed, fallbackPassword string, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "provision")

	var rep Report
	for _, ls := range seed.Locations {
		name := strings.TrimSpace(ls.Name)
		locID, created, err := ensureLocation(ctx, st, name)
		if err != nil {
			return rep, err
		}
		if created {
			rep.LocationsCreated++
			logger.Info("location created", "location", name, "id", locID)
		}

		for _, rs := range ls.Rooms {
			if err := ensureRoom(ctx, st, locID, rs, &rep, logger); err != nil {
				return rep, fmt.Errorf("location %q: %w", name, err)
			}
		}
	}

	created, err := ensureAdmin(ctx, st, seed.Admin, fallbackPassword, logger)
	if err != nil {
		return rep, err
	}
	rep.AdminCreated = created
	return rep, nil
}

func ensureLocation(ctx context.Context, st Store, name string) (int64, bool, error) {
	loc, err := st.LocationByName(ctx, name)
	if err == nil {
		return loc.ID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, false, fmt.Errorf("lookup location %q: %w", name, err)
	}
	id, err := st.CreateLocation(ctx, name)
	if err != nil {
		return 0, false, fmt.Errorf("create location %q: %w", name, err)
	}
	return id, true, nil
}

func ensureRoom(ctx context.Context, st Store, locID int64, rs RoomSeed, rep *Report, logger *slog.Logger) error {
	name := strings.TrimSpace(rs.Name)
	var sensor *string
	if rs.SensorID != "" {
		id := rs.SensorID
		sensor = &id
	}

	room, err := st.RoomByName(ctx, locID, name)
	if errors.Is(err, store.ErrNotFound) {
		id, err := st.CreateRoom(ctx, name, locID, sensor)
		if err != nil {
			return fmt.Errorf("create room %q: %w", name, err)
		}
		rep.RoomsCreated++
		logger.Info("room created", "room", name, "id", id, "sensor_id", rs.SensorID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup room %q: %w", name, err)
	}

	current := ""
	if room.SensorID != nil {
		current = *room.SensorID
	}
	if current == rs.SensorID {
		return nil
	}
	if err := st.UpdateRoomSensor(ctx, room.ID, sensor); err != nil {
		return fmt.Errorf("update sensor of room %q: %w", name, err)
	}
	rep.SensorsUpdated++
	logger.Info("room sensor reassigned", "room", name, "from", current, "to", rs.SensorID)
	return nil
}

func ensureAdmin(ctx context.Context, st Store, admin *AdminSeed, fallbackPassword string, logger *slog.Logger) (bool, error) {
	exists, err := st.AdminExists(ctx)
	if err != nil {
		return false, fmt.Errorf("check admin: %w", err)
	}
	if exists {
		return false, nil
	}

	username, password := defaultAdminUsername, fallbackPassword
	if admin != nil {
		if u := strings.TrimSpace(admin.Username); u != "" {
			username = u
		}
		if admin.Password != "" {
			password = admin.Password
		}
	}
	if password == "" {
		logger.Warn("no admin account exists and no password was supplied; skipping", "env", AdminPasswordEnv)
		return false, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := st.CreateUser(ctx, username, string(hash), "admin", nil); err != nil {
		return false, fmt.Errorf("create admin %q: %w", username, err)
	}
	logger.Info("admin account created", "username", username)
	return true, nil
}
