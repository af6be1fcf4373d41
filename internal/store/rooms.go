package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"coldroom/monitor-server/internal/model"
)

// CreateLocation inserts a location and returns its id.
func (s *Store) CreateLocation(ctx context.Context, name string) (int64, error) {
	if err := s.ready("create location"); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `INSERT INTO locations (name) VALUES (?);`, name)
	if err != nil {
		return 0, classify("create location", err)
	}
	return res.LastInsertId()
}

// Location returns a location by id.
func (s *Store) Location(ctx context.Context, id int64) (model.Location, error) {
	if err := s.ready("get location"); err != nil {
		return model.Location{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var loc model.Location
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM locations WHERE id = ?;`, id).Scan(&loc.ID, &loc.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, fmt.Errorf("location %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Location{}, unavailable("get location", err)
	}
	return loc, nil
}

// LocationByName returns a location by its unique name.
func (s *Store) LocationByName(ctx context.Context, name string) (model.Location, error) {
	if err := s.ready("get location by name"); err != nil {
		return model.Location{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var loc model.Location
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM locations WHERE name = ?;`, name).Scan(&loc.ID, &loc.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, fmt.Errorf("location %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return model.Location{}, unavailable("get location by name", err)
	}
	return loc, nil
}

// Locations lists every location ordered by name.
func (s *Store) Locations(ctx context.Context) ([]model.Location, error) {
	if err := s.ready("list locations"); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM locations ORDER BY name ASC;`)
	if err != nil {
		return nil, unavailable("query locations", err)
	}
	defer rows.Close()

	var locations []model.Location
	for rows.Next() {
		var loc model.Location
		if err := rows.Scan(&loc.ID, &loc.Name); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate locations", err)
	}
	return locations, nil
}

// CreateRoom inserts a room. A nil sensorID leaves the room without a sensor.
func (s *Store) CreateRoom(ctx context.Context, name string, locationID int64, sensorID *string) (int64, error) {
	if err := s.ready("create room"); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cold_rooms (name, location_id, sensor_id) VALUES (?, ?, ?);`,
		name, locationID, nullString(sensorID))
	if err != nil {
		return 0, classify("create room", err)
	}
	return res.LastInsertId()
}

// UpdateRoomSensor reassigns (or clears, with nil) the sensor identifier of a room.
func (s *Store) UpdateRoomSensor(ctx context.Context, roomID int64, sensorID *string) error {
	if err := s.ready("update room sensor"); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE cold_rooms SET sensor_id = ? WHERE id = ?;`, nullString(sensorID), roomID)
	if err != nil {
		return classify("update room sensor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %d: %w", roomID, ErrNotFound)
	}
	return nil
}

// DeleteRoom removes a room; its samples are removed by cascade. Ingestion errors stay.
func (s *Store) DeleteRoom(ctx context.Context, roomID int64) error {
	if err := s.ready("delete room"); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM cold_rooms WHERE id = ?;`, roomID)
	if err != nil {
		return unavailable("delete room", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("room %d: %w", roomID, ErrNotFound)
	}
	return nil
}

const roomColumns = `id, name, location_id, sensor_id`

// Room returns a room by id.
func (s *Store) Room(ctx context.Context, roomID int64) (model.Room, error) {
	if err := s.ready("get room"); err != nil {
		return model.Room{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM cold_rooms WHERE id = ?;`, roomID)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Room{}, fmt.Errorf("room %d: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return model.Room{}, unavailable("get room", err)
	}
	return room, nil
}

// RoomBySensor returns the room currently holding sensorID, matched exactly.
func (s *Store) RoomBySensor(ctx context.Context, sensorID string) (model.Room, error) {
	if err := s.ready("get room by sensor"); err != nil {
		return model.Room{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM cold_rooms WHERE sensor_id = ?;`, sensorID)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Room{}, fmt.Errorf("sensor %q: %w", sensorID, ErrNotFound)
	}
	if err != nil {
		return model.Room{}, unavailable("get room by sensor", err)
	}
	return room, nil
}

// RoomByName returns the room with the given name inside a location.
func (s *Store) RoomByName(ctx context.Context, locationID int64, name string) (model.Room, error) {
	if err := s.ready("get room by name"); err != nil {
		return model.Room{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM cold_rooms WHERE location_id = ? AND name = ? ORDER BY id ASC LIMIT 1;`,
		locationID, name)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Room{}, fmt.Errorf("room %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return model.Room{}, unavailable("get room by name", err)
	}
	return room, nil
}

// RoomsByLocation lists the rooms of a location ordered by id.
func (s *Store) RoomsByLocation(ctx context.Context, locationID int64) ([]model.Room, error) {
	if err := s.ready("list rooms"); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM cold_rooms WHERE location_id = ? ORDER BY id ASC;`, locationID)
	if err != nil {
		return nil, unavailable("query rooms", err)
	}
	defer rows.Close()

	var rooms []model.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate rooms", err)
	}
	return rooms, nil
}

// AdminExists reports whether any user holds the admin role.
func (s *Store) AdminExists(ctx context.Context) (bool, error) {
	if err := s.ready("check admin"); err != nil {
		return false, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role = 'admin';`).Scan(&count); err != nil {
		return false, unavailable("check admin", err)
	}
	return count > 0, nil
}

// CreateUser inserts a user with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, role string, locationID *int64) (int64, error) {
	if err := s.ready("create user"); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var loc sql.NullInt64
	if locationID != nil {
		loc = sql.NullInt64{Int64: *locationID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, location_id, role) VALUES (?, ?, ?, ?);`,
		username, passwordHash, loc, role)
	if err != nil {
		return 0, classify("create user", err)
	}
	return res.LastInsertId()
}

// UserByName returns a user by username.
func (s *Store) UserByName(ctx context.Context, username string) (model.User, error) {
	if err := s.ready("get user"); err != nil {
		return model.User{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		u   model.User
		loc sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, location_id, role FROM users WHERE username = ?;`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &loc, &u.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return model.User{}, unavailable("get user", err)
	}
	if loc.Valid {
		id := loc.Int64
		u.LocationID = &id
	}
	return u, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (model.Room, error) {
	var (
		room     model.Room
		sensorID sql.NullString
	)
	if err := row.Scan(&room.ID, &room.Name, &room.LocationID, &sensorID); err != nil {
		return model.Room{}, err
	}
	if sensorID.Valid {
		id := sensorID.String
		room.SensorID = &id
	}
	return room, nil
}

func nullString(v *string) sql.NullString {
	if v == nil || *v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}
