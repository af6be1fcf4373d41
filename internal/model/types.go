package model

import "time"

// Location groups the rooms monitored at one site.
type Location struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Room is a monitored refrigerated space. SensorID, when set, is unique across rooms.
type Room struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	LocationID int64   `json:"location_id"`
	SensorID   *string `json:"sensor_id,omitempty"`
}

// Sample is a single temperature reading attached to a room.
type Sample struct {
	RoomID      int64     `json:"room_id"`
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

// StoredSample is a sample as read back from the store, aged against the read instant.
type StoredSample struct {
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
	AgeSeconds  float64   `json:"age_seconds"`
}

// ErrorKind classifies an ingestion anomaly.
type ErrorKind string

const (
	ErrorUnregisteredSensor ErrorKind = "UNREGISTERED_SENSOR"
	ErrorMalformedData      ErrorKind = "MALFORMED_DATA"
)

// UnknownSensorID is recorded when a malformed reading carries no identifier.
const UnknownSensorID = "UNKNOWN"

// IngestionError captures a reading that could not be stored.
type IngestionError struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"esp32_mac"`
	SensorID  string    `json:"sensor_id"`
	Kind      ErrorKind `json:"error_type"`
	Message   string    `json:"error_message"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// ErrorView is an unresolved error annotated with the room currently holding its sensor id.
type ErrorView struct {
	IngestionError
	RoomName     string `json:"cold_room_name"`
	LocationName string `json:"location_name"`
}

// LatestStatus describes the newest reading of a room.
type LatestStatus struct {
	Temperature *float64   `json:"latest_temp"`
	Timestamp   *time.Time `json:"latest_time"`
	IsLive      bool       `json:"is_sensor_active"`
	MinutesAgo  *float64   `json:"minutes_ago"`
}

// Trend is the direction of temperature movement within the rolling window.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// ChartPoint is one entry of the sparkline series.
type ChartPoint struct {
	Temperature float64 `json:"temp"`
	Time        string  `json:"time"`
}

// RollingStats summarises the trailing 24 hours of a room.
type RollingStats struct {
	Avg     *float64     `json:"avg_temp"`
	Min     *float64     `json:"min_temp"`
	Max     *float64     `json:"max_temp"`
	Count   int          `json:"readings_count"`
	Trend   Trend        `json:"trend"`
	Samples []ChartPoint `json:"last_24h_data"`

	// Window holds every temperature in the window, newest first.
	Window []float64 `json:"-"`
}

// Band is the operator-facing classification of a room's current reading.
type Band string

const (
	BandNormal  Band = "normal"
	BandAlert   Band = "alert"
	BandOffline Band = "offline"
)

// RoomSnapshot bundles everything a dashboard shows for one room.
type RoomSnapshot struct {
	Room   Room             `json:"room"`
	Status LatestStatus     `json:"status"`
	Stats  RollingStats     `json:"stats"`
	Band   Band             `json:"temp_status"`
	Errors []IngestionError `json:"esp32_errors,omitempty"`
}

// CombinedStats aggregates the snapshots of every room in a location.
type CombinedStats struct {
	LiveTemp    *float64   `json:"live_temp"`
	Avg24h      *float64   `json:"avg_24h"`
	Min24h      *float64   `json:"min_24h"`
	Max24h      *float64   `json:"max_24h"`
	LastUpdate  *time.Time `json:"last_update"`
	MinutesAgo  *float64   `json:"minutes_ago"`
	OnlineCount int        `json:"online_count"`
	TotalCount  int        `json:"total_count"`
}

// LocationSummary is the combined view of one location.
type LocationSummary struct {
	Location Location       `json:"location"`
	Rooms    []RoomSnapshot `json:"cold_rooms"`
	Combined CombinedStats  `json:"combined_stats"`
}

// AggregateRow is one hourly or daily bucket produced by the store.
type AggregateRow struct {
	Bucket   time.Time `json:"timestamp"`
	Avg      float64   `json:"temperature"`
	Min      float64   `json:"min_temp"`
	Max      float64   `json:"max_temp"`
	Readings int       `json:"readings"`
}

// User is an operator account. Only provisioning writes users; the server does not authenticate.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	LocationID   *int64 `json:"location_id,omitempty"`
	Role         string `json:"role"`
}
