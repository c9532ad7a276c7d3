package model

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Position is one observed device location report. Records are immutable
// once appended to the position log; the ID is unique within a session.
type Position struct {
	ID             string   `json:"id"`
	DeviceID       string   `json:"device_id"`
	Coordinates    LatLng   `json:"coordinates"`
	AccuracyRadius *float64 `json:"accuracy_radius,omitempty"`
	ReceivedAt     string   `json:"received_at"`
	ReceivedAtTs   int64    `json:"received_at_ts"`
}

// Gateway describes a fixed network gateway rendered on the map.
type Gateway struct {
	ID          string `json:"id" yaml:"id"`
	Coordinates LatLng `json:"coordinates" yaml:"coordinates"`
}

// ConnectionState labels the session's place in the broker-connection
// lifecycle. Transitions happen only inside the session event loop.
type ConnectionState string

const (
	StateIdle                 ConnectionState = "idle"
	StateConnecting           ConnectionState = "connecting"
	StateConnected            ConnectionState = "connected"
	StateDisconnected         ConnectionState = "disconnected"
	StateError                ConnectionState = "error"
	StateManuallyDisconnected ConnectionState = "manually-disconnected"
	StateCancelled            ConnectionState = "cancelled"
)

// SessionStatus is a point-in-time snapshot of the session, reported over
// the status channel and the HTTP surface.
type SessionStatus struct {
	SessionID    string          `json:"session_id"`
	State        ConnectionState `json:"state"`
	Detail       string          `json:"detail,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	DesiredTopic string          `json:"desired_topic"`
	ActiveTopic  string          `json:"active_topic"`
}

// IngestError captures an HTTP-posted payload the bridge rejected or
// failed to republish.
type IngestError struct {
	DeviceID string `json:"device_id"`
	Payload  string `json:"payload"`
	Error    string `json:"error"`
}

// StoredIngestError extends IngestError with journal metadata.
type StoredIngestError struct {
	IngestError
	CreatedAt string `json:"created_at"`
}
