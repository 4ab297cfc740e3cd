package domain

import "time"

// ConnectionState is the externally published state of a connection.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateDisabled     ConnectionState = "disabled"
	StateError        ConnectionState = "error"
)

// StatusSchema identifies status events on the bus.
const StatusSchema = "connectivity.status@v1"

// StatusEvent is published on df.connectivity.status.v1.<id>.
type StatusEvent struct {
	Schema string          `json:"schema"`
	TS     time.Time       `json:"ts"`
	ID     string          `json:"id"`
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
	Stats  *Stats          `json:"stats,omitempty"`
}

// Stats is the drained rate window attached to a connected status.
type Stats struct {
	RPS        float64           `json:"rps"`
	BPS        float64           `json:"bps"`
	Count      int               `json:"count"`
	Bytes      int               `json:"bytes"`
	Errors     int               `json:"errors"`
	WindowMs   int64             `json:"window_ms"`
	LastSeenTS *time.Time        `json:"last_seen_ts,omitempty"`
	Driver     *SchedulerMetrics `json:"driver,omitempty"`
}

// DriverStatus is the driver-specific status struct.
type DriverStatus struct {
	Kind          DriverKind `json:"driver"`
	Endpoint      string     `json:"endpoint,omitempty"`
	SessionLive   bool       `json:"connected"`
	LastError     string     `json:"last_error,omitempty"`
	LastConnectAt *time.Time `json:"last_connect_at,omitempty"`
	Reconnects    int        `json:"reconnects"`
	ActiveTags    int        `json:"active_tags"`
	PollGroups    int        `json:"poll_groups"`
}
