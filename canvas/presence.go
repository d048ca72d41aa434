package canvas

import "time"

// Presence is per-session ephemeral state. It never goes through the pending-write
// ledger or the entity merge policy.
type Presence struct {
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	Color         string    `json:"color"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Online        bool      `json:"online"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// ConnectionStatus is the coarse, user-visible transport state.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// ConnectionState is the connection slice of the local state container.
type ConnectionState struct {
	Status       ConnectionStatus
	LastSyncedAt time.Time
}

// Viewport is the visible region of the canvas.
type Viewport struct {
	X    float64
	Y    float64
	Zoom float64
}
