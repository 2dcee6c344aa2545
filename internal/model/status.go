package model

import "time"

// AdapterState tracks where an adapter sits in its lifecycle.
type AdapterState string

const (
	StateUnregistered AdapterState = "unregistered"
	StateRegistered   AdapterState = "registered"
	StateConnecting   AdapterState = "connecting"
	StateConnected    AdapterState = "connected"
	StateMonitoring   AdapterState = "monitoring"
	StateStopping     AdapterState = "stopping"
	StateDisconnected AdapterState = "disconnected"
	StateError        AdapterState = "error"
)

// ConnectionStatus is a point-in-time snapshot of one adapter's health,
// emitted on the status channel and returned from Status().
type ConnectionStatus struct {
	Chain         ChainKind    `json:"chain"`
	State         AdapterState `json:"state"`
	Connected     bool         `json:"connected"`
	BlockNumber   uint64       `json:"blockNumber"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	LastError     string       `json:"lastError,omitempty"`
	Reconnects    uint64       `json:"reconnects"`
}
