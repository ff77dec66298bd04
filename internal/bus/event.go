package bus

import "time"

// Kind names an event. Subscribers filter on kind prefixes, so kinds are
// namespaced ("connection.", "message.", ...).
type Kind string

const (
	StateChanged           Kind = "connection.state_changed"
	ConnectionEstablished  Kind = "connection.established"
	ConnectionLost         Kind = "connection.lost"
	AuthError              Kind = "connection.auth_error"
	Reconnecting           Kind = "connection.reconnecting"
	ReconnectFailed        Kind = "connection.reconnect_failed"
	MessageReceived        Kind = "message.received"
	SyncQueued             Kind = "message.sync_queued"
	OperationFailed        Kind = "message.failed"
	StorageDegraded        Kind = "storage.degraded"
	NetworkChanged         Kind = "network.changed"
	OperationStatusChanged Kind = "message.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// ConnectionLostPayload is published with ConnectionLost.
type ConnectionLostPayload struct {
	Reason string `json:"reason"`
}

// ReconnectingPayload is published with Reconnecting.
type ReconnectingPayload struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// ErrorPayload is published with AuthError, ReconnectFailed and StorageDegraded.
type ErrorPayload struct {
	OperationID string `json:"operation_id"`
	ErrorKind   string `json:"kind"`
	Message     string `json:"message"`
}

// AckPayload is published with MessageReceived once the server accepted an
// operation. OperationID is the client id the caller got back from enqueue.
type AckPayload struct {
	OperationID string    `json:"operation_id"`
	ServerID    string    `json:"server_id"`
	ChatID      string    `json:"chat_id"`
	Kind        string    `json:"kind"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// QueuedPayload is published with SyncQueued.
type QueuedPayload struct {
	OperationID string `json:"operation_id"`
	ChatID      string `json:"chat_id"`
	Kind        string `json:"kind"`
	Pending     int    `json:"pending"`
}

// OperationStatusPayload is published with OperationStatusChanged.
type OperationStatusPayload struct {
	OperationID string `json:"operation_id"`
	ChatID      string `json:"chat_id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
}

// NetworkPayload is published with NetworkChanged.
type NetworkPayload struct {
	Up bool `json:"up"`
}
