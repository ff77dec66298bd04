// Package outbox queues outbound chat operations durably and drains them
// to the server in per-chat FIFO order.
package outbox

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/matheus3301/chatq/internal/errs"
)

// Kind is the type of an outbound operation.
type Kind string

const (
	SendMessage    Kind = "send_message"
	EditMessage    Kind = "edit_message"
	ReactToMessage Kind = "react_to_message"
	MarkRead       Kind = "mark_read"
	Other          Kind = "other"
)

// Status is the delivery status of an operation.
type Status string

const (
	Pending      Status = "pending"
	InFlight     Status = "in_flight"
	Acknowledged Status = "acknowledged"
	Failed       Status = "failed"
)

// requiredFields lists the payload fields each kind must carry.
var requiredFields = map[Kind][]string{
	SendMessage:    {"content"},
	EditMessage:    {"target_id", "content"},
	ReactToMessage: {"target_id", "emoji"},
	MarkRead:       {},
	Other:          {},
}

// Operation is one queued outbound operation.
type Operation struct {
	ID            string          `json:"operation_id"`
	Kind          Kind            `json:"kind"`
	ChatID        string          `json:"chat_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	Attempts      int             `json:"attempts"`
	Status        Status          `json:"status"`
	Seq           uint64          `json:"seq"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitzero"`
	LastError     string          `json:"last_error,omitempty"`
	ServerID      string          `json:"server_id,omitempty"`
	Cancelling    bool            `json:"cancelling,omitempty"`

	// ackBuffered holds an ack that arrived before the chat's earlier
	// operations were resolved.
	ackBuffered bool
}

// Validate checks op before it is queued. It fills ChatID from the payload's
// chat_id field when the caller left it empty.
func (op *Operation) Validate() error {
	required, ok := requiredFields[op.Kind]
	if !ok {
		return errs.Validationf("unknown operation kind %q", op.Kind)
	}

	fields := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(op.Payload)) > 0 {
		if err := json.Unmarshal(op.Payload, &fields); err != nil {
			return errs.Validationf("payload must be a JSON object: %v", err)
		}
	}

	if op.ChatID == "" {
		if raw, ok := fields["chat_id"]; ok {
			var chatID string
			if err := json.Unmarshal(raw, &chatID); err == nil {
				op.ChatID = chatID
			}
		}
	}
	if op.ChatID == "" {
		return errs.Validationf("chat id is required")
	}

	for _, name := range required {
		raw, ok := fields[name]
		if !ok || isEmptyJSON(raw) {
			return errs.Validationf("%s requires payload field %q", op.Kind, name)
		}
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", `""`:
		return true
	}
	return false
}

// resolved reports whether op no longer holds back later operations of
// its chat.
func (op *Operation) resolved() bool {
	return op.Status == Failed || op.Status == Acknowledged
}
