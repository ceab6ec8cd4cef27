package models

import (
	"fmt"
	"strings"
	"time"
)

// MessageState is a lifecycle stage of a scheduled message.
type MessageState string

const (
	MessageStateScheduled MessageState = "SCHEDULED"
	MessageStateExecuted  MessageState = "EXECUTED"
	MessageStateErrored   MessageState = "ERRORED"
	MessageStateCancelled MessageState = "CANCELLED"
	MessageStateDelivered MessageState = "DELIVERED"
	MessageStateDismissed MessageState = "DISMISSED"
	MessageStateOpened    MessageState = "OPENED"
	MessageStateUnknown   MessageState = "UNKNOWN"
)

// MaxStateEvents caps the externally reported events per message.
const MaxStateEvents = 20

// Context keys attached to ERRORED events.
const (
	InfoError            = "error"
	InfoErrorDescription = "error_description"
	InfoFireInstanceID   = "fire_instance_id"
)

// ParseMessageState parses a state name case-insensitively.
func ParseMessageState(s string) (MessageState, error) {
	st := MessageState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case MessageStateScheduled, MessageStateExecuted, MessageStateErrored, MessageStateCancelled,
		MessageStateDelivered, MessageStateDismissed, MessageStateOpened, MessageStateUnknown:
		return st, nil
	}
	return "", fmt.Errorf("unknown message state %q", s)
}

// IsExternal reports whether callers outside the engine may append s.
func (s MessageState) IsExternal() bool {
	switch s {
	case MessageStateDelivered, MessageStateDismissed, MessageStateOpened, MessageStateUnknown, MessageStateErrored:
		return true
	}
	return false
}

// MessageStateEvent is one append-only lifecycle record of a message.
type MessageStateEvent struct {
	ID             int64             `json:"id" db:"id"`
	MessageID      int64             `json:"messageId" db:"message_id"`
	State          MessageState      `json:"state" db:"state"`
	Time           time.Time         `json:"time" db:"event_time"`
	AssociatedInfo map[string]string `json:"associatedInfo,omitempty" db:"-"`
}
