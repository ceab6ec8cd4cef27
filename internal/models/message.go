package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// MessageType distinguishes visible notifications from silent data messages.
type MessageType string

const (
	MessageTypeNotification MessageType = "NOTIFICATION"
	MessageTypeData         MessageType = "DATA"
	MessageTypeUnknown      MessageType = "UNKNOWN"
)

// ParseMessageType maps a string to a MessageType, UNKNOWN when unrecognised.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageTypeNotification, MessageTypeData:
		return MessageType(s)
	}
	return MessageTypeUnknown
}

// Message priorities.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Message is one outbound notification or data message for one participant.
// MessageKey identifies the content: identical content at an identical time
// for the same participant yields the same key.
type Message struct {
	ID            int64             `json:"id" db:"id"`
	Type          MessageType       `json:"type" db:"type"`
	UserID        int64             `json:"userId" db:"user_id"`
	TaskID        *int64            `json:"taskId,omitempty" db:"task_id"`
	MessageKey    string            `json:"messageKey" db:"message_key"`
	ScheduledTime time.Time         `json:"scheduledTime" db:"scheduled_time"`
	TTLSeconds    int               `json:"ttlSeconds" db:"ttl_seconds"`
	Delivered     bool              `json:"delivered" db:"delivered"`
	Priority      string            `json:"priority,omitempty" db:"priority"`
	SourceType    string            `json:"sourceType,omitempty" db:"source_type"`
	Title         string            `json:"title,omitempty" db:"title"`
	Body          string            `json:"body,omitempty" db:"body"`
	Data          map[string]string `json:"data,omitempty" db:"-"`
	EmailEnabled  bool              `json:"emailEnabled,omitempty" db:"email_enabled"`
	EmailTitle    string            `json:"emailTitle,omitempty" db:"email_title"`
	EmailBody     string            `json:"emailBody,omitempty" db:"email_body"`
	ProviderID    string            `json:"providerId,omitempty" db:"provider_id"`
	CreatedAt     time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time         `json:"updatedAt" db:"updated_at"`

	// Resolved from the owning user when loaded.
	ProjectID string `json:"projectId,omitempty" db:"project_id"`
	SubjectID string `json:"subjectId,omitempty" db:"subject_id"`

	// Task links a freshly generated message to its task before either has
	// been stored.
	Task *Task `json:"-" db:"-"`
}

// ComputeKey derives MessageKey from the message content.
func (m *Message) ComputeKey() string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	write(string(m.Type))
	write(strconv.FormatInt(m.UserID, 10))
	write(strconv.FormatInt(m.ScheduledTime.UnixMilli(), 10))
	write(strconv.Itoa(m.TTLSeconds))
	write(m.Priority)
	write(m.SourceType)
	write(m.Title)
	write(m.Body)
	write(fmt.Sprint(m.EmailEnabled))
	write(m.EmailTitle)
	write(m.EmailBody)
	keys := make([]string, 0, len(m.Data))
	for k := range m.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
		write(m.Data[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ExpiresAt is the end of the message's time to live.
func (m *Message) ExpiresAt() time.Time {
	return m.ScheduledTime.Add(time.Duration(m.TTLSeconds) * time.Second)
}
