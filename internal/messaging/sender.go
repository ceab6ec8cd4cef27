// Package messaging delivers fired messages to participants and maps delivery
// provider callbacks back to message states.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/StudyPush/internal/models"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrUnsupportedType  = errors.New("message type not supported by sender")
)

// Sender is a pluggable delivery channel. Send returns the provider's id for
// the sent message, used to match later status callbacks.
type Sender interface {
	Send(ctx context.Context, to string, m *models.Message) (string, error)
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhoneNumber reduces a phone number to E.164 form ("+" and
// digits). It requires at least 6 digits.
func CanonicalizePhoneNumber(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	digits := nonDigits.ReplaceAllString(recipient, "")
	if len(digits) < 6 {
		return "", fmt.Errorf("%w: %q has fewer than 6 digits", ErrInvalidRecipient, recipient)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("CanonicalizePhoneNumber: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Text renders the SMS text of a notification.
func Text(m *models.Message) string {
	switch {
	case m.Title == "":
		return m.Body
	case m.Body == "":
		return m.Title
	default:
		return m.Title + "\n" + m.Body
	}
}

// LogSender logs messages instead of delivering them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, to string, m *models.Message) (string, error) {
	id := fmt.Sprintf("log-%d", m.ID)
	slog.Info("LogSender.Send", "to", to, "messageID", m.ID, "type", m.Type, "title", m.Title, "providerID", id)
	return id, nil
}
