package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/StudyPush/internal/engine"
	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/scheduler"
	"github.com/BTreeMap/StudyPush/internal/store"
)

// DefaultRatePerSecond bounds outbound sends when no rate is configured.
const DefaultRatePerSecond = 10

// DeliveryStore is the storage the Dispatcher needs.
type DeliveryStore interface {
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	MarkDelivered(ctx context.Context, id int64, providerID string) error
}

// Dispatcher is the engine handler for message jobs: it loads the fired
// message, sends it to the participant and marks it delivered.
type Dispatcher struct {
	store   DeliveryStore
	sender  Sender
	limiter *rate.Limiter
	now     func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRate limits sends to perSecond, with bursts of the same size.
func WithRate(perSecond float64) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithDispatchClock sets the time source used for expiry checks.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s DeliveryStore, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   s,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(DefaultRatePerSecond), DefaultRatePerSecond),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs the Dispatcher as the engine handler for message jobs.
func (d *Dispatcher) Register(e *engine.Engine) {
	e.RegisterHandler(scheduler.JobKindMessage, d.Handle)
}

// Handle delivers the message a job refers to. Messages that were deleted,
// already delivered or have expired are skipped without error.
func (d *Dispatcher) Handle(ctx context.Context, job engine.Job) error {
	p, err := scheduler.DecodePayload(job.PayloadJSON)
	if err != nil {
		return err
	}
	m, err := d.store.GetMessage(ctx, p.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Dispatcher.Handle: message vanished before delivery", "messageID", p.MessageID, "key", job.Key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message %d: %w", p.MessageID, err)
	}
	if m.Delivered {
		slog.Debug("Dispatcher.Handle: already delivered", "messageID", m.ID)
		return nil
	}
	if m.TTLSeconds > 0 && d.now().After(m.ExpiresAt()) {
		slog.Warn("Dispatcher.Handle: message expired, not sending", "messageID", m.ID, "expiresAt", m.ExpiresAt())
		return nil
	}
	user, err := d.store.GetUserByID(ctx, m.UserID)
	if err != nil {
		return fmt.Errorf("load participant of message %d: %w", m.ID, err)
	}
	if user.PhoneNumber == "" {
		return fmt.Errorf("%w: participant %s/%s has no phone number", ErrInvalidRecipient, user.ProjectID, user.SubjectID)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}
	providerID, err := d.sender.Send(ctx, user.PhoneNumber, m)
	if err != nil {
		return fmt.Errorf("send message %d: %w", m.ID, err)
	}
	if err := d.store.MarkDelivered(ctx, m.ID, providerID); err != nil {
		return err
	}
	slog.Info("Dispatcher.Handle: delivered", "messageID", m.ID, "subjectID", user.SubjectID, "providerID", providerID)
	return nil
}
