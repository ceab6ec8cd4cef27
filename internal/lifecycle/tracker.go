// Package lifecycle records the state trail of scheduled messages. Engine
// callbacks and external delivery reports converge on one append-only event
// log per message.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPush/internal/engine"
	"github.com/BTreeMap/StudyPush/internal/models"
	"github.com/BTreeMap/StudyPush/internal/scheduler"
	"github.com/BTreeMap/StudyPush/internal/store"
)

var (
	// ErrStateConflict rejects an external report of an internal-only state,
	// or one beyond the per-message event cap.
	ErrStateConflict   = errors.New("message state conflict")
	ErrMessageNotFound = errors.New("message not found")
)

// EventStore is the storage the Tracker needs. *store.Store implements it.
type EventStore interface {
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	AppendStateEvent(ctx context.Context, ev *models.MessageStateEvent) error
	AppendStateEventCapped(ctx context.Context, ev *models.MessageStateEvent, limit int) (bool, error)
	ListStateEvents(ctx context.Context, messageID int64) ([]*models.MessageStateEvent, error)
}

var _ engine.Listener = (*Tracker)(nil)

// Tracker turns engine callbacks and external reports into MessageStateEvents.
type Tracker struct {
	store  EventStore
	naming scheduler.NamingStrategy
	limit  int
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLimit overrides the per-message event cap for external reports.
func WithLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.limit = n
		}
	}
}

// WithClock sets the time source used for engine events.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker. naming must be the strategy the message
// scheduler registers jobs with; nil uses scheduler.MessageNaming.
func NewTracker(s EventStore, naming scheduler.NamingStrategy, opts ...Option) *Tracker {
	if naming == nil {
		naming = scheduler.MessageNaming{}
	}
	t := &Tracker{store: s, naming: naming, limit: models.MaxStateEvents, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) messageID(job engine.Job) (int64, bool) {
	if job.Kind != scheduler.JobKindMessage {
		return 0, false
	}
	p, err := scheduler.DecodePayload(job.PayloadJSON)
	if err != nil {
		slog.Warn("Tracker: undecodable job payload", "key", job.Key, "error", err)
		return 0, false
	}
	return p.MessageID, true
}

// JobScheduled records SCHEDULED.
func (t *Tracker) JobScheduled(ctx context.Context, job engine.Job) {
	id, ok := t.messageID(job)
	if !ok {
		return
	}
	t.record(ctx, id, models.MessageStateScheduled, nil)
}

// JobExecuted records EXECUTED, or ERRORED with the error details.
func (t *Tracker) JobExecuted(ctx context.Context, job engine.Job, fireID string, err error) {
	id, ok := t.messageID(job)
	if !ok {
		return
	}
	info := map[string]string{}
	if fireID != "" {
		info[models.InfoFireInstanceID] = fireID
	}
	if err == nil {
		t.record(ctx, id, models.MessageStateExecuted, info)
		return
	}
	info[models.InfoError] = errorName(err)
	info[models.InfoErrorDescription] = err.Error()
	t.record(ctx, id, models.MessageStateErrored, info)
}

// JobUnscheduled records CANCELLED for the message named by key.
func (t *Tracker) JobUnscheduled(ctx context.Context, key engine.JobKey) {
	id, err := t.naming.MessageID(string(key))
	if err != nil {
		slog.Warn("Tracker.JobUnscheduled: cannot recover message id", "key", key, "error", err)
		return
	}
	t.record(ctx, id, models.MessageStateCancelled, nil)
}

func errorName(err error) string {
	switch {
	case errors.Is(err, engine.ErrMisfired):
		return "misfired"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "execution_failed"
	}
}

// record appends an engine-sourced event. Messages that have vanished are
// skipped with a warning.
func (t *Tracker) record(ctx context.Context, messageID int64, state models.MessageState, info map[string]string) {
	if _, err := t.store.GetMessage(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Tracker: message no longer exists, dropping event", "messageID", messageID, "state", state)
			return
		}
		slog.Error("Tracker: load message failed", "messageID", messageID, "state", state, "error", err)
		return
	}
	ev := &models.MessageStateEvent{MessageID: messageID, State: state, Time: t.now(), AssociatedInfo: info}
	if err := t.store.AppendStateEvent(ctx, ev); err != nil {
		slog.Error("Tracker: append event failed", "messageID", messageID, "state", state, "error", err)
		return
	}
	slog.Debug("Tracker: recorded", "messageID", messageID, "state", state)
}

// Report is an externally reported state change.
type Report struct {
	State          models.MessageState `json:"state"`
	Time           time.Time           `json:"time"`
	AssociatedInfo map[string]string   `json:"associatedInfo,omitempty"`
}

// AppendExternal records a report for the message messageID of the given
// participant. The message must belong to that participant.
func (t *Tracker) AppendExternal(ctx context.Context, projectID, subjectID string, messageID int64, r Report) (*models.MessageStateEvent, error) {
	m, err := t.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.ProjectID != projectID || m.SubjectID != subjectID {
		return nil, fmt.Errorf("%w: message %d of %s/%s", ErrMessageNotFound, messageID, projectID, subjectID)
	}
	return t.appendExternal(ctx, m, r)
}

// AppendExternalFor records a report for an already loaded message.
func (t *Tracker) AppendExternalFor(ctx context.Context, m *models.Message, r Report) (*models.MessageStateEvent, error) {
	return t.appendExternal(ctx, m, r)
}

func (t *Tracker) appendExternal(ctx context.Context, m *models.Message, r Report) (*models.MessageStateEvent, error) {
	if !r.State.IsExternal() {
		return nil, fmt.Errorf("%w: state %q cannot be reported externally", ErrStateConflict, r.State)
	}
	at := r.Time
	if at.IsZero() {
		at = t.now()
	}
	ev := &models.MessageStateEvent{MessageID: m.ID, State: r.State, Time: at, AssociatedInfo: r.AssociatedInfo}
	stored, err := t.store.AppendStateEventCapped(ctx, ev, t.limit)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrMessageNotFound, m.ID)
	}
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, fmt.Errorf("%w: message %d already holds %d events", ErrStateConflict, m.ID, t.limit)
	}
	slog.Debug("Tracker.AppendExternal: recorded", "messageID", m.ID, "state", r.State)
	return ev, nil
}

// Events returns the state trail of a participant's message in time order.
func (t *Tracker) Events(ctx context.Context, projectID, subjectID string, messageID int64) ([]*models.MessageStateEvent, error) {
	m, err := t.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.ProjectID != projectID || m.SubjectID != subjectID {
		return nil, fmt.Errorf("%w: message %d of %s/%s", ErrMessageNotFound, messageID, projectID, subjectID)
	}
	return t.store.ListStateEvents(ctx, messageID)
}

func (t *Tracker) load(ctx context.Context, id int64) (*models.Message, error) {
	m, err := t.store.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrMessageNotFound, id)
	}
	return m, err
}
