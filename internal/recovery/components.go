package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/StudyPush/internal/models"
)

// DefaultLookback is how far back pending messages are searched for.
const DefaultLookback = 24 * time.Hour

// StaleJobRequeuer is implemented by *engine.Engine.
type StaleJobRequeuer interface {
	RecoverStaleJobs(ctx context.Context) (int, error)
}

// EngineJobs requeues jobs that were running when the process stopped.
type EngineJobs struct {
	Engine StaleJobRequeuer
}

func (EngineJobs) Name() string { return "engine-jobs" }

func (r EngineJobs) Recover(ctx context.Context) (int, error) {
	return r.Engine.RecoverStaleJobs(ctx)
}

// PendingMessageStore lists undelivered messages that have not fired or
// failed terminally yet.
type PendingMessageStore interface {
	ListPendingMessages(ctx context.Context, after time.Time) ([]*models.Message, error)
}

// MessageRegistrar registers messages that are not registered yet.
type MessageRegistrar interface {
	ScheduleMultiple(ctx context.Context, msgs []*models.Message) (int, error)
}

// PendingMessages re-registers undelivered messages whose engine job is
// missing, such as after the engine's job table was lost. Messages whose
// time to live has passed are left alone, and so are messages the store
// reports as already executed or errored.
type PendingMessages struct {
	Store     PendingMessageStore
	Scheduler MessageRegistrar
	Lookback  time.Duration
	Now       func() time.Time
}

func (PendingMessages) Name() string { return "pending-messages" }

func (r PendingMessages) Recover(ctx context.Context) (int, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	lookback := r.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	t := now()
	msgs, err := r.Store.ListPendingMessages(ctx, t.Add(-lookback))
	if err != nil {
		return 0, fmt.Errorf("list pending messages: %w", err)
	}
	live := msgs[:0]
	for _, m := range msgs {
		if m.TTLSeconds > 0 && !t.Before(m.ExpiresAt()) {
			continue
		}
		live = append(live, m)
	}
	return r.Scheduler.ScheduleMultiple(ctx, live)
}
