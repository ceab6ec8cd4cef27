package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/BTreeMap/StudyPush/internal/models"
)

type eventRow struct {
	models.MessageStateEvent
	Info string `db:"associated_info"`
}

func encodeInfo(ev *models.MessageStateEvent) (string, error) {
	if len(ev.AssociatedInfo) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ev.AssociatedInfo)
	return string(b), err
}

// AppendStateEvent records a lifecycle event without a cap.
func (s *Store) AppendStateEvent(ctx context.Context, ev *models.MessageStateEvent) error {
	info, err := encodeInfo(ev)
	if err != nil {
		return fmt.Errorf("encoding event info: %w", err)
	}
	ev.Time = ev.Time.UTC()
	err = s.db.QueryRowxContext(ctx, s.rebind(`INSERT INTO message_state_events (message_id, state, event_time, associated_info)
		VALUES (?, ?, ?, ?) RETURNING id`), ev.MessageID, ev.State, ev.Time, info).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("append %s event to message %d: %w", ev.State, ev.MessageID, err)
	}
	return nil
}

// AppendStateEventCapped records ev only while the message holds fewer than
// limit events. It reports whether the event was stored, and returns
// ErrNotFound if the message does not exist. Appends to one message are
// serialized by locking its row.
func (s *Store) AppendStateEventCapped(ctx context.Context, ev *models.MessageStateEvent, limit int) (bool, error) {
	info, err := encodeInfo(ev)
	if err != nil {
		return false, fmt.Errorf("encoding event info: %w", err)
	}
	ev.Time = ev.Time.UTC()
	stored := false
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		lock := `SELECT id FROM messages WHERE id = ?`
		if s.dialect == DialectPostgres {
			lock += ` FOR UPDATE`
		}
		var id int64
		if err := tx.GetContext(ctx, &id, tx.Rebind(lock), ev.MessageID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("message %d: %w", ev.MessageID, ErrNotFound)
			}
			return fmt.Errorf("lock message %d: %w", ev.MessageID, err)
		}
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM message_state_events WHERE message_id = ?`), ev.MessageID); err != nil {
			return fmt.Errorf("count events of message %d: %w", ev.MessageID, err)
		}
		if n >= limit {
			return nil
		}
		err := tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO message_state_events (message_id, state, event_time, associated_info)
			VALUES (?, ?, ?, ?) RETURNING id`), ev.MessageID, ev.State, ev.Time, info).Scan(&ev.ID)
		if err != nil {
			return fmt.Errorf("append %s event to message %d: %w", ev.State, ev.MessageID, err)
		}
		stored = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

// CountStateEvents returns how many events a message holds.
func (s *Store) CountStateEvents(ctx context.Context, messageID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(*) FROM message_state_events WHERE message_id = ?`), messageID); err != nil {
		return 0, fmt.Errorf("count events of message %d: %w", messageID, err)
	}
	return n, nil
}

// ListStateEvents returns a message's events in time order.
func (s *Store) ListStateEvents(ctx context.Context, messageID int64) ([]*models.MessageStateEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT id, message_id, state, event_time, associated_info
		FROM message_state_events WHERE message_id = ? ORDER BY event_time, id`), messageID)
	if err != nil {
		return nil, fmt.Errorf("list events of message %d: %w", messageID, err)
	}
	out := make([]*models.MessageStateEvent, 0, len(rows))
	for i := range rows {
		ev := rows[i].MessageStateEvent
		if rows[i].Info != "" {
			if err := json.Unmarshal([]byte(rows[i].Info), &ev.AssociatedInfo); err != nil {
				return nil, fmt.Errorf("decoding info of event %d: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, nil
}
