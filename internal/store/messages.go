package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/BTreeMap/StudyPush/internal/models"
)

const messageSelect = `SELECT m.id, m.type, m.user_id, m.task_id, m.message_key, m.scheduled_time, m.ttl_seconds,
	m.delivered, m.priority, m.source_type, m.title, m.body, m.data_json, m.email_enabled, m.email_title,
	m.email_body, m.provider_id, m.created_at, m.updated_at, u.project_id, u.subject_id
	FROM messages m JOIN users u ON u.id = m.user_id`

type messageRow struct {
	models.Message
	DataJSON string `db:"data_json"`
}

func (r *messageRow) toModel() (*models.Message, error) {
	m := r.Message
	if r.DataJSON != "" {
		if err := json.Unmarshal([]byte(r.DataJSON), &m.Data); err != nil {
			return nil, fmt.Errorf("unmarshaling data of message %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

func encodeData(data map[string]string) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func rowsToMessages(rows []messageRow) ([]*models.Message, error) {
	out := make([]*models.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func prepareMessage(m *models.Message) {
	if m.TaskID == nil && m.Task != nil && m.Task.ID != 0 {
		id := m.Task.ID
		m.TaskID = &id
	}
	if m.Type == "" {
		m.Type = models.MessageTypeNotification
	}
	m.ScheduledTime = m.ScheduledTime.UTC()
	if m.MessageKey == "" {
		m.MessageKey = m.ComputeKey()
	}
}

type queryer interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	Rebind(query string) string
}

// insertMessage inserts m unless a message with the same key exists for the
// same participant, in which case it returns ErrDuplicate.
func (s *Store) insertMessage(ctx context.Context, q queryer, m *models.Message) error {
	prepareMessage(m)
	data, err := encodeData(m.Data)
	if err != nil {
		return fmt.Errorf("encoding message data: %w", err)
	}
	now := s.timestamp()
	err = q.QueryRowxContext(ctx, q.Rebind(`INSERT INTO messages (user_id, task_id, type, message_key, scheduled_time,
			ttl_seconds, delivered, priority, source_type, title, body, data_json, email_enabled, email_title,
			email_body, provider_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, message_key) DO NOTHING
		RETURNING id`),
		m.UserID, m.TaskID, m.Type, m.MessageKey, m.ScheduledTime, m.TTLSeconds, m.Delivered, m.Priority,
		m.SourceType, m.Title, m.Body, data, m.EmailEnabled, m.EmailTitle, m.EmailBody, m.ProviderID, now, now,
	).Scan(&m.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %s for user %d: %w", m.MessageKey, m.UserID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.CreatedAt, m.UpdatedAt = now, now
	return nil
}

// CreateMessage stores m and assigns its ID. It returns ErrDuplicate when the
// participant already has a message with the same content identity.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	if err := s.insertMessage(ctx, s.db, m); err != nil {
		return err
	}
	slog.Debug("Store.CreateMessage succeeded", "id", m.ID, "userID", m.UserID, "key", m.MessageKey)
	return nil
}

// CreateMessages stores msgs in one transaction, skipping those whose content
// identity already exists, and returns the stored ones.
func (s *Store) CreateMessages(ctx context.Context, msgs []*models.Message) ([]*models.Message, error) {
	var created []*models.Message
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		created = created[:0]
		for _, m := range msgs {
			err := s.insertMessage(ctx, tx, m)
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			if err != nil {
				return err
			}
			created = append(created, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Store.CreateMessages succeeded", "requested", len(msgs), "created", len(created))
	return created, nil
}

func (s *Store) getMessage(ctx context.Context, where string, args ...any) (*models.Message, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, s.rebind(messageSelect+" WHERE "+where), args...); err != nil {
		return nil, err
	}
	return row.toModel()
}

// GetMessage returns a message, or ErrNotFound.
func (s *Store) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	m, err := s.getMessage(ctx, "m.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

// GetMessageByProviderID finds a message by the delivery provider's id.
func (s *Store) GetMessageByProviderID(ctx context.Context, providerID string) (*models.Message, error) {
	if providerID == "" {
		return nil, fmt.Errorf("empty provider id: %w", ErrNotFound)
	}
	m, err := s.getMessage(ctx, "m.provider_id = ?", providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message with provider id %s: %w", providerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message by provider id %s: %w", providerID, err)
	}
	return m, nil
}

// ListMessages returns a participant's messages in time order.
func (s *Store) ListMessages(ctx context.Context, userID int64) ([]*models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(messageSelect+` WHERE m.user_id = ? ORDER BY m.scheduled_time, m.id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list messages for user %d: %w", userID, err)
	}
	return rowsToMessages(rows)
}

// ListPendingMessages returns undelivered messages scheduled after the given
// time, across all participants. Messages that already fired or failed
// terminally, shown by an EXECUTED or ERRORED state event, are left out.
func (s *Store) ListPendingMessages(ctx context.Context, after time.Time) ([]*models.Message, error) {
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows,
		s.rebind(messageSelect+` WHERE m.delivered = ? AND m.scheduled_time > ?
			AND NOT EXISTS (SELECT 1 FROM message_state_events e
				WHERE e.message_id = m.id AND e.state IN (?, ?))
			ORDER BY m.scheduled_time, m.id`),
		false, after.UTC(), string(models.MessageStateExecuted), string(models.MessageStateErrored))
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	return rowsToMessages(rows)
}

// UpdateMessage rewrites the content and time of a stored message and
// recomputes its content identity.
func (s *Store) UpdateMessage(ctx context.Context, m *models.Message) error {
	m.MessageKey = ""
	prepareMessage(m)
	data, err := encodeData(m.Data)
	if err != nil {
		return fmt.Errorf("encoding message data: %w", err)
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages SET type = ?, message_key = ?, scheduled_time = ?,
			ttl_seconds = ?, priority = ?, source_type = ?, title = ?, body = ?, data_json = ?, email_enabled = ?,
			email_title = ?, email_body = ?, updated_at = ?
		WHERE id = ?`),
		m.Type, m.MessageKey, m.ScheduledTime, m.TTLSeconds, m.Priority, m.SourceType, m.Title, m.Body, data,
		m.EmailEnabled, m.EmailTitle, m.EmailBody, now, m.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("message %d: %w", m.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("update message %d: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", m.ID, ErrNotFound)
	}
	m.UpdatedAt = now
	return nil
}

// MarkDelivered flags a message as handed to the delivery provider.
func (s *Store) MarkDelivered(ctx context.Context, id int64, providerID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE messages SET delivered = ?, provider_id = ?, updated_at = ? WHERE id = ?`),
		true, providerID, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("mark message %d delivered: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMessages removes messages and their state events. Missing ids are
// ignored.
func (s *Store) DeleteMessages(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	q, args, err := sqlx.In(`DELETE FROM messages WHERE id IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("Store.DeleteMessages succeeded", "requested", len(ids), "deleted", n)
	return int(n), nil
}
