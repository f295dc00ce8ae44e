package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"duet/models"
)

const messageColumns = `
			message_id,
			sender,
			kind,
			body,
			url,
			mime,
			size_bytes,
			file_name,
			duration_seconds,
			status,
			created_at,
			read_at`

// Insert commits a new message. The store assigns the ID and the canonical
// created_at timestamp; the returned message carries both.
func (s *Store) Insert(ctx context.Context, message models.Message) (models.Message, error) {
	if s.isClosed() {
		return models.Message{}, ErrClosed
	}
	if message.Status == "" {
		message.Status = models.StatusSent
	}
	if err := message.Validate(); err != nil {
		return models.Message{}, err
	}

	clientCreatedAt := message.CreatedAt
	message.ID = uuid.NewString()
	row, err := rowFromMessage(message)
	if err != nil {
		return models.Message{}, err
	}

	var createdAt int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (
			message_id,
			sender,
			kind,
			body,
			url,
			mime,
			size_bytes,
			file_name,
			duration_seconds,
			status,
			created_at,
			client_created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, `+serverNowSQL+`), ?)
		RETURNING created_at`,
		row.MessageID,
		row.Sender,
		row.Kind,
		row.Body,
		row.URL,
		row.MIME,
		row.SizeBytes,
		row.FileName,
		row.DurationSeconds,
		row.Status,
		s.commitClock(),
		nullTimestamp(clientCreatedAt),
	).Scan(&createdAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message %q: %w: %w", row.MessageID, models.ErrNetwork, err)
	}

	s.notify.broadcast()

	message.CreatedAt = time.UnixMilli(createdAt).UTC()
	message.Provisional = false
	return message, nil
}

// UpdateStatus advances the status of one message on behalf of by. Only the
// recipient may advance a message and status never moves backward. Setting
// the status a message already has is a successful no-op.
func (s *Store) UpdateStatus(ctx context.Context, messageID string, status models.Status, by models.Identity) error {
	if messageID == "" {
		return fmt.Errorf("%w: message_id is required", models.ErrValidation)
	}
	if !status.Valid() {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}
	if s.isClosed() {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update %q: %w: %w", messageID, models.ErrNetwork, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var sender, current string
	err = tx.QueryRowContext(ctx,
		`SELECT sender, status FROM messages WHERE message_id = ?`,
		messageID,
	).Scan(&sender, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("read status of message %q: %w: %w", messageID, models.ErrNetwork, err)
	}

	if models.Identity(sender) == by {
		return fmt.Errorf("%w: %s may not change the status of its own message %q", models.ErrRemoteRejection, by, messageID)
	}
	if !models.Status(current).CanAdvanceTo(status) {
		return fmt.Errorf("%w: status of message %q cannot move from %s to %s", models.ErrRemoteRejection, messageID, current, status)
	}
	if models.Status(current) == status {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages
		SET status = ?, read_at = COALESCE(?, `+serverNowSQL+`)
		WHERE message_id = ?`,
		string(status),
		s.commitClock(),
		messageID,
	); err != nil {
		return fmt.Errorf("update status of message %q: %w: %w", messageID, models.ErrNetwork, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status of message %q: %w: %w", messageID, models.ErrNetwork, err)
	}

	s.notify.broadcast()
	return nil
}

// Delete permanently removes one message. It returns ErrNotFound when the
// message is already gone.
func (s *Store) Delete(ctx context.Context, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message_id is required", models.ErrValidation)
	}
	if s.isClosed() {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete message %q: %w: %w", messageID, models.ErrNetwork, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.notify.broadcast()
	return nil
}

// GetMessageByID fetches one message by message ID.
func (s *Store) GetMessageByID(ctx context.Context, messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, fmt.Errorf("%w: message_id is required", models.ErrValidation)
	}
	if s.isClosed() {
		return models.Message{}, ErrClosed
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w: %w", messageID, models.ErrNetwork, err)
	}
	return message, nil
}

// Query runs a one-shot read against the log.
func (s *Store) Query(ctx context.Context, query models.Query) ([]models.Message, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, ErrClosed
	}

	direction := "ASC"
	if query.Direction == models.Descending {
		direction = "DESC"
	}

	var (
		where strings.Builder
		args  []any
	)
	if !query.Before.IsZero() {
		where.WriteString("WHERE created_at < ?")
		args = append(args, query.Before.UnixMilli())
	}
	args = append(args, query.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		`+where.String()+`
		ORDER BY created_at `+direction+`, message_id `+direction+`
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w: %w", models.ErrNetwork, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w: %w", models.ErrNetwork, err)
	}

	return messages, nil
}

func (s *Store) commitClock() sql.NullInt64 {
	if s.opts.Now == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: s.opts.Now().UnixMilli(), Valid: true}
}

func scanMessage(row scanner) (models.Message, error) {
	var record messageRow

	if err := row.Scan(
		&record.MessageID,
		&record.Sender,
		&record.Kind,
		&record.Body,
		&record.URL,
		&record.MIME,
		&record.SizeBytes,
		&record.FileName,
		&record.DurationSeconds,
		&record.Status,
		&record.CreatedAt,
		&record.ReadAt,
	); err != nil {
		return models.Message{}, err
	}

	return record.toMessage()
}
