package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.MessageStore = (*MessageRepository)(nil)

const messageColumns = `id, organization_id, channel_id, chat_id, customer_id, sender_id, direction, type,
	data, provider_message_id, timestamp, is_read, is_error, created_at`

// MessageRepository persists chat messages. Rows are append-only apart from
// the is_read and is_error flags.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository creates a message repository
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Save inserts a message. A second inbound row for the same provider
// message id on a channel yields domain.ErrConflict.
func (r *MessageRepository) Save(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		msg.ID,
		msg.OrganizationID,
		msg.ChannelID,
		msg.ChatID,
		msg.CustomerID,
		nullStringPtr(msg.SenderID),
		msg.Direction,
		msg.Type,
		[]byte(msg.Data),
		nullString(msg.ProviderMessageID),
		msg.Timestamp,
		msg.IsRead,
		msg.IsError,
		msg.CreatedAt,
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("save message %s: %w", msg.ProviderMessageID, domain.ErrConflict)
	}
	if err != nil {
		slog.Error("Failed to save message",
			"error", err,
			"chat_id", msg.ChatID,
			"direction", msg.Direction,
		)
		return fmt.Errorf("save message: %w", err)
	}

	slog.Debug("Message saved",
		"message_id", msg.ID,
		"chat_id", msg.ChatID,
		"type", msg.Type,
	)
	return nil
}

// ListByChat returns up to limit messages of a chat, oldest first
func (r *MessageRepository) ListByChat(ctx context.Context, chatID string, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var (
			msg                domain.Message
			sender, providerID sql.NullString
			data               []byte
		)
		err := rows.Scan(
			&msg.ID,
			&msg.OrganizationID,
			&msg.ChannelID,
			&msg.ChatID,
			&msg.CustomerID,
			&sender,
			&msg.Direction,
			&msg.Type,
			&data,
			&providerID,
			&msg.Timestamp,
			&msg.IsRead,
			&msg.IsError,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if sender.Valid {
			msg.SenderID = &sender.String
		}
		msg.ProviderMessageID = providerID.String
		msg.Data = data
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// MarkRead flags unread messages as read and returns how many changed
func (r *MessageRepository) MarkRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `UPDATE messages SET is_read = 1 WHERE is_read = 0 AND id IN (` + placeholders(len(ids)) + `)`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}
	return result.RowsAffected()
}

// MarkChatRead flags every inbound message of a chat as read
func (r *MessageRepository) MarkChatRead(ctx context.Context, chatID string) (int64, error) {
	query := `UPDATE messages SET is_read = 1 WHERE chat_id = ? AND direction = 'inbound' AND is_read = 0`

	result, err := r.db.ExecContext(ctx, query, chatID)
	if err != nil {
		return 0, fmt.Errorf("mark chat read: %w", err)
	}
	return result.RowsAffected()
}

// SetError records the delivery outcome of an outbound message
func (r *MessageRepository) SetError(ctx context.Context, id string, isError bool) error {
	query := `UPDATE messages SET is_error = ? WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, isError, id); err != nil {
		return fmt.Errorf("set message error: %w", err)
	}
	return nil
}
