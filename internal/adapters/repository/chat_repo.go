package repository

import (
	"context"
	"database/sql"
	"fmt"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.ChatStore = (*ChatRepository)(nil)

const chatColumns = `id, organization_id, channel_id, customer_id, status, owner_id,
	description, followup, spam, is_delete, created_at, updated_at`

// ChatRepository persists chats. The uq_chats_active index rejects a second
// active chat for the same customer, which Create reports as domain.ErrConflict.
type ChatRepository struct {
	db *sql.DB
}

// NewChatRepository creates a chat repository
func NewChatRepository(db *sql.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

func scanChat(row rowScanner) (*domain.Chat, error) {
	var (
		c           domain.Chat
		owner, desc sql.NullString
	)
	err := row.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.ChannelID,
		&c.CustomerID,
		&c.Status,
		&owner,
		&desc,
		&c.Followup,
		&c.Spam,
		&c.IsDelete,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		c.OwnerID = &owner.String
	}
	c.Description = desc.String
	return &c, nil
}

// GetActive returns the customer's chat whose status is not none
func (r *ChatRepository) GetActive(ctx context.Context, orgID, customerID string) (*domain.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats
		WHERE organization_id = ? AND customer_id = ? AND status <> 'none' AND is_delete = 0
		LIMIT 1`

	c, err := scanChat(r.db.QueryRowContext(ctx, query, orgID, customerID))
	if err != nil {
		return nil, notFound(err, "get active chat")
	}
	return c, nil
}

// GetByID returns a chat by id
func (r *ChatRepository) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = ? AND is_delete = 0`

	c, err := scanChat(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "get chat")
	}
	return c, nil
}

// Create inserts a chat
func (r *ChatRepository) Create(ctx context.Context, chat *domain.Chat) error {
	query := `
		INSERT INTO chats (` + chatColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		chat.ID,
		chat.OrganizationID,
		chat.ChannelID,
		chat.CustomerID,
		chat.Status,
		nullStringPtr(chat.OwnerID),
		nullString(chat.Description),
		chat.Followup,
		chat.Spam,
		chat.IsDelete,
		chat.CreatedAt,
		chat.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("create chat: %w", domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}
