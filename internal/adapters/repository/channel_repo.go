package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.ChannelStore = (*ChannelRepository)(nil)

const channelColumns = `id, organization_id, name, type, status, is_delete,
	line_channel_id, line_secret, line_access_token, page_id, page_access_token,
	created_at, updated_at`

// ChannelRepository persists connected LINE and Facebook channels
type ChannelRepository struct {
	db *sql.DB
}

// NewChannelRepository creates a channel repository
func NewChannelRepository(db *sql.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*domain.Channel, error) {
	var (
		ch                            domain.Channel
		lineID, lineSecret, lineToken sql.NullString
		pageID, pageToken             sql.NullString
	)
	err := row.Scan(
		&ch.ID,
		&ch.OrganizationID,
		&ch.Name,
		&ch.Type,
		&ch.Status,
		&ch.IsDelete,
		&lineID,
		&lineSecret,
		&lineToken,
		&pageID,
		&pageToken,
		&ch.CreatedAt,
		&ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	switch ch.Type {
	case domain.ChannelTypeLine:
		ch.Line = &domain.LineCredentials{
			ChannelID:     lineID.String,
			ChannelSecret: lineSecret.String,
			AccessToken:   lineToken.String,
		}
	case domain.ChannelTypeFacebook:
		ch.Facebook = &domain.FacebookCredentials{
			PageID:          pageID.String,
			PageAccessToken: pageToken.String,
		}
	}
	return &ch, nil
}

// credentialArgs flattens credentials into the five nullable columns
func credentialArgs(ch *domain.Channel) []any {
	var lineID, lineSecret, lineToken, pageID, pageToken string
	if ch.Line != nil {
		lineID, lineSecret, lineToken = ch.Line.ChannelID, ch.Line.ChannelSecret, ch.Line.AccessToken
	}
	if ch.Facebook != nil {
		pageID, pageToken = ch.Facebook.PageID, ch.Facebook.PageAccessToken
	}
	return []any{
		nullString(lineID),
		nullString(lineSecret),
		nullString(lineToken),
		nullString(pageID),
		nullString(pageToken),
	}
}

// GetByID returns a non-deleted channel
func (r *ChannelRepository) GetByID(ctx context.Context, id string) (*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels WHERE id = ? AND is_delete = 0`

	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "get channel")
	}
	return ch, nil
}

// GetByPageID returns the non-deleted Facebook channel of a page; uq_channels_active allows one
func (r *ChannelRepository) GetByPageID(ctx context.Context, pageID string) (*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels
		WHERE type = 'facebook' AND page_id = ? AND is_delete = 0
		ORDER BY updated_at DESC
		LIMIT 1`

	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, pageID))
	if err != nil {
		return nil, notFound(err, "get channel by page")
	}
	return ch, nil
}

// FindByExternalKey finds the live channel holding a LINE secret or page id
// in any organization, else the newest soft-deleted one of orgID
func (r *ChannelRepository) FindByExternalKey(ctx context.Context, orgID string, t domain.ChannelType, key string) (*domain.Channel, error) {
	column := "page_id"
	if t == domain.ChannelTypeLine {
		column = "line_secret"
	}
	query := `SELECT ` + channelColumns + ` FROM channels
		WHERE type = ? AND ` + column + ` = ? AND (is_delete = 0 OR organization_id = ?)
		ORDER BY is_delete ASC, updated_at DESC
		LIMIT 1`

	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, t, key, orgID))
	if err != nil {
		return nil, notFound(err, "find channel by key")
	}
	return ch, nil
}

// Create inserts a channel
func (r *ChannelRepository) Create(ctx context.Context, ch *domain.Channel) error {
	query := `
		INSERT INTO channels (
			id, organization_id, name, type, status, is_delete,
			line_channel_id, line_secret, line_access_token, page_id, page_access_token,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	args := []any{ch.ID, ch.OrganizationID, ch.Name, ch.Type, ch.Status, ch.IsDelete}
	args = append(args, credentialArgs(ch)...)
	args = append(args, ch.CreatedAt, ch.UpdatedAt)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("create channel: %w", domain.ErrConflict)
		}
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of a channel
func (r *ChannelRepository) Update(ctx context.Context, ch *domain.Channel) error {
	query := `
		UPDATE channels
		SET name = ?, status = ?, is_delete = ?,
			line_channel_id = ?, line_secret = ?, line_access_token = ?, page_id = ?, page_access_token = ?,
			updated_at = ?
		WHERE id = ?
	`

	args := []any{ch.Name, ch.Status, ch.IsDelete}
	args = append(args, credentialArgs(ch)...)
	args = append(args, ch.UpdatedAt, ch.ID)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("update channel: %w", domain.ErrConflict)
		}
		return fmt.Errorf("update channel: %w", err)
	}
	return nil
}

// Deactivate disables a channel whose token expired
func (r *ChannelRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE channels
		SET status = 'inactive', updated_at = ?
		WHERE id = ? AND status <> 'inactive'
	`

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		slog.Error("Failed to deactivate channel",
			"error", err,
			"channel_id", id,
		)
		return fmt.Errorf("deactivate channel: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows > 0 {
		slog.Warn("CHANNEL DEACTIVATED - Token expired or invalid",
			"channel_id", id,
		)
	}
	return nil
}
