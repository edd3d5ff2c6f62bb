package repository

import (
	"context"
	"database/sql"
	"fmt"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.NotificationStore = (*NotificationRepository)(nil)

// NotificationRepository reads agent push settings and records sent notifications
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository creates a notification repository
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func scanSetting(row rowScanner) (domain.NotificationSetting, error) {
	var s domain.NotificationSetting
	err := row.Scan(&s.UserID, &s.OrganizationID, &s.Chat, &s.Mention, &s.Token)
	return s, err
}

// ChatSubscribers lists members of the organization with chat notifications on
func (r *NotificationRepository) ChatSubscribers(ctx context.Context, orgID string) ([]domain.NotificationSetting, error) {
	query := `
		SELECT user_id, organization_id, chat, mention, COALESCE(token, '')
		FROM notification_settings
		WHERE organization_id = ? AND chat = 1
	`

	rows, err := r.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("list chat subscribers: %w", err)
	}
	defer rows.Close()

	var settings []domain.NotificationSetting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification setting: %w", err)
		}
		settings = append(settings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chat subscribers: %w", err)
	}
	return settings, nil
}

// SettingFor returns one member's notification setting
func (r *NotificationRepository) SettingFor(ctx context.Context, orgID, userID string) (*domain.NotificationSetting, error) {
	query := `
		SELECT user_id, organization_id, chat, mention, COALESCE(token, '')
		FROM notification_settings
		WHERE organization_id = ? AND user_id = ?
	`

	s, err := scanSetting(r.db.QueryRowContext(ctx, query, orgID, userID))
	if err != nil {
		return nil, notFound(err, "get notification setting")
	}
	return &s, nil
}

// Record stores the notification and its recipients in one transaction
func (r *NotificationRepository) Record(ctx context.Context, n *domain.Notification, userIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin notification tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notifications (id, organization_id, type, title, body, chat_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.OrganizationID, n.Type, n.Title, n.Body, nullString(n.ChatID), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	if len(userIDs) > 0 {
		query := `INSERT IGNORE INTO notification_recipients (notification_id, user_id) VALUES `
		args := make([]any, 0, len(userIDs)*2)
		for i, userID := range userIDs {
			if i > 0 {
				query += ", "
			}
			query += "(?, ?)"
			args = append(args, n.ID, userID)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert notification recipients: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notification: %w", err)
	}
	return nil
}
