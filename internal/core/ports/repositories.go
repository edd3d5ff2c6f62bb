// Package ports defines interfaces for dependency inversion
// Following Hexagonal Architecture: Core defines contracts, Adapters implement them
package ports

import (
	"context"
	"time"

	"omni-inbox/internal/core/domain"
)

// Store lookups return domain.ErrNotFound when nothing matches and
// inserts return domain.ErrConflict when a unique constraint rejects the row.

// WebhookRepository handles persistence of webhook audit logs
type WebhookRepository interface {
	// SaveLog persists a webhook event and returns its id
	SaveLog(ctx context.Context, log *domain.WebhookLog) (int64, error)

	// UpdateStatus tracks the lifecycle: pending -> processed/failed
	UpdateStatus(ctx context.Context, id int64, status string, errorLog *string) error

	// PurgeBefore deletes settled logs older than the cutoff, at most limit rows
	PurgeBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// ChannelStore persists connected channels
type ChannelStore interface {
	GetByID(ctx context.Context, id string) (*domain.Channel, error)

	// GetByPageID returns the non-deleted Facebook channel for a page
	GetByPageID(ctx context.Context, pageID string) (*domain.Channel, error)

	// FindByExternalKey looks for the channel holding a LINE secret or
	// Facebook page id: the non-deleted one in any organization first,
	// else a soft-deleted one of orgID
	FindByExternalKey(ctx context.Context, orgID string, t domain.ChannelType, key string) (*domain.Channel, error)

	Create(ctx context.Context, ch *domain.Channel) error
	Update(ctx context.Context, ch *domain.Channel) error

	// Deactivate flips status to inactive, used when a token dies
	Deactivate(ctx context.Context, id string) error
}

// CustomerStore persists customers, unique by (uid, channel)
type CustomerStore interface {
	GetByUID(ctx context.Context, channelID, uid string) (*domain.Customer, error)
	GetByID(ctx context.Context, id string) (*domain.Customer, error)
	Create(ctx context.Context, c *domain.Customer) error
}

// ChatStore persists chats and guards the single active slot per customer
type ChatStore interface {
	// GetActive returns the chat whose status is not none
	GetActive(ctx context.Context, orgID, customerID string) (*domain.Chat, error)
	GetByID(ctx context.Context, id string) (*domain.Chat, error)

	// Create returns domain.ErrConflict when another active chat already exists
	Create(ctx context.Context, chat *domain.Chat) error
}

// MessageStore persists messages
type MessageStore interface {
	Save(ctx context.Context, msg *domain.Message) error
	ListByChat(ctx context.Context, chatID string, limit int) ([]*domain.Message, error)

	// MarkRead sets is_read on the given messages; repeated calls are no-ops
	MarkRead(ctx context.Context, ids []string) (int64, error)

	// MarkChatRead sets is_read on every inbound message of a chat
	MarkChatRead(ctx context.Context, chatID string) (int64, error)

	SetError(ctx context.Context, id string, isError bool) error
}

// ReplyTemplateStore reads automated reply templates
type ReplyTemplateStore interface {
	// LatestActiveWelcome returns the newest active auto welcome reply
	LatestActiveWelcome(ctx context.Context, orgID string) (*domain.Reply, error)

	// ResponseByKeyword returns the newest active auto response reply whose
	// keyword equals the normalized keyword
	ResponseByKeyword(ctx context.Context, orgID, keyword string) (*domain.Reply, error)
}

// NotificationStore reads agent push settings and records sent notifications
type NotificationStore interface {
	// ChatSubscribers lists members with chat notifications enabled
	ChatSubscribers(ctx context.Context, orgID string) ([]domain.NotificationSetting, error)

	// SettingFor returns one member's setting inside an organization
	SettingFor(ctx context.Context, orgID, userID string) (*domain.NotificationSetting, error)

	// Record stores the notification and one recipient row per user
	Record(ctx context.Context, n *domain.Notification, userIDs []string) error
}

// OrganizationStore reads tenant settings
type OrganizationStore interface {
	GetByID(ctx context.Context, id string) (*domain.Organization, error)
}

// DedupRepository handles deduplication of webhook events using cache
type DedupRepository interface {
	// Claim reserves an event ID for one delivery; false means another
	// delivery already holds or finished it
	Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// Release drops a claim so a failed event can be redelivered
	Release(ctx context.Context, eventID string) error
}
