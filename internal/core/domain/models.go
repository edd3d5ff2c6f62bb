// Package domain contains core business entities
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// WebhookLog represents the audit trail for incoming webhook events
type WebhookLog struct {
	ID          int64           `json:"id" db:"id"`
	Platform    string          `json:"platform" db:"platform"`             // "line", "facebook"
	PayloadJSON json.RawMessage `json:"payload_json" db:"payload_json"`     // Raw provider body
	Status      string          `json:"status" db:"status"`                 // "pending", "processed", "failed"
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	ErrorLog    *string         `json:"error_log,omitempty" db:"error_log"` // Error details if failed
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WebhookStatus constants for lifecycle management
const (
	WebhookStatusPending   = "pending"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// ChannelType identifies the messaging platform behind a channel
type ChannelType string

const (
	ChannelTypeLine     ChannelType = "line"
	ChannelTypeFacebook ChannelType = "facebook"
)

// ChannelStatus constants
type ChannelStatus string

const (
	ChannelStatusActive   ChannelStatus = "active"
	ChannelStatusInactive ChannelStatus = "inactive"
)

// LineCredentials holds the Messaging API secrets of a LINE official account
type LineCredentials struct {
	ChannelID     string `json:"channel_id"`
	ChannelSecret string `json:"-"` // Used for x-line-signature validation
	AccessToken   string `json:"-"`
}

// FacebookCredentials holds the connected page and its token
type FacebookCredentials struct {
	PageID          string `json:"page_id"`
	PageAccessToken string `json:"-"` // Never expose in JSON
}

// Channel is one connected platform account owned by an organization
type Channel struct {
	ID             string               `json:"id" db:"id"`
	OrganizationID string               `json:"organization_id" db:"organization_id"`
	Name           string               `json:"name" db:"name"`
	Type           ChannelType          `json:"type" db:"type"`
	Status         ChannelStatus        `json:"status" db:"status"`
	IsDelete       bool                 `json:"is_delete" db:"is_delete"`
	Line           *LineCredentials     `json:"line,omitempty"`
	Facebook       *FacebookCredentials `json:"facebook,omitempty"`
	CreatedAt      time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at" db:"updated_at"`
}

// IsRoutable reports whether webhook traffic may be accepted for the channel
func (c *Channel) IsRoutable() bool {
	return c.Status == ChannelStatusActive && !c.IsDelete
}

// ExternalKey returns the provider-side identity used to revive a deleted channel
// LINE channels are keyed by their secret, Facebook channels by page id
func (c *Channel) ExternalKey() string {
	switch c.Type {
	case ChannelTypeLine:
		if c.Line != nil {
			return c.Line.ChannelSecret
		}
	case ChannelTypeFacebook:
		if c.Facebook != nil {
			return c.Facebook.PageID
		}
	}
	return ""
}

// Customer is an external end-user as seen through one channel
type Customer struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	ChannelID      string    `json:"channel_id" db:"channel_id"`
	UID            string    `json:"uid" db:"uid"` // LINE userId or Facebook PSID
	Display        string    `json:"display" db:"display"`
	Picture        string    `json:"picture,omitempty" db:"picture"` // Media storage key
	Firstname      string    `json:"firstname,omitempty" db:"firstname"`
	Lastname       string    `json:"lastname,omitempty" db:"lastname"`
	IsDelete       bool      `json:"is_delete" db:"is_delete"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Name returns "first last" when both parts are known, otherwise the display name
func (c *Customer) Name() string {
	if c.Firstname != "" && c.Lastname != "" {
		return c.Firstname + " " + c.Lastname
	}
	return c.Display
}

// ChatStatus constants
type ChatStatus string

const (
	ChatStatusNone ChatStatus = "none"
	ChatStatusOpen ChatStatus = "open"
)

// Chat is a conversation thread between one customer and the organization
// At most one chat per (customer, organization) has a status other than none
type Chat struct {
	ID             string     `json:"id" db:"id"`
	OrganizationID string     `json:"organization_id" db:"organization_id"`
	ChannelID      string     `json:"channel_id" db:"channel_id"`
	CustomerID     string     `json:"customer_id" db:"customer_id"`
	Status         ChatStatus `json:"status" db:"status"`
	OwnerID        *string    `json:"owner_id,omitempty" db:"owner_id"` // Assigned agent
	Description    string     `json:"description,omitempty" db:"description"`
	Followup       bool       `json:"followup" db:"followup"`
	Spam           bool       `json:"spam" db:"spam"`
	IsDelete       bool       `json:"is_delete" db:"is_delete"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the chat occupies the customer's active slot
func (c *Chat) IsActive() bool {
	return c.Status != ChatStatusNone && !c.IsDelete
}

// Direction constants
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one stored chat message
// Append-only; only IsRead and IsError change after insert
type Message struct {
	ID                string          `json:"id" db:"id"`
	OrganizationID    string          `json:"organization_id" db:"organization_id"`
	ChannelID         string          `json:"channel_id" db:"channel_id"`
	ChatID            string          `json:"chat_id" db:"chat_id"`
	CustomerID        string          `json:"customer_id" db:"customer_id"`
	SenderID          *string         `json:"sender_id,omitempty" db:"sender_id"` // Agent id for outbound replies
	Direction         Direction       `json:"direction" db:"direction"`
	Type              MessageType     `json:"type" db:"type"`
	Data              json.RawMessage `json:"data" db:"data"` // Type-tagged payload, see payload.go
	ProviderMessageID string          `json:"provider_message_id,omitempty" db:"provider_message_id"`
	Timestamp         time.Time       `json:"timestamp" db:"timestamp"`
	IsRead            bool            `json:"is_read" db:"is_read"`
	IsError           bool            `json:"is_error" db:"is_error"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// Payload decodes the stored data according to the message type
func (m *Message) Payload() (Payload, error) {
	return DecodePayload(m.Type, m.Data)
}

// Organization is a tenant of the inbox
type Organization struct {
	ID                  string       `json:"id" db:"id"`
	Name                string       `json:"name" db:"name"`
	Timezone            string       `json:"timezone" db:"timezone"` // IANA name, e.g. "Asia/Bangkok"
	WorkingHours        WorkingHours `json:"working_hours" db:"working_hours"`
	OutsideHoursMessage string       `json:"outside_hours_message,omitempty" db:"outside_hours_message"`
}

// ReplyType constants
type ReplyType string

const (
	ReplyTypeQuick ReplyType = "quick"
	ReplyTypeAuto  ReplyType = "auto"
)

// ReplyEvent constants
type ReplyEvent string

const (
	ReplyEventWelcome  ReplyEvent = "welcome"
	ReplyEventResponse ReplyEvent = "response"
)

// ReplyStatus constants
type ReplyStatus string

const (
	ReplyStatusActive   ReplyStatus = "active"
	ReplyStatusInactive ReplyStatus = "inactive"
)

// Reply is an automated or quick reply template
type Reply struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	Name           string          `json:"name" db:"name"`
	Type           ReplyType       `json:"type" db:"type"`
	Event          ReplyEvent      `json:"event" db:"event"`
	Status         ReplyStatus     `json:"status" db:"status"`
	Keywords       []string        `json:"keywords" db:"keywords"`
	Responses      []ReplyFragment `json:"responses" db:"responses"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// NormalizeKeyword is the form keywords are stored and looked up in
func NormalizeKeyword(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// ReplyFragment is one message inside a reply template
type ReplyFragment struct {
	Type     MessageType     `json:"type" validate:"required,oneof=text image buttons confirm carousel flex"`
	Text     string          `json:"text,omitempty" validate:"required_if=Type text"`
	Filename string          `json:"filename,omitempty" validate:"required_if=Type image"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// NotificationSetting is an agent's push preference within an organization
type NotificationSetting struct {
	UserID         string `json:"user_id" db:"user_id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`
	Chat           bool   `json:"chat" db:"chat"`
	Mention        bool   `json:"mention" db:"mention"`
	Token          string `json:"-" db:"token"` // FCM registration token
}

// NotificationType constants
const (
	NotificationTypeChat    = "chat"
	NotificationTypeMention = "mention"
)

// Notification is the persisted record of a push sent to agents
type Notification struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Type           string    `json:"type" db:"type"`
	Title          string    `json:"title" db:"title"`
	Body           string    `json:"body" db:"body"`
	ChatID         string    `json:"chat_id" db:"chat_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// PushMessage is the transport-neutral shape handed to a PushNotifier
type PushMessage struct {
	Title string
	Body  string
	Data  map[string]string
}

// LiveEvent is broadcast to an organization's connected dashboards
type LiveEvent struct {
	OrganizationID string `json:"-"`
	Event          string `json:"event"`
}

// LiveEventNew signals that the inbox has new activity
const LiveEventNew = "newEvent"

// Profile is the provider-side view of a customer
type Profile struct {
	DisplayName string
	PictureURL  string
	FirstName   string
	LastName    string
}
