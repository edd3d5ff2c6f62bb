// Package dto contains data transfer objects for external APIs
// Separating DTOs from handlers prevents import cycles
package dto

import "encoding/json"

// FacebookWebhookRequest is the top-level webhook payload from Facebook
// Ref: https://developers.facebook.com/docs/messenger-platform/webhooks
// Entries stay raw so each one decodes on its own
type FacebookWebhookRequest struct {
	Object string            `json:"object"` // Always "page" for Messenger
	Entry  []json.RawMessage `json:"entry"`
}

// FacebookEntry represents a single page's webhook events; messaging
// events are decoded one by one into FacebookMessaging
type FacebookEntry struct {
	ID        string            `json:"id"`   // Page ID
	Time      int64             `json:"time"` // Unix milliseconds
	Messaging []json.RawMessage `json:"messaging"`
}

// FacebookMessaging represents a single messaging event
// Can be a message, delivery receipt, read receipt, or echo
type FacebookMessaging struct {
	Sender    FacebookUser      `json:"sender"`
	Recipient FacebookUser      `json:"recipient"` // Page that received the message
	Timestamp int64             `json:"timestamp"` // Unix milliseconds
	Message   *FacebookMessage  `json:"message,omitempty"`
	Delivery  *FacebookDelivery `json:"delivery,omitempty"`
	Read      *FacebookRead     `json:"read,omitempty"`
}

// FacebookUser represents a sender or recipient (PSID)
type FacebookUser struct {
	ID string `json:"id"`
}

// FacebookMessage represents the actual message content
type FacebookMessage struct {
	MID         string               `json:"mid"` // Used for deduplication
	Text        string               `json:"text"`
	Attachments []FacebookAttachment `json:"attachments,omitempty"`

	// IsEcho marks messages sent BY the page, never stored as inbound
	IsEcho bool `json:"is_echo,omitempty"`
}

// FacebookAttachment represents media, location or fallback attachments
type FacebookAttachment struct {
	Type    string                    `json:"type"` // "image", "video", "audio", "file", "location", "fallback"
	Title   string                    `json:"title,omitempty"`
	URL     string                    `json:"url,omitempty"`
	Payload FacebookAttachmentPayload `json:"payload"`
}

// FacebookAttachmentPayload contains attachment URL and metadata
type FacebookAttachmentPayload struct {
	URL         string               `json:"url,omitempty"`
	StickerID   json.Number          `json:"sticker_id,omitempty"` // Present when an image is really a sticker
	Coordinates *FacebookCoordinates `json:"coordinates,omitempty"`
	Title       string               `json:"title,omitempty"`
}

// FacebookCoordinates is the payload of a shared location
type FacebookCoordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// FacebookDelivery represents a delivery confirmation
type FacebookDelivery struct {
	MIDs      []string `json:"mids"`
	Watermark int64    `json:"watermark"`
}

// FacebookRead represents a read confirmation
type FacebookRead struct {
	Watermark int64 `json:"watermark"`
}

// IsUserMessage determines if this messaging event is an actual user message
// Returns false for: echo messages, delivery receipts, read receipts
func (m *FacebookMessaging) IsUserMessage() bool {
	if m.Message == nil {
		return false
	}
	if m.Message.IsEcho {
		return false
	}
	if m.Delivery != nil || m.Read != nil {
		return false
	}
	return true
}

// GetMessageID extracts the message ID for deduplication
func (m *FacebookMessaging) GetMessageID() string {
	if m.Message != nil {
		return m.Message.MID
	}
	return ""
}
