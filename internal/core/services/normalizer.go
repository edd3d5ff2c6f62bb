package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"omni-inbox/internal/adapters/dto"
	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

// MessageNormalizer converts provider payloads into canonical inbound messages
type MessageNormalizer struct {
	content ports.ContentFetcher
	media   ports.MediaStore
	now     func() time.Time
}

// NewMessageNormalizer creates a normalizer that uploads LINE media to the media store
func NewMessageNormalizer(content ports.ContentFetcher, media ports.MediaStore) *MessageNormalizer {
	return &MessageNormalizer{
		content: content,
		media:   media,
		now:     time.Now,
	}
}

// NormalizeLine builds the message for a LINE message event.
// Unsupported message types return domain.ErrUnsupportedMessage.
func (n *MessageNormalizer) NormalizeLine(ctx context.Context, ch *domain.Channel, customer *domain.Customer, messageID string, ev webhook.MessageEvent) (*domain.Message, error) {
	var payload domain.Payload
	switch m := ev.Message.(type) {
	case webhook.TextMessageContent:
		payload = &domain.TextPayload{Text: domain.StripNUL(m.Text)}
	case webhook.StickerMessageContent:
		payload = &domain.StickerPayload{Sticker: m.StickerId, PackageID: m.PackageId}
	case webhook.LocationMessageContent:
		payload = &domain.LocationPayload{
			Title:     m.Title,
			Address:   m.Address,
			Latitude:  m.Latitude,
			Longitude: m.Longitude,
		}
	case webhook.ImageMessageContent:
		return n.lineMedia(ctx, ch, customer, messageID, ev.Timestamp, domain.MessageTypeImage, "")
	case webhook.VideoMessageContent:
		return n.lineMedia(ctx, ch, customer, messageID, ev.Timestamp, domain.MessageTypeVideo, "")
	case webhook.AudioMessageContent:
		return n.lineMedia(ctx, ch, customer, messageID, ev.Timestamp, domain.MessageTypeAudio, "")
	case webhook.FileMessageContent:
		return n.lineMedia(ctx, ch, customer, messageID, ev.Timestamp, domain.MessageTypeFile, m.FileName)
	case nil:
		return nil, fmt.Errorf("%w: event without message", domain.ErrUnsupportedMessage)
	default:
		return nil, fmt.Errorf("%w: line message %T", domain.ErrUnsupportedMessage, m)
	}

	return n.build(ch, customer, messageID, ev.Timestamp, payload)
}

// lineMedia downloads the binary of a media message into the media store
func (n *MessageNormalizer) lineMedia(ctx context.Context, ch *domain.Channel, customer *domain.Customer, messageID string, tsMillis int64, kind domain.MessageType, fileName string) (*domain.Message, error) {
	content, err := n.content.FetchMessageContent(ctx, ch, messageID)
	if err != nil {
		return nil, fmt.Errorf("fetch line content: %w", err)
	}
	defer content.Body.Close()

	ext := content.Ext
	if fileName != "" {
		if fileExt := filepath.Ext(fileName); fileExt != "" {
			ext = fileExt
		}
	}

	key := MessageMediaKey(ch, customer.ID, messageID, ext)
	if err := n.media.Put(ctx, key, content.Body, content.ContentType); err != nil {
		return nil, fmt.Errorf("upload line content: %w", err)
	}
	return n.build(ch, customer, messageID, tsMillis, &domain.MediaPayload{Kind: kind, Filename: key})
}

// NormalizeFacebook builds the message for a Messenger user message.
// Facebook media keeps the provider URL; extra attachments go to More.
func (n *MessageNormalizer) NormalizeFacebook(ch *domain.Channel, customer *domain.Customer, m *dto.FacebookMessaging) (*domain.Message, error) {
	if m.Message == nil {
		return nil, fmt.Errorf("%w: event without message", domain.ErrUnsupportedMessage)
	}

	payload, err := facebookPayload(m.Message)
	if err != nil {
		return nil, err
	}
	return n.build(ch, customer, m.Message.MID, m.Timestamp, payload)
}

// facebookPayload prefers text; otherwise the first supported attachment
// sets the type and unsupported attachments are dropped
func facebookPayload(msg *dto.FacebookMessage) (domain.Payload, error) {
	if msg.Text != "" {
		return &domain.TextPayload{Text: domain.StripNUL(msg.Text)}, nil
	}

	var supported []dto.FacebookAttachment
	for _, a := range msg.Attachments {
		switch a.Type {
		case "image", "audio", "video", "file", "location":
			supported = append(supported, a)
		default:
			slog.Debug("Unsupported Facebook attachment dropped", "type", a.Type, "mid", msg.MID)
		}
	}
	if len(supported) == 0 {
		if len(msg.Attachments) == 0 {
			return nil, fmt.Errorf("%w: empty facebook message", domain.ErrUnsupportedMessage)
		}
		return nil, fmt.Errorf("%w: facebook attachment %q", domain.ErrUnsupportedMessage, msg.Attachments[0].Type)
	}

	first := supported[0]
	if first.Type == "location" {
		loc := &domain.LocationPayload{Title: first.Title}
		if first.Payload.Title != "" {
			loc.Title = first.Payload.Title
		}
		if first.Payload.Coordinates != nil {
			loc.Latitude = first.Payload.Coordinates.Lat
			loc.Longitude = first.Payload.Coordinates.Long
		}
		return loc, nil
	}

	if first.Type == "image" && first.Payload.StickerID != "" {
		return &domain.StickerPayload{
			Sticker: first.Payload.StickerID.String(),
			URL:     first.Payload.URL,
		}, nil
	}
	media := &domain.MediaPayload{
		Kind: domain.MessageType(first.Type),
		URL:  first.Payload.URL,
	}
	for _, extra := range supported[1:] {
		if extra.Payload.URL != "" {
			media.More = append(media.More, domain.MediaRef{URL: extra.Payload.URL})
		}
	}
	return media, nil
}

func (n *MessageNormalizer) build(ch *domain.Channel, customer *domain.Customer, providerID string, tsMillis int64, payload domain.Payload) (*domain.Message, error) {
	data, err := domain.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	now := n.now().UTC()
	return &domain.Message{
		ID:                id.String(),
		OrganizationID:    ch.OrganizationID,
		ChannelID:         ch.ID,
		CustomerID:        customer.ID,
		Direction:         domain.DirectionInbound,
		Type:              payload.Type(),
		Data:              data,
		ProviderMessageID: providerID,
		Timestamp:         providerTime(tsMillis, now),
		CreatedAt:         now,
	}, nil
}

// providerTime converts provider milliseconds, falling back to now when missing
func providerTime(ms int64, now time.Time) time.Time {
	if ms <= 0 {
		return now
	}
	return time.UnixMilli(ms).UTC()
}
