package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

const defaultHistoryLimit = 500

// MessageService owns the outbound path shared by agents and automation, and read state
type MessageService struct {
	messages  ports.MessageStore
	chats     ports.ChatStore
	customers ports.CustomerStore
	channels  ports.ChannelStore
	sender    ports.OutboundSender
	media     ports.MediaStore
}

// NewMessageService creates a message service
func NewMessageService(
	messages ports.MessageStore,
	chats ports.ChatStore,
	customers ports.CustomerStore,
	channels ports.ChannelStore,
	sender ports.OutboundSender,
	media ports.MediaStore,
) *MessageService {
	return &MessageService{
		messages:  messages,
		chats:     chats,
		customers: customers,
		channels:  channels,
		sender:    sender,
		media:     media,
	}
}

// SendOutbound persists an outbound message and delivers it.
// The stored message is returned even when delivery fails; it is then flagged is_error.
func (s *MessageService) SendOutbound(
	ctx context.Context,
	ch *domain.Channel,
	customer *domain.Customer,
	chat *domain.Chat,
	payload domain.Payload,
	senderID *string,
) (*domain.Message, error) {
	data, err := domain.EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	now := time.Now().UTC()
	msg := &domain.Message{
		ID:             id.String(),
		OrganizationID: chat.OrganizationID,
		ChannelID:      ch.ID,
		ChatID:         chat.ID,
		CustomerID:     customer.ID,
		SenderID:       senderID,
		Direction:      domain.DirectionOutbound,
		Type:           payload.Type(),
		Data:           data,
		Timestamp:      now,
		IsRead:         true,
		CreatedAt:      now,
	}

	if err := s.messages.Save(ctx, msg); err != nil {
		return nil, fmt.Errorf("save outbound message: %w", err)
	}

	if err := s.sender.Send(ctx, ch, customer, msg); err != nil {
		msg.IsError = true
		if flagErr := s.messages.SetError(ctx, msg.ID, true); flagErr != nil {
			slog.Error("Failed to flag outbound message as failed",
				"error", flagErr,
				"message_id", msg.ID,
			)
		}

		if errors.Is(err, domain.ErrChannelTokenExpired) {
			if deactivateErr := s.channels.Deactivate(ctx, ch.ID); deactivateErr != nil {
				slog.Error("Failed to deactivate channel after token expiry",
					"error", deactivateErr,
					"channel_id", ch.ID,
				)
			} else {
				slog.Warn("Channel deactivated, token expired",
					"channel_id", ch.ID,
					"action", "Admin must reconnect the channel",
				)
			}
		}
		return msg, fmt.Errorf("deliver message %s: %w", msg.ID, err)
	}

	return msg, nil
}

// ReplyAsAgent sends a text reply typed by an agent into a chat
func (s *MessageService) ReplyAsAgent(ctx context.Context, chatID, agentID, text string) (*domain.Message, error) {
	text = strings.TrimSpace(domain.StripNUL(text))
	if text == "" {
		return nil, fmt.Errorf("%w: empty reply", domain.ErrInvalidPayload)
	}

	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	customer, err := s.customers.GetByID(ctx, chat.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("load customer: %w", err)
	}
	ch, err := s.channels.GetByID(ctx, chat.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}
	if !ch.IsRoutable() {
		return nil, domain.ErrChannelInactive
	}

	var sender *string
	if agentID != "" {
		sender = &agentID
	}
	return s.SendOutbound(ctx, ch, customer, chat, &domain.TextPayload{Text: text}, sender)
}

// MarkRead flags the given messages as read; repeating the call changes nothing
func (s *MessageService) MarkRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.messages.MarkRead(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return n, nil
}

// MessageView is a stored message with its payload decoded and URLs resolved for display
type MessageView struct {
	*domain.Message
	Payload     domain.Payload `json:"payload,omitempty"`
	ResolvedURL string         `json:"resolved_url,omitempty"`
}

// ChatHistory returns the chat's messages oldest first and marks inbound ones read
func (s *MessageService) ChatHistory(ctx context.Context, chatID string) ([]MessageView, error) {
	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	ch, err := s.channels.GetByID(ctx, chat.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}

	msgs, err := s.messages.ListByChat(ctx, chatID, defaultHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, s.view(ch.Type, m))
	}

	if _, err := s.messages.MarkChatRead(ctx, chatID); err != nil {
		slog.Warn("Failed to mark chat as read",
			"error", err,
			"chat_id", chatID,
		)
	}
	return views, nil
}

func (s *MessageService) view(channelType domain.ChannelType, m *domain.Message) MessageView {
	v := MessageView{Message: m}
	p, err := m.Payload()
	if err != nil {
		slog.Warn("Stored message has unreadable payload", "error", err, "message_id", m.ID)
		return v
	}
	v.Payload = p

	switch typed := p.(type) {
	case *domain.StickerPayload:
		v.ResolvedURL = domain.StickerURL(channelType, typed)
	case *domain.MediaPayload:
		if typed.Filename != "" {
			v.ResolvedURL = s.media.URL(typed.Filename)
		} else {
			v.ResolvedURL = typed.URL
		}
	}
	return v
}
