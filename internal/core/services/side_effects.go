package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

const pushTitle = "Fox connect"

// SideEffects runs the best-effort cascade after an inbound message is stored:
// agent notifications, the outside-hours message and the live broadcast
type SideEffects struct {
	notifications ports.NotificationStore
	push          ports.PushNotifier
	orgs          ports.OrganizationStore
	bus           ports.LiveEventBus
	messages      *MessageService
	panicMode     *PanicMode
	ownerDelay    time.Duration
	now           func() time.Time
	sleep         func(context.Context, time.Duration)
}

// NewSideEffects creates the dispatcher of post-persist effects
func NewSideEffects(
	notifications ports.NotificationStore,
	push ports.PushNotifier,
	orgs ports.OrganizationStore,
	bus ports.LiveEventBus,
	messages *MessageService,
	panicMode *PanicMode,
	ownerDelay time.Duration,
) *SideEffects {
	return &SideEffects{
		notifications: notifications,
		push:          push,
		orgs:          orgs,
		bus:           bus,
		messages:      messages,
		panicMode:     panicMode,
		ownerDelay:    ownerDelay,
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// Run executes every effect; failures are logged and never returned
func (s *SideEffects) Run(ctx context.Context, ev InboundEvent) {
	if ev.IsNewChat {
		s.notifyNewChat(ctx, ev)
	} else if ev.Chat.OwnerID != nil && *ev.Chat.OwnerID != "" {
		s.notifyOwner(ctx, ev)
	}

	s.checkWorkingHours(ctx, ev)

	// last, so dashboards refetch after everything above is stored
	s.broadcast(ctx, ev.Chat.OrganizationID)
}

func (s *SideEffects) notifyNewChat(ctx context.Context, ev InboundEvent) {
	if s.push == nil {
		return
	}
	subscribers, err := s.notifications.ChatSubscribers(ctx, ev.Chat.OrganizationID)
	if err != nil {
		slog.Error("Failed to load chat subscribers", "error", err, "chat_id", ev.Chat.ID)
		return
	}
	if len(subscribers) == 0 {
		return
	}

	n := s.newNotification(ev, fmt.Sprintf("New Chat from %s", ev.Customer.Name()))
	userIDs := make([]string, 0, len(subscribers))
	tokens := make([]string, 0, len(subscribers))
	for _, sub := range subscribers {
		userIDs = append(userIDs, sub.UserID)
		if sub.Token != "" {
			tokens = append(tokens, sub.Token)
		}
	}

	if err := s.notifications.Record(ctx, n, userIDs); err != nil {
		slog.Error("Failed to record notification", "error", err, "chat_id", ev.Chat.ID)
	}

	msg := pushMessage(n, ev.Channel)
	// The notifier splits tokens into provider-sized batches
	accepted, err := s.push.Multicast(ctx, tokens, msg)
	if err != nil {
		slog.Error("Failed to multicast new chat notification",
			"error", err,
			"chat_id", ev.Chat.ID,
			"recipients", len(tokens),
		)
	}

	slog.Info("New chat notification sent",
		"chat_id", ev.Chat.ID,
		"recipients", len(tokens),
		"accepted", accepted,
	)
}

func (s *SideEffects) notifyOwner(ctx context.Context, ev InboundEvent) {
	if s.push == nil {
		return
	}
	ownerID := *ev.Chat.OwnerID
	setting, err := s.notifications.SettingFor(ctx, ev.Chat.OrganizationID, ownerID)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Error("Failed to load owner notification setting", "error", err, "owner_id", ownerID)
		return
	}
	if !setting.Chat || setting.Token == "" {
		return
	}

	preview := MessagePreview(ev.Message)
	n := s.newNotification(ev, fmt.Sprintf("%s send a new message: %q", ev.Customer.Name(), preview))

	// media may still be settling at the provider; give text the fast path
	if ev.Message.Type != domain.MessageTypeText && ev.Message.Type != domain.MessageTypeLocation {
		s.sleep(ctx, s.ownerDelay)
	}

	if err := s.notifications.Record(ctx, n, []string{ownerID}); err != nil {
		slog.Error("Failed to record notification", "error", err, "chat_id", ev.Chat.ID)
	}
	if err := s.push.Send(ctx, setting.Token, pushMessage(n, ev.Channel)); err != nil {
		slog.Error("Failed to notify chat owner",
			"error", err,
			"owner_id", ownerID,
			"chat_id", ev.Chat.ID,
		)
	}
}

func (s *SideEffects) checkWorkingHours(ctx context.Context, ev InboundEvent) {
	org, err := s.orgs.GetByID(ctx, ev.Chat.OrganizationID)
	if err != nil {
		slog.Error("Failed to load organization", "error", err, "organization_id", ev.Chat.OrganizationID)
		return
	}
	if org.OutsideHoursMessage == "" || org.IsWithinWorkingHours(s.now()) {
		return
	}
	if s.panicMode != nil && s.panicMode.IsActive() {
		return
	}

	payload := &domain.TextPayload{Text: org.OutsideHoursMessage}
	if _, err := s.messages.SendOutbound(ctx, ev.Channel, ev.Customer, ev.Chat, payload, nil); err != nil {
		slog.Error("Failed to send outside-hours message", "error", err, "chat_id", ev.Chat.ID)
		return
	}
	slog.Info("Outside-hours message sent", "chat_id", ev.Chat.ID)
}

func (s *SideEffects) broadcast(ctx context.Context, orgID string) {
	if s.bus == nil {
		return
	}
	ev := domain.LiveEvent{OrganizationID: orgID, Event: domain.LiveEventNew}
	if err := s.bus.Publish(ctx, ev); err != nil {
		slog.Error("Failed to publish live event", "error", err, "organization_id", orgID)
	}
}

func (s *SideEffects) newNotification(ev InboundEvent, body string) *domain.Notification {
	return &domain.Notification{
		ID:             uuid.NewString(),
		OrganizationID: ev.Chat.OrganizationID,
		Type:           domain.NotificationTypeChat,
		Title:          pushTitle,
		Body:           body,
		ChatID:         ev.Chat.ID,
		CreatedAt:      s.now().UTC(),
	}
}

func pushMessage(n *domain.Notification, ch *domain.Channel) domain.PushMessage {
	return domain.PushMessage{
		Title: n.Title,
		Body:  n.Body,
		Data: map[string]string{
			"title":  n.Title,
			"body":   ch.Name,
			"type":   n.Type,
			"chatId": n.ChatID,
		},
	}
}

// MessagePreview is the short text shown in an owner notification
func MessagePreview(m *domain.Message) string {
	switch m.Type {
	case domain.MessageTypeText:
		if p, err := m.Payload(); err == nil {
			return p.(*domain.TextPayload).Text
		}
	case domain.MessageTypeLocation:
		if p, err := m.Payload(); err == nil {
			loc := p.(*domain.LocationPayload)
			if loc.Address != "" {
				return loc.Address
			}
			return loc.Title
		}
	case domain.MessageTypeSticker:
		return "Send Sticker"
	case domain.MessageTypeImage, domain.MessageTypeVideo:
		return "Send Media"
	}
	return "Send Unknown Type"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
