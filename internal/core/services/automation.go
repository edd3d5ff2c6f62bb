package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

// DefaultAccountName fills {{accountName}} in reply templates
const DefaultAccountName = "Admin"

// InboundEvent is one persisted inbound message with everything resolved for it
type InboundEvent struct {
	Channel   *domain.Channel
	Customer  *domain.Customer
	Chat      *domain.Chat
	Message   *domain.Message
	IsNewChat bool
}

// AutomationEngine sends welcome and keyword auto-replies
type AutomationEngine struct {
	replies     ports.ReplyTemplateStore
	messages    *MessageService
	media       ports.MediaStore
	panicMode   *PanicMode
	validate    *validator.Validate
	accountName string
}

// NewAutomationEngine creates an engine
func NewAutomationEngine(replies ports.ReplyTemplateStore, messages *MessageService, media ports.MediaStore, panicMode *PanicMode) *AutomationEngine {
	return &AutomationEngine{
		replies:     replies,
		messages:    messages,
		media:       media,
		panicMode:   panicMode,
		validate:    validator.New(),
		accountName: DefaultAccountName,
	}
}

// Handle picks the reply for the event and sends its fragments in order.
// Returns how many fragments were delivered.
func (a *AutomationEngine) Handle(ctx context.Context, ev InboundEvent) int {
	if a.panicMode != nil && a.panicMode.IsActive() {
		slog.Debug("Automation paused, skipping auto-reply", "chat_id", ev.Chat.ID)
		return 0
	}

	reply, err := a.selectReply(ctx, ev)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && reply == nil) {
		return 0
	}
	if err != nil {
		slog.Error("Failed to load auto-reply",
			"error", err,
			"chat_id", ev.Chat.ID,
		)
		return 0
	}

	return a.sendFragments(ctx, ev, reply)
}

func (a *AutomationEngine) selectReply(ctx context.Context, ev InboundEvent) (*domain.Reply, error) {
	if ev.IsNewChat {
		return a.replies.LatestActiveWelcome(ctx, ev.Chat.OrganizationID)
	}

	// non-text messages on existing chats never trigger automation
	if ev.Message == nil || ev.Message.Type != domain.MessageTypeText {
		return nil, nil
	}
	p, err := ev.Message.Payload()
	if err != nil {
		return nil, err
	}
	keyword := domain.NormalizeKeyword(p.(*domain.TextPayload).Text)
	if keyword == "" {
		return nil, nil
	}
	return a.replies.ResponseByKeyword(ctx, ev.Chat.OrganizationID, keyword)
}

func (a *AutomationEngine) sendFragments(ctx context.Context, ev InboundEvent, reply *domain.Reply) int {
	sent := 0
	for i, fragment := range reply.Responses {
		payload, err := a.render(ctx, ev, fragment)
		if err != nil {
			slog.Error("Failed to render reply fragment",
				"error", err,
				"reply_id", reply.ID,
				"fragment", i,
			)
			continue
		}

		if _, err := a.messages.SendOutbound(ctx, ev.Channel, ev.Customer, ev.Chat, payload, nil); err != nil {
			slog.Error("Failed to send reply fragment",
				"error", err,
				"reply_id", reply.ID,
				"fragment", i,
				"chat_id", ev.Chat.ID,
			)
			continue
		}
		sent++
	}

	slog.Info("Auto-reply sent",
		"reply_id", reply.ID,
		"event", reply.Event,
		"chat_id", ev.Chat.ID,
		"fragments", len(reply.Responses),
		"delivered", sent,
	)
	return sent
}

func (a *AutomationEngine) render(ctx context.Context, ev InboundEvent, f domain.ReplyFragment) (domain.Payload, error) {
	if err := a.validate.Struct(f); err != nil {
		return nil, fmt.Errorf("invalid fragment: %w", err)
	}

	switch {
	case f.Type == domain.MessageTypeText:
		return &domain.TextPayload{Text: a.substitute(f.Text, ev.Customer)}, nil
	case f.Type == domain.MessageTypeImage:
		dst := MessageMediaKey(ev.Channel, ev.Customer.ID, uuid.NewString(), filepath.Ext(f.Filename))
		if err := a.media.Copy(ctx, f.Filename, dst); err != nil {
			return nil, fmt.Errorf("copy reply image: %w", err)
		}
		return &domain.MediaPayload{Kind: domain.MessageTypeImage, Filename: dst}, nil
	case f.Type.IsTemplate():
		return &domain.TemplatePayload{Kind: f.Type, AltText: f.Text, Content: f.Content}, nil
	default:
		return nil, fmt.Errorf("%w: fragment type %q", domain.ErrUnsupportedMessage, f.Type)
	}
}

func (a *AutomationEngine) substitute(text string, customer *domain.Customer) string {
	return strings.NewReplacer(
		"{{displayName}}", customer.Display,
		"{{accountName}}", a.accountName,
	).Replace(text)
}
