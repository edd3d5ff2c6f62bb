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

const maxActiveChatAttempts = 3

// ConversationReconciler finds or opens the single active chat of a customer
type ConversationReconciler struct {
	chats ports.ChatStore
}

// NewConversationReconciler creates a reconciler
func NewConversationReconciler(chats ports.ChatStore) *ConversationReconciler {
	return &ConversationReconciler{chats: chats}
}

// ResolveActiveChat returns the customer's active chat and whether it was just opened.
// The store rejects a second active chat, so a losing concurrent insert re-reads the winner.
func (r *ConversationReconciler) ResolveActiveChat(ctx context.Context, customer *domain.Customer) (*domain.Chat, bool, error) {
	for attempt := 1; attempt <= maxActiveChatAttempts; attempt++ {
		chat, err := r.chats.GetActive(ctx, customer.OrganizationID, customer.ID)
		if err == nil {
			return chat, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, fmt.Errorf("get active chat: %w", err)
		}

		id, err := uuid.NewV7()
		if err != nil {
			return nil, false, fmt.Errorf("generate chat id: %w", err)
		}
		now := time.Now().UTC()
		chat = &domain.Chat{
			ID:             id.String(),
			OrganizationID: customer.OrganizationID,
			ChannelID:      customer.ChannelID,
			CustomerID:     customer.ID,
			Status:         domain.ChatStatusOpen,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		err = r.chats.Create(ctx, chat)
		if err == nil {
			slog.Info("New chat opened",
				"chat_id", chat.ID,
				"customer_id", customer.ID,
			)
			return chat, true, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, false, fmt.Errorf("create chat: %w", err)
		}

		slog.Debug("Active chat created concurrently, re-reading",
			"customer_id", customer.ID,
			"attempt", attempt,
		)
	}

	return nil, false, fmt.Errorf("resolve active chat for %s: %w", customer.ID, domain.ErrConflict)
}
