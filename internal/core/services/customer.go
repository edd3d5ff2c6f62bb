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

// CustomerResolver maps an external uid to a durable customer, creating it on first contact
type CustomerResolver struct {
	customers ports.CustomerStore
	profiles  ports.ProfileFetcher
	content   ports.ContentFetcher
	media     ports.MediaStore
}

// NewCustomerResolver creates a resolver
func NewCustomerResolver(
	customers ports.CustomerStore,
	profiles ports.ProfileFetcher,
	content ports.ContentFetcher,
	media ports.MediaStore,
) *CustomerResolver {
	return &CustomerResolver{
		customers: customers,
		profiles:  profiles,
		content:   content,
		media:     media,
	}
}

// Resolve returns the customer for uid on the channel.
// A failed profile fetch aborts only the calling event; a failed picture upload does not.
func (r *CustomerResolver) Resolve(ctx context.Context, ch *domain.Channel, uid string) (*domain.Customer, error) {
	existing, err := r.customers.GetByUID(ctx, ch.ID, uid)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("lookup customer: %w", err)
	}

	profile, err := r.profiles.FetchProfile(ctx, ch, uid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProfileUnavailable, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate customer id: %w", err)
	}

	customer := &domain.Customer{
		ID:             id.String(),
		OrganizationID: ch.OrganizationID,
		ChannelID:      ch.ID,
		UID:            uid,
		Display:        profile.DisplayName,
		Firstname:      profile.FirstName,
		Lastname:       profile.LastName,
		CreatedAt:      time.Now().UTC(),
	}
	if customer.Display == "" {
		customer.Display = customer.Name()
	}

	if profile.PictureURL != "" {
		key, err := r.storePicture(ctx, ch, uid, profile.PictureURL)
		if err != nil {
			slog.Warn("Failed to store customer picture",
				"error", err,
				"channel_id", ch.ID,
				"customer_uid", uid,
			)
		} else {
			customer.Picture = key
		}
	}

	err = r.customers.Create(ctx, customer)
	if errors.Is(err, domain.ErrConflict) {
		// a concurrent event created the same customer first
		winner, getErr := r.customers.GetByUID(ctx, ch.ID, uid)
		if getErr != nil {
			return nil, fmt.Errorf("refetch customer after conflict: %w", getErr)
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	slog.Info("New customer created",
		"customer_id", customer.ID,
		"channel_id", ch.ID,
		"customer_uid", uid,
	)
	return customer, nil
}

func (r *CustomerResolver) storePicture(ctx context.Context, ch *domain.Channel, uid, url string) (string, error) {
	content, err := r.content.FetchURL(ctx, url)
	if err != nil {
		return "", fmt.Errorf("download picture: %w", err)
	}
	defer content.Body.Close()

	key := CustomerPictureKey(ch, uid, content.Ext)
	if err := r.media.Put(ctx, key, content.Body, content.ContentType); err != nil {
		return "", fmt.Errorf("upload picture: %w", err)
	}
	return key, nil
}

// CustomerPictureKey is {org}/chat/{channel}/display/{uid}/{uid}{ext}
func CustomerPictureKey(ch *domain.Channel, uid, ext string) string {
	return fmt.Sprintf("%s/chat/%s/display/%s/%s%s", ch.OrganizationID, ch.ID, uid, uid, ext)
}

// MessageMediaKey is {org}/chat/{channel}/message/{customer}/{messageID}{ext}
func MessageMediaKey(ch *domain.Channel, customerID, messageID, ext string) string {
	return fmt.Sprintf("%s/chat/%s/message/%s/%s%s", ch.OrganizationID, ch.ID, customerID, messageID, ext)
}
