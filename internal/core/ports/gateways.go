package ports

import (
	"context"
	"io"

	"omni-inbox/internal/core/domain"
)

// RemoteContent is a downloaded binary body; callers must close it
type RemoteContent struct {
	Body        io.ReadCloser
	ContentType string
	Ext         string // Extension with leading dot, "" when unknown
}

// MediaStore saves binary objects under storage keys
type MediaStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Copy(ctx context.Context, srcKey, dstKey string) error

	// URL returns the public address of a stored object
	URL(key string) string
}

// ProfileFetcher loads the provider profile of a customer
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, ch *domain.Channel, uid string) (*domain.Profile, error)
}

// ContentFetcher downloads inbound media
type ContentFetcher interface {
	// FetchMessageContent downloads the binary attached to a provider message
	FetchMessageContent(ctx context.Context, ch *domain.Channel, providerMessageID string) (*RemoteContent, error)

	// FetchURL downloads a public URL such as a profile picture
	FetchURL(ctx context.Context, url string) (*RemoteContent, error)
}

// OutboundSender delivers a stored outbound message to the customer
type OutboundSender interface {
	Send(ctx context.Context, ch *domain.Channel, customer *domain.Customer, msg *domain.Message) error
}

// PushNotifier delivers mobile push notifications to agents
type PushNotifier interface {
	Send(ctx context.Context, token string, msg domain.PushMessage) error

	// Multicast returns how many tokens were accepted
	Multicast(ctx context.Context, tokens []string, msg domain.PushMessage) (int, error)
}

// LiveEventBus fans live events out to every instance serving dashboards
type LiveEventBus interface {
	Publish(ctx context.Context, ev domain.LiveEvent) error
}
