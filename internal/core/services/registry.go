package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

// ChannelRegistry resolves webhook traffic to a connected channel and its organization
type ChannelRegistry struct {
	channels    ports.ChannelStore
	verifyToken string
}

// NewChannelRegistry creates a registry backed by the channel store
func NewChannelRegistry(channels ports.ChannelStore, verifyToken string) *ChannelRegistry {
	return &ChannelRegistry{
		channels:    channels,
		verifyToken: verifyToken,
	}
}

// LineChannelCode encodes a channel id into the path segment of its webhook URL
func LineChannelCode(channelID string) string {
	return base64.URLEncoding.EncodeToString([]byte(channelID))
}

func decodeChannelCode(code string) (string, error) {
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.RawStdEncoding} {
		if raw, err := enc.DecodeString(code); err == nil && len(raw) > 0 {
			return string(raw), nil
		}
	}
	return "", fmt.Errorf("%w: undecodable channel code", domain.ErrChannelNotFound)
}

// ResolveLine finds the LINE channel addressed by channelCode and checks the
// x-line-signature of the raw body against its secret.
//
// Errors: domain.ErrChannelNotFound when the code is unknown, deleted or inactive;
// domain.ErrInvalidSignature on mismatch; anything else is a store failure.
func (r *ChannelRegistry) ResolveLine(ctx context.Context, channelCode string, body []byte, signature string) (*domain.Channel, error) {
	id, err := decodeChannelCode(channelCode)
	if err != nil {
		return nil, err
	}

	ch, err := r.channels.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrChannelNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve line channel: %w", err)
	}

	if ch.Type != domain.ChannelTypeLine || ch.Line == nil || !ch.IsRoutable() {
		return nil, fmt.Errorf("%w: %s", domain.ErrChannelNotFound, id)
	}

	if signature == "" || !webhook.ValidateSignature(ch.Line.ChannelSecret, signature, body) {
		slog.Warn("LINE signature validation failed", "channel_id", ch.ID)
		return nil, domain.ErrInvalidSignature
	}

	return ch, nil
}

// ResolveFacebookPage finds the active channel for the page that received a message
func (r *ChannelRegistry) ResolveFacebookPage(ctx context.Context, pageID string) (*domain.Channel, error) {
	ch, err := r.channels.GetByPageID(ctx, pageID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: page %s", domain.ErrChannelNotFound, pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve facebook page: %w", err)
	}
	if !ch.IsRoutable() {
		return nil, fmt.Errorf("%w: page %s", domain.ErrChannelInactive, pageID)
	}
	return ch, nil
}

// VerifyFacebookHandshake answers the hub.mode=subscribe challenge
func (r *ChannelRegistry) VerifyFacebookHandshake(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || r.verifyToken == "" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(r.verifyToken)) {
		return "", false
	}
	return challenge, true
}

// CreateChannel connects a channel. A deleted or inactive channel of the
// organization with the same LINE secret or Facebook page id is revived with
// fresh credentials instead of duplicated. A key that is already connected
// returns domain.ErrConflict.
func (r *ChannelRegistry) CreateChannel(ctx context.Context, ch *domain.Channel) (*domain.Channel, error) {
	key := ch.ExternalKey()
	if key == "" {
		return nil, fmt.Errorf("channel %s has no credentials", ch.Type)
	}

	now := time.Now().UTC()
	existing, err := r.channels.FindByExternalKey(ctx, ch.OrganizationID, ch.Type, key)
	switch {
	case err == nil && !existing.IsDelete && (existing.OrganizationID != ch.OrganizationID || existing.IsRoutable()):
		return nil, fmt.Errorf("%w: %s channel already connected as %s", domain.ErrConflict, ch.Type, existing.ID)
	case err == nil:
		wasDeleted := existing.IsDelete
		existing.Name = ch.Name
		existing.Line = ch.Line
		existing.Facebook = ch.Facebook
		existing.Status = domain.ChannelStatusActive
		existing.IsDelete = false
		existing.UpdatedAt = now
		if err := r.channels.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("revive channel: %w", err)
		}
		slog.Info("Channel revived",
			"channel_id", existing.ID,
			"type", existing.Type,
			"was_deleted", wasDeleted,
		)
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("lookup channel by key: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate channel id: %w", err)
	}
	ch.ID = id.String()
	ch.Status = domain.ChannelStatusActive
	ch.IsDelete = false
	ch.CreatedAt = now
	ch.UpdatedAt = now
	if err := r.channels.Create(ctx, ch); err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	slog.Info("Channel created", "channel_id", ch.ID, "type", ch.Type)
	return ch, nil
}

// VerifyFacebookSignature validates an X-Hub-Signature-256 header ("sha256=<hex>")
func VerifyFacebookSignature(body []byte, appSecret, header string) bool {
	const prefix = "sha256="
	if appSecret == "" || !strings.HasPrefix(header, prefix) {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// SignFacebook computes the X-Hub-Signature-256 header for a body
func SignFacebook(body []byte, appSecret string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
