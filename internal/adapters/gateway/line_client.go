package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

// LineClient talks to the LINE Messaging API through the official SDK.
// Credentials are per channel, so SDK clients are built per call.
type LineClient struct {
	httpClient *http.Client
	apiURL     string // https://api.line.me
	dataURL    string // https://api-data.line.me, serves message content
}

// NewLineClient creates a Messaging API client
func NewLineClient(apiURL, dataURL string) *LineClient {
	return &LineClient{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		apiURL:  apiURL,
		dataURL: dataURL,
	}
}

func (c *LineClient) api(ctx context.Context, accessToken string) (*messaging_api.MessagingApiAPI, error) {
	bot, err := messaging_api.NewMessagingApiAPI(accessToken,
		messaging_api.WithEndpoint(c.apiURL),
		messaging_api.WithHTTPClient(c.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("create line client: %w", err)
	}
	return bot.WithContext(ctx), nil
}

func (c *LineClient) blob(ctx context.Context, accessToken string) (*messaging_api.MessagingApiBlobAPI, error) {
	bot, err := messaging_api.NewMessagingApiBlobAPI(accessToken,
		messaging_api.WithBlobEndpoint(c.dataURL),
		messaging_api.WithBlobHTTPClient(c.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("create line blob client: %w", err)
	}
	return bot.WithContext(ctx), nil
}

// Push sends up to five message objects to a user
func (c *LineClient) Push(ctx context.Context, accessToken, to string, messages []messaging_api.MessageInterface) error {
	bot, err := c.api(ctx, accessToken)
	if err != nil {
		return err
	}

	slog.Info("Sending message to LINE",
		"recipient_uid", to,
		"messages", len(messages),
	)

	resp, _, err := bot.PushMessageWithHttpInfo(&messaging_api.PushMessageRequest{
		To:       to,
		Messages: messages,
	}, "")
	if err != nil {
		return lineError("push", resp, err)
	}
	return nil
}

// FetchProfile reads a user's LINE profile
func (c *LineClient) FetchProfile(ctx context.Context, accessToken, userID string) (*domain.Profile, error) {
	bot, err := c.api(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, p, err := bot.GetProfileWithHttpInfo(userID)
	if err != nil {
		return nil, lineError("profile", resp, err)
	}
	return &domain.Profile{
		DisplayName: p.DisplayName,
		PictureURL:  p.PictureUrl,
	}, nil
}

// FetchContent streams the binary attached to a message; the caller closes the body
func (c *LineClient) FetchContent(ctx context.Context, accessToken, messageID string) (*ports.RemoteContent, error) {
	bot, err := c.blob(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := bot.GetMessageContent(messageID)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, lineError("content", resp, err)
	}

	contentType := resp.Header.Get("Content-Type")
	return &ports.RemoteContent{
		Body:        resp.Body,
		ContentType: contentType,
		Ext:         extensionFor(contentType),
	}, nil
}

// lineError maps LINE status codes onto the gateway errors
func lineError(op string, resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("line %s request failed: %w", op, err)
	}

	slog.Error("LINE API error",
		"status_code", resp.StatusCode,
		"operation", op,
		"error", err,
	)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrTokenExpired
	case http.StatusForbidden:
		return ErrPermissionDenied
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusNotFound:
		return fmt.Errorf("line %s: %w", op, domain.ErrNotFound)
	default:
		return fmt.Errorf("line %s error %d: %w", op, resp.StatusCode, err)
	}
}

// lineRawMessage sends a stored flex or template body unchanged
type lineRawMessage struct {
	kind string
	body map[string]any
}

func (m lineRawMessage) GetType() string { return m.kind }

func (m lineRawMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.body)
}

// lineMessage renders a stored payload as a Messaging API message
func lineMessage(p domain.Payload, mediaURL func(string) string) (messaging_api.MessageInterface, error) {
	switch typed := p.(type) {
	case *domain.TextPayload:
		return &messaging_api.TextMessage{Text: typed.Text}, nil

	case *domain.MediaPayload:
		link := typed.URL
		if typed.Filename != "" {
			link = mediaURL(typed.Filename)
		}
		switch typed.Kind {
		case domain.MessageTypeImage:
			return &messaging_api.ImageMessage{OriginalContentUrl: link, PreviewImageUrl: link}, nil
		default:
			// Video, audio and file need metadata LINE cannot derive; send a link instead
			return &messaging_api.TextMessage{Text: link}, nil
		}

	case *domain.StickerPayload:
		return &messaging_api.StickerMessage{PackageId: typed.PackageID, StickerId: typed.Sticker}, nil

	case *domain.LocationPayload:
		title := typed.Title
		if title == "" {
			title = "Location"
		}
		return &messaging_api.LocationMessage{
			Title:     title,
			Address:   typed.Address,
			Latitude:  typed.Latitude,
			Longitude: typed.Longitude,
		}, nil

	case *domain.TemplatePayload:
		alt := typed.AltText
		if alt == "" {
			alt = string(typed.Kind)
		}
		if typed.Kind == domain.MessageTypeFlex {
			return lineRawMessage{kind: "flex", body: map[string]any{
				"type": "flex", "altText": alt, "contents": typed.Content,
			}}, nil
		}
		return lineRawMessage{kind: "template", body: map[string]any{
			"type": "template", "altText": alt, "template": typed.Content,
		}}, nil
	}
	return nil, fmt.Errorf("%w: %s on line", domain.ErrUnsupportedMessage, p.Type())
}
