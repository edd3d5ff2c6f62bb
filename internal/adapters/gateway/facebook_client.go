// Package gateway implements external API adapters
// Following Hexagonal Architecture: Outbound adapters for external services
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"omni-inbox/internal/core/domain"
)

// Custom errors for specific platform API failures
var (
	// ErrTokenExpired indicates the channel access token is expired or invalid.
	// It wraps domain.ErrChannelTokenExpired so the core deactivates the channel.
	ErrTokenExpired = fmt.Errorf("access token expired or invalid: %w", domain.ErrChannelTokenExpired)

	// ErrRateLimited indicates the platform throttled the request
	ErrRateLimited = errors.New("platform rate limit exceeded")

	// ErrPermissionDenied indicates missing permissions
	ErrPermissionDenied = errors.New("platform permission denied")
)

const maxSendAttempts = 3

// FacebookClient handles communication with the Facebook Graph API
type FacebookClient struct {
	httpClient *http.Client
	baseURL    string
	apiVersion string
	backoff    time.Duration
}

// NewFacebookClient creates a new Graph API client
func NewFacebookClient(baseURL, apiVersion string) *FacebookClient {
	return &FacebookClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		backoff:    500 * time.Millisecond,
	}
}

// FacebookError represents an error from the Graph API
type FacebookError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

type fbSendRequest struct {
	Recipient struct {
		ID string `json:"id"` // PSID (Page-Scoped ID)
	} `json:"recipient"`
	Message       map[string]any `json:"message"`
	MessagingType string         `json:"messaging_type"` // "RESPONSE" for replies
}

type fbSendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

type fbProfileResponse struct {
	Name       string `json:"name"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ProfilePic string `json:"profile_pic"`
}

func (c *FacebookClient) endpoint(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, strings.TrimLeft(path, "/"))
}

// SendMessage delivers one Send API message to a PSID, retrying transport failures.
//
// Returns specific errors:
//   - ErrTokenExpired: token invalid/expired (code 190), caller deactivates the channel
//   - ErrRateLimited: rate limit exceeded
//   - ErrPermissionDenied: missing permissions
func (c *FacebookClient) SendMessage(ctx context.Context, pageAccessToken, recipientPSID string, message map[string]any) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		lastErr = c.sendAttempt(ctx, pageAccessToken, recipientPSID, message, attempt)
		if lastErr == nil {
			return nil
		}

		// Don't retry on platform verdicts
		if errors.Is(lastErr, ErrTokenExpired) ||
			errors.Is(lastErr, ErrPermissionDenied) ||
			errors.Is(lastErr, ErrRateLimited) {
			return lastErr
		}

		if attempt < maxSendAttempts {
			backoff := time.Duration(attempt) * c.backoff
			slog.Warn("Retrying Facebook API call",
				"attempt", attempt,
				"max_retries", maxSendAttempts,
				"backoff_ms", backoff.Milliseconds(),
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", maxSendAttempts, lastErr)
}

func (c *FacebookClient) sendAttempt(ctx context.Context, pageAccessToken, recipientPSID string, message map[string]any, attempt int) error {
	payload := fbSendRequest{
		Message:       message,
		MessagingType: "RESPONSE",
	}
	payload.Recipient.ID = recipientPSID

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("me/messages"), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.URL.RawQuery = url.Values{"access_token": {pageAccessToken}}.Encode()

	// Log outgoing request (without token)
	slog.Info("Sending message to Facebook",
		"recipient_psid", recipientPSID,
		"attempt", attempt,
	)

	body, err := c.do(req)
	if err != nil {
		return err
	}

	var sendResp fbSendResponse
	if err := json.Unmarshal(body, &sendResp); err != nil {
		// HTTP 200 means it worked
		slog.Warn("Failed to parse success response", "error", err)
		return nil
	}

	slog.Info("Message sent successfully",
		"recipient_psid", recipientPSID,
		"message_id", sendResp.MessageID,
		"attempt", attempt,
	)
	return nil
}

// FetchProfile reads the public profile of a PSID
func (c *FacebookClient) FetchProfile(ctx context.Context, pageAccessToken, psid string) (*domain.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(url.PathEscape(psid)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.URL.RawQuery = url.Values{
		"fields":       {"name,first_name,last_name,profile_pic"},
		"access_token": {pageAccessToken},
	}.Encode()

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var p fbProfileResponse
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode facebook profile: %w", err)
	}

	display := p.Name
	if display == "" {
		display = strings.TrimSpace(p.FirstName + " " + p.LastName)
	}
	return &domain.Profile{
		DisplayName: display,
		PictureURL:  p.ProfilePic,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
	}, nil
}

// do executes the request and maps Graph API error codes
func (c *FacebookClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("facebook api request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, nil
	}

	var fbError struct {
		Error FacebookError `json:"error"`
	}
	if err := json.Unmarshal(body, &fbError); err != nil || fbError.Error.Code == 0 {
		slog.Error("Facebook API error (unparseable)",
			"status_code", resp.StatusCode,
			"body", string(body),
		)
		return nil, fmt.Errorf("facebook api error %d: %s", resp.StatusCode, string(body))
	}

	slog.Error("Facebook API error",
		"status_code", resp.StatusCode,
		"error_code", fbError.Error.Code,
		"error_message", fbError.Error.Message,
		"error_subcode", fbError.Error.ErrorSubcode,
		"fbtrace_id", fbError.Error.FBTraceID,
	)

	switch fbError.Error.Code {
	case 190:
		return nil, ErrTokenExpired
	case 4, 17, 32, 613:
		return nil, ErrRateLimited
	case 10, 200, 299:
		return nil, ErrPermissionDenied
	case 100:
		return nil, fmt.Errorf("invalid parameter: %s", fbError.Error.Message)
	default:
		return nil, fmt.Errorf("facebook api error (code %d): %s", fbError.Error.Code, fbError.Error.Message)
	}
}

// facebookMessage renders a stored payload as a Send API message object
func facebookMessage(p domain.Payload, mediaURL func(string) string) (map[string]any, error) {
	switch typed := p.(type) {
	case *domain.TextPayload:
		return map[string]any{"text": typed.Text}, nil

	case *domain.MediaPayload:
		link := typed.URL
		if typed.Filename != "" {
			link = mediaURL(typed.Filename)
		}
		return attachment(string(typed.Kind), map[string]any{"url": link, "is_reusable": true}), nil

	case *domain.StickerPayload:
		link := domain.StickerURL(domain.ChannelTypeFacebook, typed)
		if link == "" {
			return nil, fmt.Errorf("%w: sticker without url", domain.ErrUnsupportedMessage)
		}
		return attachment("image", map[string]any{"url": link, "is_reusable": true}), nil

	case *domain.LocationPayload:
		text := strings.TrimSpace(typed.Title + "\n" + typed.Address)
		text = strings.TrimSpace(fmt.Sprintf("%s\nhttps://maps.google.com/?q=%f,%f", text, typed.Latitude, typed.Longitude))
		return map[string]any{"text": text}, nil

	case *domain.TemplatePayload:
		return attachment("template", typed.Content), nil
	}
	return nil, fmt.Errorf("%w: %s on facebook", domain.ErrUnsupportedMessage, p.Type())
}

func attachment(kind string, payload any) map[string]any {
	return map[string]any{
		"attachment": map[string]any{
			"type":    kind,
			"payload": payload,
		},
	}
}
