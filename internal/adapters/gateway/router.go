package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"golang.org/x/time/rate"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var (
	_ ports.ProfileFetcher = (*Router)(nil)
	_ ports.ContentFetcher = (*Router)(nil)
	_ ports.OutboundSender = (*Router)(nil)
)

// ErrContentTooLarge marks a download past the configured size cap
var ErrContentTooLarge = errors.New("content exceeds size limit")

// Router dispatches platform calls to the client matching the channel type
// and throttles outbound sends per channel
type Router struct {
	line       *LineClient
	facebook   *FacebookClient
	httpClient *http.Client
	mediaURL   func(key string) string
	maxContent int64

	ratePerSec float64
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
}

// NewRouter creates a platform router. mediaURL turns a media store key
// into a public URL the platforms can download. Downloads are cut off
// after maxContentBytes; zero leaves them unbounded.
func NewRouter(line *LineClient, facebook *FacebookClient, mediaURL func(string) string, ratePerSec float64, maxContentBytes int64) *Router {
	return &Router{
		line:     line,
		facebook: facebook,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		mediaURL:   mediaURL,
		maxContent: maxContentBytes,
		ratePerSec: ratePerSec,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (r *Router) limiter(channelID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[channelID]
	if !ok {
		burst := int(r.ratePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r.ratePerSec), burst)
		r.limiters[channelID] = lim
	}
	return lim
}

// FetchProfile loads the customer profile from the channel's platform
func (r *Router) FetchProfile(ctx context.Context, ch *domain.Channel, uid string) (*domain.Profile, error) {
	switch ch.Type {
	case domain.ChannelTypeLine:
		if ch.Line == nil {
			return nil, fmt.Errorf("channel %s has no line credentials", ch.ID)
		}
		return r.line.FetchProfile(ctx, ch.Line.AccessToken, uid)
	case domain.ChannelTypeFacebook:
		if ch.Facebook == nil {
			return nil, fmt.Errorf("channel %s has no page credentials", ch.ID)
		}
		return r.facebook.FetchProfile(ctx, ch.Facebook.PageAccessToken, uid)
	}
	return nil, fmt.Errorf("unknown channel type %q", ch.Type)
}

// FetchMessageContent downloads LINE message content. Facebook attachments
// arrive as public URLs and are never fetched through here.
func (r *Router) FetchMessageContent(ctx context.Context, ch *domain.Channel, providerMessageID string) (*ports.RemoteContent, error) {
	if ch.Type != domain.ChannelTypeLine || ch.Line == nil {
		return nil, fmt.Errorf("%w: content download on %s", domain.ErrUnsupportedMessage, ch.Type)
	}
	content, err := r.line.FetchContent(ctx, ch.Line.AccessToken, providerMessageID)
	if err != nil {
		return nil, err
	}
	content.Body = r.capped(content.Body)
	return content, nil
}

// FetchURL downloads a public URL such as a profile picture
func (r *Router) FetchURL(ctx context.Context, rawURL string) (*ports.RemoteContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	if r.maxContent > 0 && resp.ContentLength > r.maxContent {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: %d bytes: %w", rawURL, resp.ContentLength, ErrContentTooLarge)
	}

	contentType := resp.Header.Get("Content-Type")
	return &ports.RemoteContent{
		Body:        r.capped(resp.Body),
		ContentType: contentType,
		Ext:         extensionFor(contentType),
	}, nil
}

// Send delivers a stored outbound message to the customer
func (r *Router) Send(ctx context.Context, ch *domain.Channel, customer *domain.Customer, msg *domain.Message) error {
	payload, err := msg.Payload()
	if err != nil {
		return err
	}

	if err := r.limiter(ch.ID).Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	switch ch.Type {
	case domain.ChannelTypeLine:
		if ch.Line == nil {
			return fmt.Errorf("channel %s has no line credentials", ch.ID)
		}
		m, err := lineMessage(payload, r.mediaURL)
		if err != nil {
			return err
		}
		return r.line.Push(ctx, ch.Line.AccessToken, customer.UID, []messaging_api.MessageInterface{m})

	case domain.ChannelTypeFacebook:
		if ch.Facebook == nil {
			return fmt.Errorf("channel %s has no page credentials", ch.ID)
		}
		m, err := facebookMessage(payload, r.mediaURL)
		if err != nil {
			return err
		}
		return r.facebook.SendMessage(ctx, ch.Facebook.PageAccessToken, customer.UID, m)
	}
	return fmt.Errorf("unknown channel type %q", ch.Type)
}

func (r *Router) capped(body io.ReadCloser) io.ReadCloser {
	if r.maxContent <= 0 {
		return body
	}
	return &cappedBody{
		r:     io.LimitReader(body, r.maxContent+1),
		c:     body,
		limit: r.maxContent,
	}
}

// cappedBody fails the read that crosses the limit instead of truncating
type cappedBody struct {
	r     io.Reader
	c     io.Closer
	read  int64
	limit int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.read += int64(n)
	if b.read > b.limit {
		return n - int(b.read-b.limit), fmt.Errorf("read past %d bytes: %w", b.limit, ErrContentTooLarge)
	}
	return n, err
}

func (b *cappedBody) Close() error {
	return b.c.Close()
}

var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"audio/m4a":       ".m4a",
	"audio/x-m4a":     ".m4a",
	"audio/mpeg":      ".mp3",
	"application/pdf": ".pdf",
}

// extensionFor maps a Content-Type to a file extension, "" when unknown
func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	mediaType = strings.ToLower(mediaType)
	if ext, ok := preferredExt[mediaType]; ok {
		return ext
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
