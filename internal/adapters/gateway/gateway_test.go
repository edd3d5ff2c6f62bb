package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omni-inbox/internal/core/domain"
)

func newTestFacebook(t *testing.T, h http.HandlerFunc) *FacebookClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewFacebookClient(srv.URL, "v19.0")
	c.backoff = time.Millisecond
	return c
}

func newTestLine(t *testing.T, h http.HandlerFunc) *LineClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewLineClient(srv.URL, srv.URL)
}

func mediaURL(key string) string { return "https://cdn.test/" + key }

func storedMessage(t *testing.T, p domain.Payload) *domain.Message {
	t.Helper()
	data, err := domain.EncodePayload(p)
	require.NoError(t, err)
	return &domain.Message{ID: "m1", Type: p.Type(), Data: data}
}

func TestFacebookClient_SendMessage(t *testing.T) {
	var got fbSendRequest
	client := newTestFacebook(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v19.0/me/messages", r.URL.Path)
		assert.Equal(t, "page-token", r.URL.Query().Get("access_token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"recipient_id":"PSID_1","message_id":"mid.1"}`))
	})

	err := client.SendMessage(context.Background(), "page-token", "PSID_1", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "PSID_1", got.Recipient.ID)
	assert.Equal(t, "RESPONSE", got.MessagingType)
	assert.Equal(t, "hello", got.Message["text"])
}

func TestFacebookClient_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"token expired", 190, ErrTokenExpired},
		{"rate limited", 613, ErrRateLimited},
		{"permission", 200, ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			client := newTestFacebook(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "nope", "code": tt.code},
				})
			})

			err := client.SendMessage(context.Background(), "tok", "PSID_1", map[string]any{"text": "x"})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load(), "platform verdicts are not retried")
		})
	}
}

func TestFacebookClient_TokenExpiryIsDomainError(t *testing.T) {
	client := newTestFacebook(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Session has expired","code":190}}`))
	})

	err := client.SendMessage(context.Background(), "tok", "PSID_1", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, domain.ErrChannelTokenExpired)
}

func TestFacebookClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestFacebook(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"message_id":"mid.3"}`))
	})

	err := client.SendMessage(context.Background(), "tok", "PSID_1", map[string]any{"text": "x"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFacebookClient_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestFacebook(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.SendMessage(context.Background(), "tok", "PSID_1", map[string]any{"text": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, int32(maxSendAttempts), calls.Load())
}

func TestFacebookClient_FetchProfile(t *testing.T) {
	client := newTestFacebook(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v19.0/PSID_1", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("fields"), "profile_pic")
		w.Write([]byte(`{"first_name":"Ann","last_name":"Lee","profile_pic":"https://pic.test/a.jpg"}`))
	})

	p, err := client.FetchProfile(context.Background(), "tok", "PSID_1")
	require.NoError(t, err)
	assert.Equal(t, "Ann Lee", p.DisplayName)
	assert.Equal(t, "Ann", p.FirstName)
	assert.Equal(t, "https://pic.test/a.jpg", p.PictureURL)
}

func TestLineClient_Push(t *testing.T) {
	var body map[string]any
	client := newTestLine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/bot/message/push", r.URL.Path)
		assert.Equal(t, "Bearer line-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{}`))
	})

	err := client.Push(context.Background(), "line-token", "U1", []messaging_api.MessageInterface{&messaging_api.TextMessage{Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "U1", body["to"])
	require.Len(t, body["messages"], 1)
	first := body["messages"].([]any)[0].(map[string]any)
	assert.Equal(t, "text", first["type"])
	assert.Equal(t, "hi", first["text"])
}

func TestLineClient_UnauthorizedIsTokenExpiry(t *testing.T) {
	client := newTestLine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Authentication failed"}`))
	})

	err := client.Push(context.Background(), "bad", "U1", []messaging_api.MessageInterface{&messaging_api.TextMessage{Text: "hi"}})
	assert.ErrorIs(t, err, domain.ErrChannelTokenExpired)
}

func TestLineClient_FetchProfileNotFound(t *testing.T) {
	client := newTestLine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not found"}`))
	})

	_, err := client.FetchProfile(context.Background(), "tok", "U404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLineClient_FetchContent(t *testing.T) {
	client := newTestLine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/bot/message/12345/content", r.URL.Path)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	})

	content, err := client.FetchContent(context.Background(), "tok", "12345")
	require.NoError(t, err)
	defer content.Body.Close()

	data, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
	assert.Equal(t, ".jpg", content.Ext)
}

func TestRouter_SendFacebookImageUsesMediaURL(t *testing.T) {
	var got fbSendRequest
	fb := newTestFacebook(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"message_id":"mid.1"}`))
	})
	router := NewRouter(nil, fb, mediaURL, 100, 1<<20)

	ch := &domain.Channel{ID: "ch-fb", Type: domain.ChannelTypeFacebook, Facebook: &domain.FacebookCredentials{PageID: "P", PageAccessToken: "tok"}}
	msg := storedMessage(t, &domain.MediaPayload{Kind: domain.MessageTypeImage, Filename: "org-1/chat-1/a.png"})

	err := router.Send(context.Background(), ch, &domain.Customer{UID: "PSID_1"}, msg)
	require.NoError(t, err)

	att := got.Message["attachment"].(map[string]any)
	assert.Equal(t, "image", att["type"])
	assert.Equal(t, "https://cdn.test/org-1/chat-1/a.png", att["payload"].(map[string]any)["url"])
}

func TestRouter_SendLineSticker(t *testing.T) {
	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	line := newTestLine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{}`))
	})
	router := NewRouter(line, nil, mediaURL, 100, 1<<20)

	ch := &domain.Channel{ID: "ch-line", Type: domain.ChannelTypeLine, Line: &domain.LineCredentials{AccessToken: "tok"}}
	msg := storedMessage(t, &domain.StickerPayload{Sticker: "52002734", PackageID: "11537"})

	require.NoError(t, router.Send(context.Background(), ch, &domain.Customer{UID: "U1"}, msg))
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "sticker", body.Messages[0]["type"])
	assert.Equal(t, "52002734", body.Messages[0]["stickerId"])
}

func TestRouter_FacebookContentIsNotDownloaded(t *testing.T) {
	router := NewRouter(nil, nil, mediaURL, 1, 1<<20)
	ch := &domain.Channel{Type: domain.ChannelTypeFacebook}

	_, err := router.FetchMessageContent(context.Background(), ch, "mid.1")
	assert.ErrorIs(t, err, domain.ErrUnsupportedMessage)
}

func TestRouter_FetchURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png"))
	}))
	defer srv.Close()
	router := NewRouter(nil, nil, mediaURL, 1, 1<<20)

	content, err := router.FetchURL(context.Background(), srv.URL+"/pic")
	require.NoError(t, err)
	content.Body.Close()
	assert.Equal(t, ".png", content.Ext)

	_, err = router.FetchURL(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}

func TestRouter_LimiterIsPerChannel(t *testing.T) {
	router := NewRouter(nil, nil, mediaURL, 5, 1<<20)

	a := router.limiter("ch-a")
	assert.Same(t, a, router.limiter("ch-a"))
	assert.NotSame(t, a, router.limiter("ch-b"))
	assert.Equal(t, 5, a.Burst())
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", extensionFor("image/jpeg"))
	assert.Equal(t, ".mp4", extensionFor("video/mp4; charset=binary"))
	assert.Equal(t, "", extensionFor(""))
	assert.Equal(t, "", extensionFor("application/x-omni-unknown"))
}

type MockFCM struct {
	mock.Mock
}

func (m *MockFCM) Send(ctx context.Context, message *messaging.Message) (string, error) {
	args := m.Called(ctx, message)
	return args.String(0), args.Error(1)
}

func (m *MockFCM) SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	args := m.Called(ctx, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.BatchResponse), args.Error(1)
}

func TestFCMNotifier_MulticastChunks(t *testing.T) {
	fcm := &MockFCM{}
	n := &FCMNotifier{client: fcm}

	tokens := make([]string, 1200)
	for i := range tokens {
		tokens[i] = "tok"
	}

	fcm.On("SendEachForMulticast", mock.Anything, mock.MatchedBy(func(m *messaging.MulticastMessage) bool {
		return len(m.Tokens) == 500
	})).Return(&messaging.BatchResponse{SuccessCount: 500}, nil).Twice()
	fcm.On("SendEachForMulticast", mock.Anything, mock.MatchedBy(func(m *messaging.MulticastMessage) bool {
		return len(m.Tokens) == 200
	})).Return(&messaging.BatchResponse{SuccessCount: 198, FailureCount: 2}, nil).Once()

	sent, err := n.Multicast(context.Background(), tokens, domain.PushMessage{Title: "Ann", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1198, sent)
	fcm.AssertExpectations(t)
}

func TestFCMNotifier_Send(t *testing.T) {
	fcm := &MockFCM{}
	n := &FCMNotifier{client: fcm}

	fcm.On("Send", mock.Anything, mock.MatchedBy(func(m *messaging.Message) bool {
		return m.Token == "tok-1" && m.Notification.Title == "Ann" && m.Data["chat_id"] == "chat-1"
	})).Return("projects/p/messages/1", nil)

	err := n.Send(context.Background(), "tok-1", domain.PushMessage{
		Title: "Ann",
		Body:  "Send Sticker",
		Data:  map[string]string{"chat_id": "chat-1"},
	})
	require.NoError(t, err)
	fcm.AssertExpectations(t)
}

func TestRouter_SendLineFlexKeepsStoredContents(t *testing.T) {
	var body struct {
		Messages []map[string]any `json:"messages"`
	}
	line := newTestLine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{}`))
	})
	router := NewRouter(line, nil, mediaURL, 100, 1<<20)

	ch := &domain.Channel{ID: "ch-line", Type: domain.ChannelTypeLine, Line: &domain.LineCredentials{AccessToken: "tok"}}
	msg := storedMessage(t, &domain.TemplatePayload{
		Kind:    domain.MessageTypeFlex,
		AltText: "Menu",
		Content: json.RawMessage(`{"type":"bubble","body":{"type":"box","layout":"vertical","contents":[]}}`),
	})

	require.NoError(t, router.Send(context.Background(), ch, &domain.Customer{UID: "U1"}, msg))
	require.Len(t, body.Messages, 1)
	assert.Equal(t, "flex", body.Messages[0]["type"])
	assert.Equal(t, "Menu", body.Messages[0]["altText"])
	assert.Equal(t, "bubble", body.Messages[0]["contents"].(map[string]any)["type"])
}

func TestRouter_FetchURLRejectsDeclaredOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(srv.Close)
	router := NewRouter(nil, nil, mediaURL, 1, 16)

	_, err := router.FetchURL(context.Background(), srv.URL+"/big.png")
	assert.ErrorIs(t, err, ErrContentTooLarge)
}

func TestRouter_LineContentStreamStopsAtCap(t *testing.T) {
	line := newTestLine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		// Flushing first forces a chunked body with no Content-Length
		w.(http.Flusher).Flush()
		w.Write([]byte(strings.Repeat("v", 64)))
	})
	router := NewRouter(line, nil, mediaURL, 1, 16)
	ch := &domain.Channel{ID: "ch-line", Type: domain.ChannelTypeLine, Line: &domain.LineCredentials{AccessToken: "tok"}}

	content, err := router.FetchMessageContent(context.Background(), ch, "12345")
	require.NoError(t, err)
	defer content.Body.Close()

	data, err := io.ReadAll(content.Body)
	assert.ErrorIs(t, err, ErrContentTooLarge)
	assert.Len(t, data, 16)
}

func TestRouter_ContentUnderCapIsUntouched(t *testing.T) {
	line := newTestLine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	})
	router := NewRouter(line, nil, mediaURL, 1, 10)
	ch := &domain.Channel{ID: "ch-line", Type: domain.ChannelTypeLine, Line: &domain.LineCredentials{AccessToken: "tok"}}

	content, err := router.FetchMessageContent(context.Background(), ch, "12345")
	require.NoError(t, err)
	defer content.Body.Close()

	data, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}
