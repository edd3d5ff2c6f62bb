package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveHub_BroadcastIsTopicScoped(t *testing.T) {
	hub := NewLiveHub("s3cret")

	a := hub.Subscribe("org-a")
	b := hub.Subscribe("org-b")
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	hub.Broadcast("org-a", []byte(`{"event":"newEvent"}`))

	select {
	case msg := <-a.C():
		assert.JSONEq(t, `{"event":"newEvent"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("org-a subscriber got nothing")
	}
	assert.Empty(t, b.C())
}

func TestLiveHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewLiveHub("s3cret")
	sub := hub.Subscribe("org-a")
	defer hub.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < clientBufferSize*3; i++ {
			hub.Broadcast("org-a", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber")
	}
	assert.Len(t, sub.C(), clientBufferSize)
}

func TestLiveHub_UnsubscribeClosesOnce(t *testing.T) {
	hub := NewLiveHub("s3cret")
	sub := hub.Subscribe("org-a")
	assert.Equal(t, 1, hub.SubscriberCount("org-a"))

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	_, open := <-sub.C()
	assert.False(t, open)
	assert.Zero(t, hub.SubscriberCount("org-a"))
}

func TestLiveHub_WriteFeedsLogTopic(t *testing.T) {
	hub := NewLiveHub("s3cret")
	sub := hub.Subscribe(LogTopic)
	defer hub.Unsubscribe(sub)

	n, err := hub.Write([]byte("{\"msg\":\"hello\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, `{"msg":"hello"}`, string(<-sub.C()))
}

func TestLiveHub_Authorized(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		query  string
		want   bool
	}{
		{"matching key", "s3cret", "?secret_key=s3cret", true},
		{"wrong key", "s3cret", "?secret_key=nope", false},
		{"missing key", "s3cret", "", false},
		{"hub without secret", "", "?secret_key=", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewLiveHub(tt.secret)
			r := httptest.NewRequest(http.MethodGet, "/ws/logs"+tt.query, nil)
			assert.Equal(t, tt.want, hub.Authorized(r))
		})
	}
}

func newHubServer(t *testing.T, hub *LiveHub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/live/{orgID}", hub.ServeLive)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLiveHub_ServeLiveRejectsBadSecret(t *testing.T) {
	hub := NewLiveHub("s3cret")
	srv := newHubServer(t, hub)

	resp, err := http.Get(srv.URL + "/ws/live/org-a?secret_key=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLiveHub_ServeLiveStreamsEvents(t *testing.T) {
	hub := NewLiveHub("s3cret")
	srv := newHubServer(t, hub)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live/org-a?secret_key=s3cret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("org-a") == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast("org-a", []byte(`{"event":"newEvent"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"newEvent"}`, string(msg))

	conn.Close()
	assert.Eventually(t, func() bool {
		return hub.SubscriberCount("org-a") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
