package handler

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	live "omni-inbox/internal/adapters/websocket"
)

func newLiveServer(t *testing.T, hub *live.LiveHub, heartbeat time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /live/{orgID}", NewLiveStreamHandler(hub, heartbeat).Stream)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLiveStream_RejectsBadSecret(t *testing.T) {
	srv := newLiveServer(t, live.NewLiveHub("s3cret"), 0)

	resp, err := http.Get(srv.URL + "/live/org-a?secret_key=wrong")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLiveStream_DeliversOrganizationEvents(t *testing.T) {
	hub := live.NewLiveHub("s3cret")
	srv := newLiveServer(t, hub, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/live/org-a?secret_key=s3cret", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return hub.SubscriberCount("org-a") == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast("org-b", []byte(`{"event":"other"}`))
	hub.Broadcast("org-a", []byte(`{"event":"newEvent"}`))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `data: {"event":"newEvent"}`, strings.TrimSpace(line))

	cancel()
	assert.Eventually(t, func() bool {
		return hub.SubscriberCount("org-a") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLiveStream_Heartbeat(t *testing.T) {
	hub := live.NewLiveHub("s3cret")
	srv := newLiveServer(t, hub, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/live/org-a?secret_key=s3cret")
	require.NoError(t, err)
	defer resp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping", strings.TrimSpace(line))
}
