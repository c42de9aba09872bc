package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/streams"
)

type wsHarness struct {
	streams *streams.Service
	server  *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	streamSvc := streams.New(streams.NewMemoryStore(), log)
	engine := gin.New()
	NewGateway(streamSvc, log).Mount(engine)

	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)
	t.Cleanup(streamSvc.Close)
	return &wsHarness{streams: streamSvc, server: server}
}

func (h *wsHarness) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	return websocket.DefaultDialer.Dial(url, nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) streams.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev streams.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return ev
}

func TestRelaysStoredThenLiveEvents(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()
	require.NoError(t, h.streams.CreateStream(ctx, "sess-1"))
	for _, text := range []string{"hello", "world"} {
		_, err := h.streams.Publish(ctx, "sess-1", "container-agent:token", map[string]any{"text": text})
		require.NoError(t, err)
	}

	conn, _, err := h.dial(t, "/ws/sessions/sess-1")
	require.NoError(t, err)
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, int64(0), first.Offset)
	assert.Equal(t, "hello", first.Data["text"])

	second := readEvent(t, conn)
	assert.Equal(t, int64(1), second.Offset)

	// Events published after the handshake arrive live on the same
	// connection, in offset order.
	_, err = h.streams.Publish(ctx, "sess-1", "container-agent:status", map[string]any{"message": "working"})
	require.NoError(t, err)

	third := readEvent(t, conn)
	assert.Equal(t, int64(2), third.Offset)
	assert.Equal(t, "container-agent:status", third.Type)
}

func TestFromOffsetSkipsReplay(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()
	require.NoError(t, h.streams.CreateStream(ctx, "sess-1"))
	for i := 0; i < 3; i++ {
		_, err := h.streams.Publish(ctx, "sess-1", "container-agent:token", map[string]any{"i": i})
		require.NoError(t, err)
	}

	conn, _, err := h.dial(t, "/ws/sessions/sess-1?fromOffset=2")
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, int64(2), ev.Offset)
}

func TestUnknownSessionRejectsHandshake(t *testing.T) {
	h := newWSHarness(t)

	conn, resp, err := h.dial(t, "/ws/sessions/missing")
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInvalidFromOffsetRejectsHandshake(t *testing.T) {
	h := newWSHarness(t)
	require.NoError(t, h.streams.CreateStream(context.Background(), "sess-1"))

	_, resp, err := h.dial(t, "/ws/sessions/sess-1?fromOffset=nope")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamDeletionClosesConnection(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()
	require.NoError(t, h.streams.CreateStream(ctx, "sess-1"))

	conn, _, err := h.dial(t, "/ws/sessions/sess-1")
	require.NoError(t, err)
	defer conn.Close()

	deleted, err := h.streams.DeleteStream(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, deleted)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}
