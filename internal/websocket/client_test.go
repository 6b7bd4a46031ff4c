package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-im/internal/config"
	"school-im/internal/imtypes"
	"school-im/internal/livequery"
)

var testWSConfig = config.WebSocketConfig{
	WriteWaitSeconds:    5,
	PongWaitSeconds:     60,
	PingPeriodSeconds:   54,
	MaxMessageSizeBytes: 4096,
	SendBufferSize:      16,
}

// counterResolver 只认识 "counter" 查询，每次取数返回递增的计数。
type counterResolver struct {
	calls atomic.Int64
}

func (r *counterResolver) ResolveQuery(_ context.Context, externalID, name string, _ json.RawMessage) (string, livequery.FetchFunc, error) {
	if name != "counter" {
		return "", nil, errors.New("未知的实时查询")
	}
	return "counter:" + externalID, func(context.Context) (interface{}, error) {
		return r.calls.Add(1), nil
	}, nil
}

type wsEnv struct {
	queries *livequery.Hub
	hub     *Hub
	conn    *websocket.Conn
}

func newWSEnv(t *testing.T, maxSubscriptions int) *wsEnv {
	t.Helper()
	queries := livequery.NewHub(time.Second, nil)
	hub := NewHub(queries, &counterResolver{}, testWSConfig, maxSubscriptions, nil)
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWsPerConnection(hub, "ext-alice", w, r)
	}))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		hub.Shutdown()
		queries.Close()
		srv.Close()
	})
	return &wsEnv{queries: queries, hub: hub, conn: conn}
}

func (e *wsEnv) send(t *testing.T, frame imtypes.ClientFrame) {
	t.Helper()
	require.NoError(t, e.conn.WriteJSON(frame))
}

func (e *wsEnv) read(t *testing.T) imtypes.ServerFrame {
	t.Helper()
	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame imtypes.ServerFrame
	require.NoError(t, e.conn.ReadJSON(&frame))
	return frame
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	env := newWSEnv(t, 0)

	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, ID: "s1", Query: "counter"})
	first := env.read(t)
	assert.Equal(t, imtypes.FrameData, first.Type)
	assert.Equal(t, "s1", first.ID)
	assert.EqualValues(t, 1, first.Seq)
	assert.EqualValues(t, 1, first.Data)

	env.queries.Invalidate("counter:ext-alice")
	second := env.read(t)
	assert.Equal(t, "s1", second.ID)
	assert.Greater(t, second.Seq, first.Seq)

	env.send(t, imtypes.ClientFrame{Op: imtypes.OpUnsubscribe, ID: "s1"})
	unsub := env.read(t)
	assert.Equal(t, imtypes.FrameUnsubscribed, unsub.Type)
	assert.Eventually(t, func() bool { return env.queries.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSubscribeErrors(t *testing.T) {
	env := newWSEnv(t, 1)

	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, ID: "bad", Query: "grades"})
	frame := env.read(t)
	assert.Equal(t, imtypes.FrameError, frame.Type)
	assert.Equal(t, "bad", frame.ID)

	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, Query: "counter"})
	frame = env.read(t)
	assert.Equal(t, imtypes.FrameError, frame.Type)

	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, ID: "s1", Query: "counter"})
	assert.Equal(t, imtypes.FrameData, env.read(t).Type)

	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, ID: "s2", Query: "counter"})
	frame = env.read(t)
	assert.Equal(t, imtypes.FrameError, frame.Type)
	assert.Equal(t, "s2", frame.ID)

	require.NoError(t, env.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, imtypes.FrameError, env.read(t).Type)
}

func TestDisconnectCancelsSubscriptions(t *testing.T) {
	env := newWSEnv(t, 0)

	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, ID: "s1", Query: "counter"})
	env.read(t)
	assert.Equal(t, 1, env.queries.Len())
	assert.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, env.conn.Close())
	assert.Eventually(t, func() bool { return env.queries.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFailedResubscribeReleasesID(t *testing.T) {
	env := newWSEnv(t, 1)

	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, ID: "s1", Query: "counter"})
	assert.Equal(t, imtypes.FrameData, env.read(t).Type)

	env.queries.Close()
	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, ID: "s1", Query: "counter"})
	frame := env.read(t)
	assert.Equal(t, imtypes.FrameError, frame.Type)
	assert.Equal(t, "s1", frame.ID)
	assert.Equal(t, "订阅失败", frame.Error)

	// s1 已释放，s2 不会被连接的订阅上限挡住
	env.send(t, imtypes.ClientFrame{Op: imtypes.OpSubscribe, ID: "s2", Query: "counter"})
	frame = env.read(t)
	assert.Equal(t, "s2", frame.ID)
	assert.Equal(t, "订阅失败", frame.Error)
}
