package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestTokenBlacklist(t *testing.T) {
	mr, client := newTestClient(t)
	bl := NewRedisTokenBlacklist(client)
	ctx := context.Background()

	revoked, err := bl.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, bl.Add(ctx, "jti-1", time.Now().Add(time.Minute)))
	revoked, err = bl.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, err = bl.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	// 已过期的令牌不写入
	require.NoError(t, bl.Add(ctx, "jti-2", time.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists(blacklistKeyPrefix+"jti-2"))
}

type recordingSink struct {
	mu   sync.Mutex
	keys []string
	got  chan struct{}
}

func (s *recordingSink) Invalidate(keys ...string) {
	s.mu.Lock()
	s.keys = append(s.keys, keys...)
	s.mu.Unlock()
	s.got <- struct{}{}
}

func TestInvalidationBusRoundTrip(t *testing.T) {
	mr, client := newTestClient(t)
	bus := NewInvalidationBus(client, "school-im:invalidations", "node-a", nil)
	sink := &recordingSink{got: make(chan struct{}, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx, sink, ready) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("订阅未就绪")
	}

	require.NoError(t, bus.Publish(context.Background(), "messages:1", "conversation:1"))
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("未收到失效事件")
	}
	sink.mu.Lock()
	assert.Equal(t, []string{"messages:1", "conversation:1"}, sink.keys)
	sink.mu.Unlock()

	// 无法解析的负载被跳过
	mr.Publish("school-im:invalidations", "not-json")
	require.NoError(t, bus.Publish(context.Background(), "messages:2"))
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("未收到失效事件")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未退出")
	}
}

func TestInvalidationBusPublishWithoutKeys(t *testing.T) {
	_, client := newTestClient(t)
	bus := NewInvalidationBus(client, "c", "node-a", nil)
	assert.NoError(t, bus.Publish(context.Background()))
}
