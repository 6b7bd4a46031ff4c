package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-im/internal/config"
	"school-im/internal/livequery"
	"school-im/internal/models"
)

func testConfig(t *testing.T, bus string) config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	return config.Config{
		Database: config.DatabaseConfig{
			Type:     "sqlite",
			Path:     "file:" + uuid.NewString() + "?mode=memory&cache=shared",
			LogLevel: "silent",
		},
		Redis: config.RedisConfig{Addr: mr.Addr(), InvalidationChannel: "school-im:invalidations"},
		WebSocket: config.WebSocketConfig{
			WriteWaitSeconds: 5, PongWaitSeconds: 60, PingPeriodSeconds: 54,
			MaxMessageSizeBytes: 4096, SendBufferSize: 16,
		},
		LiveQuery: config.LiveQueryConfig{Bus: bus, InstanceID: "test-node", MaxSubscriptions: 8, FetchTimeoutSeconds: 2},
	}
}

func TestNewRejectsUnknownBus(t *testing.T) {
	_, err := New(testConfig(t, "carrier-pigeon"), nil)
	assert.Error(t, err)
}

// 经 Redis 总线发布的失效事件会回到本节点的 Hub，触发订阅重新查询。
func TestRedisBusDrivesLiveQueries(t *testing.T) {
	a, err := New(testConfig(t, BusRedis), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.RunBus(ctx) }()

	alice, err := a.Directory.CreateUser(ctx, models.RoleStudent, "ext-alice", "alice", "")
	require.NoError(t, err)
	_, err = a.Directory.CreateUser(ctx, models.RoleTeacher, "ext-bob", "bob", "")
	require.NoError(t, err)

	updates := make(chan livequery.Update, 8)
	key, fetch, err := a.LiveQueries.ResolveQuery(ctx, "ext-alice", "requests.count", nil)
	require.NoError(t, err)
	assert.Equal(t, livequery.RequestCountKey(alice.ID), key)
	sub, err := a.Queries.Subscribe(ctx, key, fetch, func(u livequery.Update) { updates <- u })
	require.NoError(t, err)
	defer sub.Cancel()

	first := <-updates
	assert.EqualValues(t, 0, first.Data)

	// 订阅确认是异步的，重复发送直到收到更新
	require.Eventually(t, func() bool {
		if _, err := a.FriendRequests.Create(ctx, "ext-bob", "alice"); err != nil {
			assert.ErrorContains(t, err, "待处理")
		}
		select {
		case u := <-updates:
			return u.Err == nil && u.Data == int64(1)
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
}

func TestLocalBusPublishesToHub(t *testing.T) {
	a, err := New(testConfig(t, BusLocal), nil)
	require.NoError(t, err)
	defer a.Close()
	assert.NoError(t, a.RunBus(context.Background()))
	assert.Equal(t, "test-node", a.InstanceID)
}
