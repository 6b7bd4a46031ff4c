package websocket

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"school-im/internal/config"
	"school-im/internal/livequery"
)

// QueryResolver 把客户端的查询名称和参数解析为失效键与取数函数。
type QueryResolver interface {
	ResolveQuery(ctx context.Context, externalID, name string, args json.RawMessage) (string, livequery.FetchFunc, error)
}

// Hub maintains the set of active clients. Subscriptions themselves live in the livequery hub.
type Hub struct {
	clients map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	stop    chan struct{}
	stopped chan struct{}
	count   atomic.Int64
	running atomic.Bool

	queries          *livequery.Hub
	resolver         QueryResolver
	wsCfg            config.WebSocketConfig
	maxSubscriptions int
	logger           *zap.Logger
}

// NewHub creates a new Hub.
func NewHub(queries *livequery.Hub, resolver QueryResolver, wsCfg config.WebSocketConfig, maxSubscriptions int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:          make(map[*Client]struct{}),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
		queries:          queries,
		resolver:         resolver,
		wsCfg:            wsCfg,
		maxSubscriptions: maxSubscriptions,
		logger:           logger.Named("websocket"),
	}
}

// Run starts the hub and listens for register/unregister requests until Shutdown.
func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.stopped)
	h.logger.Info("WebSocket Hub Run loop started.")
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("客户端已注册", zap.String("externalId", client.ExternalID))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.count.Store(int64(len(h.clients)))
				h.logger.Debug("客户端已注销", zap.String("externalId", client.ExternalID))
			}

		case <-h.stop:
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*Client]struct{})
			h.count.Store(0)
			return
		}
	}
}

// Shutdown 关闭所有连接并停止 Run 循环。
func (h *Hub) Shutdown() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	if h.running.Load() {
		<-h.stopped
	}
}

// Count 返回当前连接数。
func (h *Hub) Count() int {
	return int(h.count.Load())
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}
