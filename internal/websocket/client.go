package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"school-im/internal/imtypes"
	"school-im/internal/livequery"
)

// Client is a middleman between the websocket connection and the live query hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames. 从不关闭，writePump 通过 ctx 退出。
	send chan []byte

	// ExternalID 是握手时认证的身份提供方用户 ID。
	ExternalID string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*livequery.Subscription

	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, externalID string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	size := hub.wsCfg.SendBufferSize
	if size <= 0 {
		size = 256
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, size),
		ExternalID: externalID,
		ctx:        ctx,
		cancel:     cancel,
		subs:       make(map[string]*livequery.Subscription),
		logger:     hub.logger.With(zap.String("externalId", externalID)),
	}
}

// readPump 读取客户端帧直到连接断开；断开时取消该连接的所有订阅。
func (c *Client) readPump() {
	defer func() {
		c.cancelAll()
		c.hub.remove(c)
		c.close()
	}()
	wsCfg := c.hub.wsCfg
	pongWait := time.Duration(wsCfg.PongWaitSeconds) * time.Second
	c.conn.SetReadLimit(int64(wsCfg.MaxMessageSizeBytes))
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("WebSocket 连接异常关闭", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("忽略非文本消息", zap.Int("type", messageType))
			continue
		}

		var frame imtypes.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.enqueue(imtypes.ServerFrame{Type: imtypes.FrameError, Error: "无法解析的消息"})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame imtypes.ClientFrame) {
	if frame.ID == "" {
		c.enqueue(imtypes.ServerFrame{Type: imtypes.FrameError, Error: "缺少订阅 ID"})
		return
	}
	switch frame.Op {
	case imtypes.OpSubscribe:
		c.subscribe(frame)
	case imtypes.OpUnsubscribe:
		c.unsubscribe(frame.ID)
	default:
		c.enqueue(imtypes.ServerFrame{Type: imtypes.FrameError, ID: frame.ID, Error: "未知操作"})
	}
}

func (c *Client) subscribe(frame imtypes.ClientFrame) {
	c.mu.Lock()
	old, replacing := c.subs[frame.ID]
	tooMany := !replacing && c.hub.maxSubscriptions > 0 && len(c.subs) >= c.hub.maxSubscriptions
	c.mu.Unlock()
	if tooMany {
		c.enqueue(imtypes.ServerFrame{Type: imtypes.FrameError, ID: frame.ID, Error: "订阅数量超出限制"})
		return
	}
	if replacing {
		old.Cancel()
	}

	key, fetch, err := c.hub.resolver.ResolveQuery(c.ctx, c.ExternalID, frame.Query, frame.Args)
	if err != nil {
		c.mu.Lock()
		delete(c.subs, frame.ID)
		c.mu.Unlock()
		c.enqueue(imtypes.ServerFrame{Type: imtypes.FrameError, ID: frame.ID, Error: err.Error()})
		return
	}

	id := frame.ID
	sub, err := c.hub.queries.Subscribe(c.ctx, key, fetch, func(u livequery.Update) {
		out := imtypes.ServerFrame{Type: imtypes.FrameData, ID: id, Seq: u.Seq, Data: u.Data}
		if u.Err != nil {
			out = imtypes.ServerFrame{Type: imtypes.FrameError, ID: id, Seq: u.Seq, Error: u.Err.Error()}
		}
		c.enqueue(out)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		c.enqueue(imtypes.ServerFrame{Type: imtypes.FrameError, ID: id, Error: "订阅失败"})
		return
	}

	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
	c.logger.Debug("已订阅", zap.String("id", id), zap.String("key", key))
}

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Cancel()
	}
	c.enqueue(imtypes.ServerFrame{Type: imtypes.FrameUnsubscribed, ID: id})
}

func (c *Client) cancelAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*livequery.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}
}

// enqueue 非阻塞地放入发送队列；队列已满说明客户端太慢，直接断开。
func (c *Client) enqueue(frame imtypes.ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("无法序列化服务端帧", zap.String("id", frame.ID), zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("发送队列已满，断开慢客户端")
		c.close()
	}
}

func (c *Client) close() {
	c.cancel()
	_ = c.conn.Close()
}

// writePump pumps frames from the send queue to the websocket connection.
func (c *Client) writePump() {
	wsCfg := c.hub.wsCfg
	writeWait := time.Duration(wsCfg.WriteWaitSeconds) * time.Second
	ticker := time.NewTicker(time.Duration(wsCfg.PingPeriodSeconds) * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ServeWsPerConnection 处理来自对等方的 websocket 请求。externalID 必须已经过认证。
func ServeWsPerConnection(hub *Hub, externalID string, w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  hub.wsCfg.MaxMessageSizeBytes,
		WriteBufferSize: hub.wsCfg.MaxMessageSizeBytes,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}
	client := newClient(hub, conn, externalID)
	if !hub.add(client) {
		client.close()
		return
	}

	go client.writePump()
	go client.readPump()

	client.logger.Info("客户端已连接")
}
