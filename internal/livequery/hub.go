package livequery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrHubClosed 在 Hub 关闭后订阅时返回。
var ErrHubClosed = errors.New("livequery: hub 已关闭")

// FetchFunc 读取一次查询的当前结果。
type FetchFunc func(ctx context.Context) (interface{}, error)

// Update 是推送给订阅者的一次结果。Err 不为空时 Data 无意义。
type Update struct {
	Seq  uint64
	Data interface{}
	Err  error
}

// DeliverFunc 接收更新。它在订阅的锁内被调用，因此不能阻塞，也不能调用 Cancel。
type DeliverFunc func(Update)

// Hub 跟踪所有活跃订阅，并在收到失效事件时让受影响的订阅重新查询。
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool

	fetchTimeout time.Duration
	logger       *zap.Logger
}

// NewHub creates a Hub. fetchTimeout <= 0 disables the per-fetch deadline.
func NewHub(fetchTimeout time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:         make(map[string]map[*Subscription]struct{}),
		fetchTimeout: fetchTimeout,
		logger:       logger.Named("livequery"),
	}
}

// Subscription 是一个活跃的实时查询。
// 每个订阅有自己的 worker goroutine，查询串行执行，多次失效合并为一次重新查询。
type Subscription struct {
	hub     *Hub
	key     string
	fetch   FetchFunc
	deliver DeliverFunc

	dirty chan struct{}
	ctx   context.Context
	stop  context.CancelFunc
	done  chan struct{}

	mu       sync.Mutex
	canceled bool
	seq      uint64
	once     sync.Once
}

// Subscribe 注册订阅并立即安排一次初始查询。
// 订阅在查询开始前就已登记，因此初始查询期间发生的失效不会丢失。
func (h *Hub) Subscribe(ctx context.Context, key string, fetch FetchFunc, deliver DeliverFunc) (*Subscription, error) {
	subCtx, stop := context.WithCancel(ctx)
	s := &Subscription{
		hub:     h,
		key:     key,
		fetch:   fetch,
		deliver: deliver,
		dirty:   make(chan struct{}, 1),
		ctx:     subCtx,
		stop:    stop,
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		stop()
		return nil, ErrHubClosed
	}
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	s.markDirty()
	go s.run()
	return s, nil
}

// Invalidate 标记所有订阅了这些键的订阅需要重新查询。不会阻塞。
func (h *Hub) Invalidate(keys ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range keys {
		for s := range h.subs[key] {
			s.markDirty()
		}
	}
}

// Publish 让 Hub 自身满足 imtypes.InvalidationPublisher（单进程部署）。
func (h *Hub) Publish(_ context.Context, keys ...string) error {
	h.Invalidate(keys...)
	return nil
}

// Len 返回当前活跃订阅数。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Close 取消所有订阅，之后的 Subscribe 返回 ErrHubClosed。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.Unlock()
	for _, s := range all {
		s.Cancel()
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.key)
		}
	}
}

// Key 返回订阅的查询键。
func (s *Subscription) Key() string { return s.key }

// Done 在 worker 退出后关闭。
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel 立即移除服务端跟踪。Cancel 返回后不会再有任何投递。可重复调用。
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
		s.mu.Lock()
		s.canceled = true
		s.mu.Unlock()
		s.stop()
	})
}

func (s *Subscription) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
		// 已有待处理的重新查询
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.Cancel()
			return
		case <-s.dirty:
		}

		data, err := s.runFetch()
		if s.ctx.Err() != nil {
			s.Cancel()
			return
		}
		if err != nil {
			s.hub.logger.Warn("实时查询失败", zap.String("key", s.key), zap.Error(err))
		}

		s.mu.Lock()
		if !s.canceled {
			s.seq++
			s.deliver(Update{Seq: s.seq, Data: data, Err: err})
		}
		s.mu.Unlock()
	}
}

func (s *Subscription) runFetch() (interface{}, error) {
	ctx := s.ctx
	if s.hub.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.hub.fetchTimeout)
		defer cancel()
	}
	return s.fetch(ctx)
}
