// Package events 请求事件的扇出
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netgate/internal/logger"
	"netgate/pkg/model"
)

// DefaultBuffer 订阅通道默认容量
const DefaultBuffer = 256

// Hub 把事件广播给所有订阅者，慢订阅者丢事件而不阻塞发布方
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	closed  bool
	buffer  int
	dropped atomic.Int64
	log     logger.Logger
}

// Subscription 单个订阅
type Subscription struct {
	ID string
	C  <-chan model.Event

	ch      chan model.Event
	hub     *Hub
	once    sync.Once
	dropped atomic.Int64
}

// NewHub 创建事件中心
func NewHub(buffer int, l logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Hub{subs: make(map[string]*Subscription), buffer: buffer, log: l}
}

// Subscribe 新增订阅；Hub 已关闭时返回已关闭的通道
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan model.Event, h.buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(func() { close(ch) })
		return s
	}
	h.subs[s.ID] = s
	h.log.Debug("新增事件订阅", "subscriber", s.ID)
	return s
}

// Close 取消订阅并关闭通道，可重复调用
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.ID)
	s.hub.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}

// Dropped 该订阅因通道已满丢弃的事件数
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Observe 实现 loader.Observer，自动补时间戳
func (h *Hub) Observe(ev model.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			h.dropped.Add(1)
		}
	}
}

// Len 当前订阅数
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped 所有订阅累计丢弃数
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close 关闭所有订阅
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}
