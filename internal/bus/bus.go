// Package bus 把推送通道（按 topic 分区）适配成进程内的事件分发器。
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "event_bus")

// ErrNoTopics 订阅时没有给出任何 topic
var ErrNoTopics = fmt.Errorf("bus: no topics")

// Topic 推送频道分类，例如私有订单推送
type Topic string

// Event 推送事件。Payload 对总线不透明，原样传递。
type Event struct {
	Topic      Topic
	Key        string
	Payload    any
	ReceivedAt time.Time
}

// Listener 事件监听器。返回的错误只记录日志，不影响其他监听器。
type Listener func(Event) error

// PushChannel 外部推送通道（websocket 等），由传输层负责真正的订阅/退订
type PushChannel interface {
	Subscribe(ctx context.Context, topics []Topic) error
	Unsubscribe(ctx context.Context, topics []Topic) error
}

type listenerEntry struct {
	id  uint64
	sub *Subscription // nil 表示全局监听器
	fn  Listener
}

// Adapter 维护一个长连接推送通道上的订阅，并把收到的事件按注册顺序分发给监听器。
//
// 同一 topic 允许被多个 Subscription 重叠订阅（引用计数），
// 只有计数 0->1 / 1->0 时才会真正调用推送通道。
type Adapter struct {
	channel PushChannel

	subMu  sync.Mutex
	refs   map[Topic]int
	active atomic.Pointer[map[Topic]struct{}]

	listenerMu sync.Mutex
	nextID     uint64
	listeners  atomic.Pointer[[]listenerEntry] // copy-on-write
}

// Subscription 订阅句柄
type Subscription struct {
	id      string
	topics  []Topic
	adapter *Adapter

	mu     sync.Mutex
	closed bool
}

// NewAdapter 创建事件总线适配器
func NewAdapter(channel PushChannel) *Adapter {
	a := &Adapter{
		channel: channel,
		refs:    make(map[Topic]int),
	}
	empty := make(map[Topic]struct{})
	a.active.Store(&empty)
	a.listeners.Store(&[]listenerEntry{})
	return a
}

// ID 返回订阅句柄 ID
func (s *Subscription) ID() string { return s.id }

// Topics 返回句柄订阅的 topic
func (s *Subscription) Topics() []Topic {
	out := make([]Topic, len(s.topics))
	copy(out, s.topics)
	return out
}

// OnEvent 注册只属于该句柄的监听器，句柄退订后自动失效
func (s *Subscription) OnEvent(l Listener) (remove func()) {
	return s.adapter.addListener(s, l)
}

func (s *Subscription) has(topic Topic) bool {
	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscribe 订阅一组 topic，对同一 topic 幂等
func (a *Adapter) Subscribe(ctx context.Context, topics ...Topic) (*Subscription, error) {
	uniq := dedupTopics(topics)
	if len(uniq) == 0 {
		return nil, ErrNoTopics
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()

	fresh := make([]Topic, 0, len(uniq))
	for _, t := range uniq {
		if a.refs[t] == 0 {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) > 0 && a.channel != nil {
		if err := a.channel.Subscribe(ctx, fresh); err != nil {
			return nil, fmt.Errorf("bus: subscribe %v: %w", fresh, err)
		}
	}
	for _, t := range uniq {
		a.refs[t]++
	}
	a.publishActiveLocked()

	sub := &Subscription{
		id:      uuid.NewString(),
		topics:  uniq,
		adapter: a,
	}
	log.Debugf("订阅成功: id=%s topics=%v 新增=%v", sub.id, uniq, fresh)
	return sub, nil
}

// Unsubscribe 释放订阅句柄；重复调用无副作用
func (a *Adapter) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil || sub.adapter != a {
		return nil
	}
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil
	}
	sub.closed = true
	sub.mu.Unlock()

	a.removeListenersOf(sub)

	a.subMu.Lock()
	defer a.subMu.Unlock()

	released := make([]Topic, 0, len(sub.topics))
	for _, t := range sub.topics {
		a.refs[t]--
		if a.refs[t] <= 0 {
			delete(a.refs, t)
			released = append(released, t)
		}
	}
	a.publishActiveLocked()

	if len(released) > 0 && a.channel != nil {
		if err := a.channel.Unsubscribe(ctx, released); err != nil {
			return fmt.Errorf("bus: unsubscribe %v: %w", released, err)
		}
	}
	log.Debugf("已退订: id=%s released=%v", sub.id, released)
	return nil
}

// OnEvent 注册全局监听器，收到任何已订阅 topic 的事件都会被调用
func (a *Adapter) OnEvent(l Listener) (remove func()) {
	return a.addListener(nil, l)
}

// Topics 当前已订阅的 topic（排序）
func (a *Adapter) Topics() []Topic {
	active := *a.active.Load()
	out := make([]Topic, 0, len(active))
	for t := range active {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch 由传输层推送驱动调用。未订阅 topic 的事件直接丢弃。
func (a *Adapter) Dispatch(ev Event) {
	if _, ok := (*a.active.Load())[ev.Topic]; !ok {
		log.Debugf("丢弃未订阅 topic 的事件: topic=%s key=%s", ev.Topic, ev.Key)
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	for _, e := range *a.listeners.Load() {
		if e.sub != nil && (!e.sub.has(ev.Topic) || e.sub.isClosed()) {
			continue
		}
		a.invoke(e, ev)
	}
}

// invoke 隔离单个监听器的错误和 panic
func (a *Adapter) invoke(e listenerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("监听器 panic: listener=%d topic=%s key=%s panic=%v", e.id, ev.Topic, ev.Key, r)
		}
	}()
	if err := e.fn(ev); err != nil {
		log.Warnf("监听器返回错误: listener=%d topic=%s key=%s err=%v", e.id, ev.Topic, ev.Key, err)
	}
}

func (a *Adapter) addListener(sub *Subscription, l Listener) func() {
	if l == nil {
		return func() {}
	}
	a.listenerMu.Lock()
	a.nextID++
	id := a.nextID
	cur := *a.listeners.Load()
	next := make([]listenerEntry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, listenerEntry{id: id, sub: sub, fn: l})
	a.listeners.Store(&next)
	a.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { a.removeListeners(func(e listenerEntry) bool { return e.id == id }) })
	}
}

func (a *Adapter) removeListenersOf(sub *Subscription) {
	a.removeListeners(func(e listenerEntry) bool { return e.sub == sub })
}

func (a *Adapter) removeListeners(match func(listenerEntry) bool) {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	cur := *a.listeners.Load()
	next := make([]listenerEntry, 0, len(cur))
	for _, e := range cur {
		if !match(e) {
			next = append(next, e)
		}
	}
	a.listeners.Store(&next)
}

func (a *Adapter) publishActiveLocked() {
	active := make(map[Topic]struct{}, len(a.refs))
	for t := range a.refs {
		active[t] = struct{}{}
	}
	a.active.Store(&active)
}

func dedupTopics(topics []Topic) []Topic {
	seen := make(map[Topic]struct{}, len(topics))
	out := make([]Topic, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
