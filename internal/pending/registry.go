// Package pending 维护 "关联 key -> 等待中的操作" 的线程安全注册表。
package pending

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/betbot/whaleconfirm/internal/bus"
)

var (
	// ErrDuplicateKey 同一 key 已有等待中的操作
	ErrDuplicateKey = fmt.Errorf("pending: duplicate key")
	// ErrEmptyKey key 为空
	ErrEmptyKey = fmt.Errorf("pending: empty key")
	// ErrExpired 等待超时
	ErrExpired = fmt.Errorf("pending: expired")
	// ErrCancelled 被显式取消（例如关闭会话）
	ErrCancelled = fmt.Errorf("pending: cancelled")
)

// State 等待操作的状态
type State int32

const (
	Waiting State = iota
	Resolved
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal 是否为终态
func (s State) Terminal() bool { return s != Waiting }

// Future 单次写入的等待句柄。结果槽只会被第一个终态转换写入一次。
type Future struct {
	key       string
	createdAt time.Time
	reg       *Registry

	// 以下字段由 reg.mu 保护，done 关闭后只读
	state State
	event bus.Event
	err   error
	done  chan struct{}
}

// Key 关联 key
func (f *Future) Key() string { return f.key }

// CreatedAt 注册时间
func (f *Future) CreatedAt() time.Time { return f.createdAt }

// Done 进入终态时关闭
func (f *Future) Done() <-chan struct{} { return f.done }

// State 当前状态
func (f *Future) State() State {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	return f.state
}

// Result 返回结果；必须在 Done 关闭后调用，否则返回 Waiting 状态下的零值
func (f *Future) Result() (bus.Event, error) {
	select {
	case <-f.done:
		return f.event, f.err
	default:
		return bus.Event{}, fmt.Errorf("pending: %s still waiting", f.key)
	}
}

// Expire 把该操作（而不是同 key 的新操作）置为 TimedOut
func (f *Future) Expire() bool {
	return f.reg.transition(f, TimedOut, bus.Event{}, ErrExpired)
}

// Cancel 把该操作置为 Cancelled
func (f *Future) Cancel() bool {
	return f.reg.transition(f, Cancelled, bus.Event{}, ErrCancelled)
}

// Registry 等待操作注册表。resolve / expire / cancel 对同一个条目互斥，只有一个会成功。
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Future
	now     func() time.Time
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Future),
		now:     time.Now,
	}
}

// Register 注册一个等待操作，key 已在等待中时返回 ErrDuplicateKey
func (r *Registry) Register(key string) (*Future, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	f := &Future{
		key:       key,
		createdAt: r.now(),
		reg:       r,
		state:     Waiting,
		done:      make(chan struct{}),
	}
	r.entries[key] = f
	return f, nil
}

// Resolve 用事件唤醒等待者。没有等待条目时返回 false（重复/迟到的事件无害）。
func (r *Registry) Resolve(key string, ev bus.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.entries[key]
	if !ok {
		return false
	}
	return r.finishLocked(f, Resolved, ev, nil)
}

// Expire 把等待条目置为 TimedOut 并移除
func (r *Registry) Expire(key string) bool {
	return r.terminateKey(key, TimedOut, ErrExpired)
}

// Cancel 把等待条目置为 Cancelled 并移除
func (r *Registry) Cancel(key string) bool {
	return r.terminateKey(key, Cancelled, ErrCancelled)
}

// CancelAll 取消所有等待中的条目，返回取消数量
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.entries {
		if r.finishLocked(f, Cancelled, bus.Event{}, ErrCancelled) {
			n++
		}
	}
	return n
}

// Len 等待中的条目数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys 等待中的 key（排序）
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) terminateKey(key string, state State, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.entries[key]
	if !ok {
		return false
	}
	return r.finishLocked(f, state, bus.Event{}, err)
}

func (r *Registry) transition(f *Future, state State, ev bus.Event, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[f.key]; !ok || cur != f {
		return false
	}
	return r.finishLocked(f, state, ev, err)
}

// finishLocked 写结果槽、移除条目并唤醒等待者；调用方持有 r.mu
func (r *Registry) finishLocked(f *Future, state State, ev bus.Event, err error) bool {
	if f.state != Waiting {
		return false
	}
	f.state = state
	f.event = ev
	f.err = err
	delete(r.entries, f.key)
	close(f.done)
	return true
}
