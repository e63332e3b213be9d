// Package session 组合事件总线和 Correlator，管理推送订阅的生命周期。
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/whaleconfirm/internal/bus"
	"github.com/betbot/whaleconfirm/internal/correlator"
	"github.com/betbot/whaleconfirm/internal/pending"
)

var log = logrus.WithField("component", "session")

// ErrNotStarted 会话尚未订阅（未 Start 或已 Shutdown）
var ErrNotStarted = errors.New("session: not started")

// Options 会话配置
type Options struct {
	// Topics 启动时订阅的推送频道，不能为空
	Topics []bus.Topic

	// EarlyEventWindow > 0 时暂存早于注册到达的事件
	EarlyEventWindow   time.Duration
	EarlyEventMaxItems int
}

// Stats 会话状态快照
type Stats struct {
	Subscribed bool     `json:"subscribed"`
	Pending    int      `json:"pending"`
	Topics     []string `json:"topics"`
}

// Session 一个推送订阅 + 一个等待注册表
type Session struct {
	opts       Options
	adapter    *bus.Adapter
	registry   *pending.Registry
	correlator *correlator.Correlator

	mu     sync.RWMutex
	sub    *bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建会话。ch 用于同步提交，push 是推送通道（可以为 nil，仅用于测试）。
func New(ch correlator.RequestChannel, push bus.PushChannel, opts Options) *Session {
	reg := pending.NewRegistry()
	var copts []correlator.Option
	if opts.EarlyEventWindow > 0 {
		copts = append(copts, correlator.WithEarlyEventWindow(opts.EarlyEventWindow, opts.EarlyEventMaxItems))
	}
	return &Session{
		opts:       opts,
		adapter:    bus.NewAdapter(push),
		registry:   reg,
		correlator: correlator.New(ch, reg, copts...),
	}
}

// Bus 返回事件总线，传输层把解码后的推送交给 Bus().Dispatch
func (s *Session) Bus() *bus.Adapter { return s.adapter }

// Start 订阅配置的 topic。已启动时直接返回 nil。
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return nil
	}
	sub, err := s.adapter.Subscribe(ctx, s.opts.Topics...)
	if err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	sub.OnEvent(s.correlator.Listener())

	s.sub = sub
	s.ctx, s.cancel = context.WithCancel(context.Background())
	log.Infof("会话已启动: topics=%v subscription=%s", sub.Topics(), sub.ID())
	return nil
}

// SubmitAndAwait 提交请求并等待匹配的推送事件，错误语义见 correlator 包
func (s *Session) SubmitAndAwait(ctx context.Context, req correlator.Request, extract correlator.KeyExtractor, timeout time.Duration) (bus.Event, error) {
	s.mu.RLock()
	started := s.sub != nil
	sessCtx := s.ctx
	s.mu.RUnlock()
	if !started {
		return bus.Event{}, ErrNotStarted
	}
	// 同步请求只受调用方 ctx 控制：关闭会话不能中断已经发出的下单。
	// sessCtx 只结束注册之后的等待，覆盖 CancelAll 之后才注册的操作。
	return s.correlator.SubmitAndAwaitUntil(ctx, sessCtx.Done(), req, extract, timeout)
}

// Shutdown 取消全部等待中的操作并退订。未启动时为空操作。
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	cancel := s.cancel
	s.sub, s.ctx, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	cancel()
	n := s.registry.CancelAll()
	log.Infof("会话关闭: 取消 %d 个等待中的操作", n)

	if err := s.adapter.Unsubscribe(ctx, sub); err != nil {
		return fmt.Errorf("session: shutdown: %w", err)
	}
	return nil
}

// Stats 返回当前状态
func (s *Session) Stats() Stats {
	s.mu.RLock()
	subscribed := s.sub != nil
	s.mu.RUnlock()

	topics := s.adapter.Topics()
	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, string(t))
	}
	return Stats{
		Subscribed: subscribed,
		Pending:    s.registry.Len(),
		Topics:     names,
	}
}
