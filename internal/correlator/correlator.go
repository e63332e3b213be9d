// Package correlator 把同步请求的响应与之后异步推送的事件按关联 key 配对。
//
// 调用流程：发送请求 -> 从响应中提取 key -> 注册等待 -> 等待匹配事件或超时。
// 推送侧只需把事件交给 Listener()，未匹配的事件会被直接丢弃。
package correlator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/whaleconfirm/internal/bus"
	"github.com/betbot/whaleconfirm/internal/pending"
	"github.com/betbot/whaleconfirm/pkg/cache"
	sdkhttp "github.com/betbot/whaleconfirm/pkg/sdk/http"
)

var log = logrus.WithField("component", "correlator")

var (
	// ErrSubmitFailed 请求本身失败（不重试）
	ErrSubmitFailed = fmt.Errorf("correlator: submit failed")
	// ErrKeyExtractionFailed 无法从响应中提取关联 key
	ErrKeyExtractionFailed = fmt.Errorf("correlator: key extraction failed")
	// ErrDuplicateSubmission 同一 key 已有等待中的操作
	ErrDuplicateSubmission = fmt.Errorf("correlator: duplicate submission")
	// ErrTimeout 超时未收到匹配事件
	ErrTimeout = fmt.Errorf("correlator: timeout")
	// ErrCancelled 等待被取消（关闭会话或调用方 context 结束）
	ErrCancelled = pending.ErrCancelled
	// ErrInvalidTimeout 必须显式给出正的超时时间
	ErrInvalidTimeout = fmt.Errorf("correlator: timeout must be positive")
)

// RequestChannel 同步请求/响应通道
type RequestChannel interface {
	Send(ctx context.Context, method, path string, headers map[string]string, body any) (*sdkhttp.Response, error)
}

// Request 一次同步请求
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    any
}

// KeyExtractor 从同步响应中提取关联 key
type KeyExtractor func(resp *sdkhttp.Response) (string, error)

// Option 配置项
type Option func(*Correlator)

// WithEarlyEventWindow 暂存注册之前就到达的事件 d 时长，供随后注册的同 key 操作直接领取。
// d<=0 关闭（默认）：早到事件按未匹配处理并丢弃。
func WithEarlyEventWindow(d time.Duration, maxItems int) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.early = cache.NewInMemoryCache[string, bus.Event](d, maxItems)
		}
	}
}

// Correlator 提交并等待匹配的推送事件
type Correlator struct {
	channel  RequestChannel
	registry *pending.Registry

	// early 非空时，earlyMu 保证 "resolve 失败 -> 暂存" 与 "注册 -> 领取" 互斥
	early   *cache.InMemoryCache[string, bus.Event]
	earlyMu sync.Mutex
}

// New 创建 Correlator
func New(channel RequestChannel, registry *pending.Registry, opts ...Option) *Correlator {
	if registry == nil {
		registry = pending.NewRegistry()
	}
	c := &Correlator{
		channel:  channel,
		registry: registry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry 返回底层注册表
func (c *Correlator) Registry() *pending.Registry { return c.registry }

// Listener 返回挂到事件总线上的内部监听器
func (c *Correlator) Listener() bus.Listener {
	return func(ev bus.Event) error {
		c.deliver(ev)
		return nil
	}
}

func (c *Correlator) deliver(ev bus.Event) {
	if ev.Key == "" {
		return
	}
	if c.early == nil {
		if !c.registry.Resolve(ev.Key, ev) {
			log.Debugf("丢弃未匹配事件: topic=%s key=%s", ev.Topic, ev.Key)
		}
		return
	}

	c.earlyMu.Lock()
	defer c.earlyMu.Unlock()
	if !c.registry.Resolve(ev.Key, ev) {
		// 只保留第一条早到事件，与 "第一个终态获胜" 一致
		if _, ok := c.early.Get(ev.Key); !ok {
			c.early.Set(ev.Key, ev, 0)
			log.Debugf("暂存早到事件: topic=%s key=%s", ev.Topic, ev.Key)
		}
	}
}

func (c *Correlator) register(key string) (*pending.Future, error) {
	if c.early == nil {
		return c.registry.Register(key)
	}
	c.earlyMu.Lock()
	defer c.earlyMu.Unlock()
	f, err := c.registry.Register(key)
	if err != nil {
		return nil, err
	}
	if ev, ok := c.early.Take(key); ok {
		c.registry.Resolve(key, ev)
	}
	return f, nil
}

// SubmitAndAwait 发送请求，按响应中的 key 等待匹配事件。
// 返回的错误可用 errors.Is 与本包的 Err* 比较。
func (c *Correlator) SubmitAndAwait(ctx context.Context, req Request, extract KeyExtractor, timeout time.Duration) (bus.Event, error) {
	return c.SubmitAndAwaitUntil(ctx, nil, req, extract, timeout)
}

// SubmitAndAwaitUntil 同 SubmitAndAwait，另外 stop 关闭时结束等待并返回 ErrCancelled。
// stop 只作用于注册之后的等待，不会中断已经发出的同步请求。
func (c *Correlator) SubmitAndAwaitUntil(ctx context.Context, stop <-chan struct{}, req Request, extract KeyExtractor, timeout time.Duration) (bus.Event, error) {
	if timeout <= 0 {
		return bus.Event{}, ErrInvalidTimeout
	}
	if extract == nil {
		return bus.Event{}, fmt.Errorf("%w: nil extractor", ErrKeyExtractionFailed)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	resp, err := c.channel.Send(ctx, method, req.Path, req.Headers, req.Body)
	if err != nil {
		return bus.Event{}, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	key, err := extract(resp)
	if err != nil {
		return bus.Event{}, fmt.Errorf("%w: %w", ErrKeyExtractionFailed, err)
	}
	if key == "" {
		return bus.Event{}, fmt.Errorf("%w: empty key", ErrKeyExtractionFailed)
	}

	f, err := c.register(key)
	if err != nil {
		return bus.Event{}, fmt.Errorf("%w: %s", ErrDuplicateSubmission, key)
	}

	// 计时从注册开始
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.Done():
		return c.outcome(f)
	case <-timer.C:
		if f.Expire() {
			log.Warnf("等待推送超时: key=%s timeout=%v", key, timeout)
			return bus.Event{}, fmt.Errorf("%w: key=%s after %v", ErrTimeout, key, timeout)
		}
		// 超时前一刻被 resolve/cancel 抢先
		<-f.Done()
		return c.outcome(f)
	case <-ctx.Done():
		if f.Cancel() {
			return bus.Event{}, fmt.Errorf("%w: key=%s: %w", ErrCancelled, key, ctx.Err())
		}
		<-f.Done()
		return c.outcome(f)
	case <-stop:
		if f.Cancel() {
			return bus.Event{}, fmt.Errorf("%w: key=%s: wait stopped", ErrCancelled, key)
		}
		<-f.Done()
		return c.outcome(f)
	}
}

func (c *Correlator) outcome(f *pending.Future) (bus.Event, error) {
	ev, err := f.Result()
	switch {
	case err == nil:
		return ev, nil
	case f.State() == pending.TimedOut:
		return bus.Event{}, fmt.Errorf("%w: key=%s", ErrTimeout, f.Key())
	default:
		return bus.Event{}, fmt.Errorf("%w: key=%s", err, f.Key())
	}
}
