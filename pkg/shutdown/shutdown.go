package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/betbot/whaleconfirm/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器。
// 回调按注册的逆序依次执行：后启动的组件（依赖方）先关闭。
type Manager struct {
	mu        sync.Mutex
	callbacks []namedHandler
	done      bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调。Shutdown 之后注册的回调不会再执行。
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用），只有第一次调用生效。
// ctx 超时后剩余回调仍会被调用，由回调自行根据 ctx 快速返回。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		logger.Infof("没有注册的关闭回调")
		return nil
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if err := m.run(ctx, cb); err != nil {
			logger.Warnf("关闭 %s 失败: %v", cb.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", cb.name, err))
		}
	}
	if ctx.Err() != nil {
		logger.Warnf("关闭超时: %v", ctx.Err())
	} else {
		logger.Infof("所有关闭回调已完成")
	}
	return errors.Join(errs...)
}

func (m *Manager) run(ctx context.Context, cb namedHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb.fn(ctx)
}
