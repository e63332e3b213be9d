package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	sdkhttp "github.com/betbot/whaleconfirm/pkg/sdk/http"
)

var wsLog = logrus.WithField("component", "trade_websocket")

// ErrNotConnected 连接尚未建立
var ErrNotConnected = errors.New("websocket: not connected")

// TradeClient 管理交易推送 WebSocket 连接（需要认证），按 topic 订阅私有推送
type TradeClient struct {
	// 连接相关（connMu 同时串行化写操作）
	conn      *websocket.Conn
	connMu    sync.Mutex
	config    *Config
	creds     Credentials
	running   bool
	runningMu sync.RWMutex

	// 订阅管理
	topics map[string]bool
	subMu  sync.RWMutex

	handler   MessageHandler
	handlerMu sync.RWMutex

	// 生命周期管理，受 runningMu 保护；goroutine 通过参数拿到自己那一轮的 ctx/doneCh
	cancel context.CancelFunc
	doneCh chan struct{}

	reconnectAttempts int
	reconnectMu       sync.Mutex

	lastPong   time.Time
	lastPongMu sync.RWMutex
}

// NewTradeClient 创建交易推送客户端
func NewTradeClient(creds Credentials, config *Config) *TradeClient {
	if config == nil {
		config = DefaultConfig()
	}
	if config.URL == "" {
		config.URL = DefaultTradeURL
	}
	return &TradeClient{
		config:   config,
		creds:    creds,
		topics:   make(map[string]bool),
		lastPong: time.Now(),
	}
}

// OnMessage 设置推送处理函数（运行在读循环上）
func (c *TradeClient) OnMessage(h MessageHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Start 连接到 WebSocket 并开始监听
func (c *TradeClient) Start(ctx context.Context) error {
	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return errors.New("websocket: trade client already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	doneCh := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.doneCh = doneCh
	c.runningMu.Unlock()

	if err := c.connect(runCtx); err != nil {
		c.runningMu.Lock()
		c.running = false
		c.runningMu.Unlock()
		cancel()
		close(doneCh)
		return errors.Wrap(err, "initial connect")
	}

	go c.readLoop(runCtx, doneCh)
	go c.pingLoop(runCtx)

	wsLog.Infof("已连接到 %s", c.config.URL)
	return nil
}

// Stop 优雅地关闭 WebSocket 连接
func (c *TradeClient) Stop() {
	c.runningMu.Lock()
	if !c.running {
		c.runningMu.Unlock()
		return
	}
	c.running = false
	cancel, doneCh := c.cancel, c.doneCh
	c.runningMu.Unlock()

	cancel()

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		wsLog.Warn("关闭超时")
	}
	wsLog.Info("已停止")
}

// IsRunning 检查客户端是否正在运行
func (c *TradeClient) IsRunning() bool {
	c.runningMu.RLock()
	defer c.runningMu.RUnlock()
	return c.running
}

// Subscribe 订阅 topic；已订阅的 topic 会被忽略。
// 发送失败时本次新增的 topic 会被回滚。
func (c *TradeClient) Subscribe(_ context.Context, topics []string) error {
	c.subMu.Lock()
	fresh := make([]string, 0, len(topics))
	for _, t := range topics {
		if !c.topics[t] {
			c.topics[t] = true
			fresh = append(fresh, t)
		}
	}
	c.subMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := c.sendCommand(CommandSubscribe, fresh); err != nil {
		c.subMu.Lock()
		for _, t := range fresh {
			delete(c.topics, t)
		}
		c.subMu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe 取消订阅；未连接时只更新本地记录
func (c *TradeClient) Unsubscribe(_ context.Context, topics []string) error {
	c.subMu.Lock()
	removed := make([]string, 0, len(topics))
	for _, t := range topics {
		if c.topics[t] {
			delete(c.topics, t)
			removed = append(removed, t)
		}
	}
	c.subMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	if err := c.sendCommand(CommandUnsubscribe, removed); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// SubscriptionCount 返回活跃订阅数量
func (c *TradeClient) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.topics)
}

// connect 建立 WebSocket 连接（带重试），认证信息放在握手头里
func (c *TradeClient) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:   c.config.ReadBufferSize,
		WriteBufferSize:  c.config.WriteBufferSize,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	if c.config.ProxyURL != "" {
		proxyURL, err := url.Parse(c.config.ProxyURL)
		if err != nil {
			return errors.Wrap(err, "invalid proxy url")
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	var conn *websocket.Conn
	var err error
	for i := 0; i < defaultMaxRetries; i++ {
		conn, _, err = dialer.DialContext(ctx, c.config.URL, c.authHeaders())
		if err == nil {
			break
		}
		if i < defaultMaxRetries-1 {
			wsLog.Warnf("连接尝试 %d/%d 失败: %v, 重试中...", i+1, defaultMaxRetries, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * c.config.ReconnectDelay / 2):
			}
		}
	}
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.config.URL)
	}

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.connMu.Unlock()

	c.lastPongMu.Lock()
	c.lastPong = time.Now()
	c.lastPongMu.Unlock()

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()
	return nil
}

func (c *TradeClient) authHeaders() http.Header {
	ts := time.Now().Unix()
	path := "/"
	if u, err := url.Parse(c.config.URL); err == nil && u.Path != "" {
		path = u.Path
	}
	headers := make(http.Header)
	headers.Set("User-Agent", "whaleconfirm/1.0")
	headers.Set("X-Api-Key", c.creds.AppKey)
	headers.Set("Authorization", c.creds.AccessToken)
	headers.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	headers.Set("X-Api-Signature", sdkhttp.Sign(c.creds.AppSecret, ts, http.MethodGet, path, "", nil))
	if c.config.Language != "" {
		headers.Set("Accept-Language", c.config.Language)
	}
	return headers
}

func (c *TradeClient) sendCommand(command string, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	msg := Command{
		Command:   command,
		RequestID: uuid.NewString(),
		Topics:    topics,
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return errors.Wrapf(err, "send %s", command)
	}
	return nil
}

// resubscribe 重新订阅所有 topic（重连后使用）
func (c *TradeClient) resubscribe() error {
	c.subMu.RLock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.subMu.RUnlock()
	return c.sendCommand(CommandSubscribe, topics)
}

// readLoop 读取循环，推送处理函数在这里被同步调用
func (c *TradeClient) readLoop(ctx context.Context, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.IsRunning() {
				return
			}
			if !c.config.ReconnectEnabled || !c.reconnect(ctx) {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()

			if !c.IsRunning() {
				return
			}
			wsLog.Warnf("读取错误: %v, 重连中...", err)
			continue
		}
		c.handleMessage(message)
	}
}

// pingLoop 心跳循环，定期发送 PING 文本
func (c *TradeClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				if err := c.conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
					wsLog.Warnf("PING 发送失败: %v", err)
				}
			}
			c.connMu.Unlock()
		}
	}
}

// reconnect 重连（线性退避，上限 MaxReconnectDelay）；返回 false 表示放弃
func (c *TradeClient) reconnect(ctx context.Context) bool {
	c.reconnectMu.Lock()
	c.reconnectAttempts++
	attempts := c.reconnectAttempts
	c.reconnectMu.Unlock()

	if attempts > c.config.MaxReconnectAttempts {
		wsLog.Errorf("达到最大重连次数 (%d)，停止重连", c.config.MaxReconnectAttempts)
		return false
	}

	delay := c.config.ReconnectDelay * time.Duration(attempts)
	if delay > c.config.MaxReconnectDelay {
		delay = c.config.MaxReconnectDelay
	}
	wsLog.Infof("%v 后重连 (尝试 %d/%d)...", delay, attempts, c.config.MaxReconnectAttempts)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
	}

	if err := c.connect(ctx); err != nil {
		wsLog.Warnf("重连失败: %v", err)
		return true
	}
	if err := c.resubscribe(); err != nil {
		wsLog.Warnf("重新订阅失败: %v", err)
	}
	return true
}

// handleMessage 处理推送帧
func (c *TradeClient) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] != '{' {
		text := string(trimmed)
		if text == "PONG" || text == "pong" {
			c.lastPongMu.Lock()
			c.lastPong = time.Now()
			c.lastPongMu.Unlock()
		}
		return
	}

	var msg PushMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		wsLog.Warnf("解析推送消息失败: %v", err)
		return
	}

	switch msg.Type {
	case FrameTypePush:
		c.handlerMu.RLock()
		h := c.handler
		c.handlerMu.RUnlock()
		if h != nil {
			h(msg)
		}
	case FrameTypeError:
		wsLog.Warnf("服务端错误: request_id=%s message=%s", msg.RequestID, msg.Message)
	case FrameTypeAck:
		wsLog.Debugf("命令已确认: request_id=%s", msg.RequestID)
	default:
		wsLog.Debugf("忽略未知帧: %s", fmt.Sprintf("%.200s", trimmed))
	}
}

// LastPong 最近一次收到 PONG 的时间
func (c *TradeClient) LastPong() time.Time {
	c.lastPongMu.RLock()
	defer c.lastPongMu.RUnlock()
	return c.lastPong
}
