// Package websocket 提供交易推送 WebSocket 客户端实现
package websocket

import (
	"encoding/json"
	"time"
)

const (
	// 默认交易推送端点
	DefaultTradeURL = "wss://openapi-trade.longportapp.com"

	// 重连设置
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultPingInterval      = 10 * time.Second

	// 连接重试设置
	defaultMaxRetries = 3
)

// 推送帧类型
const (
	FrameTypePush  = "push"
	FrameTypeAck   = "ack"
	FrameTypeError = "error"
)

// 订阅命令
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
)

// EventOrderChanged 订单状态变化事件
const EventOrderChanged = "order_changed"

// Command 客户端发往服务端的订阅/退订命令
type Command struct {
	Command   string   `json:"command"`
	RequestID string   `json:"request_id"`
	Topics    []string `json:"topics"`
}

// PushMessage 服务端推送帧
type PushMessage struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Event     string          `json:"event,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MessageHandler 推送消息处理函数，运行在读循环上，不能阻塞
type MessageHandler func(msg PushMessage)

// Credentials 连接认证信息
type Credentials struct {
	AppKey      string
	AppSecret   string
	AccessToken string
}

// Config 是 WebSocket 客户端配置
type Config struct {
	URL      string
	ProxyURL string // 代理 URL（可选）
	Language string // accept-language

	// 重连设置
	ReconnectEnabled     bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	// 心跳设置
	PingInterval time.Duration

	// 连接设置
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		URL:                  DefaultTradeURL,
		Language:             "en",
		ReconnectEnabled:     true,
		ReconnectDelay:       defaultReconnectDelay,
		MaxReconnectDelay:    defaultMaxReconnectDelay,
		MaxReconnectAttempts: 10,
		PingInterval:         defaultPingInterval,
		ReadBufferSize:       4096,
		WriteBufferSize:      4096,
		HandshakeTimeout:     15 * time.Second,
	}
}
