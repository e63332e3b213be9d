package trade

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/whaleconfirm/internal/bus"
	"github.com/betbot/whaleconfirm/pkg/sdk/websocket"
)

var log = logrus.WithField("component", "trade")

// PushClient 交易推送连接，*websocket.TradeClient 实现了它
type PushClient interface {
	Subscribe(ctx context.Context, topics []string) error
	Unsubscribe(ctx context.Context, topics []string) error
	OnMessage(h websocket.MessageHandler)
}

// PushChannel 把 PushClient 适配成 bus.PushChannel
type PushChannel struct {
	client PushClient
}

// NewPushChannel 创建推送通道适配器
func NewPushChannel(client PushClient) *PushChannel {
	return &PushChannel{client: client}
}

func (p *PushChannel) Subscribe(ctx context.Context, topics []bus.Topic) error {
	return p.client.Subscribe(ctx, topicNames(topics))
}

func (p *PushChannel) Unsubscribe(ctx context.Context, topics []bus.Topic) error {
	return p.client.Unsubscribe(ctx, topicNames(topics))
}

// Attach 把连接上收到的推送解码后交给总线
func (p *PushChannel) Attach(adapter *bus.Adapter) {
	p.client.OnMessage(func(msg websocket.PushMessage) {
		ev, err := DecodePush(msg)
		if err != nil {
			log.Warnf("推送解码失败: topic=%s event=%s err=%v", msg.Topic, msg.Event, err)
			return
		}
		adapter.Dispatch(ev)
	})
}

// DecodePush 把 order_changed 推送解码为总线事件，Key 为 order_id
func DecodePush(msg websocket.PushMessage) (bus.Event, error) {
	if msg.Type != websocket.FrameTypePush {
		return bus.Event{}, errors.Errorf("unexpected frame type %q", msg.Type)
	}
	if msg.Event != "" && msg.Event != websocket.EventOrderChanged {
		return bus.Event{}, errors.Errorf("unsupported event %q", msg.Event)
	}
	if len(msg.Data) == 0 {
		return bus.Event{}, errors.New("empty push data")
	}
	var order PushOrderChanged
	if err := json.Unmarshal(msg.Data, &order); err != nil {
		return bus.Event{}, errors.Wrap(err, "decode order_changed")
	}
	if order.OrderID == "" {
		return bus.Event{}, errors.New("order_changed without order_id")
	}
	topic := bus.Topic(msg.Topic)
	if topic == "" {
		topic = TopicPrivate
	}
	return bus.Event{Topic: topic, Key: order.OrderID, Payload: &order}, nil
}

func topicNames(topics []bus.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}
	return out
}
