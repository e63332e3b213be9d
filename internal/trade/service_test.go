package trade

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/whaleconfirm/internal/bus"
	"github.com/betbot/whaleconfirm/internal/correlator"
	"github.com/betbot/whaleconfirm/internal/execution"
	"github.com/betbot/whaleconfirm/internal/session"
	sdkhttp "github.com/betbot/whaleconfirm/pkg/sdk/http"
)

func marketBuy() SubmitOrderRequest {
	return SubmitOrderRequest{
		Symbol:            "700.HK",
		OrderType:         OrderTypeMO,
		Side:              OrderSideBuy,
		SubmittedQuantity: decimal.NewFromInt(100),
		TimeInForce:       TimeInForceDay,
		AccountNo:         "ACC",
	}
}

// brokerStub 模拟交易 OpenAPI：下单返回 order_id，其余请求返回固定数据
type brokerStub struct {
	t     *testing.T
	srv   *httptest.Server
	posts atomic.Int32

	mu      sync.Mutex
	lastReq map[string]any
}

func (b *brokerStub) lastSubmitted() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastReq
}

func newBrokerStub(t *testing.T) *brokerStub {
	b := &brokerStub{t: t}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == PathOrder:
			b.posts.Add(1)
			data, _ := io.ReadAll(r.Body)
			b.mu.Lock()
			_ = json.Unmarshal(data, &b.lastReq)
			b.mu.Unlock()
			_, _ = w.Write([]byte(`{"code":0,"message":"success","data":{"order_id":"O-1"}}`))
		case r.Method == http.MethodGet && r.URL.Path == PathOrder:
			if r.URL.Query().Get("order_id") != "O-1" {
				_, _ = w.Write([]byte(`{"code":603001,"message":"order not found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"code":0,"data":{"order_id":"O-1","status":"FilledStatus","quantity":"100","executed_quantity":"100","executed_price":"320.2","symbol":"700.HK","side":"Buy","order_type":"MO","time_in_force":"Day","currency":"HKD"}}`))
		case r.Method == http.MethodPost && r.URL.Path == PathAssetDetail:
			_, _ = w.Write([]byte(`{"code":0,"data":{"account_no":"ACC","currency":"HKD","total_cash":"1000000.5","net_assets":"1200000","buy_power":"900000"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func newTestService(t *testing.T, b *brokerStub) (*Service, *session.Session) {
	t.Helper()
	client := sdkhttp.NewClient(sdkhttp.Options{
		BaseURL:     b.srv.URL,
		Credentials: sdkhttp.Credentials{AppKey: "k", AppSecret: "s", AccessToken: "t"},
		Timeout:     2 * time.Second,
	})
	sess := session.New(client, nil, session.Options{Topics: []bus.Topic{TopicPrivate}})
	require.NoError(t, sess.Start(context.Background()))
	t.Cleanup(func() { _ = sess.Shutdown(context.Background()) })
	return NewService(client, sess, execution.NewInFlightDeduper(time.Minute, 4), time.Second), sess
}

func pushOrder(sess *session.Session, status OrderStatus) {
	sess.Bus().Dispatch(bus.Event{
		Topic:   TopicPrivate,
		Key:     "O-1",
		Payload: &PushOrderChanged{OrderID: "O-1", Status: status, Symbol: "700.HK"},
	})
}

func TestService_SubmitOrderAwaitsPush(t *testing.T) {
	b := newBrokerStub(t)
	svc, sess := newTestService(t, b)

	go func() {
		assert.Eventually(t, func() bool { return sess.Stats().Pending == 1 }, time.Second, time.Millisecond)
		pushOrder(sess, OrderStatusNew)
		pushOrder(sess, OrderStatusFilled)
	}()

	order, err := svc.SubmitOrder(context.Background(), marketBuy(), 0)
	require.NoError(t, err)
	assert.Equal(t, "O-1", order.OrderID)
	assert.Equal(t, OrderStatusNew, order.Status)

	assert.Equal(t, int32(1), b.posts.Load())
	sent := b.lastSubmitted()
	assert.Equal(t, "100", sent["submitted_quantity"])
	assert.Equal(t, "MO", sent["order_type"])
	_, hasPrice := sent["submitted_price"]
	assert.False(t, hasPrice)
}

func TestService_SubmitOrderTimeout(t *testing.T) {
	b := newBrokerStub(t)
	svc, _ := newTestService(t, b)

	_, err := svc.SubmitOrder(context.Background(), marketBuy(), 100*time.Millisecond)
	assert.ErrorIs(t, err, correlator.ErrTimeout)

	// 超时后同一意图可以再次提交
	_, err = svc.SubmitOrder(context.Background(), marketBuy(), 50*time.Millisecond)
	assert.ErrorIs(t, err, correlator.ErrTimeout)
	assert.Equal(t, int32(2), b.posts.Load())
}

func TestService_RejectsDuplicateIntentInFlight(t *testing.T) {
	b := newBrokerStub(t)
	svc, sess := newTestService(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := svc.SubmitOrder(context.Background(), marketBuy(), 2*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return sess.Stats().Pending == 1 }, time.Second, time.Millisecond)

	_, err := svc.SubmitOrder(context.Background(), marketBuy(), time.Second)
	assert.ErrorIs(t, err, execution.ErrDuplicateInFlight)
	assert.Equal(t, int32(1), b.posts.Load(), "重复意图不应发出请求")

	pushOrder(sess, OrderStatusNew)
	require.NoError(t, <-done)
}

func TestService_SubmitOrderValidation(t *testing.T) {
	svc := NewService(nil, nil, nil, 0)

	bad := marketBuy()
	bad.SubmittedQuantity = decimal.Zero
	_, err := svc.SubmitOrder(context.Background(), bad, 0)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	limit := marketBuy()
	limit.OrderType = OrderTypeLO
	_, err = svc.SubmitOrder(context.Background(), limit, 0)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestService_UnexpectedPayload(t *testing.T) {
	b := newBrokerStub(t)
	svc, sess := newTestService(t, b)

	go func() {
		assert.Eventually(t, func() bool { return sess.Stats().Pending == 1 }, time.Second, time.Millisecond)
		sess.Bus().Dispatch(bus.Event{Topic: TopicPrivate, Key: "O-1", Payload: "raw"})
	}()
	_, err := svc.SubmitOrder(context.Background(), marketBuy(), time.Second)
	assert.ErrorIs(t, err, ErrUnexpectedPayload)
}

func TestService_OrderDetail(t *testing.T) {
	b := newBrokerStub(t)
	svc, _ := newTestService(t, b)

	detail, err := svc.OrderDetail(context.Background(), "O-1", "ACC")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, detail.Status)
	assert.True(t, detail.Status.IsFinal())
	assert.Equal(t, "320.2", detail.ExecutedPrice.Decimal.String())

	_, err = svc.OrderDetail(context.Background(), "missing", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeOrderNotFound, apiErr.Code)
	assert.True(t, apiErr.NotFound())
	assert.False(t, (&APIError{Code: 401003}).NotFound())

	_, err = svc.OrderDetail(context.Background(), "", "")
	assert.Error(t, err)
}

func TestService_AssetDetail(t *testing.T) {
	b := newBrokerStub(t)
	svc, _ := newTestService(t, b)

	asset, err := svc.AssetDetail(context.Background(), "ACC", "HKD")
	require.NoError(t, err)
	assert.Equal(t, "HKD", asset.Currency)
	assert.True(t, asset.TotalCash.Equal(decimal.RequireFromString("1000000.5")))
	assert.False(t, asset.MaxFinanceAmount.Valid)
}
