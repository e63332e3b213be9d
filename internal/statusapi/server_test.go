package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/whaleconfirm/internal/session"
	"github.com/betbot/whaleconfirm/internal/trade"
)

type staticStats session.Stats

func (s staticStats) Stats() session.Stats { return session.Stats(s) }

type fakeOrders struct{}

func (fakeOrders) OrderDetail(_ context.Context, orderID, _ string) (*trade.OrderDetail, error) {
	switch orderID {
	case "O-1":
		return &trade.OrderDetail{OrderID: "O-1", Status: trade.OrderStatusFilled}, nil
	case "gone":
		return nil, &trade.APIError{Code: trade.CodeOrderNotFound, Message: "order not found"}
	case "denied":
		return nil, &trade.APIError{Code: 401003, Message: "unauthorized"}
	default:
		return nil, errors.New("connection reset")
	}
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestRouter_Healthz(t *testing.T) {
	h := New(staticStats{}, nil).Router()
	rec, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Session(t *testing.T) {
	h := New(staticStats{Subscribed: true, Pending: 2, Topics: []string{"private"}}, nil).Router()
	rec, body := get(t, h, "/v1/session")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["subscribed"])
	assert.Equal(t, float64(2), body["pending"])
	assert.Equal(t, []any{"private"}, body["topics"])
}

func TestRouter_Orders(t *testing.T) {
	h := New(staticStats{}, fakeOrders{}).Router()

	rec, body := get(t, h, "/v1/orders/O-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FilledStatus", body["status"])

	rec, body = get(t, h, "/v1/orders/gone")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "order not found", body["error"])

	// 鉴权类业务错误不能伪装成订单不存在
	rec, body = get(t, h, "/v1/orders/denied")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, float64(401003), body["code"])
	assert.Equal(t, "unauthorized", body["error"])

	rec, _ = get(t, h, "/v1/orders/other")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec, _ = get(t, New(staticStats{}, nil).Router(), "/v1/orders/O-1")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_RunStopsWithContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(staticStats{}, nil).Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run 没有退出")
	}
}
