package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/whaleconfirm/internal/bus"
	"github.com/betbot/whaleconfirm/internal/correlator"
	sdkhttp "github.com/betbot/whaleconfirm/pkg/sdk/http"
)

type fakePush struct {
	mu           sync.Mutex
	subscribed   [][]bus.Topic
	unsubscribed [][]bus.Topic
	err          error
}

func (f *fakePush) Subscribe(_ context.Context, topics []bus.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subscribed = append(f.subscribed, topics)
	return nil
}

func (f *fakePush) Unsubscribe(_ context.Context, topics []bus.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics)
	return nil
}

// fixedChannel 每次提交都返回同一个 order_id
type fixedChannel struct{ id string }

func (c fixedChannel) Send(context.Context, string, string, map[string]string, any) (*sdkhttp.Response, error) {
	body, _ := json.Marshal(map[string]string{"order_id": c.id})
	return &sdkhttp.Response{StatusCode: 200, Body: body}, nil
}

func extractOrderID(resp *sdkhttp.Response) (string, error) {
	var out struct {
		OrderID string `json:"order_id"`
	}
	if err := resp.JSON(&out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

var req = correlator.Request{Path: "/v1/whaleapi/trade/order"}

func newSession(id string, push *fakePush) *Session {
	return New(fixedChannel{id: id}, push, Options{Topics: []bus.Topic{"private"}})
}

func TestSession_NotStarted(t *testing.T) {
	s := newSession("O-1", &fakePush{})
	_, err := s.SubmitAndAwait(context.Background(), req, extractOrderID, time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestSession_StartIsIdempotent(t *testing.T) {
	push := &fakePush{}
	s := newSession("O-1", push)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	push.mu.Lock()
	assert.Len(t, push.subscribed, 1)
	push.mu.Unlock()

	st := s.Stats()
	assert.True(t, st.Subscribed)
	assert.Equal(t, []string{"private"}, st.Topics)
	assert.Equal(t, 0, st.Pending)
}

func TestSession_StartFailure(t *testing.T) {
	s := newSession("O-1", &fakePush{err: errors.New("socket closed")})
	require.Error(t, s.Start(context.Background()))
	assert.False(t, s.Stats().Subscribed)

	_, err := s.SubmitAndAwait(context.Background(), req, extractOrderID, time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSession_StartWithoutTopics(t *testing.T) {
	s := New(fixedChannel{id: "O-1"}, &fakePush{}, Options{})
	assert.ErrorIs(t, s.Start(context.Background()), bus.ErrNoTopics)
}

func TestSession_ResolvesThroughBus(t *testing.T) {
	s := newSession("O-1", &fakePush{})
	require.NoError(t, s.Start(context.Background()))

	go func() {
		assert.Eventually(t, func() bool { return s.Stats().Pending == 1 }, time.Second, time.Millisecond)
		// 未订阅 topic 的事件不会到达 Correlator
		s.Bus().Dispatch(bus.Event{Topic: "quote", Key: "O-1"})
		s.Bus().Dispatch(bus.Event{Topic: "private", Key: "O-1", Payload: "NewStatus"})
	}()

	ev, err := s.SubmitAndAwait(context.Background(), req, extractOrderID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, bus.Topic("private"), ev.Topic)
	assert.Equal(t, "NewStatus", ev.Payload)
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestSession_ShutdownCancelsWaiters(t *testing.T) {
	push := &fakePush{}
	s := newSession("O-4", push)
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.SubmitAndAwait(context.Background(), req, extractOrderID, 10*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return s.Stats().Pending == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, correlator.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Shutdown 没有唤醒等待者")
	}

	// 关闭后的事件没有任何效果
	s.Bus().Dispatch(bus.Event{Topic: "private", Key: "O-4"})
	st := s.Stats()
	assert.False(t, st.Subscribed)
	assert.Equal(t, 0, st.Pending)
	assert.Empty(t, st.Topics)

	push.mu.Lock()
	assert.Equal(t, [][]bus.Topic{{"private"}}, push.unsubscribed)
	push.mu.Unlock()

	_, err := s.SubmitAndAwait(context.Background(), req, extractOrderID, time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)

	// 重复关闭无副作用
	assert.NoError(t, s.Shutdown(context.Background()))
}

// slowChannel 在 release 关闭前阻塞，记录请求结束时 ctx 的状态
type slowChannel struct {
	id      string
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (c *slowChannel) Send(ctx context.Context, _, _ string, _ map[string]string, _ any) (*sdkhttp.Response, error) {
	close(c.entered)
	select {
	case <-c.release:
	case <-ctx.Done():
	}
	c.ctxErr <- ctx.Err()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]string{"order_id": c.id})
	return &sdkhttp.Response{StatusCode: 200, Body: body}, nil
}

func TestSession_ShutdownDuringSendDoesNotAbortRequest(t *testing.T) {
	ch := &slowChannel{
		id:      "O-7",
		entered: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	s := New(ch, &fakePush{}, Options{Topics: []bus.Topic{"private"}})
	require.NoError(t, s.Start(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.SubmitAndAwait(context.Background(), req, extractOrderID, 10*time.Second)
		done <- err
	}()

	select {
	case <-ch.entered:
	case <-time.After(time.Second):
		t.Fatal("请求没有发出")
	}
	require.NoError(t, s.Shutdown(context.Background()))
	close(ch.release)

	// 请求正常完成，等待被取消
	assert.NoError(t, <-ch.ctxErr)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, correlator.ErrCancelled)
		assert.NotErrorIs(t, err, correlator.ErrSubmitFailed)
	case <-time.After(time.Second):
		t.Fatal("关闭后等待没有结束")
	}
	assert.Equal(t, 0, s.Stats().Pending)
}

func TestSession_RestartAfterShutdown(t *testing.T) {
	push := &fakePush{}
	s := newSession("O-5", push)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	go func() {
		assert.Eventually(t, func() bool { return s.Stats().Pending == 1 }, time.Second, time.Millisecond)
		s.Bus().Dispatch(bus.Event{Topic: "private", Key: "O-5"})
	}()
	_, err := s.SubmitAndAwait(context.Background(), req, extractOrderID, time.Second)
	assert.NoError(t, err)
}
