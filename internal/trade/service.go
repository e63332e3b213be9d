package trade

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/betbot/whaleconfirm/internal/bus"
	"github.com/betbot/whaleconfirm/internal/correlator"
	"github.com/betbot/whaleconfirm/internal/execution"
)

const (
	PathOrder       = "/v1/whaleapi/trade/order"
	PathAssetDetail = "/v1/whaleapi/asset/detail_info"
)

var (
	// ErrInvalidOrder 下单请求未通过本地校验
	ErrInvalidOrder = errors.New("trade: invalid order")
	// ErrUnexpectedPayload 匹配到的推送不是订单变化
	ErrUnexpectedPayload = errors.New("trade: unexpected push payload")
)

// Submitter 提交并等待推送确认，*session.Session 实现了它
type Submitter interface {
	SubmitAndAwait(ctx context.Context, req correlator.Request, extract correlator.KeyExtractor, timeout time.Duration) (bus.Event, error)
}

// Service 下单和查询
type Service struct {
	http           correlator.RequestChannel
	submitter      Submitter
	inflight       *execution.InFlightDeduper
	defaultTimeout time.Duration
}

// NewService 创建服务。inflight 为 nil 时不做重复意图拦截。
func NewService(ch correlator.RequestChannel, submitter Submitter, inflight *execution.InFlightDeduper, defaultTimeout time.Duration) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Service{
		http:           ch,
		submitter:      submitter,
		inflight:       inflight,
		defaultTimeout: defaultTimeout,
	}
}

// SubmitOrder 下单并等待该订单的第一条 order_changed 推送。
// timeout<=0 时使用服务的默认超时。
func (s *Service) SubmitOrder(ctx context.Context, req SubmitOrderRequest, timeout time.Duration) (*PushOrderChanged, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	release, err := s.inflight.Acquire(intentKey(req))
	if err != nil {
		return nil, err
	}
	defer release()

	log.Infof("提交订单: account=%s symbol=%s side=%s type=%s qty=%s",
		req.AccountNo, req.Symbol, req.Side, req.OrderType, req.SubmittedQuantity.String())

	ev, err := s.submitter.SubmitAndAwait(ctx, correlator.Request{
		Method: http.MethodPost,
		Path:   PathOrder,
		Body:   req,
	}, OrderIDExtractor, timeout)
	if err != nil {
		return nil, err
	}

	order, ok := ev.Payload.(*PushOrderChanged)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedPayload, ev.Payload)
	}
	log.Infof("收到订单推送: %s", order)
	return order, nil
}

// OrderDetail 查询订单详情
func (s *Service) OrderDetail(ctx context.Context, orderID, accountNo string) (*OrderDetail, error) {
	if orderID == "" {
		return nil, errors.New("trade: order_id is required")
	}
	query := map[string]string{"order_id": orderID}
	if accountNo != "" {
		query["account_no"] = accountNo
	}
	resp, err := s.http.Send(ctx, http.MethodGet, PathOrder, nil, query)
	if err != nil {
		return nil, fmt.Errorf("trade: order detail %s: %w", orderID, err)
	}
	var out OrderDetail
	if err := decodeData(resp, &out); err != nil {
		return nil, fmt.Errorf("trade: order detail %s: %w", orderID, err)
	}
	return &out, nil
}

// AssetDetail 查询账户资产
func (s *Service) AssetDetail(ctx context.Context, accountNo, currency string) (*AssetDetail, error) {
	body := map[string]string{"account_no": accountNo}
	if currency != "" {
		body["currency"] = currency
	}
	resp, err := s.http.Send(ctx, http.MethodPost, PathAssetDetail, nil, body)
	if err != nil {
		return nil, fmt.Errorf("trade: asset detail: %w", err)
	}
	var out AssetDetail
	if err := decodeData(resp, &out); err != nil {
		return nil, fmt.Errorf("trade: asset detail: %w", err)
	}
	return &out, nil
}

func intentKey(req SubmitOrderRequest) string {
	price := ""
	if req.SubmittedPrice != nil {
		price = req.SubmittedPrice.String()
	}
	return execution.IntentKey(req.AccountNo, req.Symbol, string(req.Side), string(req.OrderType),
		req.SubmittedQuantity.String(), price)
}
