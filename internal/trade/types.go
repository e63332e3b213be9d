// Package trade 定义委托相关的请求、推送类型，以及基于会话的下单服务。
package trade

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/whaleconfirm/internal/bus"
)

// TopicPrivate 私有推送频道（订单变化）
const TopicPrivate bus.Topic = "private"

// OrderSide 买卖方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

// Valid 是否为已知方向
func (s OrderSide) Valid() bool { return s == OrderSideBuy || s == OrderSideSell }

// OrderType 委托类型
type OrderType string

const (
	OrderTypeLO      OrderType = "LO"      // 限价单
	OrderTypeELO     OrderType = "ELO"     // 增强限价单
	OrderTypeMO      OrderType = "MO"      // 市价单
	OrderTypeAO      OrderType = "AO"      // 竞价市价单
	OrderTypeALO     OrderType = "ALO"     // 竞价限价单
	OrderTypeODD     OrderType = "ODD"     // 碎股单
	OrderTypeLIT     OrderType = "LIT"     // 触价限价单
	OrderTypeMIT     OrderType = "MIT"     // 触价市价单
	OrderTypeTSLPAMT OrderType = "TSLPAMT" // 跟踪止损限价单（跟踪金额）
	OrderTypeTSLPPCT OrderType = "TSLPPCT" // 跟踪止损限价单（跟踪比例）
	OrderTypeTSMAMT  OrderType = "TSMAMT"  // 跟踪止损市价单（跟踪金额）
	OrderTypeTSMPCT  OrderType = "TSMPCT"  // 跟踪止损市价单（跟踪比例）
	OrderTypeSLO     OrderType = "SLO"     // 特殊限价单
)

var knownOrderTypes = map[OrderType]bool{
	OrderTypeLO: true, OrderTypeELO: true, OrderTypeMO: true, OrderTypeAO: true,
	OrderTypeALO: true, OrderTypeODD: true, OrderTypeLIT: true, OrderTypeMIT: true,
	OrderTypeTSLPAMT: true, OrderTypeTSLPPCT: true, OrderTypeTSMAMT: true,
	OrderTypeTSMPCT: true, OrderTypeSLO: true,
}

// Valid 是否为已知委托类型
func (t OrderType) Valid() bool { return knownOrderTypes[t] }

// NeedsPrice 该类型是否必须带委托价
func (t OrderType) NeedsPrice() bool {
	switch t {
	case OrderTypeLO, OrderTypeELO, OrderTypeALO, OrderTypeODD, OrderTypeLIT, OrderTypeSLO:
		return true
	}
	return false
}

// OrderStatus 订单状态（推送中的原始字符串）
type OrderStatus string

const (
	OrderStatusNotReported          OrderStatus = "NotReported"
	OrderStatusReplacedNotReported  OrderStatus = "ReplacedNotReported"
	OrderStatusProtectedNotReported OrderStatus = "ProtectedNotReported"
	OrderStatusVarietiesNotReported OrderStatus = "VarietiesNotReported"
	OrderStatusFilled               OrderStatus = "FilledStatus"
	OrderStatusWaitToNew            OrderStatus = "WaitToNew"
	OrderStatusNew                  OrderStatus = "NewStatus"
	OrderStatusWaitToReplace        OrderStatus = "WaitToReplace"
	OrderStatusPendingReplace       OrderStatus = "PendingReplaceStatus"
	OrderStatusReplaced             OrderStatus = "ReplacedStatus"
	OrderStatusPartialFilled        OrderStatus = "PartialFilledStatus"
	OrderStatusWaitToCancel         OrderStatus = "WaitToCancel"
	OrderStatusPendingCancel        OrderStatus = "PendingCancelStatus"
	OrderStatusRejected             OrderStatus = "RejectedStatus"
	OrderStatusCanceled             OrderStatus = "CanceledStatus"
	OrderStatusExpired              OrderStatus = "ExpiredStatus"
	OrderStatusPartialWithdrawal    OrderStatus = "PartialWithdrawal"
)

// IsFinal 订单是否已经结束（不会再有状态变化）
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCanceled, OrderStatusExpired, OrderStatusPartialWithdrawal:
		return true
	}
	return false
}

// OrderTag 订单标记
type OrderTag string

const (
	OrderTagNormal       OrderTag = "Normal"
	OrderTagLongTerm     OrderTag = "GTC"
	OrderTagGrey         OrderTag = "Grey"
	OrderTagMarginCall   OrderTag = "MarginCall"
	OrderTagOffline      OrderTag = "Offline"
	OrderTagCreditor     OrderTag = "Creditor"
	OrderTagDebtor       OrderTag = "Debtor"
	OrderTagNonExercise  OrderTag = "NonExercise"
	OrderTagAllocatedSub OrderTag = "AllocatedSub"
)

// TriggerStatus 条件单触发状态
type TriggerStatus string

const (
	TriggerStatusDeactive TriggerStatus = "DEACTIVE"
	TriggerStatusActive   TriggerStatus = "ACTIVE"
	TriggerStatusReleased TriggerStatus = "RELEASED"
)

// TimeInForce 委托有效期
type TimeInForce string

const (
	TimeInForceDay           TimeInForce = "Day"
	TimeInForceGoodTilCancel TimeInForce = "GTC"
	TimeInForceGoodTilDate   TimeInForce = "GTD"
)

// SubmitOrderRequest 下单请求
type SubmitOrderRequest struct {
	Symbol            string           `json:"symbol"`
	OrderType         OrderType        `json:"order_type"`
	Side              OrderSide        `json:"side"`
	SubmittedQuantity decimal.Decimal  `json:"submitted_quantity"`
	TimeInForce       TimeInForce      `json:"time_in_force"`
	AccountNo         string           `json:"account_no"`
	SubmittedPrice    *decimal.Decimal `json:"submitted_price,omitempty"`
	TriggerPrice      *decimal.Decimal `json:"trigger_price,omitempty"`
	Remark            string           `json:"remark,omitempty"`
}

// Validate 本地校验，避免明显错误的请求到达服务端
func (r SubmitOrderRequest) Validate() error {
	switch {
	case r.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	case r.AccountNo == "":
		return fmt.Errorf("%w: account_no is required", ErrInvalidOrder)
	case !r.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, r.Side)
	case !r.OrderType.Valid():
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, r.OrderType)
	case !r.SubmittedQuantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case r.OrderType.NeedsPrice() && (r.SubmittedPrice == nil || !r.SubmittedPrice.IsPositive()):
		return fmt.Errorf("%w: %s order requires a positive price", ErrInvalidOrder, r.OrderType)
	}
	return nil
}

// SubmitOrderResponse 下单同步响应
type SubmitOrderResponse struct {
	OrderID string `json:"order_id"`
}

// PushOrderChanged 订单变化推送
type PushOrderChanged struct {
	Side              OrderSide           `json:"side"`
	StockName         string              `json:"stock_name"`
	SubmittedQuantity decimal.Decimal     `json:"submitted_quantity"`
	Symbol            string              `json:"symbol"`
	OrderType         OrderType           `json:"order_type"`
	SubmittedPrice    decimal.Decimal     `json:"submitted_price"`
	ExecutedQuantity  decimal.Decimal     `json:"executed_quantity"`
	ExecutedPrice     decimal.NullDecimal `json:"executed_price"`
	OrderID           string              `json:"order_id"`
	Currency          string              `json:"currency"`
	Status            OrderStatus         `json:"status"`
	SubmittedAt       int64               `json:"submitted_at"`
	UpdatedAt         int64               `json:"updated_at"`
	TriggerPrice      decimal.NullDecimal `json:"trigger_price"`
	Msg               string              `json:"msg"`
	Tag               OrderTag            `json:"tag"`
	TriggerStatus     *TriggerStatus      `json:"trigger_status,omitempty"`
	TriggerAt         *int64              `json:"trigger_at,omitempty"`
	TrailingAmount    decimal.NullDecimal `json:"trailing_amount"`
	TrailingPercent   decimal.NullDecimal `json:"trailing_percent"`
	LimitOffset       decimal.NullDecimal `json:"limit_offset"`
	AccountNo         string              `json:"account_no"`
	LastShare         decimal.NullDecimal `json:"last_share"`
	LastPrice         decimal.NullDecimal `json:"last_price"`
	Remark            string              `json:"remark"`
}

// SubmittedTime 提交时间
func (p *PushOrderChanged) SubmittedTime() time.Time { return time.Unix(p.SubmittedAt, 0) }

// UpdatedTime 最后更新时间
func (p *PushOrderChanged) UpdatedTime() time.Time { return time.Unix(p.UpdatedAt, 0) }

func (p *PushOrderChanged) String() string {
	return fmt.Sprintf("order_id=%s symbol=%s side=%s type=%s status=%s qty=%s executed=%s",
		p.OrderID, p.Symbol, p.Side, p.OrderType, p.Status,
		p.SubmittedQuantity.String(), p.ExecutedQuantity.String())
}

// OrderDetail 订单详情查询结果
type OrderDetail struct {
	OrderID          string              `json:"order_id"`
	Status           OrderStatus         `json:"status"`
	StockName        string              `json:"stock_name"`
	Quantity         decimal.Decimal     `json:"quantity"`
	ExecutedQuantity decimal.Decimal     `json:"executed_quantity"`
	Price            decimal.NullDecimal `json:"price"`
	ExecutedPrice    decimal.NullDecimal `json:"executed_price"`
	SubmittedAt      int64               `json:"submitted_at"`
	Side             OrderSide           `json:"side"`
	Symbol           string              `json:"symbol"`
	OrderType        OrderType           `json:"order_type"`
	LastDone         decimal.NullDecimal `json:"last_done"`
	TriggerPrice     decimal.NullDecimal `json:"trigger_price"`
	Msg              string              `json:"msg"`
	Tag              OrderTag            `json:"tag"`
	TimeInForce      TimeInForce         `json:"time_in_force"`
	UpdatedAt        int64               `json:"updated_at"`
	Currency         string              `json:"currency"`
	AccountNo        string              `json:"account_no"`
	Remark           string              `json:"remark"`
}

// AssetDetail 账户资产
type AssetDetail struct {
	AccountNo              string              `json:"account_no"`
	Currency               string              `json:"currency"`
	TotalCash              decimal.Decimal     `json:"total_cash"`
	NetAssets              decimal.Decimal     `json:"net_assets"`
	BuyPower               decimal.Decimal     `json:"buy_power"`
	MaxFinanceAmount       decimal.NullDecimal `json:"max_finance_amount"`
	RemainingFinanceAmount decimal.NullDecimal `json:"remaining_finance_amount"`
}
