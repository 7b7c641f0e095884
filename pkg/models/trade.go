package models

import (
	"fmt"
	"time"
)

// Trade 成交记录 / Immutable execution record, one per filled order
type Trade struct {
	ID            int64        `json:"id" db:"id"`
	Timestamp     time.Time    `json:"timestamp" db:"timestamp"`
	Symbol        string       `json:"symbol" db:"symbol"`
	Side          OrderSide    `json:"side" db:"side"`
	PositionSide  PositionSide `json:"position_side" db:"position_side"`
	OrderType     OrderType    `json:"order_type" db:"order_type"`
	Quantity      float64      `json:"quantity" db:"quantity"`
	Price         float64      `json:"price" db:"price"`
	Notional      float64      `json:"notional" db:"notional"`
	OrderID       string       `json:"order_id" db:"order_id"`
	ClientOrderID string       `json:"client_order_id" db:"client_order_id"`
	RealizedPnL   float64      `json:"realized_pnl" db:"realized_pnl"`
	Commission    float64      `json:"commission" db:"commission"`
	Status        TradeStatus  `json:"status" db:"status"`
}

// NewTradeFromFill 由订单回报构建成交记录 / Build a trade row from an order fill
func NewTradeFromFill(symbol string, positionSide PositionSide, fill *OrderResult, at time.Time) *Trade {
	ts := at.UTC()
	if !fill.UpdateTime.IsZero() {
		ts = fill.UpdateTime.UTC()
	}
	return &Trade{
		Timestamp:     ts,
		Symbol:        symbol,
		Side:          fill.Side,
		PositionSide:  positionSide,
		OrderType:     OrderTypeMarket,
		Quantity:      fill.ExecutedQty,
		Price:         fill.AvgPrice,
		Notional:      fill.ExecutedQty * fill.AvgPrice,
		OrderID:       fill.OrderID,
		ClientOrderID: fill.ClientOrderID,
		RealizedPnL:   fill.RealizedPnL,
		Commission:    fill.Commission,
		Status:        TradeStatusFilled,
	}
}

// Validate 验证成交数据 / Validate trade data
func (t *Trade) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !t.Side.IsValid() {
		return fmt.Errorf("invalid side: %s", t.Side)
	}
	if !t.PositionSide.IsValid() {
		return fmt.Errorf("invalid position_side: %s", t.PositionSide)
	}
	if t.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if t.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if t.Price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	if t.Commission < 0 {
		return fmt.Errorf("commission cannot be negative")
	}
	return nil
}

// String 字符串表示 / String representation
func (t *Trade) String() string {
	return fmt.Sprintf("Trade{%s %s %s %.8f @ %.8f, OrderID=%s}",
		t.Symbol, t.Side, t.PositionSide, t.Quantity, t.Price, t.OrderID)
}
