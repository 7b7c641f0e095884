package models

import (
	"fmt"
	"time"
)

// ExchangePosition 交易所持仓快照 / Position as reported by the exchange
// Amount为带符号数量：空头为负
// Amount is signed: negative for the SHORT leg in hedge mode
type ExchangePosition struct {
	Symbol        string
	Side          PositionSide
	Amount        float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// IsOpen 是否有持仓 / Whether the exchange reports a non-zero amount
func (p ExchangePosition) IsOpen() bool {
	return p.Amount != 0
}

// OrderResult 市价单成交回报 / Market order fill
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	PositionSide  PositionSide
	ExecutedQty   float64
	AvgPrice      float64
	Commission    float64
	RealizedPnL   float64
	UpdateTime    time.Time
}

// IsEmpty 是否为空结果（没有可平的仓位）/ Whether this is the "nothing to close" result
func (r *OrderResult) IsEmpty() bool {
	return r == nil || r.OrderID == ""
}

// OrderRequest 市价单请求 / Market order request in hedge mode
type OrderRequest struct {
	Symbol       string
	Side         OrderSide
	PositionSide PositionSide
	Quantity     float64
	ReduceOnly   bool
}

// Validate 验证下单请求 / Validate order request
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !r.Side.IsValid() {
		return fmt.Errorf("invalid side: %s", r.Side)
	}
	if !r.PositionSide.IsValid() {
		return fmt.Errorf("invalid position_side: %s", r.PositionSide)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	return nil
}
