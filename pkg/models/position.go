package models

import (
	"fmt"
	"time"
)

// Position 持仓腿记录 / One leg of a delta-neutral pair as kept in the ledger
// 只追加不删除：平仓后标记为非活跃并归档
// Append-only: a closed leg is archived as inactive, never deleted
type Position struct {
	ID              int64        `json:"id" db:"id"`
	Symbol          string       `json:"symbol" db:"symbol"`
	Side            PositionSide `json:"position_side" db:"position_side"`
	EntryPrice      float64      `json:"entry_price" db:"entry_price"`
	ExitPrice       *float64     `json:"exit_price,omitempty" db:"exit_price"`
	Quantity        float64      `json:"quantity" db:"quantity"`
	Leverage        int          `json:"leverage" db:"leverage"`
	Notional        float64      `json:"notional" db:"notional"`
	OpenedAt        time.Time    `json:"opened_at" db:"opened_at"`
	ClosedAt        *time.Time   `json:"closed_at,omitempty" db:"closed_at"`
	HoldTimeMinutes int          `json:"hold_time_minutes" db:"hold_time_minutes"`
	RealizedPnL     float64      `json:"realized_pnl" db:"realized_pnl"`
	IsActive        bool         `json:"is_active" db:"is_active"`
}

// NewPosition 根据成交创建活跃持仓 / Create an active position from an opening fill
// 名义价值在创建时固定为 数量 × 入场价
// Notional is fixed at creation as quantity × entry price
func NewPosition(symbol string, side PositionSide, entryPrice, quantity float64, leverage int, openedAt time.Time) *Position {
	return &Position{
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		Leverage:   leverage,
		Notional:   quantity * entryPrice,
		OpenedAt:   openedAt.UTC(),
		IsActive:   true,
	}
}

// Validate 验证持仓数据 / Validate position data
func (p *Position) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if p.Side == "" {
		return fmt.Errorf("position_side is required")
	}
	if !p.Side.IsValid() {
		return fmt.Errorf("invalid position_side: %s (must be 'LONG' or 'SHORT')", p.Side)
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("entry_price must be positive")
	}
	if p.Leverage < 0 {
		return fmt.Errorf("leverage cannot be negative")
	}
	if p.ClosedAt != nil && p.ClosedAt.Before(p.OpenedAt) {
		return fmt.Errorf("closed_at cannot be before opened_at")
	}
	if p.IsActive && p.ClosedAt != nil {
		return fmt.Errorf("active position cannot have closed_at")
	}
	return nil
}

// Close 平仓归档 / Archive the leg as closed
// 持仓时长只在平仓时计算（整分钟，向下取整）
// Hold time is computed only here, in whole minutes (truncated)
//
// Parameters:
//   - exitPrice: 平仓均价，未知时为nil / Average exit price, nil when unknown (e.g. closed externally)
//   - realizedPnL: 平仓成交的已实现盈亏 / Realized PnL reported by the closing fill
//   - at: 平仓时间 / Close timestamp; clamped to opened_at if earlier
//
// Returns:
//   - error: 重复平仓时返回错误 / Error when the position is already closed
func (p *Position) Close(exitPrice *float64, realizedPnL float64, at time.Time) error {
	if !p.IsActive || p.ClosedAt != nil {
		return fmt.Errorf("position %s %s already closed", p.Symbol, p.Side)
	}

	closedAt := at.UTC()
	if closedAt.Before(p.OpenedAt) {
		closedAt = p.OpenedAt
	}

	p.ExitPrice = exitPrice
	p.ClosedAt = &closedAt
	p.HoldTimeMinutes = int(closedAt.Sub(p.OpenedAt) / time.Minute)
	p.RealizedPnL = realizedPnL
	p.IsActive = false
	return nil
}

// String 字符串表示 / String representation
func (p *Position) String() string {
	return fmt.Sprintf("Position{Symbol=%s, Side=%s, Qty=%.8f, Entry=%.8f, Notional=%.4f, Leverage=%d, Active=%t, OpenedAt=%s}",
		p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Notional, p.Leverage, p.IsActive, p.OpenedAt.Format(time.RFC3339))
}
