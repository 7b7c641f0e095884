package models

// PositionSide 持仓方向（双向持仓模式）/ Position side in hedge mode
type PositionSide string

const (
	// PositionSideLong 多头持仓 / Long leg
	PositionSideLong PositionSide = "LONG"

	// PositionSideShort 空头持仓 / Short leg
	PositionSideShort PositionSide = "SHORT"
)

// PositionSides 固定的遍历顺序：先多后空 / Fixed iteration order, LONG before SHORT
var PositionSides = [2]PositionSide{PositionSideLong, PositionSideShort}

// String 返回字符串表示 / Return string representation
func (p PositionSide) String() string {
	return string(p)
}

// IsValid 检查是否为有效的持仓方向 / Check if valid position side
func (p PositionSide) IsValid() bool {
	return p == PositionSideLong || p == PositionSideShort
}

// Opposite 返回对侧方向 / Return the other leg of the pair
func (p PositionSide) Opposite() PositionSide {
	if p == PositionSideLong {
		return PositionSideShort
	}
	return PositionSideLong
}

// OpenOrderSide 开仓订单方向 / Order side that opens this leg
func (p PositionSide) OpenOrderSide() OrderSide {
	if p == PositionSideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// CloseOrderSide 平仓订单方向 / Order side that reduces this leg
func (p PositionSide) CloseOrderSide() OrderSide {
	if p == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderSide 订单方向 / Order side type
type OrderSide string

const (
	// OrderSideBuy 买入 / Buy
	OrderSideBuy OrderSide = "BUY"

	// OrderSideSell 卖出 / Sell
	OrderSideSell OrderSide = "SELL"
)

// String 返回字符串表示 / Return string representation
func (o OrderSide) String() string {
	return string(o)
}

// IsValid 检查是否为有效的订单方向 / Check if valid order side
func (o OrderSide) IsValid() bool {
	return o == OrderSideBuy || o == OrderSideSell
}

// OrderType 订单类型 / Order type
type OrderType string

const (
	// OrderTypeMarket 市价单 / Market order
	OrderTypeMarket OrderType = "MARKET"

	// OrderTypeLimit 限价单 / Limit order
	OrderTypeLimit OrderType = "LIMIT"
)

// String 返回字符串表示 / Return string representation
func (o OrderType) String() string {
	return string(o)
}

// IsValid 检查是否为有效的订单类型 / Check if valid order type
func (o OrderType) IsValid() bool {
	return o == OrderTypeMarket || o == OrderTypeLimit
}

// TradeStatus 成交状态 / Trade status
type TradeStatus string

const (
	// TradeStatusFilled 已成交 / Fully filled
	TradeStatusFilled TradeStatus = "FILLED"

	// TradeStatusPartiallyFilled 部分成交 / Partially filled
	TradeStatusPartiallyFilled TradeStatus = "PARTIALLY_FILLED"
)

// String 返回字符串表示 / Return string representation
func (t TradeStatus) String() string {
	return string(t)
}

// IsValid 检查是否为有效的成交状态 / Check if valid trade status
func (t TradeStatus) IsValid() bool {
	return t == TradeStatusFilled || t == TradeStatusPartiallyFilled
}
