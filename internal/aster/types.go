package aster

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError Aster API错误 / Error returned by the Aster futures API
type APIError struct {
	Status int    // HTTP status code
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

// Error implements error
func (e *APIError) Error() string {
	return fmt.Sprintf("aster API error: status=%d, code=%d, msg=%s", e.Status, e.Code, e.Msg)
}

// Temporary 是否可重试 / Whether the request may succeed if retried
// 429/418限流、5xx、-1001断连、-1003请求过多、-1021时间戳超窗
// Rate limits, server errors, disconnects and recvWindow timestamp skew
func (e *APIError) Temporary() bool {
	if e.Status == 429 || e.Status == 418 || e.Status >= 500 {
		return true
	}
	switch e.Code {
	case codeDisconnected, codeTooManyRequests, codeTimestampOutside:
		return true
	}
	return false
}

const (
	codeDisconnected        = -1001
	codeTooManyRequests     = -1003
	codeTimestampOutside    = -1021
	codeNoNeedChangeLev     = -4046
	codeNoNeedChangePosSide = -4059
)

// transportError 网络层错误 / Network level failure, always retryable
type transportError struct {
	err error
}

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }
func (e *transportError) Temporary() bool { return true }

// positionRisk /fapi/v2/positionRisk 元素 / positionRisk element
type positionRisk struct {
	Symbol           string          `json:"symbol"`
	PositionSide     string          `json:"positionSide"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnRealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	Leverage         decimal.Decimal `json:"leverage"`
}

// premiumIndex /fapi/v1/premiumIndex 响应 / Mark price response
type premiumIndex struct {
	Symbol    string          `json:"symbol"`
	MarkPrice decimal.Decimal `json:"markPrice"`
	Time      int64           `json:"time"`
}

// orderResponse /fapi/v1/order 响应(RESULT) / New order response with newOrderRespType=RESULT
type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Side          string          `json:"side"`
	PositionSide  string          `json:"positionSide"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	CumQuote      decimal.Decimal `json:"cumQuote"`
	UpdateTime    int64           `json:"updateTime"`
}

// userTrade /fapi/v1/userTrades 元素 / Account trade element
type userTrade struct {
	OrderID         int64           `json:"orderId"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	RealizedPnl     decimal.Decimal `json:"realizedPnl"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            int64           `json:"time"`
}

// balanceEntry /fapi/v2/balance 元素 / Futures balance element
type balanceEntry struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	CrossUnPnl       decimal.Decimal `json:"crossUnPnl"`
	UpdateTime       int64           `json:"updateTime"`
}
