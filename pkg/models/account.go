package models

import (
	"fmt"
	"time"
)

// AccountBalance 账户余额 / Futures wallet balance for one asset
type AccountBalance struct {
	Asset         string    `json:"asset"`
	Balance       float64   `json:"balance"`
	Available     float64   `json:"available"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Timestamp     time.Time `json:"timestamp"`
}

// Validate 验证账户余额数据 / Validate account balance data
func (ab *AccountBalance) Validate() error {
	if ab.Asset == "" {
		return fmt.Errorf("asset is required")
	}
	if ab.Balance < 0 {
		return fmt.Errorf("balance cannot be negative")
	}
	if ab.Available < 0 {
		return fmt.Errorf("available cannot be negative")
	}
	return nil
}

// String 字符串表示 / String representation
func (ab *AccountBalance) String() string {
	return fmt.Sprintf("AccountBalance{Asset=%s, Balance=%.8f, Available=%.8f, UnrealizedPnL=%.8f, Timestamp=%s}",
		ab.Asset, ab.Balance, ab.Available, ab.UnrealizedPnL, ab.Timestamp.Format(time.RFC3339))
}
