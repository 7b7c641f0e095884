package models

import (
	"fmt"
	"time"
)

// DailyStats 日统计 / Per-day rollup derived from the trade ledger
type DailyStats struct {
	Date        time.Time `json:"date" db:"date"`
	TotalVolume float64   `json:"total_volume" db:"total_volume"`
	NumTrades   int       `json:"num_trades" db:"num_trades"`
	RealizedPnL float64   `json:"realized_pnl" db:"realized_pnl"`
	FeesPaid    float64   `json:"fees_paid" db:"fees_paid"`
}

// StartOfDay 返回UTC当日零点 / Midnight UTC of the given instant
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// SummarizeTrades 从成交记录重建日统计 / Rebuild the rollup for day from trades
// 只统计落在该自然日内的成交 / Trades outside the calendar day are ignored
func SummarizeTrades(day time.Time, trades []Trade) DailyStats {
	start := StartOfDay(day)
	end := start.Add(24 * time.Hour)

	stats := DailyStats{Date: start}
	for _, t := range trades {
		ts := t.Timestamp.UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		stats.TotalVolume += t.Notional
		stats.RealizedPnL += t.RealizedPnL
		stats.FeesPaid += t.Commission
		stats.NumTrades++
	}
	return stats
}

// String 字符串表示 / String representation
func (d DailyStats) String() string {
	return fmt.Sprintf("Volume=$%.2f | Trades=%d | PnL=$%.2f | Fees=$%.2f",
		d.TotalVolume, d.NumTrades, d.RealizedPnL, d.FeesPaid)
}
