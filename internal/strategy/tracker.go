package strategy

import (
	"sync"
	"time"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

// State 策略状态 / Lifecycle state derived from the active view
type State string

const (
	StateFlat          State = "FLAT"
	StatePaired        State = "PAIRED"
	StateReadyToRotate State = "READY_TO_ROTATE"
	StateRiskAlert     State = "RISK_ALERT"
)

// LegState 单腿本地状态 / Locally tracked state of one leg
type LegState struct {
	OpenedAt   time.Time `json:"opened_at"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	Active     bool      `json:"active"`
}

// HoldTime 持仓时长 / Time held as of now
func (l LegState) HoldTime(now time.Time) time.Duration {
	if !l.Active {
		return 0
	}
	return now.Sub(l.OpenedAt)
}

// ActiveView 多空两腿视图 / Local view of both legs
type ActiveView struct {
	Long  LegState `json:"long"`
	Short LegState `json:"short"`
}

// Leg 按方向取腿 / Leg for the given side
func (v *ActiveView) Leg(side models.PositionSide) *LegState {
	if side == models.PositionSideLong {
		return &v.Long
	}
	return &v.Short
}

// State 推导状态 / Derive the lifecycle state
// 无活跃腿为FLAT；所有活跃腿持仓 ≥ minHold 为READY_TO_ROTATE；否则PAIRED
// No active leg is FLAT; every active leg held ≥ minHold is READY_TO_ROTATE; otherwise PAIRED
func (v ActiveView) State(now time.Time, minHold time.Duration) State {
	active := 0
	for _, side := range models.PositionSides {
		leg := v.Leg(side)
		if !leg.Active {
			continue
		}
		active++
		if leg.HoldTime(now) < minHold {
			return StatePaired
		}
	}
	if active == 0 {
		return StateFlat
	}
	return StateReadyToRotate
}

// Tracker 持仓状态跟踪器 / Position state tracker
// 以交易所为准：只会因交易所报告为零而停用，不会因交易所数据而激活
// The exchange is the truth for deactivation only; activation happens solely after our own fills
type Tracker struct {
	mu     sync.RWMutex
	view   ActiveView
	logger *logger.Logger
}

// NewTracker 创建跟踪器 / Create tracker with an empty view
func NewTracker(logger *logger.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// View 返回视图副本 / Copy of the current view
func (t *Tracker) View() ActiveView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.view
}

// Reconcile 与交易所快照对账 / Reconcile the view against an exchange snapshot
// 快照中数量为零或缺失的活跃腿被停用
// Active legs whose amount is zero, or which are absent from the snapshot, are deactivated
//
// Parameters:
//   - snapshot: 交易所持仓快照 / Positions reported by the exchange for this symbol
//
// Returns:
//   - []models.PositionSide: 被停用的方向 / Sides deactivated by this call
func (t *Tracker) Reconcile(snapshot []models.ExchangePosition) []models.PositionSide {
	amounts := make(map[models.PositionSide]float64, len(snapshot))
	for _, p := range snapshot {
		amounts[p.Side] += p.Amount
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var deactivated []models.PositionSide
	for _, side := range models.PositionSides {
		leg := t.view.Leg(side)
		if !leg.Active || amounts[side] != 0 {
			continue
		}
		t.logger.Info("%s position closed externally", side)
		*leg = LegState{}
		deactivated = append(deactivated, side)
	}
	return deactivated
}

// MarkOpened 记录开仓 / Record a fill that opened a leg
func (t *Tracker) MarkOpened(side models.PositionSide, at time.Time, entryPrice, quantity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.view.Leg(side) = LegState{
		OpenedAt:   at,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		Active:     true,
	}
}

// MarkClosed 记录平仓 / Clear a leg after we closed it
func (t *Tracker) MarkClosed(side models.PositionSide) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.view.Leg(side) = LegState{}
}
