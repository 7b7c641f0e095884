package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

// ErrInvalidInput 输入无效 / Input cannot be evaluated (e.g. non-positive price)
var ErrInvalidInput = errors.New("invalid input")

const (
	DefaultQuantityPrecision    = 3
	DefaultExposureSafetyFactor = 0.5
	DefaultJitterPct            = 5.0
)

// Config 风控配置 / Risk configuration, immutable after construction
type Config struct {
	CapitalUSDT          float64
	Leverage             int
	MaxPositionSizePct   float64
	StopLossPct          float64
	MaxPnLDriftPct       float64
	QuantityPrecision    int32
	ExposureSafetyFactor float64
	JitterPct            float64
}

// Reason 平仓原因 / Why a position should be closed
type Reason string

const (
	ReasonNone     Reason = "none"
	ReasonStopLoss Reason = "stop_loss"
	ReasonDrift    Reason = "drift"
)

// Decision 风控评估结果 / Result of evaluating one exchange position
type Decision struct {
	PnLPct float64
	Reason Reason
	Close  bool
}

// Randomizer 可注入的随机源 / Injectable randomness, uniform in [0, 1)
type Randomizer interface {
	Float64() float64
}

// Manager 风控管理器 / Risk manager
// 负责仓位计算、止损与偏离检查、敞口限制
// Responsible for position sizing, stop-loss and drift checks, and exposure limits
type Manager struct {
	cfg    Config
	logger *logger.Logger
}

// New 创建风控管理器 / Create risk manager
// 未设置的精度、安全系数与抖动幅度使用默认值
// Unset precision, safety factor and jitter fall back to the defaults
//
// Parameters:
//   - cfg: 风控配置（按值传递）/ Risk configuration, copied
//   - logger: Logger instance
//
// Returns:
//   - *Manager: 风控管理器实例 / Risk manager instance
func New(cfg Config, logger *logger.Logger) *Manager {
	if cfg.QuantityPrecision <= 0 {
		cfg.QuantityPrecision = DefaultQuantityPrecision
	}
	if cfg.ExposureSafetyFactor <= 0 {
		cfg.ExposureSafetyFactor = DefaultExposureSafetyFactor
	}
	if cfg.JitterPct < 0 {
		cfg.JitterPct = 0
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
	}
}

// Config 返回配置副本 / Copy of the configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// SizePosition 计算开仓数量 / Calculate position size in base currency
// 数量 = (资金 × 最大仓位% × 杠杆) / 价格，四舍五入到固定精度（远离零）
// quantity = (capital × maxPositionSizePct/100 × leverage) / price, rounded half
// away from zero to QuantityPrecision decimals
//
// 例如 / Example: capital=1000, pct=1.5, leverage=15, price=45000 → 225/45000 = 0.005
//
// Parameters:
//   - price: 标记价格 / Mark price, must be positive and finite
//
// Returns:
//   - float64: 开仓数量 / Order quantity
//   - error: 价格无效时返回 ErrInvalidInput / ErrInvalidInput on a non-positive or non-finite price
func (m *Manager) SizePosition(price float64) (float64, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("price %v: %w", price, ErrInvalidInput)
	}

	maxNotional := decimal.NewFromFloat(m.cfg.CapitalUSDT).
		Mul(decimal.NewFromFloat(m.cfg.MaxPositionSizePct)).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(int64(m.cfg.Leverage)))
	quantity := maxNotional.Div(decimal.NewFromFloat(price)).Round(m.cfg.QuantityPrecision)

	q := quantity.InexactFloat64()
	m.logger.Debug("Position size: %s @ $%.2f = $%.2f notional", quantity.String(), price, q*price)
	return q, nil
}

// RoundQuantity 按精度取整 / Round a quantity to the configured precision
func (m *Manager) RoundQuantity(qty float64) float64 {
	return decimal.NewFromFloat(qty).Round(m.cfg.QuantityPrecision).InexactFloat64()
}

// Evaluate 评估持仓风险 / Evaluate one exchange position against the risk limits
// 盈亏% = 未实现盈亏 / (入场价 × 持仓量) × 100
// pnlPct = unrealizedPnl / (entryPrice × positionAmt) × 100
//
// 判定顺序 / Checks in order:
//   - 入场价或持仓量为0 → 不评估 / entry price or amount of 0 → no signal
//   - |盈亏%| > 止损% → stop_loss
//   - |盈亏%| > 最大偏离% → drift
//   - 恰好等于阈值不触发 / exactly at a threshold does not trigger
func (m *Manager) Evaluate(pos models.ExchangePosition) Decision {
	if pos.EntryPrice == 0 || pos.Amount == 0 {
		return Decision{Reason: ReasonNone}
	}

	pnlPct := pos.UnrealizedPnL / (pos.EntryPrice * pos.Amount) * 100
	abs := math.Abs(pnlPct)

	if abs > m.cfg.StopLossPct {
		m.logger.Warn("Stop-loss triggered: %s %s PnL %.2f%% exceeds %.2f%%", pos.Symbol, pos.Side, pnlPct, m.cfg.StopLossPct)
		return Decision{PnLPct: pnlPct, Reason: ReasonStopLoss, Close: true}
	}
	if abs > m.cfg.MaxPnLDriftPct {
		m.logger.Warn("Position drift: %s %s PnL %.2f%% exceeds %.2f%%", pos.Symbol, pos.Side, pnlPct, m.cfg.MaxPnLDriftPct)
		return Decision{PnLPct: pnlPct, Reason: ReasonDrift, Close: true}
	}
	return Decision{PnLPct: pnlPct, Reason: ReasonNone}
}

// ShouldClosePosition 是否需要强制平仓 / Whether a forced close is required
func (m *Manager) ShouldClosePosition(pos models.ExchangePosition) bool {
	return m.Evaluate(pos).Close
}

// CurrentExposure 当前名义敞口 / Total notional exposure
// 对所有非零持仓求和 |持仓量| × 入场价 / Sum of |amount| × entry price over non-zero positions
func (m *Manager) CurrentExposure(positions []models.ExchangePosition) float64 {
	total := 0.0
	for _, p := range positions {
		if p.Amount == 0 {
			continue
		}
		total += math.Abs(p.Amount) * p.EntryPrice
	}
	return total
}

// CanOpenNewPosition 是否允许开新仓 / Whether a new position fits the exposure cap
// 当前敞口 + 新仓名义价值 ≤ 资金 × 杠杆 × 安全系数(0.5)
// currentExposure + size×price ≤ capital × leverage × safety factor (0.5)
func (m *Manager) CanOpenNewPosition(price float64, positions []models.ExchangePosition) (bool, error) {
	size, err := m.SizePosition(price)
	if err != nil {
		return false, err
	}

	current := m.CurrentExposure(positions)
	newNotional := size * price
	maxExposure := m.cfg.CapitalUSDT * float64(m.cfg.Leverage) * m.cfg.ExposureSafetyFactor

	if current+newNotional > maxExposure {
		m.logger.Warn("Cannot open position: exposure %.2f + %.2f would exceed max %.2f", current, newNotional, maxExposure)
		return false, nil
	}
	return true, nil
}

// JitterQuantity 数量随机扰动 / Apply the symmetric ±JitterPct jitter and re-round
// 结果 = 数量 × U[1-j, 1+j]，每对仓位只调用一次
// qty × U[1-j, 1+j]; called once per pair so both legs share the result
func (m *Manager) JitterQuantity(qty float64, r Randomizer) float64 {
	j := m.cfg.JitterPct / 100
	factor := 1 - j + 2*j*r.Float64()
	return m.RoundQuantity(qty * factor)
}
