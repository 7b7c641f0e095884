package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/internal/risk"
	"github.com/wTHU1Ew/DeltaRotor/internal/storage"
	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

// Action 周期内执行的动作 / What a cycle did
type Action string

const (
	ActionNone      Action = "none"
	ActionHold      Action = "hold"
	ActionOpen      Action = "open"
	ActionRotate    Action = "rotate"
	ActionRiskClose Action = "risk_close"
)

// CycleResult 单次周期结果 / Result of one cycle, consumed by the scheduler
type CycleResult struct {
	Action  Action
	State   State
	Outcome Outcome
	Err     error
}

// Gateway 交易所接口 / Exchange operations used by the engine
type Gateway interface {
	GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	ClosePosition(ctx context.Context, symbol string, side models.PositionSide) (*models.OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetHedgeMode(ctx context.Context) error
	GetAccountBalance(ctx context.Context, asset string) (*models.AccountBalance, error)
}

// Store 账本接口 / Ledger operations used by the engine
type Store interface {
	InTx(ctx context.Context, fn func(storage.Ledger) error) error
	ActivePositions(ctx context.Context, symbol string) ([]models.Position, error)
	RefreshDailyStats(ctx context.Context, day time.Time) (*models.DailyStats, error)
}

// Clock 可注入的时钟 / Injectable time source; Sleep blocks the cycle
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Alerter 运维告警 / Operator alert sink
type Alerter interface {
	Alert(ctx context.Context, title, message string) error
}

// Metrics 指标接收者 / Metrics sink for fills and risk closes
type Metrics interface {
	ObserveFill(symbol string, side models.PositionSide, notional, commission float64)
	ObserveRiskClose(symbol string, reason string)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config 引擎配置 / Per-symbol engine configuration
type Config struct {
	Symbol            string
	Leverage          int
	MinHold           time.Duration
	DailyVolumeTarget float64
	LegDelayMin       time.Duration
	LegDelayMax       time.Duration
	RotationDelayMin  time.Duration
	RotationDelayMax  time.Duration
}

// Status 运行状态快照 / Snapshot served by the ops endpoint
type Status struct {
	Symbol     string     `json:"symbol"`
	State      State      `json:"state"`
	View       ActiveView `json:"view"`
	LastAction Action     `json:"last_action"`
	LastCycle  time.Time  `json:"last_cycle"`
	LastError  string     `json:"last_error,omitempty"`
}

// Option 引擎选项 / Engine option
type Option func(*Engine)

// WithClock 注入时钟 / Inject the clock
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRandomizer 注入随机源 / Inject the randomness used for jitter and delays
func WithRandomizer(r risk.Randomizer) Option {
	return func(e *Engine) { e.rand = r }
}

// WithAlerter 注入告警 / Inject the operator alert sink
func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

// WithMetrics 注入指标 / Inject the metrics sink
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine 策略引擎 / Delta-neutral rotation engine for one symbol
// 负责对账、风控平仓、开仓与轮换
// Responsible for reconciliation, risk closes, pair opening and rotation
type Engine struct {
	cfg     Config
	gateway Gateway
	store   Store
	risk    *risk.Manager
	tracker *Tracker
	clock   Clock
	rand    risk.Randomizer
	alerter Alerter
	metrics Metrics
	logger  *logger.Logger

	mu         sync.RWMutex
	lastAction Action
	lastCycle  time.Time
	lastErr    error
}

// New 创建策略引擎 / Create strategy engine
//
// Parameters:
//   - cfg: 引擎配置 / Engine configuration for one symbol
//   - gateway: 交易所客户端 / Exchange gateway
//   - store: 账本 / Ledger store
//   - rm: 风控管理器 / Risk manager
//   - logger: Logger instance, tagged with the symbol by the caller
//   - opts: 可选的时钟、随机源、告警与指标 / Optional clock, randomizer, alerter and metrics
//
// Returns:
//   - *Engine: 策略引擎实例 / Strategy engine instance
func New(cfg Config, gateway Gateway, store Store, rm *risk.Manager, logger *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		gateway:    gateway,
		store:      store,
		risk:       rm,
		tracker:    NewTracker(logger),
		clock:      systemClock{},
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
		lastAction: ActionNone,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Symbol 交易对 / Symbol managed by this engine
func (e *Engine) Symbol() string {
	return e.cfg.Symbol
}

// View 当前视图 / Current active view
func (e *Engine) View() ActiveView {
	return e.tracker.View()
}

// State 当前状态 / Current lifecycle state
func (e *Engine) State(now time.Time) State {
	return e.tracker.View().State(now, e.cfg.MinHold)
}

// Status 运行状态 / Status snapshot, safe to call from other goroutines
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	view := e.tracker.View()
	s := Status{
		Symbol:     e.cfg.Symbol,
		State:      view.State(e.clock.Now(), e.cfg.MinHold),
		View:       view,
		LastAction: e.lastAction,
		LastCycle:  e.lastCycle,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}

// Prepare 启动准备 / Set hedge position mode and leverage
// 两个调用都是幂等的 / Both calls are idempotent on the exchange side
func (e *Engine) Prepare(ctx context.Context) error {
	if err := e.gateway.SetHedgeMode(ctx); err != nil {
		return gatewayError("set hedge mode", err)
	}
	if err := e.gateway.SetLeverage(ctx, e.cfg.Symbol, e.cfg.Leverage); err != nil {
		return gatewayError("set leverage", err)
	}
	e.logger.Info("Hedge mode enabled, leverage set to %dx", e.cfg.Leverage)
	return nil
}

// Restore 从账本恢复视图 / Seed the view from the ledger after a restart
// 只恢复交易所仍报告非零数量的方向；其余账本记录按外部平仓归档
// Only sides the exchange still reports as non-zero are restored; the rest are archived as closed externally
func (e *Engine) Restore(ctx context.Context) error {
	snapshot, err := e.gateway.GetPositions(ctx, e.cfg.Symbol)
	if err != nil {
		return gatewayError("get positions", err)
	}
	open := make(map[models.PositionSide]bool, len(snapshot))
	for _, p := range snapshot {
		if p.IsOpen() {
			open[p.Side] = true
		}
	}

	positions, err := e.store.ActivePositions(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("load active positions: %w", err)
	}

	latest := make(map[models.PositionSide]models.Position, 2)
	var stale []models.PositionSide
	for _, p := range positions {
		if !open[p.Side] {
			stale = append(stale, p.Side)
			continue
		}
		latest[p.Side] = p
	}

	for _, side := range models.PositionSides {
		p, ok := latest[side]
		if !ok {
			continue
		}
		e.tracker.MarkOpened(side, p.OpenedAt, p.EntryPrice, p.Quantity)
		e.logger.Info("Restored %s leg: %.8f @ %.4f opened %s", side, p.Quantity, p.EntryPrice, p.OpenedAt.Format(time.RFC3339))
	}

	return e.archiveExternal(ctx, stale, e.clock.Now())
}

// RunCycle 执行一次策略周期 / Run one strategy cycle
// 严格顺序：对账 → 风控检查 → 开仓 / 轮换 / 持有 → 日统计
// Strict order: reconcile → risk check → open / rotate / hold → daily stats
//
// 风控平仓会结束本周期，不再开仓或轮换
// A risk close ends the cycle; no open or rotation happens in the same cycle
//
// Returns:
//   - CycleResult: 动作、状态与错误分类 / Action, state and error classification
func (e *Engine) RunCycle(ctx context.Context) CycleResult {
	res := e.runCycle(ctx)
	res.Outcome = Classify(res.Err)

	e.mu.Lock()
	e.lastAction = res.Action
	e.lastCycle = e.clock.Now()
	e.lastErr = res.Err
	e.mu.Unlock()

	return res
}

func (e *Engine) runCycle(ctx context.Context) CycleResult {
	now := e.clock.Now()

	snapshot, err := e.gateway.GetPositions(ctx, e.cfg.Symbol)
	if err != nil {
		return CycleResult{Action: ActionNone, State: e.State(now), Err: gatewayError("get positions", err)}
	}

	deactivated := e.tracker.Reconcile(snapshot)
	if err := e.archiveExternal(ctx, deactivated, now); err != nil {
		return CycleResult{Action: ActionNone, State: e.State(now), Err: err}
	}

	closed, err := e.checkRisk(ctx, snapshot)
	if closed > 0 || err != nil {
		e.logDailyStats(ctx)
		return CycleResult{Action: ActionRiskClose, State: StateRiskAlert, Err: err}
	}

	state := e.State(now)
	var action Action
	switch state {
	case StateFlat:
		action = ActionOpen
		e.logger.Info("No active positions, opening delta-neutral pair")
		err = e.openPair(ctx, snapshot)
	case StateReadyToRotate:
		action = ActionRotate
		e.logger.Info("Minimum hold time reached, rotating positions")
		err = e.rotate(ctx)
	default:
		action = ActionHold
		e.logHold(now)
	}

	e.logDailyStats(ctx)
	return CycleResult{Action: action, State: state, Err: err}
}

// checkRisk 风控检查 / Close every leg that breaches a risk limit
// 返回本周期风控平仓的腿数 / Returns the number of legs closed for risk
func (e *Engine) checkRisk(ctx context.Context, snapshot []models.ExchangePosition) (int, error) {
	closed := 0
	for _, pos := range snapshot {
		if !pos.IsOpen() {
			continue
		}
		decision := e.risk.Evaluate(pos)
		if !decision.Close {
			continue
		}

		e.logger.Warn("Risk limit breached on %s leg (%s, PnL %.2f%%), closing", pos.Side, decision.Reason, decision.PnLPct)
		fill, err := e.gateway.ClosePosition(ctx, e.cfg.Symbol, pos.Side)
		if err != nil {
			return closed, gatewayError(fmt.Sprintf("risk close %s", pos.Side), err)
		}
		if fill.IsEmpty() {
			if err := e.closeVanished(ctx, pos.Side); err != nil {
				return closed + 1, err
			}
		} else {
			e.tracker.MarkClosed(pos.Side)
			if err := e.persistClose(ctx, pos.Side, fill); err != nil {
				return closed + 1, err
			}
			e.observeFill(pos.Side, fill)
		}
		closed++

		if e.metrics != nil {
			e.metrics.ObserveRiskClose(e.cfg.Symbol, string(decision.Reason))
		}
		e.alert(ctx, "Risk close",
			fmt.Sprintf("%s %s leg closed: %s, PnL %.2f%%", e.cfg.Symbol, pos.Side, decision.Reason, decision.PnLPct))
	}
	return closed, nil
}

// openPair 开多空对冲仓 / Open a delta-neutral pair
// 先多后空，两腿使用同一个抖动后的数量，中间随机等待
// LONG first then SHORT with the same jittered quantity and a random delay between the legs
//
// Parameters:
//   - snapshot: 当前交易所持仓，用于敞口检查 / Current exchange positions for the exposure check
//
// Returns:
//   - error: ValidationError / TransientError before any fill, PartialExecutionError if only LONG filled,
//     PersistenceError if the ledger write failed after the fills
func (e *Engine) openPair(ctx context.Context, snapshot []models.ExchangePosition) error {
	price, err := e.gateway.GetMarkPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return gatewayError("get mark price", err)
	}

	ok, err := e.risk.CanOpenNewPosition(price, snapshot)
	if err != nil {
		return &ValidationError{Msg: "exposure check", Err: err}
	}
	if !ok {
		return &ValidationError{Msg: fmt.Sprintf("exposure cap reached for %s", e.cfg.Symbol)}
	}

	size, err := e.risk.SizePosition(price)
	if err != nil {
		return &ValidationError{Msg: "position size", Err: err}
	}
	qty := e.risk.JitterQuantity(size, e.rand)
	if qty <= 0 {
		return &ValidationError{Msg: fmt.Sprintf("quantity rounds to zero at price %.4f", price)}
	}
	e.logger.Info("Opening pair: %.8f %s @ ~%.4f each side", qty, e.cfg.Symbol, price)

	long, err := e.gateway.PlaceMarketOrder(ctx, models.OrderRequest{
		Symbol:       e.cfg.Symbol,
		Side:         models.PositionSideLong.OpenOrderSide(),
		PositionSide: models.PositionSideLong,
		Quantity:     qty,
	})
	if err != nil {
		return gatewayError("open LONG", err)
	}
	longAt := e.clock.Now()
	e.logger.Info("LONG filled: %.8f @ %.4f", long.ExecutedQty, long.AvgPrice)

	e.clock.Sleep(e.delay(e.cfg.LegDelayMin, e.cfg.LegDelayMax))

	short, shortErr := e.gateway.PlaceMarketOrder(ctx, models.OrderRequest{
		Symbol:       e.cfg.Symbol,
		Side:         models.PositionSideShort.OpenOrderSide(),
		PositionSide: models.PositionSideShort,
		Quantity:     qty,
	})
	if shortErr != nil {
		e.logger.Error("SHORT leg failed after LONG filled: %v", shortErr)
		fills := map[models.PositionSide]*models.OrderResult{models.PositionSideLong: long}
		partial := &PartialExecutionError{
			Symbol: e.cfg.Symbol,
			Filled: models.PositionSideLong,
			Failed: models.PositionSideShort,
			Err:    shortErr,
		}
		if err := e.recordOpen(ctx, fills, map[models.PositionSide]time.Time{models.PositionSideLong: longAt}, qty); err != nil {
			return errors.Join(partial, err)
		}
		return partial
	}
	shortAt := e.clock.Now()
	e.logger.Info("SHORT filled: %.8f @ %.4f", short.ExecutedQty, short.AvgPrice)

	fills := map[models.PositionSide]*models.OrderResult{
		models.PositionSideLong:  long,
		models.PositionSideShort: short,
	}
	times := map[models.PositionSide]time.Time{
		models.PositionSideLong:  longAt,
		models.PositionSideShort: shortAt,
	}
	if err := e.recordOpen(ctx, fills, times, qty); err != nil {
		return err
	}
	e.logger.Info("Delta-neutral pair opened")
	return nil
}

// recordOpen 记录开仓成交 / Persist opening fills in one transaction and mark the view
// 即使账本写入失败，视图也会标记，因为交易所已成交
// The view is marked even when the ledger write fails, since the exchange has filled
func (e *Engine) recordOpen(ctx context.Context, fills map[models.PositionSide]*models.OrderResult, times map[models.PositionSide]time.Time, requested float64) error {
	type leg struct {
		side  models.PositionSide
		at    time.Time
		price float64
		qty   float64
		fill  *models.OrderResult
	}

	var legs []leg
	for _, side := range models.PositionSides {
		fill, ok := fills[side]
		if !ok {
			continue
		}
		qty := fill.ExecutedQty
		if qty <= 0 {
			qty = requested
		}
		legs = append(legs, leg{side: side, at: times[side], price: fill.AvgPrice, qty: qty, fill: fill})
	}

	for _, l := range legs {
		e.tracker.MarkOpened(l.side, l.at, l.price, l.qty)
		e.observeFill(l.side, l.fill)
	}

	err := e.store.InTx(ctx, func(ledger storage.Ledger) error {
		for _, l := range legs {
			if err := ledger.RecordTrade(ctx, models.NewTradeFromFill(e.cfg.Symbol, l.side, l.fill, l.at)); err != nil {
				return err
			}
			position := models.NewPosition(e.cfg.Symbol, l.side, l.price, l.qty, e.cfg.Leverage, l.at)
			if err := ledger.UpsertPosition(ctx, position); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "record open", Err: err}
	}
	return nil
}

// rotate 轮换 / Close LONG then SHORT, wait, then reopen
// 非原子操作：中途失败将在下个周期从FLAT重新开仓
// Not atomic: a failure midway leaves the engine flat and the next cycle reopens
func (e *Engine) rotate(ctx context.Context) error {
	for _, side := range models.PositionSides {
		fill, err := e.gateway.ClosePosition(ctx, e.cfg.Symbol, side)
		if err != nil {
			return gatewayError(fmt.Sprintf("close %s", side), err)
		}
		if fill.IsEmpty() {
			if err := e.closeVanished(ctx, side); err != nil {
				return err
			}
			continue
		}
		e.logger.Info("%s closed: %.8f @ %.4f, PnL %.4f", side, fill.ExecutedQty, fill.AvgPrice, fill.RealizedPnL)
		e.tracker.MarkClosed(side)
		e.observeFill(side, fill)
		if err := e.persistClose(ctx, side, fill); err != nil {
			return err
		}
	}

	delay := e.delay(e.cfg.RotationDelayMin, e.cfg.RotationDelayMax)
	e.logger.Info("Waiting %.1fs before reopening", delay.Seconds())
	e.clock.Sleep(delay)

	snapshot, err := e.gateway.GetPositions(ctx, e.cfg.Symbol)
	if err != nil {
		return gatewayError("get positions", err)
	}
	return e.openPair(ctx, snapshot)
}

// persistClose 记录平仓 / Persist a closing fill and archive the ledger position
func (e *Engine) persistClose(ctx context.Context, side models.PositionSide, fill *models.OrderResult) error {
	now := e.clock.Now()
	err := e.store.InTx(ctx, func(ledger storage.Ledger) error {
		if err := ledger.RecordTrade(ctx, models.NewTradeFromFill(e.cfg.Symbol, side, fill, now)); err != nil {
			return err
		}
		position, err := ledger.ActivePosition(ctx, e.cfg.Symbol, side)
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("No active %s position in ledger to close", side)
			return nil
		}
		if err != nil {
			return err
		}
		exit := fill.AvgPrice
		if err := position.Close(&exit, fill.RealizedPnL, now); err != nil {
			return err
		}
		return ledger.UpsertPosition(ctx, position)
	})
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("record close %s", side), Err: err}
	}
	return nil
}

// closeVanished 平仓时腿已不存在 / The leg was already flat when the close was sent
// 被强平或外部平仓，账本记录按外部平仓归档
// Liquidated or closed elsewhere between the snapshot and the close; the ledger position is archived
func (e *Engine) closeVanished(ctx context.Context, side models.PositionSide) error {
	e.logger.Warn("%s leg already flat on the exchange, archiving ledger position", side)
	e.tracker.MarkClosed(side)
	return e.archiveExternal(ctx, []models.PositionSide{side}, e.clock.Now())
}

// archiveExternal 归档外部平仓 / Archive ledger positions closed outside the engine
// 出场价未知 / Exit price is unknown
func (e *Engine) archiveExternal(ctx context.Context, sides []models.PositionSide, now time.Time) error {
	if len(sides) == 0 {
		return nil
	}
	err := e.store.InTx(ctx, func(ledger storage.Ledger) error {
		for _, side := range sides {
			position, err := ledger.ActivePosition(ctx, e.cfg.Symbol, side)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := position.Close(nil, 0, now); err != nil {
				return err
			}
			if err := ledger.UpsertPosition(ctx, position); err != nil {
				return err
			}
			e.logger.Info("Archived %s position closed externally after %d minutes", side, position.HoldTimeMinutes)
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "archive external close", Err: err}
	}
	return nil
}

// delay 随机等待时长 / Uniform random duration in [min, max]
func (e *Engine) delay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(e.rand.Float64()*float64(hi-lo))
}

func (e *Engine) logHold(now time.Time) {
	view := e.tracker.View()
	for _, side := range models.PositionSides {
		leg := view.Leg(side)
		if !leg.Active {
			continue
		}
		e.logger.Info("Holding %s: %.1f/%.0f min", side, leg.HoldTime(now).Minutes(), e.cfg.MinHold.Minutes())
	}
}

// logDailyStats 日统计 / Refresh and log today's rollup
// 统计失败只记录警告 / Stats are derived, so a failure is only logged
func (e *Engine) logDailyStats(ctx context.Context) {
	stats, err := e.store.RefreshDailyStats(ctx, e.clock.Now())
	if err != nil {
		e.logger.Warn("Failed to refresh daily stats: %v", err)
		return
	}
	progress := 0.0
	if e.cfg.DailyVolumeTarget > 0 {
		progress = stats.TotalVolume / e.cfg.DailyVolumeTarget * 100
	}
	e.logger.Info("Today's Stats: Volume=$%.2f | PnL=$%.2f | Fees=$%.2f | Target %.1f%%",
		stats.TotalVolume, stats.RealizedPnL, stats.FeesPaid, progress)
}

func (e *Engine) observeFill(side models.PositionSide, fill *models.OrderResult) {
	if e.metrics == nil || fill == nil {
		return
	}
	e.metrics.ObserveFill(e.cfg.Symbol, side, fill.ExecutedQty*fill.AvgPrice, fill.Commission)
}

func (e *Engine) alert(ctx context.Context, title, message string) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Alert(ctx, title, message); err != nil {
		e.logger.Warn("Failed to send alert: %v", err)
	}
}
