package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/internal/risk"
	"github.com/wTHU1Ew/DeltaRotor/internal/storage"
	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

const testSymbol = "BTCUSDT"

// fakeGateway 模拟交易所 / In-memory exchange in hedge mode
type fakeGateway struct {
	mu           sync.Mutex
	price        float64
	positions    map[models.PositionSide]*models.ExchangePosition
	orders       []models.OrderRequest
	closes       []models.PositionSide
	orderErr     map[models.PositionSide]error
	positionsErr error
	closeErr     error
	vanish       map[models.PositionSide]bool
	leverageErr  error
	hedgeCalls   int
	leverage     int
	nextID       int
}

func newFakeGateway(price float64) *fakeGateway {
	return &fakeGateway{
		price:     price,
		positions: make(map[models.PositionSide]*models.ExchangePosition),
		orderErr:  make(map[models.PositionSide]error),
		vanish:    make(map[models.PositionSide]bool),
	}
}

func (g *fakeGateway) GetPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.positionsErr != nil {
		return nil, g.positionsErr
	}
	var out []models.ExchangePosition
	for _, side := range models.PositionSides {
		if p, ok := g.positions[side]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (g *fakeGateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return g.price, nil
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders = append(g.orders, req)
	if err := g.orderErr[req.PositionSide]; err != nil {
		return nil, err
	}

	amount := req.Quantity
	if req.PositionSide == models.PositionSideShort {
		amount = -amount
	}
	g.positions[req.PositionSide] = &models.ExchangePosition{
		Symbol:     req.Symbol,
		Side:       req.PositionSide,
		Amount:     amount,
		EntryPrice: g.price,
		MarkPrice:  g.price,
	}
	return g.fill(req.Side, req.PositionSide, req.Quantity, 0), nil
}

func (g *fakeGateway) ClosePosition(ctx context.Context, symbol string, side models.PositionSide) (*models.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes = append(g.closes, side)
	if g.closeErr != nil {
		return nil, g.closeErr
	}
	p, ok := g.positions[side]
	if ok && g.vanish[side] {
		// liquidated between the snapshot and the close
		p.Amount = 0
		p.UnrealizedPnL = 0
	}
	if !ok || p.Amount == 0 {
		return &models.OrderResult{}, nil
	}
	qty := p.Amount
	if qty < 0 {
		qty = -qty
	}
	pnl := p.UnrealizedPnL
	p.Amount = 0
	p.UnrealizedPnL = 0
	return g.fill(side.CloseOrderSide(), side, qty, pnl), nil
}

func (g *fakeGateway) fill(side models.OrderSide, positionSide models.PositionSide, qty, pnl float64) *models.OrderResult {
	g.nextID++
	return &models.OrderResult{
		OrderID:      fmt.Sprintf("order-%d", g.nextID),
		Symbol:       testSymbol,
		Side:         side,
		PositionSide: positionSide,
		ExecutedQty:  qty,
		AvgPrice:     g.price,
		Commission:   qty * g.price * 0.0004,
		RealizedPnL:  pnl,
	}
}

func (g *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if g.leverageErr != nil {
		return g.leverageErr
	}
	g.leverage = leverage
	return nil
}

func (g *fakeGateway) SetHedgeMode(ctx context.Context) error {
	g.hedgeCalls++
	return nil
}

func (g *fakeGateway) GetAccountBalance(ctx context.Context, asset string) (*models.AccountBalance, error) {
	return &models.AccountBalance{Asset: asset, Balance: 1000, Available: 1000}, nil
}

func (g *fakeGateway) setPosition(side models.PositionSide, mutate func(p *models.ExchangePosition)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[side]
	if !ok {
		p = &models.ExchangePosition{Symbol: testSymbol, Side: side}
		g.positions[side] = p
	}
	mutate(p)
}

// fakeClock 手动推进的时钟 / Manually advanced clock; Sleep advances it
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

// sequenceRand 按顺序返回值，用尽后重复最后一个 / Returns vals in order, then repeats the last one
type sequenceRand struct {
	vals []float64
	i    int
}

func (r *sequenceRand) Float64() float64 {
	v := r.vals[len(r.vals)-1]
	if r.i < len(r.vals) {
		v = r.vals[r.i]
	}
	r.i++
	return v
}

type recordingAlerter struct {
	titles []string
}

func (a *recordingAlerter) Alert(ctx context.Context, title, message string) error {
	a.titles = append(a.titles, title)
	return nil
}

type recordingMetrics struct {
	fills      int
	riskCloses []string
}

func (m *recordingMetrics) ObserveFill(symbol string, side models.PositionSide, notional, commission float64) {
	m.fills++
}

func (m *recordingMetrics) ObserveRiskClose(symbol string, reason string) {
	m.riskCloses = append(m.riskCloses, reason)
}

// failingStore 事务总是失败 / Store whose transactions always fail
type failingStore struct {
	Store
	err error
}

func (s *failingStore) InTx(ctx context.Context, fn func(storage.Ledger) error) error {
	return s.err
}

// temporaryErr 临时错误 / Error reporting Temporary() == true
type temporaryErr struct{}

func (temporaryErr) Error() string   { return "service unavailable" }
func (temporaryErr) Temporary() bool { return true }

type harness struct {
	engine  *Engine
	gateway *fakeGateway
	store   *storage.Storage
	clock   *fakeClock
	alerts  *recordingAlerter
	metrics *recordingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"), false, 1, 1)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return newHarnessWithStore(t, store, store)
}

func newHarnessWithStore(t *testing.T, ledger *storage.Storage, store Store) *harness {
	t.Helper()

	log := logger.NewWriter(io.Discard, logger.DEBUG)
	rm := risk.New(risk.Config{
		CapitalUSDT:        1000,
		Leverage:           15,
		MaxPositionSizePct: 1.5,
		StopLossPct:        1.0,
		MaxPnLDriftPct:     0.8,
		JitterPct:          5,
	}, log)

	h := &harness{
		gateway: newFakeGateway(45000),
		store:   ledger,
		clock:   &fakeClock{now: time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)},
		alerts:  &recordingAlerter{},
		metrics: &recordingMetrics{},
	}
	h.engine = New(Config{
		Symbol:            testSymbol,
		Leverage:          15,
		MinHold:           90 * time.Minute,
		DailyVolumeTarget: 15000,
		LegDelayMin:       2 * time.Second,
		LegDelayMax:       5 * time.Second,
		RotationDelayMin:  5 * time.Second,
		RotationDelayMax:  10 * time.Second,
	}, h.gateway, store, rm, log,
		WithClock(h.clock),
		WithRandomizer(fixedRand(0.5)),
		WithAlerter(h.alerts),
		WithMetrics(h.metrics),
	)
	return h
}

func (h *harness) openPair(t *testing.T) {
	t.Helper()
	res := h.engine.RunCycle(context.Background())
	if res.Err != nil || res.Action != ActionOpen {
		t.Fatalf("opening cycle = %+v", res)
	}
}

func TestRunCycleOpensPairWhenFlat(t *testing.T) {
	h := newHarness(t)
	start := h.clock.now

	res := h.engine.RunCycle(context.Background())

	if res.Action != ActionOpen || res.State != StateFlat || res.Outcome != OutcomeSuccess {
		t.Fatalf("result = %+v, want open from FLAT with success", res)
	}
	if len(h.gateway.orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(h.gateway.orders))
	}

	long, short := h.gateway.orders[0], h.gateway.orders[1]
	if long.PositionSide != models.PositionSideLong || long.Side != models.OrderSideBuy {
		t.Errorf("first order = %+v, want BUY/LONG", long)
	}
	if short.PositionSide != models.PositionSideShort || short.Side != models.OrderSideSell {
		t.Errorf("second order = %+v, want SELL/SHORT", short)
	}
	if long.Quantity != short.Quantity {
		t.Errorf("legs differ: LONG %v, SHORT %v", long.Quantity, short.Quantity)
	}
	if long.Quantity != 0.005 {
		t.Errorf("quantity = %v, want 0.005", long.Quantity)
	}

	if len(h.clock.sleeps) != 1 || h.clock.sleeps[0] < 2*time.Second || h.clock.sleeps[0] > 5*time.Second {
		t.Errorf("leg delay = %v, want one delay within [2s, 5s]", h.clock.sleeps)
	}

	view := h.engine.View()
	if !view.Long.Active || !view.Short.Active {
		t.Fatalf("view = %+v, want both legs active", view)
	}
	if !view.Long.OpenedAt.Equal(start) {
		t.Errorf("LONG opened at %v, want %v", view.Long.OpenedAt, start)
	}
	if view.Long.EntryPrice != 45000 {
		t.Errorf("LONG entry = %v", view.Long.EntryPrice)
	}

	active, err := h.store.ActivePositions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("ActivePositions failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active ledger positions, got %d", len(active))
	}

	trades, err := h.store.TradesSince(context.Background(), testSymbol, start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("TradesSince failed: %v", err)
	}
	if len(trades) != 2 {
		t.Errorf("expected 2 trades, got %d", len(trades))
	}
	if h.metrics.fills != 2 {
		t.Errorf("observed fills = %d, want 2", h.metrics.fills)
	}
}

func TestRunCycleHoldsBeforeMinHold(t *testing.T) {
	h := newHarness(t)
	h.openPair(t)

	h.clock.now = h.engine.View().Short.OpenedAt.Add(89 * time.Minute)
	res := h.engine.RunCycle(context.Background())

	if res.Action != ActionHold || res.State != StatePaired || res.Err != nil {
		t.Fatalf("result = %+v, want hold in PAIRED", res)
	}
	if len(h.gateway.orders) != 2 || len(h.gateway.closes) != 0 {
		t.Errorf("no orders expected while holding: orders=%d closes=%d", len(h.gateway.orders), len(h.gateway.closes))
	}
}

func TestRunCycleRotatesAfterMinHold(t *testing.T) {
	h := newHarness(t)
	h.openPair(t)
	firstShort := h.engine.View().Short.OpenedAt

	h.clock.now = firstShort.Add(90 * time.Minute)
	rotateAt := h.clock.now
	res := h.engine.RunCycle(context.Background())

	if res.Action != ActionRotate || res.State != StateReadyToRotate || res.Err != nil {
		t.Fatalf("result = %+v, want rotate from READY_TO_ROTATE", res)
	}
	if len(h.gateway.closes) != 2 || h.gateway.closes[0] != models.PositionSideLong || h.gateway.closes[1] != models.PositionSideShort {
		t.Errorf("closes = %v, want [LONG SHORT]", h.gateway.closes)
	}
	if len(h.gateway.orders) != 4 {
		t.Errorf("expected 4 orders after reopening, got %d", len(h.gateway.orders))
	}

	// leg delay, rotation delay, leg delay
	if len(h.clock.sleeps) != 3 {
		t.Fatalf("sleeps = %v", h.clock.sleeps)
	}
	if d := h.clock.sleeps[1]; d < 5*time.Second || d > 10*time.Second {
		t.Errorf("rotation delay = %v, want within [5s, 10s]", d)
	}

	view := h.engine.View()
	if !view.Long.Active || !view.Short.Active {
		t.Fatalf("view = %+v, want fresh pair", view)
	}
	if !view.Long.OpenedAt.After(rotateAt) {
		t.Errorf("reopened LONG at %v, want after %v", view.Long.OpenedAt, rotateAt)
	}

	active, err := h.store.ActivePositions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("ActivePositions failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active ledger positions after rotation, got %d", len(active))
	}

	trades, err := h.store.TradesSince(context.Background(), testSymbol, time.Time{})
	if err != nil {
		t.Fatalf("TradesSince failed: %v", err)
	}
	if len(trades) != 6 {
		t.Errorf("expected 6 trades (open, close, reopen), got %d", len(trades))
	}
}

func TestRunCycleReconcilesExternalClose(t *testing.T) {
	h := newHarness(t)
	h.openPair(t)

	h.gateway.setPosition(models.PositionSideShort, func(p *models.ExchangePosition) { p.Amount = 0 })
	h.clock.now = h.clock.now.Add(30 * time.Minute)

	res := h.engine.RunCycle(context.Background())
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Action != ActionHold || res.State != StatePaired {
		t.Errorf("result = %+v, want hold with the LONG leg still young", res)
	}

	view := h.engine.View()
	if view.Short.Active {
		t.Error("SHORT leg should be deactivated")
	}
	if !view.Long.Active {
		t.Error("LONG leg should stay active")
	}

	active, err := h.store.ActivePositions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("ActivePositions failed: %v", err)
	}
	if len(active) != 1 || active[0].Side != models.PositionSideLong {
		t.Errorf("active ledger positions = %v, want LONG only", active)
	}
	if len(h.gateway.closes) != 0 {
		t.Errorf("no close orders expected, got %v", h.gateway.closes)
	}
}

func TestRunCycleReconcileAbsentSide(t *testing.T) {
	h := newHarness(t)
	h.openPair(t)

	h.gateway.mu.Lock()
	delete(h.gateway.positions, models.PositionSideLong)
	h.gateway.mu.Unlock()

	res := h.engine.RunCycle(context.Background())
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if h.engine.View().Long.Active {
		t.Error("LONG absent from the snapshot should be deactivated")
	}
}

func TestRunCycleRiskClosePreemptsOpen(t *testing.T) {
	h := newHarness(t)
	h.openPair(t)

	// -3 on a 225 notional is -1.33%, beyond the 1% stop loss
	h.gateway.setPosition(models.PositionSideLong, func(p *models.ExchangePosition) { p.UnrealizedPnL = -3 })

	res := h.engine.RunCycle(context.Background())
	if res.Action != ActionRiskClose || res.State != StateRiskAlert || res.Err != nil {
		t.Fatalf("result = %+v, want risk_close in RISK_ALERT", res)
	}
	if len(h.gateway.closes) != 1 || h.gateway.closes[0] != models.PositionSideLong {
		t.Errorf("closes = %v, want [LONG]", h.gateway.closes)
	}
	if len(h.gateway.orders) != 2 {
		t.Errorf("risk close must not open new legs, orders=%d", len(h.gateway.orders))
	}
	if h.engine.View().Long.Active {
		t.Error("LONG should be deactivated after the risk close")
	}
	if len(h.alerts.titles) != 1 {
		t.Errorf("alerts = %v, want one", h.alerts.titles)
	}
	if len(h.metrics.riskCloses) != 1 || h.metrics.riskCloses[0] != string(risk.ReasonStopLoss) {
		t.Errorf("risk closes = %v", h.metrics.riskCloses)
	}

	active, err := h.store.ActivePositions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("ActivePositions failed: %v", err)
	}
	if len(active) != 1 || active[0].Side != models.PositionSideShort {
		t.Errorf("active ledger positions = %v, want SHORT only", active)
	}
}

func TestRunCycleRiskClosePreemptsRotation(t *testing.T) {
	h := newHarness(t)
	h.openPair(t)

	h.clock.now = h.engine.View().Short.OpenedAt.Add(91 * time.Minute)
	h.gateway.setPosition(models.PositionSideLong, func(p *models.ExchangePosition) { p.UnrealizedPnL = -3 })

	res := h.engine.RunCycle(context.Background())
	if res.Action != ActionRiskClose || res.State != StateRiskAlert || res.Err != nil {
		t.Fatalf("result = %+v, want risk_close past the minimum hold", res)
	}
	if len(h.gateway.closes) != 1 || h.gateway.closes[0] != models.PositionSideLong {
		t.Errorf("closes = %v, want [LONG] without rotation closes", h.gateway.closes)
	}
	if len(h.gateway.orders) != 2 {
		t.Errorf("risk close must not reopen legs, orders=%d", len(h.gateway.orders))
	}
	if len(h.clock.sleeps) != 1 {
		t.Errorf("sleeps = %v, want only the opening leg delay", h.clock.sleeps)
	}
	if !h.engine.View().Short.Active {
		t.Error("SHORT should stay active")
	}
}

func TestRunCycleCloseOfVanishedLegArchivesPosition(t *testing.T) {
	tests := []struct {
		name       string
		side       models.PositionSide
		setup      func(h *harness)
		wantAction Action
	}{
		{
			name: "risk close",
			side: models.PositionSideLong,
			setup: func(h *harness) {
				h.gateway.setPosition(models.PositionSideLong, func(p *models.ExchangePosition) { p.UnrealizedPnL = -3 })
			},
			wantAction: ActionRiskClose,
		},
		{
			name: "rotation",
			side: models.PositionSideShort,
			setup: func(h *harness) {
				h.clock.now = h.engine.View().Short.OpenedAt.Add(90 * time.Minute)
			},
			wantAction: ActionRotate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.openPair(t)

			h.gateway.vanish[tt.side] = true
			tt.setup(h)

			res := h.engine.RunCycle(ctx)
			if res.Err != nil || res.Action != tt.wantAction {
				t.Fatalf("result = %+v, want %s without error", res, tt.wantAction)
			}

			// one more cycle past the minimum hold reopens the pair
			h.gateway.vanish[tt.side] = false
			h.clock.now = h.clock.now.Add(91 * time.Minute)
			if res := h.engine.RunCycle(ctx); res.Err != nil {
				t.Fatalf("follow-up cycle failed: %v", res.Err)
			}

			active, err := h.store.ActivePositions(ctx, testSymbol)
			if err != nil {
				t.Fatalf("ActivePositions failed: %v", err)
			}
			perSide := make(map[models.PositionSide]int)
			for _, p := range active {
				perSide[p.Side]++
			}
			for _, side := range models.PositionSides {
				if perSide[side] > 1 {
					t.Errorf("%d active %s positions, want at most one", perSide[side], side)
				}
			}

			view := h.engine.View()
			for _, side := range models.PositionSides {
				if view.Leg(side).Active != (perSide[side] == 1) {
					t.Errorf("%s: view active = %v, ledger active = %d", side, view.Leg(side).Active, perSide[side])
				}
			}
		})
	}
}

func TestRunCycleJitterDrawnOncePerPair(t *testing.T) {
	h := newHarness(t)
	h.gateway.price = 3000
	// jitter draw, then leg delay draw, then any further draw
	h.engine.rand = &sequenceRand{vals: []float64{0.1, 0.9}}

	res := h.engine.RunCycle(context.Background())
	if res.Err != nil || res.Action != ActionOpen {
		t.Fatalf("result = %+v, want open", res)
	}
	if len(h.gateway.orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(h.gateway.orders))
	}

	long, short := h.gateway.orders[0], h.gateway.orders[1]
	if long.Quantity != short.Quantity {
		t.Errorf("legs differ: LONG %v, SHORT %v", long.Quantity, short.Quantity)
	}
	// 0.075 unjittered, factor 0.96
	if long.Quantity != 0.072 {
		t.Errorf("quantity = %v, want jittered 0.072", long.Quantity)
	}
}

func TestRunCyclePartialExecution(t *testing.T) {
	h := newHarness(t)
	h.gateway.orderErr[models.PositionSideShort] = errors.New("insufficient margin")

	res := h.engine.RunCycle(context.Background())

	if res.Outcome != OutcomeFatal {
		t.Fatalf("outcome = %s, want fatal", res.Outcome)
	}
	var partial *PartialExecutionError
	if !errors.As(res.Err, &partial) {
		t.Fatalf("error = %v, want PartialExecutionError", res.Err)
	}
	if partial.Filled != models.PositionSideLong || partial.Failed != models.PositionSideShort {
		t.Errorf("partial = %+v", partial)
	}

	view := h.engine.View()
	if !view.Long.Active || view.Short.Active {
		t.Errorf("view = %+v, want LONG tracked only", view)
	}

	active, err := h.store.ActivePositions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("ActivePositions failed: %v", err)
	}
	if len(active) != 1 || active[0].Side != models.PositionSideLong {
		t.Errorf("active ledger positions = %v, want LONG only", active)
	}
	if len(h.gateway.closes) != 0 {
		t.Error("no compensating close expected")
	}
}

func TestRunCyclePersistenceFailureIsFatal(t *testing.T) {
	ledger, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"), false, 1, 1)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer ledger.Close()

	h := newHarnessWithStore(t, ledger, &failingStore{Store: ledger, err: errors.New("disk I/O error")})

	res := h.engine.RunCycle(context.Background())

	if res.Outcome != OutcomeFatal {
		t.Fatalf("outcome = %s, want fatal", res.Outcome)
	}
	var persist *PersistenceError
	if !errors.As(res.Err, &persist) {
		t.Fatalf("error = %v, want PersistenceError", res.Err)
	}

	view := h.engine.View()
	if !view.Long.Active || !view.Short.Active {
		t.Errorf("filled legs must stay tracked, view = %+v", view)
	}
}

func TestRunCycleTransientGatewayError(t *testing.T) {
	h := newHarness(t)
	h.gateway.positionsErr = temporaryErr{}

	res := h.engine.RunCycle(context.Background())

	if res.Outcome != OutcomeRetryable || res.Action != ActionNone {
		t.Fatalf("result = %+v, want retryable with no action", res)
	}
	var transient *TransientError
	if !errors.As(res.Err, &transient) {
		t.Errorf("error = %v, want TransientError", res.Err)
	}
}

func TestRunCycleExposureCapRefusesOpen(t *testing.T) {
	h := newHarness(t)
	// untracked exposure of 9000 against a cap of 7500
	h.gateway.setPosition(models.PositionSideLong, func(p *models.ExchangePosition) {
		p.Amount = 0.2
		p.EntryPrice = 45000
	})

	res := h.engine.RunCycle(context.Background())

	var verr *ValidationError
	if !errors.As(res.Err, &verr) {
		t.Fatalf("error = %v, want ValidationError", res.Err)
	}
	if res.Outcome != OutcomeRetryable {
		t.Errorf("outcome = %s, want retryable", res.Outcome)
	}
	if len(h.gateway.orders) != 0 {
		t.Errorf("no orders expected, got %d", len(h.gateway.orders))
	}
}

func TestRunCycleQuantityRoundsToZero(t *testing.T) {
	h := newHarness(t)
	h.gateway.price = 10_000_000

	res := h.engine.RunCycle(context.Background())

	var verr *ValidationError
	if !errors.As(res.Err, &verr) {
		t.Fatalf("error = %v, want ValidationError", res.Err)
	}
	if len(h.gateway.orders) != 0 {
		t.Errorf("no orders expected, got %d", len(h.gateway.orders))
	}
}

func TestPrepare(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if h.gateway.hedgeCalls != 1 || h.gateway.leverage != 15 {
		t.Errorf("hedge calls = %d, leverage = %d", h.gateway.hedgeCalls, h.gateway.leverage)
	}

	h.gateway.leverageErr = errors.New("leverage rejected")
	if err := h.engine.Prepare(context.Background()); err == nil {
		t.Error("expected error when leverage fails")
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	openedAt := h.clock.now.Add(-2 * time.Hour)

	err := h.store.InTx(ctx, func(l storage.Ledger) error {
		for _, side := range models.PositionSides {
			if err := l.UpsertPosition(ctx, models.NewPosition(testSymbol, side, 44000, 0.005, 15, openedAt)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding ledger failed: %v", err)
	}

	h.gateway.setPosition(models.PositionSideLong, func(p *models.ExchangePosition) {
		p.Amount = 0.005
		p.EntryPrice = 44000
	})
	h.gateway.setPosition(models.PositionSideShort, func(p *models.ExchangePosition) { p.Amount = 0 })

	if err := h.engine.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	view := h.engine.View()
	if !view.Long.Active || !view.Long.OpenedAt.Equal(openedAt) {
		t.Errorf("LONG = %+v, want active since %v", view.Long, openedAt)
	}
	if view.Short.Active {
		t.Error("SHORT is flat on the exchange and must not be restored")
	}

	active, err := h.store.ActivePositions(ctx, testSymbol)
	if err != nil {
		t.Fatalf("ActivePositions failed: %v", err)
	}
	if len(active) != 1 || active[0].Side != models.PositionSideLong {
		t.Errorf("active ledger positions = %v, want LONG only", active)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.openPair(t)

	s := h.engine.Status()
	if s.Symbol != testSymbol || s.LastAction != ActionOpen || s.State != StatePaired {
		t.Errorf("status = %+v", s)
	}
	if s.LastError != "" {
		t.Errorf("unexpected last error %q", s.LastError)
	}
}
