package risk

import (
	"errors"
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

func defaultConfig() Config {
	return Config{
		CapitalUSDT:        1000,
		Leverage:           15,
		MaxPositionSizePct: 1.5,
		StopLossPct:        1.0,
		MaxPnLDriftPct:     0.8,
		JitterPct:          5,
	}
}

func newTestManager(cfg Config) *Manager {
	return New(cfg, logger.NewWriter(io.Discard, logger.DEBUG))
}

// fixedRand 固定随机值 / Randomizer returning a fixed value
type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

func TestSizePosition(t *testing.T) {
	m := newTestManager(defaultConfig())

	tests := []struct {
		name  string
		price float64
		want  float64
	}{
		{"btc at 45000", 45000, 0.005},
		{"half rounds away from zero", 30000, 0.008},
		{"below half rounds down", 46000, 0.005},
		{"eth at 3000", 3000, 0.075},
		{"tiny size rounds to zero", 10_000_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.SizePosition(tt.price)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SizePosition(%v) = %v, want %v", tt.price, got, tt.want)
			}
		})
	}
}

func TestSizePositionInvalidPrice(t *testing.T) {
	m := newTestManager(defaultConfig())

	for _, price := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := m.SizePosition(price); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("SizePosition(%v) error = %v, want ErrInvalidInput", price, err)
		}
	}
}

func TestSizePositionNotionalBound(t *testing.T) {
	cfg := defaultConfig()
	m := newTestManager(cfg)
	maxNotional := cfg.CapitalUSDT * cfg.MaxPositionSizePct / 100 * float64(cfg.Leverage)
	halfStep := 0.0005

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		price := 1 + r.Float64()*100000
		q, err := m.SizePosition(price)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if q*price > maxNotional+halfStep*price+1e-9 {
			t.Fatalf("price %v: notional %v exceeds bound %v", price, q*price, maxNotional)
		}
	}
}

func TestSizePositionMonotonic(t *testing.T) {
	base := defaultConfig()
	price := 2000.0

	size := func(cfg Config, p float64) float64 {
		q, err := newTestManager(cfg).SizePosition(p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return q
	}

	prev := 0.0
	for lev := 1; lev <= 50; lev++ {
		cfg := base
		cfg.Leverage = lev
		q := size(cfg, price)
		if q < prev {
			t.Errorf("size decreased with leverage %d: %v < %v", lev, q, prev)
		}
		prev = q
	}

	prev = 0
	for pct := 0.5; pct <= 10; pct += 0.5 {
		cfg := base
		cfg.MaxPositionSizePct = pct
		q := size(cfg, price)
		if q < prev {
			t.Errorf("size decreased with pct %v: %v < %v", pct, q, prev)
		}
		prev = q
	}

	prev = math.Inf(1)
	for p := 100.0; p <= 100000; p *= 1.5 {
		q := size(base, p)
		if q > prev {
			t.Errorf("size increased with price %v: %v > %v", p, q, prev)
		}
		prev = q
	}
}

func TestEvaluate(t *testing.T) {
	m := newTestManager(defaultConfig())

	tests := []struct {
		name   string
		pos    models.ExchangePosition
		close  bool
		reason Reason
	}{
		{
			name:   "stop loss breach",
			pos:    models.ExchangePosition{Side: models.PositionSideLong, EntryPrice: 45000, Amount: 0.1, UnrealizedPnL: -50},
			close:  true,
			reason: ReasonStopLoss,
		},
		{
			name:   "drift breach below stop loss",
			pos:    models.ExchangePosition{Side: models.PositionSideLong, EntryPrice: 45000, Amount: 0.1, UnrealizedPnL: 40},
			close:  true,
			reason: ReasonDrift,
		},
		{
			name:   "short profit counts by magnitude",
			pos:    models.ExchangePosition{Side: models.PositionSideShort, EntryPrice: 45000, Amount: -0.1, UnrealizedPnL: 50},
			close:  true,
			reason: ReasonStopLoss,
		},
		{
			name:   "within limits",
			pos:    models.ExchangePosition{Side: models.PositionSideLong, EntryPrice: 45000, Amount: 0.1, UnrealizedPnL: -10},
			close:  false,
			reason: ReasonNone,
		},
		{
			name:   "zero entry price is no signal",
			pos:    models.ExchangePosition{Side: models.PositionSideLong, EntryPrice: 0, Amount: 0.1, UnrealizedPnL: -5000},
			close:  false,
			reason: ReasonNone,
		},
		{
			name:   "zero amount is no signal",
			pos:    models.ExchangePosition{Side: models.PositionSideLong, EntryPrice: 45000, Amount: 0, UnrealizedPnL: -5000},
			close:  false,
			reason: ReasonNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := m.Evaluate(tt.pos)
			if d.Close != tt.close || d.Reason != tt.reason {
				t.Errorf("Evaluate() = %+v, want close=%v reason=%s", d, tt.close, tt.reason)
			}
			if m.ShouldClosePosition(tt.pos) != tt.close {
				t.Errorf("ShouldClosePosition() disagrees with Evaluate()")
			}
		})
	}
}

func TestEvaluatePnLPct(t *testing.T) {
	m := newTestManager(defaultConfig())

	d := m.Evaluate(models.ExchangePosition{EntryPrice: 45000, Amount: 0.1, UnrealizedPnL: -50})
	if math.Abs(d.PnLPct-(-1.1111)) > 1e-3 {
		t.Errorf("pnl pct = %v, want about -1.11", d.PnLPct)
	}
}

func TestEvaluateBoundary(t *testing.T) {
	cfg := defaultConfig()
	cfg.StopLossPct = 1.0
	cfg.MaxPnLDriftPct = 2.0
	m := newTestManager(cfg)

	atThreshold := models.ExchangePosition{EntryPrice: 100, Amount: 1, UnrealizedPnL: -1}
	if m.ShouldClosePosition(atThreshold) {
		t.Error("exactly at threshold should not close")
	}

	above := models.ExchangePosition{EntryPrice: 100, Amount: 1, UnrealizedPnL: -1.01}
	if !m.ShouldClosePosition(above) {
		t.Error("above threshold should close")
	}
}

func TestEvaluateUsesLowerThreshold(t *testing.T) {
	cfg := defaultConfig()
	m := newTestManager(cfg)

	// |pnl| = 0.9%: above drift 0.8, below stop 1.0
	pos := models.ExchangePosition{EntryPrice: 100, Amount: 10, UnrealizedPnL: -9}
	if d := m.Evaluate(pos); !d.Close || d.Reason != ReasonDrift {
		t.Errorf("Evaluate() = %+v, want drift close", d)
	}

	// |pnl| = 0.5%: below both
	pos.UnrealizedPnL = -5
	if m.ShouldClosePosition(pos) {
		t.Error("0.5% should not close")
	}
}

func TestCurrentExposure(t *testing.T) {
	m := newTestManager(defaultConfig())

	positions := []models.ExchangePosition{
		{Side: models.PositionSideLong, Amount: 0.005, EntryPrice: 45000},
		{Side: models.PositionSideShort, Amount: -0.005, EntryPrice: 45010},
		{Side: models.PositionSideLong, Amount: 0, EntryPrice: 99999},
	}

	got := m.CurrentExposure(positions)
	want := 0.005*45000 + 0.005*45010
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("exposure = %v, want %v", got, want)
	}
	if m.CurrentExposure(nil) != 0 {
		t.Error("empty exposure should be 0")
	}
}

func TestCanOpenNewPosition(t *testing.T) {
	m := newTestManager(defaultConfig())
	// cap = 1000 × 15 × 0.5 = 7500; new notional at 45000 = 225

	tests := []struct {
		name      string
		positions []models.ExchangePosition
		want      bool
	}{
		{"flat", nil, true},
		{"room left", []models.ExchangePosition{{Amount: 0.1, EntryPrice: 45000}}, true},
		{"just under cap", []models.ExchangePosition{{Amount: 1, EntryPrice: 7200}}, true},
		{"over cap", []models.ExchangePosition{{Amount: -0.2, EntryPrice: 45000}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := m.CanOpenNewPosition(45000, tt.positions)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.want {
				t.Errorf("CanOpenNewPosition() = %v, want %v", ok, tt.want)
			}
		})
	}

	if _, err := m.CanOpenNewPosition(0, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestJitterQuantity(t *testing.T) {
	m := newTestManager(defaultConfig())

	tests := []struct {
		name string
		r    float64
		qty  float64
		want float64
	}{
		{"lower bound", 0, 0.1, 0.095},
		{"midpoint", 0.5, 0.1, 0.1},
		{"upper edge", 0.999999, 0.1, 0.105},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.JitterQuantity(tt.qty, fixedRand(tt.r)); got != tt.want {
				t.Errorf("JitterQuantity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJitterQuantityStaysInBand(t *testing.T) {
	m := newTestManager(defaultConfig())
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		got := m.JitterQuantity(1.0, r)
		if got < 0.95 || got > 1.05 {
			t.Fatalf("jittered quantity %v outside [0.95, 1.05]", got)
		}
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	m := newTestManager(Config{CapitalUSDT: 1000, Leverage: 15, MaxPositionSizePct: 1.5})
	cfg := m.Config()

	if cfg.QuantityPrecision != DefaultQuantityPrecision {
		t.Errorf("precision = %d", cfg.QuantityPrecision)
	}
	if cfg.ExposureSafetyFactor != DefaultExposureSafetyFactor {
		t.Errorf("safety factor = %v", cfg.ExposureSafetyFactor)
	}
}
