package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wTHU1Ew/DeltaRotor/internal/strategy"
	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

const namespace = "deltarotor"

// Metrics Prometheus指标 / Prometheus metrics for cycles, fills, risk closes and balance
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	fills         *prometheus.CounterVec
	volume        *prometheus.CounterVec
	fees          *prometheus.CounterVec
	riskCloses    *prometheus.CounterVec
	state         *prometheus.GaugeVec
	balance       *prometheus.GaugeVec
}

// NewMetrics 创建指标并注册到独立的注册表 / Create metrics on a dedicated registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "cycles_total",
			Help:      "Strategy cycles by action and outcome",
		}, []string{"symbol", "action", "outcome"}),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one strategy cycle, including leg and rotation delays",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"symbol"}),
		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "fills_total",
			Help:      "Market order fills by position side",
		}, []string{"symbol", "side"}),
		volume: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "volume_usdt_total",
			Help:      "Filled notional in USDT",
		}, []string{"symbol"}),
		fees: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "fees_usdt_total",
			Help:      "Commission paid in USDT",
		}, []string{"symbol"}),
		riskCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "closes_total",
			Help:      "Legs force-closed by the risk checks",
		}, []string{"symbol", "reason"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "state",
			Help:      "1 for the state reported by the last cycle",
		}, []string{"symbol", "state"}),
		balance: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "account",
			Name:      "balance",
			Help:      "Latest wallet balance snapshot",
		}, []string{"asset", "kind"}),
	}
}

// Gatherer 指标采集器 / Gatherer backing the /metrics endpoint
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveCycle 记录周期结果 / Record a finished cycle
func (m *Metrics) ObserveCycle(symbol string, res strategy.CycleResult, elapsed time.Duration) {
	m.cycles.WithLabelValues(symbol, string(res.Action), res.Outcome.String()).Inc()
	m.cycleDuration.WithLabelValues(symbol).Observe(elapsed.Seconds())

	if res.State == "" {
		return
	}
	for _, s := range []strategy.State{strategy.StateFlat, strategy.StatePaired, strategy.StateReadyToRotate, strategy.StateRiskAlert} {
		v := 0.0
		if s == res.State {
			v = 1
		}
		m.state.WithLabelValues(symbol, string(s)).Set(v)
	}
}

// ObserveFill 记录成交 / Record one fill
func (m *Metrics) ObserveFill(symbol string, side models.PositionSide, notional, commission float64) {
	m.fills.WithLabelValues(symbol, string(side)).Inc()
	if notional > 0 {
		m.volume.WithLabelValues(symbol).Add(notional)
	}
	if commission > 0 {
		m.fees.WithLabelValues(symbol).Add(commission)
	}
}

// ObserveRiskClose 记录风控平仓 / Record a risk close
func (m *Metrics) ObserveRiskClose(symbol string, reason string) {
	m.riskCloses.WithLabelValues(symbol, reason).Inc()
}

// SetBalance 更新余额 / Update the balance gauges
func (m *Metrics) SetBalance(b *models.AccountBalance) {
	m.balance.WithLabelValues(b.Asset, "wallet").Set(b.Balance)
	m.balance.WithLabelValues(b.Asset, "available").Set(b.Available)
	m.balance.WithLabelValues(b.Asset, "unrealized_pnl").Set(b.UnrealizedPnL)
}
