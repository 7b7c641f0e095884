package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

// Exchange 交易所健康与余额 / Exchange calls used by the monitor
type Exchange interface {
	HealthCheck(ctx context.Context) error
	GetAccountBalance(ctx context.Context, asset string) (*models.AccountBalance, error)
}

// BalanceStore 余额存储 / Ledger calls used by the monitor
type BalanceStore interface {
	HealthCheck(ctx context.Context) error
	InsertAccountBalance(ctx context.Context, balance *models.AccountBalance) error
}

// Monitor 监控服务 / Monitoring service
type Monitor struct {
	exchange Exchange
	storage  BalanceStore
	metrics  *Metrics
	logger   *logger.Logger
	interval time.Duration
	asset    string

	mu           sync.RWMutex
	lastSuccess  time.Time
	lastBalance  *models.AccountBalance
	errorCount   int64
	successCount int64
}

// New 创建新的监控服务 / Create new monitoring service
// 初始化监控服务，配置交易所客户端、存储层、指标和轮询间隔
// Initialize monitoring service with exchange client, storage layer, metrics, and polling interval
//
// Parameters:
//   - exchange: Exchange client for health checks and balance snapshots
//   - storage: Ledger for persisting balance snapshots
//   - metrics: Prometheus metrics, may be nil
//   - logger: Logger instance for logging operations
//   - interval: Balance snapshot interval (e.g., 5 minutes)
//
// Returns:
//   - *Monitor: 已配置的监控服务实例 / Configured monitoring service instance ready to start
func New(exchange Exchange, storage BalanceStore, metrics *Metrics, logger *logger.Logger, interval time.Duration) *Monitor {
	return &Monitor{
		exchange: exchange,
		storage:  storage,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
		asset:    "USDT",
	}
}

// HealthCheck 健康检查 / Perform health check
// 验证交易所API与数据库连接 / Verify exchange API and database connectivity
func (m *Monitor) HealthCheck(ctx context.Context) error {
	if err := m.exchange.HealthCheck(ctx); err != nil {
		return fmt.Errorf("exchange API health check failed: %w", err)
	}
	if err := m.storage.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// CheckCapital 启动时资金检查 / Startup balance check
// 可用余额低于配置资金时只发出警告 / Warns when available balance is below the configured capital
//
// Parameters:
//   - capital: 配置的资金 / Configured capital in USDT
//
// Returns:
//   - *models.AccountBalance: 当前余额 / Current balance
//   - error: 健康检查或余额查询失败 / Health check or balance query failure
func (m *Monitor) CheckCapital(ctx context.Context, capital float64) (*models.AccountBalance, error) {
	m.logger.Info("Performing health check...")
	if err := m.HealthCheck(ctx); err != nil {
		return nil, err
	}

	balance, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Health check passed: %s balance %.2f (available %.2f)", balance.Asset, balance.Balance, balance.Available)
	if balance.Available < capital {
		m.logger.Warn("Available balance %.2f is below configured capital %.2f", balance.Available, capital)
	}
	return balance, nil
}

// Run 运行余额快照循环 / Take balance snapshots until ctx is cancelled
// 单次失败只记录，不停止服务 / A failed snapshot is logged and does not stop the loop
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("Starting monitoring service with interval: %v", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.snapshot(ctx); err != nil {
				m.mu.Lock()
				m.errorCount++
				count := m.errorCount
				m.mu.Unlock()
				m.logger.Error("Balance snapshot failed (error count: %d): %v", count, err)
			}
		case <-ctx.Done():
			m.logger.Info("Monitoring service stopped")
			return nil
		}
	}
}

// snapshot 获取并存储余额 / Fetch the balance, store it and update the gauges
func (m *Monitor) snapshot(ctx context.Context) (*models.AccountBalance, error) {
	balance, err := m.exchange.GetAccountBalance(ctx, m.asset)
	if err != nil {
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}
	if balance.Timestamp.IsZero() {
		balance.Timestamp = time.Now().UTC()
	}

	if err := m.storage.InsertAccountBalance(ctx, balance); err != nil {
		return nil, fmt.Errorf("failed to store account balance: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SetBalance(balance)
	}

	m.mu.Lock()
	m.successCount++
	m.lastSuccess = time.Now()
	m.lastBalance = balance
	m.mu.Unlock()

	m.logger.Debug("Stored balance for %s: %.8f", balance.Asset, balance.Balance)
	return balance, nil
}

// Snapshot 监控统计 / Monitoring counters for the status endpoint
type Snapshot struct {
	LastSuccess  time.Time              `json:"last_success"`
	LastBalance  *models.AccountBalance `json:"last_balance,omitempty"`
	ErrorCount   int64                  `json:"error_count"`
	SuccessCount int64                  `json:"success_count"`
}

// Stats 获取监控统计 / Get monitoring counters
func (m *Monitor) Stats() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		LastSuccess:  m.lastSuccess,
		LastBalance:  m.lastBalance,
		ErrorCount:   m.errorCount,
		SuccessCount: m.successCount,
	}
}
