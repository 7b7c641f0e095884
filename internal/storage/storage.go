package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wTHU1Ew/DeltaRotor/pkg/models"
)

// ErrNotFound 记录不存在 / No matching row
var ErrNotFound = errors.New("not found")

// timeLayout 固定宽度UTC时间格式，保证字符串比较即时间比较
// Fixed-width UTC layout so that string order equals time order
const timeLayout = "2006-01-02T15:04:05.000Z"

// Storage 数据库存储层 / Database storage layer
type Storage struct {
	db *sql.DB
}

// querier 由 *sql.DB 与 *sql.Tx 共同实现 / Implemented by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Ledger 事务内的账本操作 / Ledger operations available inside a transaction
type Ledger interface {
	RecordTrade(ctx context.Context, trade *models.Trade) error
	UpsertPosition(ctx context.Context, position *models.Position) error
	ActivePosition(ctx context.Context, symbol string, side models.PositionSide) (*models.Position, error)
}

// New 创建新的存储实例 / Create new storage instance
// 初始化SQLite数据库连接，创建表结构，配置连接池
// Initialize SQLite database connection, create table schema, configure connection pool
//
// Parameters:
//   - dbPath: Database file path (e.g., "./data/deltarotor.db"), directory will be created if not exists
//   - walMode: Whether to enable WAL (Write-Ahead Logging) mode
//   - maxOpenConns: Maximum number of open connections
//   - maxIdleConns: Maximum number of idle connections
//
// Returns:
//   - *Storage: 已初始化的存储实例，包含数据库连接和表结构
//     Initialized storage instance with database connection and table schema
//   - error: 数据库创建失败或表结构初始化失败时返回错误
//     Error on database creation failure or schema initialization failure
func New(dbPath string, walMode bool, maxOpenConns, maxIdleConns int) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	if walMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	storage := &Storage{db: db}

	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// NewWithDB 使用已有连接 / Wrap an existing connection without touching the schema
func NewWithDB(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// initSchema 初始化数据库架构 / Initialize database schema
func (s *Storage) initSchema() error {
	tradesSchema := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(4) NOT NULL,
		position_side VARCHAR(5) NOT NULL,
		order_type VARCHAR(10) NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		notional REAL NOT NULL,
		order_id VARCHAR(64) NOT NULL UNIQUE,
		client_order_id VARCHAR(64),
		realized_pnl REAL NOT NULL DEFAULT 0,
		commission REAL NOT NULL DEFAULT 0,
		status VARCHAR(20) NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_timestamp ON trades(symbol, timestamp);
	`

	if _, err := s.db.Exec(tradesSchema); err != nil {
		return fmt.Errorf("failed to create trades table: %w", err)
	}

	positionsSchema := `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol VARCHAR(20) NOT NULL,
		position_side VARCHAR(5) NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL,
		quantity REAL NOT NULL,
		leverage INTEGER NOT NULL,
		notional REAL NOT NULL,
		opened_at TEXT NOT NULL,
		closed_at TEXT,
		hold_time_minutes INTEGER NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_positions_active ON positions(symbol, position_side, is_active);
	`

	if _, err := s.db.Exec(positionsSchema); err != nil {
		return fmt.Errorf("failed to create positions table: %w", err)
	}

	dailyStatsSchema := `
	CREATE TABLE IF NOT EXISTS daily_stats (
		date TEXT PRIMARY KEY,
		total_volume REAL NOT NULL,
		num_trades INTEGER NOT NULL,
		realized_pnl REAL NOT NULL,
		fees_paid REAL NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	if _, err := s.db.Exec(dailyStatsSchema); err != nil {
		return fmt.Errorf("failed to create daily_stats table: %w", err)
	}

	accountBalancesSchema := `
	CREATE TABLE IF NOT EXISTS account_balances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		asset VARCHAR(10) NOT NULL,
		balance REAL NOT NULL,
		available REAL NOT NULL,
		unrealized_pnl REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_account_balances_timestamp ON account_balances(timestamp);
	`

	if _, err := s.db.Exec(accountBalancesSchema); err != nil {
		return fmt.Errorf("failed to create account_balances table: %w", err)
	}

	return nil
}

// InTx 在事务中执行 / Run fn inside one transaction
// fn返回nil时提交；返回错误或panic时回滚（panic继续向上抛出）；连接总会被释放
// Commits when fn returns nil; rolls back when fn returns an error or panics
// (the panic is re-raised); the connection is always released
//
// Parameters:
//   - fn: 使用事务账本的操作 / Operations against the transaction-scoped ledger
//
// Returns:
//   - error: fn的错误、开启或提交事务失败 / fn's error, or a begin / commit failure
func (s *Storage) InTx(ctx context.Context, fn func(Ledger) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&ledger{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ledger Ledger的实现 / Ledger implementation over a querier
type ledger struct {
	q querier
}

// RecordTrade 插入成交记录 / Insert trade record
// 成功时会将生成的ID回写到trade.ID字段 / On success, generated ID is written back to trade.ID
func (l *ledger) RecordTrade(ctx context.Context, trade *models.Trade) error {
	if err := trade.Validate(); err != nil {
		return fmt.Errorf("invalid trade: %w", err)
	}

	query := `
		INSERT INTO trades (timestamp, symbol, side, position_side, order_type, quantity, price, notional,
			order_id, client_order_id, realized_pnl, commission, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := l.q.ExecContext(ctx, query,
		formatTime(trade.Timestamp),
		trade.Symbol,
		string(trade.Side),
		string(trade.PositionSide),
		string(trade.OrderType),
		trade.Quantity,
		trade.Price,
		trade.Notional,
		trade.OrderID,
		trade.ClientOrderID,
		trade.RealizedPnL,
		trade.Commission,
		string(trade.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	trade.ID = id
	return nil
}

// UpsertPosition 插入或更新持仓记录 / Insert a new position or update an existing one
// ID为0时插入并回写ID，否则按ID更新 / Inserts when ID is 0 (writing the ID back), otherwise updates by ID
func (l *ledger) UpsertPosition(ctx context.Context, position *models.Position) error {
	if err := position.Validate(); err != nil {
		return fmt.Errorf("invalid position: %w", err)
	}

	var exitPrice sql.NullFloat64
	if position.ExitPrice != nil {
		exitPrice = sql.NullFloat64{Float64: *position.ExitPrice, Valid: true}
	}
	var closedAt sql.NullString
	if position.ClosedAt != nil {
		closedAt = sql.NullString{String: formatTime(*position.ClosedAt), Valid: true}
	}

	if position.ID == 0 {
		query := `
			INSERT INTO positions (symbol, position_side, entry_price, exit_price, quantity, leverage, notional,
				opened_at, closed_at, hold_time_minutes, realized_pnl, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := l.q.ExecContext(ctx, query,
			position.Symbol,
			string(position.Side),
			position.EntryPrice,
			exitPrice,
			position.Quantity,
			position.Leverage,
			position.Notional,
			formatTime(position.OpenedAt),
			closedAt,
			position.HoldTimeMinutes,
			position.RealizedPnL,
			position.IsActive,
		)
		if err != nil {
			return fmt.Errorf("failed to insert position: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		position.ID = id
		return nil
	}

	query := `
		UPDATE positions
		SET exit_price = ?, closed_at = ?, hold_time_minutes = ?, realized_pnl = ?, is_active = ?
		WHERE id = ?
	`
	result, err := l.q.ExecContext(ctx, query,
		exitPrice,
		closedAt,
		position.HoldTimeMinutes,
		position.RealizedPnL,
		position.IsActive,
		position.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update position %d: %w", position.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("position %d: %w", position.ID, ErrNotFound)
	}
	return nil
}

const positionColumns = `id, symbol, position_side, entry_price, exit_price, quantity, leverage, notional,
	opened_at, closed_at, hold_time_minutes, realized_pnl, is_active`

// ActivePosition 查询当前活跃持仓 / Latest active position for symbol and side
// 不存在时返回 ErrNotFound / Returns ErrNotFound when there is none
func (l *ledger) ActivePosition(ctx context.Context, symbol string, side models.PositionSide) (*models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE symbol = ? AND position_side = ? AND is_active = 1
		ORDER BY id DESC
		LIMIT 1
	`

	p, err := scanPosition(l.q.QueryRowContext(ctx, query, symbol, string(side)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active %s %s position: %w", symbol, side, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active position: %w", err)
	}
	return p, nil
}

// rowScanner 由 *sql.Row 与 *sql.Rows 共同实现 / Implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var (
		p         models.Position
		side      string
		exitPrice sql.NullFloat64
		openedAt  string
		closedAt  sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Symbol, &side, &p.EntryPrice, &exitPrice, &p.Quantity, &p.Leverage,
		&p.Notional, &openedAt, &closedAt, &p.HoldTimeMinutes, &p.RealizedPnL, &p.IsActive); err != nil {
		return nil, err
	}

	p.Side = models.PositionSide(side)
	if exitPrice.Valid {
		v := exitPrice.Float64
		p.ExitPrice = &v
	}

	var err error
	if p.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, err
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, err
		}
		p.ClosedAt = &t
	}
	return &p, nil
}

// ActivePosition 查询当前活跃持仓（非事务）/ Active position lookup outside a transaction
func (s *Storage) ActivePosition(ctx context.Context, symbol string, side models.PositionSide) (*models.Position, error) {
	return (&ledger{q: s.db}).ActivePosition(ctx, symbol, side)
}

// ActivePositions 查询交易对的全部活跃持仓 / All active positions of a symbol, oldest first
func (s *Storage) ActivePositions(ctx context.Context, symbol string) ([]models.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE symbol = ? AND is_active = 1
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query active positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return positions, nil
}

// TradesSince 查询某时间之后的成交 / Trades at or after since, oldest first
// symbol为空时返回所有交易对 / An empty symbol returns every symbol
func (s *Storage) TradesSince(ctx context.Context, symbol string, since time.Time) ([]models.Trade, error) {
	query := `
		SELECT id, timestamp, symbol, side, position_side, order_type, quantity, price, notional,
			order_id, client_order_id, realized_pnl, commission, status
		FROM trades
		WHERE timestamp >= ? AND (? = '' OR symbol = ?)
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, formatTime(since), symbol, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			t                                     models.Trade
			ts, side, posSide, orderType, status string
			clientOrderID                         sql.NullString
		)
		if err := rows.Scan(&t.ID, &ts, &t.Symbol, &side, &posSide, &orderType, &t.Quantity, &t.Price,
			&t.Notional, &t.OrderID, &clientOrderID, &t.RealizedPnL, &t.Commission, &status); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if t.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		t.Side = models.OrderSide(side)
		t.PositionSide = models.PositionSide(posSide)
		t.OrderType = models.OrderType(orderType)
		t.Status = models.TradeStatus(status)
		t.ClientOrderID = clientOrderID.String
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return trades, nil
}

// RefreshDailyStats 重新计算当日统计 / Recompute the UTC day's stats from the trades table
// 汇总所有交易对当日成交并写入daily_stats表
// Summarizes every trade of the day across symbols and upserts daily_stats
//
// Parameters:
//   - day: 当日任意时刻 / Any instant within the UTC day
//
// Returns:
//   - *models.DailyStats: 当日统计 / Stats of the day
//   - error: 查询或写入失败时返回错误 / Error on query or write failure
func (s *Storage) RefreshDailyStats(ctx context.Context, day time.Time) (*models.DailyStats, error) {
	start := models.StartOfDay(day)

	trades, err := s.TradesSince(ctx, "", start)
	if err != nil {
		return nil, err
	}
	stats := models.SummarizeTrades(start, trades)

	query := `
		INSERT INTO daily_stats (date, total_volume, num_trades, realized_pnl, fees_paid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_volume = excluded.total_volume,
			num_trades = excluded.num_trades,
			realized_pnl = excluded.realized_pnl,
			fees_paid = excluded.fees_paid,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		start.Format("2006-01-02"),
		stats.TotalVolume,
		stats.NumTrades,
		stats.RealizedPnL,
		stats.FeesPaid,
		formatTime(time.Now()),
	); err != nil {
		return nil, fmt.Errorf("failed to upsert daily stats: %w", err)
	}

	return &stats, nil
}

// InsertAccountBalance 插入账户余额快照 / Insert account balance snapshot
func (s *Storage) InsertAccountBalance(ctx context.Context, balance *models.AccountBalance) error {
	if err := balance.Validate(); err != nil {
		return fmt.Errorf("invalid account balance: %w", err)
	}

	query := `
		INSERT INTO account_balances (timestamp, asset, balance, available, unrealized_pnl)
		VALUES (?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		formatTime(balance.Timestamp),
		balance.Asset,
		balance.Balance,
		balance.Available,
		balance.UnrealizedPnL,
	); err != nil {
		return fmt.Errorf("failed to insert account balance: %w", err)
	}
	return nil
}

// LatestAccountBalance 最新余额快照 / Latest balance snapshot of an asset
// 不存在时返回 ErrNotFound / Returns ErrNotFound when none was recorded
func (s *Storage) LatestAccountBalance(ctx context.Context, asset string) (*models.AccountBalance, error) {
	query := `
		SELECT timestamp, asset, balance, available, unrealized_pnl
		FROM account_balances
		WHERE asset = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`

	var (
		b  models.AccountBalance
		ts string
	)
	err := s.db.QueryRowContext(ctx, query, asset).Scan(&ts, &b.Asset, &b.Balance, &b.Available, &b.UnrealizedPnL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("balance of %s: %w", asset, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	if b.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return &b, nil
}

// Close 关闭数据库连接 / Close database connection
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck 健康检查 / Health check for database connectivity
func (s *Storage) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
