package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.JournalRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/donchianbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single connection serializes writers; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite journal ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY,
		client_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		intent TEXT NOT NULL,
		requested_size REAL NOT NULL,
		requested_price REAL NOT NULL,
		filled_size REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		exchange_order_id INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		size REAL NOT NULL,
		initial_size REAL NOT NULL,
		stop_price REAL NOT NULL,
		initial_risk REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_price REAL NOT NULL DEFAULT 0,
		exit_time TIMESTAMP DEFAULT NULL,
		status TEXT NOT NULL,
		realized_pnl REAL NOT NULL DEFAULT 0,
		entry_fee REAL NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL DEFAULT '',
		entry_order_id INTEGER NOT NULL DEFAULT 0,
		partial_taken INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ledger_id INTEGER NOT NULL,
		position_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		size REAL NOT NULL,
		pnl REAL NOT NULL,
		fees REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NULL
	);

	CREATE TABLE IF NOT EXISTS equity_curve (
		time TIMESTAMP PRIMARY KEY,
		equity REAL NOT NULL,
		realized REAL NOT NULL,
		unrealized REAL NOT NULL,
		drawdown REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		equity REAL NOT NULL,
		drawdown REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_exit_time ON trades (symbol, exit_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// SaveOrder inserts or updates an order keyed by its ledger ID.
func (r *Repository) SaveOrder(ctx context.Context, o *domain.Order) error {
	const query = `
	INSERT INTO orders (id, client_id, symbol, side, type, intent, requested_size, requested_price,
	                    filled_size, avg_fill_price, status, exchange_order_id, reason, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		filled_size = excluded.filled_size,
		avg_fill_price = excluded.avg_fill_price,
		status = excluded.status,
		exchange_order_id = excluded.exchange_order_id,
		reason = excluded.reason,
		updated_at = excluded.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		o.ID, o.ClientID, o.Symbol, string(o.Side), string(o.Type), string(o.Intent), o.RequestedSize, o.RequestedPrice,
		o.FilledSize, o.AvgFillPrice, string(o.Status), o.ExchangeOrderID, o.Reason, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: failed to save order %d: %w", ports.ErrUpdateFailed, o.ID, err)
	}
	r.logger.Debug(ctx, "Order saved", map[string]interface{}{"orderID": o.ID, "status": string(o.Status)})
	return nil
}

// SavePosition inserts or updates a position keyed by its ledger ID.
func (r *Repository) SavePosition(ctx context.Context, p *domain.Position) error {
	const query = `
	INSERT INTO positions (id, symbol, side, entry_price, size, initial_size, stop_price, initial_risk,
	                       entry_time, exit_price, exit_time, status, realized_pnl, entry_fee,
	                       close_reason, entry_order_id, partial_taken)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		size = excluded.size,
		stop_price = excluded.stop_price,
		exit_price = excluded.exit_price,
		exit_time = excluded.exit_time,
		status = excluded.status,
		realized_pnl = excluded.realized_pnl,
		close_reason = excluded.close_reason,
		partial_taken = excluded.partial_taken`

	var exitTime sql.NullTime
	if !p.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: p.ExitTime, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.Symbol, string(p.Side), p.EntryPrice, p.Size, p.InitialSize, p.StopPrice, p.InitialRisk,
		p.EntryTime, p.ExitPrice, exitTime, string(p.Status), p.RealizedPNL, p.EntryFee,
		string(p.CloseReason), p.EntryOrderID, p.PartialTaken)
	if err != nil {
		return fmt.Errorf("%w: failed to save position %d for %s: %w", ports.ErrUpdateFailed, p.ID, p.Symbol, err)
	}
	r.logger.Debug(ctx, "Position saved", map[string]interface{}{"positionID": p.ID, "symbol": p.Symbol, "status": string(p.Status)})
	return nil
}

// SaveTrade appends a trade and returns its storage ID.
func (r *Repository) SaveTrade(ctx context.Context, t *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (ledger_id, position_id, symbol, side, entry_price, exit_price, size, pnl, fees,
	                    entry_time, exit_time, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		t.ID, t.PositionID, t.Symbol, string(t.Side), t.EntryPrice, t.ExitPrice, t.Size, t.PNL, t.Fees,
		t.EntryTime, t.ExitTime, string(t.CloseReason))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to insert trade for symbol %s: %w", ports.ErrUpdateFailed, t.Symbol, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for trade %s: %w", t.Symbol, err)
	}
	r.logger.Debug(ctx, "Trade saved", map[string]interface{}{"tradeID": id, "symbol": t.Symbol, "pnl": t.PNL})
	return id, nil
}

// SaveEquityPoint records an equity sample; a sample at an existing time replaces it.
func (r *Repository) SaveEquityPoint(ctx context.Context, p domain.EquityPoint) error {
	const query = `
	INSERT INTO equity_curve (time, equity, realized, unrealized, drawdown)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(time) DO UPDATE SET
		equity = excluded.equity,
		realized = excluded.realized,
		unrealized = excluded.unrealized,
		drawdown = excluded.drawdown`

	if _, err := r.db.ExecContext(ctx, query, p.Time.UTC(), p.Equity, p.Realized, p.Unrealized, p.Drawdown); err != nil {
		return fmt.Errorf("%w: failed to save equity point: %w", ports.ErrUpdateFailed, err)
	}
	return nil
}

// SaveRiskEvent appends a risk event.
func (r *Repository) SaveRiskEvent(ctx context.Context, e domain.RiskEvent) error {
	const query = `
	INSERT INTO risk_events (time, kind, symbol, detail, equity, drawdown)
	VALUES (?, ?, ?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, query, e.Time, string(e.Kind), e.Symbol, e.Detail, e.Equity, e.Drawdown); err != nil {
		return fmt.Errorf("%w: failed to save risk event %s: %w", ports.ErrUpdateFailed, e.Kind, err)
	}
	return nil
}

// FindOpenPositions returns every open position.
func (r *Repository) FindOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	const query = `
	SELECT id, symbol, side, entry_price, size, initial_size, stop_price, initial_risk, entry_time,
	       exit_price, exit_time, status, realized_pnl, entry_fee, close_reason, entry_order_id, partial_taken
	FROM positions
	WHERE status = ?
	ORDER BY symbol`

	rows, err := r.db.QueryContext(ctx, query, string(domain.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query open positions: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// FindTrades retrieves the most recent trades for a symbol ("" for all), newest first.
func (r *Repository) FindTrades(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT ledger_id, position_id, symbol, side, entry_price, exit_price, size, pnl, fees,
	       entry_time, exit_time, close_reason
	FROM trades
	WHERE (? = '' OR symbol = ?)
	ORDER BY exit_time DESC, id DESC LIMIT ?`

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := r.db.QueryContext(ctx, query, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query trades for symbol %q: %w", ports.ErrQueryFailed, symbol, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// GetTotalProfit sums the PNL of all recorded trades.
func (r *Repository) GetTotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(pnl), 0) FROM trades`
	var totalProfit float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&totalProfit); err != nil {
		return 0, fmt.Errorf("%w: failed to calculate total profit: %w", ports.ErrQueryFailed, err)
	}
	return totalProfit, nil
}

// LastIDs returns the highest ledger IDs recorded.
func (r *Repository) LastIDs(ctx context.Context) (ports.JournalIDs, error) {
	const query = `
	SELECT (SELECT COALESCE(MAX(id), 0) FROM orders),
	       (SELECT COALESCE(MAX(id), 0) FROM positions),
	       (SELECT COALESCE(MAX(ledger_id), 0) FROM trades)`
	var ids ports.JournalIDs
	if err := r.db.QueryRowContext(ctx, query).Scan(&ids.Order, &ids.Position, &ids.Trade); err != nil {
		return ids, fmt.Errorf("%w: failed to read last IDs: %w", ports.ErrQueryFailed, err)
	}
	return ids, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		exitTime                  sql.NullTime
		side, status, closeReason string
	)
	err := s.Scan(
		&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.Size, &p.InitialSize, &p.StopPrice, &p.InitialRisk, &p.EntryTime,
		&p.ExitPrice, &exitTime, &status, &p.RealizedPNL, &p.EntryFee, &closeReason, &p.EntryOrderID, &p.PartialTaken)
	if err != nil {
		return nil, err
	}
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	return p, nil
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var (
		side        string
		closeReason sql.NullString
	)
	err := s.Scan(
		&t.ID, &t.PositionID, &t.Symbol, &side, &t.EntryPrice, &t.ExitPrice, &t.Size, &t.PNL, &t.Fees,
		&t.EntryTime, &t.ExitTime, &closeReason)
	if err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	if closeReason.Valid && closeReason.String != "" {
		t.CloseReason = domain.CloseReason(closeReason.String)
	} else {
		t.CloseReason = domain.CloseReasonUnknown
	}
	return t, nil
}
