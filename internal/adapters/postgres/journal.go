// Package postgres implements ports.JournalRepository on PostgreSQL via pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds connection parameters for the journal.
type Config struct {
	DSN      string
	MaxConns int
	Logger   ports.Logger
}

// Journal stores the trading audit trail in PostgreSQL.
type Journal struct {
	pool   *pgxpool.Pool
	logger ports.Logger
}

// New connects, pings and applies pending migrations.
func New(ctx context.Context, cfg Config) (*Journal, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for postgres journal")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%w: postgres DSN is required", ports.ErrConfigurationError)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: parse config: %w", ports.ErrConfigurationError, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: postgres: connect: %w", ports.ErrDBConnection, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: postgres: ping: %w", ports.ErrDBConnection, err)
	}

	j := &Journal{pool: pool, logger: cfg.Logger}
	if err := j.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	cfg.Logger.Info(ctx, "PostgreSQL journal ready", map[string]interface{}{"maxConns": poolCfg.MaxConns})
	return j, nil
}

// runMigrations applies the embedded SQL files in lexicographic order and
// records them in schema_migrations.
func (j *Journal) runMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := j.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	names, err := migrationNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		var exists bool
		if err := j.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", name,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", name, err)
		}
		if exists {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", name, err)
		}

		tx, err := j.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", name, err)
		}
		j.logger.Info(ctx, "Applied migration", map[string]interface{}{"file": name})
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close shuts down the connection pool.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}

// classify maps pgx failures onto the storage sentinels.
func classify(base error, op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: postgres: %s: %w", ports.ErrDuplicateEntry, op, err)
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: postgres: %s: %w", ports.ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: postgres: %s: %w", base, op, err)
}

// SaveOrder inserts or updates an order keyed by its ledger ID.
func (j *Journal) SaveOrder(ctx context.Context, o *domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, client_id, symbol, side, type, intent, requested_size, requested_price,
			filled_size, avg_fill_price, status, exchange_order_id, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			filled_size       = EXCLUDED.filled_size,
			avg_fill_price    = EXCLUDED.avg_fill_price,
			status            = EXCLUDED.status,
			exchange_order_id = EXCLUDED.exchange_order_id,
			reason            = EXCLUDED.reason,
			updated_at        = EXCLUDED.updated_at`

	_, err := j.pool.Exec(ctx, query,
		o.ID, o.ClientID, o.Symbol, string(o.Side), string(o.Type), string(o.Intent),
		o.RequestedSize, o.RequestedPrice, o.FilledSize, o.AvgFillPrice, string(o.Status),
		o.ExchangeOrderID, o.Reason, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return classify(ports.ErrUpdateFailed, fmt.Sprintf("save order %d", o.ID), err)
	}
	return nil
}

// SavePosition inserts or updates a position keyed by its ledger ID.
func (j *Journal) SavePosition(ctx context.Context, p *domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, side, entry_price, size, initial_size, stop_price, initial_risk,
			entry_time, exit_price, exit_time, status, realized_pnl, entry_fee,
			close_reason, entry_order_id, partial_taken
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			size          = EXCLUDED.size,
			stop_price    = EXCLUDED.stop_price,
			exit_price    = EXCLUDED.exit_price,
			exit_time     = EXCLUDED.exit_time,
			status        = EXCLUDED.status,
			realized_pnl  = EXCLUDED.realized_pnl,
			close_reason  = EXCLUDED.close_reason,
			partial_taken = EXCLUDED.partial_taken`

	var exitTime *time.Time
	if !p.ExitTime.IsZero() {
		exitTime = &p.ExitTime
	}
	_, err := j.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side), p.EntryPrice, p.Size, p.InitialSize, p.StopPrice, p.InitialRisk,
		p.EntryTime, p.ExitPrice, exitTime, string(p.Status), p.RealizedPNL, p.EntryFee,
		string(p.CloseReason), p.EntryOrderID, p.PartialTaken,
	)
	if err != nil {
		return classify(ports.ErrUpdateFailed, fmt.Sprintf("save position %d", p.ID), err)
	}
	return nil
}

// SaveTrade appends a trade and returns its storage ID.
func (j *Journal) SaveTrade(ctx context.Context, t *domain.Trade) (int64, error) {
	const query = `
		INSERT INTO trades (
			ledger_id, position_id, symbol, side, entry_price, exit_price, size, pnl, fees,
			entry_time, exit_time, close_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	var id int64
	err := j.pool.QueryRow(ctx, query,
		t.ID, t.PositionID, t.Symbol, string(t.Side), t.EntryPrice, t.ExitPrice, t.Size, t.PNL, t.Fees,
		t.EntryTime, t.ExitTime, string(t.CloseReason),
	).Scan(&id)
	if err != nil {
		return 0, classify(ports.ErrUpdateFailed, "insert trade for "+t.Symbol, err)
	}
	return id, nil
}

// SaveEquityPoint records an equity sample; a sample at an existing time replaces it.
func (j *Journal) SaveEquityPoint(ctx context.Context, p domain.EquityPoint) error {
	const query = `
		INSERT INTO equity_curve (time, equity, realized, unrealized, drawdown)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (time) DO UPDATE SET
			equity     = EXCLUDED.equity,
			realized   = EXCLUDED.realized,
			unrealized = EXCLUDED.unrealized,
			drawdown   = EXCLUDED.drawdown`

	if _, err := j.pool.Exec(ctx, query, p.Time, p.Equity, p.Realized, p.Unrealized, p.Drawdown); err != nil {
		return classify(ports.ErrUpdateFailed, "save equity point", err)
	}
	return nil
}

// SaveRiskEvent appends a risk event.
func (j *Journal) SaveRiskEvent(ctx context.Context, e domain.RiskEvent) error {
	const query = `
		INSERT INTO risk_events (time, kind, symbol, detail, equity, drawdown)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := j.pool.Exec(ctx, query, e.Time, string(e.Kind), e.Symbol, e.Detail, e.Equity, e.Drawdown); err != nil {
		return classify(ports.ErrUpdateFailed, "save risk event", err)
	}
	return nil
}

const positionSelectCols = `id, symbol, side, entry_price, size, initial_size, stop_price, initial_risk,
	entry_time, exit_price, exit_time, status, realized_pnl, entry_fee, close_reason, entry_order_id, partial_taken`

// FindOpenPositions returns every open position.
func (j *Journal) FindOpenPositions(ctx context.Context) ([]*domain.Position, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE status = $1 ORDER BY symbol`,
		string(domain.StatusOpen))
	if err != nil {
		return nil, classify(ports.ErrQueryFailed, "find open positions", err)
	}
	defer rows.Close()

	var positions []*domain.Position
	for rows.Next() {
		var (
			p                         domain.Position
			exitTime                  *time.Time
			side, status, closeReason string
		)
		if err := rows.Scan(
			&p.ID, &p.Symbol, &side, &p.EntryPrice, &p.Size, &p.InitialSize, &p.StopPrice, &p.InitialRisk,
			&p.EntryTime, &p.ExitPrice, &exitTime, &status, &p.RealizedPNL, &p.EntryFee,
			&closeReason, &p.EntryOrderID, &p.PartialTaken,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		if exitTime != nil {
			p.ExitTime = *exitTime
		}
		p.Side = domain.Side(side)
		p.Status = domain.PositionStatus(status)
		p.CloseReason = domain.CloseReason(closeReason)
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

// FindTrades returns the most recent trades for a symbol ("" for all), newest first.
func (j *Journal) FindTrades(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	query := `
		SELECT ledger_id, position_id, symbol, side, entry_price, exit_price, size, pnl, fees,
		       entry_time, exit_time, close_reason
		FROM trades
		WHERE ($1::text = '' OR symbol = $1::text)
		ORDER BY exit_time DESC, id DESC`
	args := []any{symbol}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := j.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(ports.ErrQueryFailed, "find trades", err)
	}
	trades, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Trade, error) {
		var (
			t                 domain.Trade
			side, closeReason string
		)
		if err := row.Scan(&t.ID, &t.PositionID, &t.Symbol, &side, &t.EntryPrice, &t.ExitPrice, &t.Size,
			&t.PNL, &t.Fees, &t.EntryTime, &t.ExitTime, &closeReason); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.CloseReason = domain.CloseReason(closeReason)
		if t.CloseReason == "" {
			t.CloseReason = domain.CloseReasonUnknown
		}
		return &t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// GetTotalProfit sums the PNL of all recorded trades.
func (j *Journal) GetTotalProfit(ctx context.Context) (float64, error) {
	var total float64
	if err := j.pool.QueryRow(ctx, `SELECT COALESCE(SUM(pnl), 0) FROM trades`).Scan(&total); err != nil {
		return 0, classify(ports.ErrQueryFailed, "total profit", err)
	}
	return total, nil
}

// LastIDs returns the highest ledger IDs recorded.
func (j *Journal) LastIDs(ctx context.Context) (ports.JournalIDs, error) {
	var ids ports.JournalIDs
	err := j.pool.QueryRow(ctx, `
		SELECT (SELECT COALESCE(MAX(id), 0) FROM orders),
		       (SELECT COALESCE(MAX(id), 0) FROM positions),
		       (SELECT COALESCE(MAX(ledger_id), 0) FROM trades)`,
	).Scan(&ids.Order, &ids.Position, &ids.Trade)
	if err != nil {
		return ids, classify(ports.ErrQueryFailed, "last IDs", err)
	}
	return ids, nil
}
