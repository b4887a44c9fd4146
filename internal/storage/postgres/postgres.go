// Package postgres records signals, trades and portfolio snapshots in
// PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// ErrDuplicateKey is returned when a record with the same event id exists.
var ErrDuplicateKey = errors.New("postgres: duplicate event id")

// Store implements storage.RecordWriter over a pgx pool.
type Store struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var _ storage.RecordWriter = (*Store)(nil)

// Open connects to dsn, verifies the connection and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Str("host", config.ConnConfig.Host).Str("database", config.ConnConfig.Database).
		Msg("postgres: record store ready")
	return s, nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// migrate applies the embedded SQL files in lexical order. Migrations are
// idempotent.
func (s *Store) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, what, query string, args ...any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return storage.ErrClosed
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, what)
		}
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return nil
}

// RecordSignal inserts a signal.
func (s *Store) RecordSignal(ctx context.Context, sig bus.Signal) error {
	factors, err := json.Marshal(nonNil(sig.Factors))
	if err != nil {
		return fmt.Errorf("encode factors: %w", err)
	}
	return s.exec(ctx, "signal", `
		INSERT INTO strategy_signals (
			event_id, experiment_id, token_address, chain, symbol, action, strategy_id,
			cards, price, factors, executed, reason, failure, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sig.EventID, sig.ExperimentID, sig.TokenAddress, sig.Chain, sig.Symbol, sig.Action, sig.StrategyID,
		sig.Cards, sig.Price, factors, sig.Executed, sig.Reason, sig.Failure, sig.Timestamp,
	)
}

// RecordTrade inserts a trade.
func (s *Store) RecordTrade(ctx context.Context, t bus.Trade) error {
	change, err := json.Marshal(t.CardChange)
	if err != nil {
		return fmt.Errorf("encode card change: %w", err)
	}
	return s.exec(ctx, "trade", `
		INSERT INTO trades (
			event_id, experiment_id, signal_id, token_address, chain, symbol, direction,
			strategy_id, mode, amount, price, fill_price, filled_amount, value, fee,
			success, error, tx_id, card_change, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		t.EventID, t.ExperimentID, t.SignalID, t.TokenAddress, t.Chain, t.Symbol, t.Direction,
		t.StrategyID, t.Mode, t.Amount.String(), t.Price, t.FillPrice, t.FilledAmount.String(),
		t.Value.String(), t.Fee.String(), t.Success, t.Error, t.TxID, change, t.Timestamp,
	)
}

// SnapshotPortfolio inserts a portfolio snapshot.
func (s *Store) SnapshotPortfolio(ctx context.Context, snap bus.PortfolioSnapshot) error {
	positions := snap.Positions
	if positions == nil {
		positions = []bus.PositionSnapshot{}
	}
	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	return s.exec(ctx, "portfolio snapshot", `
		INSERT INTO portfolio_snapshots (
			event_id, experiment_id, cash, positions_value, total_value, open_positions,
			positions, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		snap.EventID, snap.ExperimentID, snap.Cash.String(), snap.PositionsValue.String(),
		snap.TotalValue.String(), snap.OpenPositions, data, snap.Timestamp,
	)
}

// TradeSummary aggregates an experiment's successful trades.
type TradeSummary struct {
	Buys      int
	Sells     int
	SpentBNB  decimal.Decimal
	ReturnBNB decimal.Decimal
}

// Summary aggregates the successful trades of experimentID.
func (s *Store) Summary(ctx context.Context, experimentID string) (TradeSummary, error) {
	var (
		sum           TradeSummary
		spent, gotten string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE direction = 'buy'),
			COUNT(*) FILTER (WHERE direction = 'sell'),
			COALESCE(SUM(value) FILTER (WHERE direction = 'buy'), 0)::text,
			COALESCE(SUM(value) FILTER (WHERE direction = 'sell'), 0)::text
		FROM trades
		WHERE experiment_id = $1 AND success`, experimentID,
	).Scan(&sum.Buys, &sum.Sells, &spent, &gotten)
	if err != nil {
		return TradeSummary{}, fmt.Errorf("summarize trades: %w", err)
	}
	if sum.SpentBNB, err = decimal.NewFromString(spent); err != nil {
		return TradeSummary{}, fmt.Errorf("parse spent: %w", err)
	}
	if sum.ReturnBNB, err = decimal.NewFromString(gotten); err != nil {
		return TradeSummary{}, fmt.Errorf("parse returned: %w", err)
	}
	return sum, nil
}

// Close closes the pool. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}

func nonNil(f map[string]float64) map[string]float64 {
	if f == nil {
		return map[string]float64{}
	}
	return f
}
